package collection

import (
	"sort"

	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
)

// txCollState tracks one collection's participation in a transaction: the
// access mode it was added under and how many operations it has seen.
type txCollState struct {
	col   *Collection
	mode  AccessMode
	count int
}

// txDocEvent is one Insert/Update/Remove's replication event, captured at
// operation time but held until Commit flushes it (spec.md §4.6: document
// events belong inside the transaction's start/commit bracket, not before
// it).
type txDocEvent struct {
	cid    uint64
	kind   string
	key    string
	oldRev *uint64
	doc    map[string]interface{}
}

// Tx is the transaction object spec.md §4.4 describes: shareable across a
// call stack via nesting-level, durable only at the outermost commit.
// Grounded on the teacher's storage/transaction.go nesting-counter object,
// generalized from "one table" to "the sorted set of collections touched".
type Tx struct {
	id      uint64
	hints   Hints
	nesting int

	db     *Database
	cols   map[uint64]*txCollState
	events []txDocEvent
}

// TxID satisfies txctx.Tx so a transaction can be recovered goroutine-
// locally by code that wasn't handed the *Tx directly.
func (t *Tx) TxID() uint64 { return t.id }

// Begin starts a new top-level transaction, minting its id from the same
// monotonic tick source every marker and revision uses (spec.md §4.4
// "Ordering & tie-breaks").
func (db *Database) Begin(hints Hints) *Tx {
	return &Tx{id: db.sc.NextTick(), hints: hints, db: db, cols: make(map[uint64]*txCollState)}
}

// AddCollection registers cid as touched by t under the given access mode.
// Re-adding a collection already in t is a no-op apart from widening its
// access mode from READ to WRITE — one Tx may touch a collection across
// several calls.
func (t *Tx) AddCollection(cid uint64, mode AccessMode) (*Collection, error) {
	if st, ok := t.cols[cid]; ok {
		if mode == AccessWrite {
			st.mode = AccessWrite
		}
		return st.col, nil
	}
	col, ok := t.db.CollectionByCID(cid)
	if !ok {
		return nil, errs.New(errs.KindCollectionNotFound, "no such collection")
	}
	t.cols[cid] = &txCollState{col: col, mode: mode}
	return col, nil
}

// noteOp records one collection-level write for t's eventual
// transaction-commit replication event. Collection write methods call this
// through the collection's reference back to the active transaction
// (txctx.Current), not through a direct Tx method, keeping Insert/Update/
// Remove's signatures free of an explicit *Tx parameter.
func (t *Tx) noteOp(cid uint64) {
	if st, ok := t.cols[cid]; ok {
		st.count++
	}
}

// bufferDocEvent holds one operation's replication event until Commit flushes
// it between the transaction's start and commit markers, instead of letting
// it escape onto the event stream at operation time with a lower tick than
// the bracket it belongs inside (spec.md §4.6, §8 scenario 5).
func (t *Tx) bufferDocEvent(cid uint64, kind, key string, oldRev *uint64, doc map[string]interface{}) {
	t.events = append(t.events, txDocEvent{cid: cid, kind: kind, key: key, oldRev: oldRev, doc: doc})
}

// BeginNested increments t's nesting level — only the outermost Commit is
// durable (spec.md §4.4 "only the top-level commit is durable").
func (t *Tx) BeginNested() { t.nesting++ }

// Commit durably finalizes t. At nesting level > 0 this only decrements the
// level; at level 0 it writes each touched collection's transaction-commit
// marker (skipped entirely under HintSingleOperation), runs PreCommit/
// Cleanup across every index the transaction's collections carry, and
// emits the replication transaction-commit event.
func (t *Tx) Commit() error {
	if t.nesting > 0 {
		t.nesting--
		return nil
	}

	cids := make([]uint64, 0, len(t.cols))
	for cid := range t.cols {
		cids = append(cids, cid)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] }) // deadlock-avoidance order (spec.md §5)

	for _, cid := range cids {
		st := t.cols[cid]
		for _, idx := range st.col.indexes {
			if err := idx.PreCommit(); err != nil {
				t.abortIndexes(cids)
				return err
			}
		}
	}

	var ops []TxCollOp
	for _, cid := range cids {
		ops = append(ops, TxCollOp{CID: cid, OperationCount: t.cols[cid].count})
	}

	// transaction-start and transaction-commit both carry the same final
	// per-collection operation-count summary (spec.md §4.6's worked example
	// shows identical {cid,operations} payloads on both events): the count
	// is only known once every operation has landed, so the two markers are
	// emitted back-to-back here rather than start being emitted at Begin.
	if t.db.replSink != nil && !t.hints.Has(HintSingleOperation) {
		t.db.replSink.EmitTransactionStart(t.id, ops)
		for _, ev := range t.events {
			if err := t.db.replSink.EmitDocumentEvent(ev.kind, ev.cid, ev.key, ev.oldRev, ev.doc); err != nil {
				return err
			}
		}
	}

	for _, cid := range cids {
		st := t.cols[cid]
		if !t.hints.Has(HintSingleOperation) {
			body := txMarkerBody{TID: t.id, Ops: []TxCollOp{{CID: cid, OperationCount: st.count}}}
			st.col.mu.Lock()
			_, err := st.col.appendBody(datafile.MarkerTransactionCommit, body, false)
			st.col.mu.Unlock()
			if err != nil {
				return err
			}
		}
		for _, idx := range st.col.indexes {
			idx.Cleanup()
		}
	}

	if t.db.replSink != nil && !t.hints.Has(HintSingleOperation) {
		t.db.replSink.EmitTransactionCommit(t.id, ops)
	}
	return nil
}

func (t *Tx) abortIndexes(cids []uint64) {
	for _, cid := range cids {
		for _, idx := range t.cols[cid].col.indexes {
			idx.Cleanup()
		}
	}
}

// Abort discards t. Per spec.md §4.4, markers already written by its
// operations stay on disk — they are benign because no commit marker
// follows them — so Abort's only job is releasing index PreCommit state.
func (t *Tx) Abort() error {
	if t.nesting > 0 {
		t.nesting--
		return nil
	}
	for _, st := range t.cols {
		for _, idx := range st.col.indexes {
			idx.Cleanup()
		}
	}
	return nil
}
