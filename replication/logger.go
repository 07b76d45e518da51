package replication

import (
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/nectardb/nectar/collection"
	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/server"
)

// SystemCollectionName is the dedicated system collection every event is
// appended to as a document, keyed by its tick (spec.md §4.6).
const SystemCollectionName = "_replication"

// Logger implements collection.ReplicationSink over a dedicated system
// collection. It satisfies spec.md §5's "reader/writer lock guarding
// active, last-id, and the transactional handle to the log collection" with
// a plain sync/atomic-backed state plus the log collection's own write
// lock, which already serializes appends to it.
type Logger struct {
	sc     *server.ServerContext
	db     *collection.Database
	logCol *collection.Collection

	active int32 // atomic bool
	lastID uint64

	// txSeq serializes the transaction-start/transaction-commit pair a
	// single multi-operation transaction writes, so two transactions
	// committing concurrently cannot interleave their bracketing markers
	// (spec.md §4.6: "an uninterrupted contiguous sequence of events").
	txSeq chan struct{}
}

var _ collection.ReplicationSink = (*Logger)(nil)

// Open wires a Logger to db, creating its system collection on first use and
// reopening it (without re-creating it) on subsequent starts. The system
// collection is marked so its own document-insert events never themselves
// get forwarded back through the very sink being constructed.
func Open(sc *server.ServerContext, db *collection.Database) (*Logger, error) {
	logCol, ok := db.CollectionByName(SystemCollectionName)
	if !ok {
		var err error
		logCol, err = db.CreateCollection(SystemCollectionName, config.CollectionTypeDocument, false, 0)
		if err != nil {
			return nil, err
		}
	}
	logCol.MarkSystem()

	l := &Logger{sc: sc, db: db, logCol: logCol, active: 1, txSeq: make(chan struct{}, 1)}
	l.txSeq <- struct{}{}
	l.lastID = l.recoverLastID()
	return l, nil
}

// recoverLastID scans the log collection once at startup to find the
// highest tick already recorded, so LastID reports the last logged event
// after a restart. New primary keys (the event's own tick) come from
// sc.NextTick, which collection recovery has already advanced past every
// replayed marker's tick.
func (l *Logger) recoverLastID() uint64 {
	var max uint64
	l.logCol.Walk(func(key string, _ map[string]interface{}, _ uint64) bool {
		if id, err := strconv.ParseUint(key, 10, 64); err == nil && id > max {
			max = id
		}
		return true
	})
	return max
}

// Active reports whether the logger is currently appending events.
func (l *Logger) Active() bool { return atomic.LoadInt32(&l.active) != 0 }

// SetActive starts or stops the logger. A stopped logger silently drops
// every Emit* call, matching the teacher's pattern of a cheap atomic guard
// ahead of an expensive write rather than tearing the collection down.
func (l *Logger) SetActive(active bool) {
	if active {
		atomic.StoreInt32(&l.active, 1)
	} else {
		atomic.StoreInt32(&l.active, 0)
	}
}

// LastID returns the tick of the most recently appended event.
func (l *Logger) LastID() uint64 { return atomic.LoadUint64(&l.lastID) }

func (l *Logger) append(ev Event) error {
	if !l.Active() {
		return nil
	}
	ev.Tick = l.sc.NextTick()
	key := strconv.FormatUint(ev.Tick, 10)
	if _, err := l.logCol.Insert(key, ev.toDoc(), false, nil); err != nil {
		return err
	}
	atomic.StoreUint64(&l.lastID, ev.Tick)
	atomic.AddUint64(&l.sc.Stats.ReplicationEventsEmitted, 1)
	return nil
}

// EmitTransactionStart implements collection.ReplicationSink. It claims
// txSeq until the matching EmitTransactionCommit releases it, so no other
// transaction's start/commit pair can land between this one's two markers.
func (l *Logger) EmitTransactionStart(tid uint64, ops []collection.TxCollOp) error {
	<-l.txSeq
	return l.append(Event{Type: EventTransactionStart, TID: tid, Ops: ops})
}

// EmitTransactionCommit implements collection.ReplicationSink.
func (l *Logger) EmitTransactionCommit(tid uint64, ops []collection.TxCollOp) error {
	defer func() { l.txSeq <- struct{}{} }()
	return l.append(Event{Type: EventTransactionCommit, TID: tid, Ops: ops})
}

// EmitCollectionEvent implements collection.ReplicationSink for
// create/drop/rename/change.
func (l *Logger) EmitCollectionEvent(kind string, cid uint64, name, newName string) error {
	typ := EventCollectionChange
	switch kind {
	case "create":
		typ = EventCollectionCreate
	case "drop":
		typ = EventCollectionDrop
	case "rename":
		typ = EventCollectionRename
	}
	return l.append(Event{Type: typ, CID: cid, Name: name, NewName: newName})
}

// EmitIndexEvent implements collection.ReplicationSink for index create/drop.
func (l *Logger) EmitIndexEvent(kind string, cid uint64, descriptorJSON []byte) error {
	typ := EventIndexCreate
	if kind == "drop" {
		typ = EventIndexDrop
	}
	return l.append(Event{Type: typ, CID: cid, IndexDescriptor: json.RawMessage(descriptorJSON)})
}

// EmitDocumentEvent implements collection.ReplicationSink for
// insert/update/remove.
func (l *Logger) EmitDocumentEvent(kind string, cid uint64, key string, oldRev *uint64, doc map[string]interface{}) error {
	typ := EventDocumentInsert
	switch kind {
	case "update":
		typ = EventDocumentUpdate
	case "remove":
		typ = EventDocumentRemove
	}
	return l.append(Event{Type: typ, CID: cid, Key: key, OldRev: oldRev, Doc: doc})
}

// Stop appends a replication-stop marker recording the last tick this
// logger produced, and deactivates it. Matches spec.md §3's "replication
// state" last-id bookkeeping and §4.6's replication-stop event.
func (l *Logger) Stop() error {
	last := l.LastID()
	if err := l.append(Event{Type: EventReplicationStop, LastID: last}); err != nil {
		return err
	}
	l.SetActive(false)
	return nil
}

// EventsAfter returns every event with tick strictly greater than afterTick,
// in tick order, up to limit events (0 = unbounded). It is the source side
// of the applier's HTTP poll: an in-process EventSource (see client.go)
// wraps this for an applier running against the same process, and an
// HTTPEventSource wraps a GET endpoint that would, in a full deployment,
// call through to this same method on the server handling the request.
func (l *Logger) EventsAfter(afterTick uint64, limit int) ([]Event, error) {
	var (
		out     []Event
		walkErr error
	)
	l.logCol.Walk(func(key string, doc map[string]interface{}, _ uint64) bool {
		tick, err := strconv.ParseUint(key, 10, 64)
		if err != nil || tick <= afterTick {
			return true
		}
		ev, err := eventFromDoc(doc)
		if err != nil {
			walkErr = err
			return false
		}
		out = append(out, ev)
		return limit <= 0 || len(out) < limit
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return out, nil
}

func eventFromDoc(doc map[string]interface{}) (Event, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return Event{}, errs.Wrap(errs.KindDatafileCorrupted, err, "marshaling replication event for replay")
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, errs.Wrap(errs.KindDatafileCorrupted, err, "decoding replication event")
	}
	return ev, nil
}
