// Package collection implements the transaction and collection layer
// described in spec.md §4.4 (C4): per-collection document CRUD driven
// through transactions, wired to the header index (C3), the WAL slot ring
// (C5), the shaper (C2), and the secondary-index callback set.
//
// Grounded on the teacher's table/shard pair (storage/table.go,
// storage/shard.go) for the collection/partition split and write-lock
// discipline, and on storage/transaction.go for the nesting-level
// transaction object shared across a call stack.
package collection

import (
	"github.com/nectardb/nectar/headerindex"
)

// Policy controls how update/remove behave when expected-rev disagrees with
// the stored revision (spec.md §4.4).
type Policy uint8

const (
	PolicyError Policy = iota
	PolicyLastWrite
	PolicyIllegal
)

// AccessMode is how a transaction touches one collection.
type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// Hints are per-transaction behavior flags (spec.md §4.4).
type Hints uint8

const (
	// HintSingleOperation elides the transaction-begin/-commit replication
	// markers for a transaction that will only ever perform one operation.
	HintSingleOperation Hints = 1 << iota
)

func (h Hints) Has(flag Hints) bool { return h&flag != 0 }

// EdgeFields are the `_from`/`_to` pointers an edge-collection document
// carries in addition to its ordinary attributes.
type EdgeFields struct {
	FromCID uint64
	FromKey string
	ToCID   uint64
	ToKey   string
}

// MPtr is the master pointer returned to callers of insert/update/remove —
// the handle a caller needs to locate a document's current header.
type MPtr struct {
	Key      string
	Revision uint64
	FID      uint64
	Offset   int64
	Edge     *EdgeFields
}

func mptrFromHeader(h *headerindex.Header, edge *EdgeFields) MPtr {
	return MPtr{Key: h.Key, Revision: h.Revision, FID: h.FID, Offset: h.Offset, Edge: edge}
}

// TxCollOp is one collection's contribution to a transaction-start/-commit
// replication event: how many operations it saw (spec.md §4.6).
type TxCollOp struct {
	CID            uint64 `json:"cid"`
	OperationCount int    `json:"operationCount"`
}

// ReplicationSink is the minimal interface collection drives replication
// through. The concrete implementation (package replication) writes these
// into a system collection; collection never imports that package directly,
// avoiding an import cycle (replication, in turn, applies events by calling
// back into collection.Database).
type ReplicationSink interface {
	EmitTransactionStart(tid uint64, ops []TxCollOp) error
	EmitTransactionCommit(tid uint64, ops []TxCollOp) error
	EmitCollectionEvent(kind string, cid uint64, name, newName string) error
	EmitIndexEvent(kind string, cid uint64, descriptorJSON []byte) error
	EmitDocumentEvent(kind string, cid uint64, key string, oldRev *uint64, doc map[string]interface{}) error
}
