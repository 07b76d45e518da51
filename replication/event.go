// Package replication implements C6: a logger that serializes committed
// mutations into a durable, totally-ordered event stream (a system
// collection within the source database), and an applier that replays that
// stream onto a follower (spec.md §4.6).
//
// Grounded on the teacher's own replication-adjacent plumbing: storage/wal.go's
// event channel feeding a change-stream subscriber is the closest analogue
// the teacher has to a logger, generalized here from an in-memory fan-out
// channel to a durable, re-playable collection. The applier's poll loop is
// grounded on cuemby-warren's reconciliation loops (pkg/worker) for the
// adaptive-sleep/backoff shape, with github.com/cenkalti/backoff/v4 (present
// in the pack via AKJUS-bsc-erigon's go.mod) doing the actual transient-error
// backoff math instead of a hand-rolled delay ladder.
package replication

import (
	"encoding/json"

	"github.com/nectardb/nectar/collection"
)

// Event-type keys, stable strings per spec.md §4.6's taxonomy table.
const (
	EventTransactionStart  = "transaction-start"
	EventTransactionCommit = "transaction-commit"
	EventCollectionCreate  = "collection-create"
	EventCollectionDrop    = "collection-drop"
	EventCollectionRename  = "collection-rename"
	EventCollectionChange  = "collection-change"
	EventIndexCreate       = "index-create"
	EventIndexDrop         = "index-drop"
	EventDocumentInsert    = "document-insert"
	EventDocumentUpdate    = "document-update"
	EventDocumentRemove    = "document-remove"
	EventReplicationStop   = "replication-stop"
)

// Event is one entry of the replication log, shaped to carry any of the
// taxonomy's payloads without a union type: unused fields are omitted from
// the wire form. Tick doubles as the event's primary key in the log
// collection (spec.md §4.6: "its primary key is the event's tick").
type Event struct {
	Tick uint64 `json:"tick"`
	Type string `json:"type"`

	TID uint64               `json:"tid,omitempty"`
	Ops []collection.TxCollOp `json:"ops,omitempty"`

	CID     uint64 `json:"cid,omitempty"`
	Name    string `json:"name,omitempty"`
	NewName string `json:"newName,omitempty"`

	IndexDescriptor json.RawMessage `json:"indexDescriptor,omitempty"`

	Key    string                 `json:"key,omitempty"`
	OldRev *uint64                `json:"oldRev,omitempty"`
	Doc    map[string]interface{} `json:"doc,omitempty"`

	LastID uint64 `json:"lastId,omitempty"`
}

// toDoc renders ev as the plain map collection.Insert expects, with tick
// supplied by the caller (the logger mints it from the shared tick source
// right before writing, so it cannot be set ahead of time by the event's
// producer). Every leaf value is restricted to the scalar/collection types
// shaper.ToShaped knows how to encode (nil, bool, int64, float64, string,
// []interface{}, map[string]interface{}) — the Event struct's uint64 fields
// and typed Ops/IndexDescriptor values never reach ToShaped directly.
func (ev Event) toDoc() map[string]interface{} {
	d := map[string]interface{}{
		"tick": int64(ev.Tick),
		"type": ev.Type,
	}
	if ev.TID != 0 {
		d["tid"] = int64(ev.TID)
	}
	if ev.Ops != nil {
		ops := make([]interface{}, len(ev.Ops))
		for i, op := range ev.Ops {
			ops[i] = map[string]interface{}{
				"cid":            int64(op.CID),
				"operationCount": int64(op.OperationCount),
			}
		}
		d["ops"] = ops
	}
	if ev.CID != 0 {
		d["cid"] = int64(ev.CID)
	}
	if ev.Name != "" {
		d["name"] = ev.Name
	}
	if ev.NewName != "" {
		d["newName"] = ev.NewName
	}
	if ev.IndexDescriptor != nil {
		var generic interface{}
		if err := json.Unmarshal(ev.IndexDescriptor, &generic); err == nil {
			d["indexDescriptor"] = generic
		}
	}
	if ev.Key != "" {
		d["key"] = ev.Key
	}
	if ev.OldRev != nil {
		d["oldRev"] = int64(*ev.OldRev)
	}
	if ev.Doc != nil {
		d["doc"] = ev.Doc
	}
	if ev.LastID != 0 {
		d["lastId"] = int64(ev.LastID)
	}
	return d
}
