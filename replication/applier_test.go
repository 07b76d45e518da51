package replication

import (
	"testing"
	"time"

	"github.com/nectardb/nectar/collection"
	"github.com/nectardb/nectar/config"
)

func TestApplierReplicatesCollectionAndDocumentEvents(t *testing.T) {
	sc, source := newTestDatabase(t, "source")
	logger, err := Open(sc, source)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	source.SetReplicationSink(logger)

	col, err := source.CreateCollection("orders", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := col.Insert("o1", map[string]interface{}{"total": int64(42)}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := col.Update("o1", map[string]interface{}{"total": int64(43)}, nil, collection.PolicyLastWrite, false); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, follower := newTestDatabase(t, "follower")
	applier := NewApplier(sc, t.TempDir(), follower, config.DefaultApplierConfig(), InProcessSource{Logger: logger})
	applier.Start()
	defer applier.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc, ok := follower.CollectionByName("orders"); ok {
			var doc map[string]interface{}
			fc.Walk(func(key string, d map[string]interface{}, _ uint64) bool {
				if key == "o1" {
					doc = d
				}
				return true
			})
			if doc != nil {
				if total, ok := doc["total"].(float64); ok && total == 43 {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("applier did not replicate the updated document within the deadline")
}

func TestApplierRemoveEventDeletesDocument(t *testing.T) {
	sc, source := newTestDatabase(t, "source2")
	logger, err := Open(sc, source)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	source.SetReplicationSink(logger)

	col, err := source.CreateCollection("tasks", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := col.Insert("t1", map[string]interface{}{"done": false}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := col.Remove("t1", nil, collection.PolicyLastWrite, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	_, follower := newTestDatabase(t, "follower2")
	applier := NewApplier(sc, t.TempDir(), follower, config.DefaultApplierConfig(), InProcessSource{Logger: logger})
	applier.Start()
	defer applier.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fc, ok := follower.CollectionByName("tasks"); ok {
			found := false
			fc.Walk(func(key string, _ map[string]interface{}, _ uint64) bool {
				if key == "t1" {
					found = true
				}
				return true
			})
			if !found {
				prog := applier.Progress()
				if prog.LastAppliedTick >= logger.LastID() {
					return
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("applier did not replicate the document removal within the deadline")
}
