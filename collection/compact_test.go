package collection

import (
	"fmt"
	"testing"

	"github.com/nectardb/nectar/config"
)

// TestCompactDropsTombstonesAndPreservesLiveDocs forces several logfile
// rotations with a tiny MaximalSize, removes half the documents to build up
// tombstones, then compacts and checks every surviving key still reads back
// correctly and every removed key is still reported as gone.
func TestCompactDropsTombstonesAndPreservesLiveDocs(t *testing.T) {
	_, db := newTestDB(t)
	col, err := db.CreateCollection("C", config.CollectionTypeDocument, false, 256)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	const n = 40
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		if _, err := col.Insert(key, map[string]interface{}{"v": float64(i)}, false, nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	sealedBefore := 0
	for id := range col.logfiles {
		if id != col.ring.ActiveLogfileID() {
			sealedBefore++
		}
	}
	if sealedBefore == 0 {
		t.Fatalf("expected the tiny MaximalSize to force at least one logfile rotation")
	}

	for i := 0; i < n; i += 2 {
		key := fmt.Sprintf("k%d", i)
		if err := col.Remove(key, nil, PolicyLastWrite, false); err != nil {
			t.Fatalf("Remove(%s): %v", key, err)
		}
	}

	if !col.ShouldCompact() {
		t.Fatalf("expected half-tombstoned collection to report ShouldCompact, ratio=%v", col.TombstoneRatio())
	}

	if err := col.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		doc, _, err := col.Read(key)
		if i%2 == 0 {
			if err == nil {
				t.Fatalf("expected %s to stay removed after compaction", key)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Read(%s) after compaction: %v", key, err)
		}
		if doc["v"] != float64(i) {
			t.Fatalf("unexpected document for %s after compaction: %+v", key, doc)
		}
	}

	if col.TombstoneRatio() != 0 {
		t.Fatalf("expected no tombstones left after compaction, got ratio %v", col.TombstoneRatio())
	}

	active := col.ring.ActiveLogfileID()
	for id := range col.logfiles {
		if id == active {
			continue
		}
		name := col.logfileNames[id]
		if len(name) < len("compactor-") || name[:len("compactor-")] != "compactor-" {
			t.Fatalf("expected every sealed logfile to be the compactor output, got %s", name)
		}
	}
}

// TestCompactIsNoopWithoutSealedLogfiles guards against Compact doing
// anything destructive when there is nothing yet to compact.
func TestCompactIsNoopWithoutSealedLogfiles(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	if _, err := col.Insert("k1", map[string]interface{}{"a": float64(1)}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before := len(col.logfiles)
	if err := col.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(col.logfiles) != before {
		t.Fatalf("expected Compact to be a no-op with only the active logfile present")
	}
}
