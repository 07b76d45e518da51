package headerindex

import "testing"

func TestRequestPublishLookup(t *testing.T) {
	idx := New()
	h := idx.Request(64)
	idx.Publish("k1", h)

	got, ok := idx.Lookup("k1")
	if !ok || got != h {
		t.Fatalf("expected to find k1")
	}
	if idx.Count() != 1 {
		t.Fatalf("count = %d, want 1", idx.Count())
	}
	if idx.Size() != 64 {
		t.Fatalf("size = %d, want 64", idx.Size())
	}
	if idx.Front() != h || idx.Back() != h {
		t.Fatalf("expected single header at both ends")
	}
}

func TestMoveBackReordersToTail(t *testing.T) {
	idx := New()
	h1 := idx.Request(10)
	idx.Publish("a", h1)
	h2 := idx.Request(20)
	idx.Publish("b", h2)

	if idx.Back() != h2 {
		t.Fatalf("expected b at tail before update")
	}

	idx.MoveBack(h1, 30)
	if idx.Back() != h1 {
		t.Fatalf("expected a at tail after update")
	}
	if idx.Size() != 50 {
		t.Fatalf("size = %d, want 50", idx.Size())
	}
}

func TestUnlinkKeepsHeaderValidButOffList(t *testing.T) {
	idx := New()
	h := idx.Request(8)
	idx.Publish("a", h)
	idx.Unlink(h)

	if idx.Count() != 0 {
		t.Fatalf("count = %d, want 0 after unlink", idx.Count())
	}
	// still published: a remove unlinks the header to make it a tombstone,
	// but the header itself must stay valid until Release.
	got, ok := idx.Lookup("a")
	if !ok || got != h {
		t.Fatalf("expected header to remain published after unlink")
	}
}

func TestRelinkRestoresSnapshot(t *testing.T) {
	idx := New()
	h1 := idx.Request(10)
	idx.Publish("a", h1)
	h2 := idx.Request(20)
	idx.Publish("b", h2)

	snap := SnapshotOf(h2)
	idx.MoveBack(h2, 25) // simulate an update, then undo it
	if err := idx.Relink(h2, snap); err != nil {
		t.Fatalf("relink: %v", err)
	}
	if idx.Size() != 30 {
		t.Fatalf("size = %d, want 30 after relink", idx.Size())
	}
}

func TestReleaseReturnsToFreeListAndUnpublishes(t *testing.T) {
	idx := New()
	h := idx.Request(8)
	idx.Publish("a", h)
	idx.Release(h, true)

	if _, ok := idx.Lookup("a"); ok {
		t.Fatalf("expected key removed after release")
	}
	if idx.Count() != 0 {
		t.Fatalf("count = %d, want 0", idx.Count())
	}

	// a subsequent Request should recycle the freed header rather than
	// allocating a fresh block entry.
	h2 := idx.Request(4)
	if h2 != h {
		t.Fatalf("expected recycled header")
	}
}

func TestGrowFreeListOnExhaustion(t *testing.T) {
	idx := New()
	headers := make([]*Header, 0, initialBlock+1)
	for i := 0; i < initialBlock+1; i++ {
		headers = append(headers, idx.Request(1))
	}
	if idx.Count() != initialBlock+1 {
		t.Fatalf("count = %d, want %d", idx.Count(), initialBlock+1)
	}
}
