package index

import "testing"

func TestHashIndexUniqueConstraint(t *testing.T) {
	idx, err := New(Descriptor{Kind: KindHash, Fields: []string{"email"}, Unique: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := idx.Insert(Entry{Key: "k1", Values: []interface{}{"a@example.com"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err = idx.Insert(Entry{Key: "k2", Values: []interface{}{"a@example.com"}})
	if err == nil {
		t.Fatalf("expected unique-constraint violation")
	}
}

func TestHashIndexLookup(t *testing.T) {
	h := newHashIndex(Descriptor{Kind: KindHash, Fields: []string{"name"}})
	if err := h.Insert(Entry{Key: "k1", Values: []interface{}{"alice"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got := h.Lookup([]interface{}{"alice"})
	if len(got) != 1 || got[0].Key != "k1" {
		t.Fatalf("lookup = %+v", got)
	}
}

func TestHashIndexUpdateAndRemove(t *testing.T) {
	h := newHashIndex(Descriptor{Kind: KindHash, Fields: []string{"n"}})
	h.Insert(Entry{Key: "k1", Values: []interface{}{1.0}})
	if err := h.Update(Entry{Key: "k1", Values: []interface{}{1.0}}, Entry{Key: "k1", Values: []interface{}{2.0}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(h.Lookup([]interface{}{1.0})) != 0 {
		t.Fatalf("expected old value gone")
	}
	if len(h.Lookup([]interface{}{2.0})) != 1 {
		t.Fatalf("expected new value present")
	}
	h.Remove(Entry{Key: "k1", Values: []interface{}{2.0}})
	if len(h.Lookup([]interface{}{2.0})) != 0 {
		t.Fatalf("expected removed")
	}
}

func TestSkipListIndexRangeOrdered(t *testing.T) {
	s := newSkipListIndex(Descriptor{Kind: KindSkipList, Fields: []string{"age"}})
	for i, age := range []float64{30, 10, 20} {
		s.Insert(Entry{Key: "k" + string(rune('a'+i)), Values: []interface{}{age}})
	}
	var seen []string
	s.Range([]interface{}{10.0}, []interface{}{30.0}, func(e Entry) bool {
		seen = append(seen, e.Key)
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 entries in range, got %v", seen)
	}
}

func TestSkipListIndexUniqueConstraint(t *testing.T) {
	s := newSkipListIndex(Descriptor{Kind: KindSkipList, Fields: []string{"code"}, Unique: true})
	if err := s.Insert(Entry{Key: "k1", Values: []interface{}{"X1"}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(Entry{Key: "k2", Values: []interface{}{"X1"}}); err == nil {
		t.Fatalf("expected unique-constraint violation")
	}
}

func TestNewRejectsUnsupportedKinds(t *testing.T) {
	if _, err := New(Descriptor{Kind: KindGeo}); err == nil {
		t.Fatalf("expected geo index to be rejected")
	}
	if _, err := New(Descriptor{Kind: KindFulltext}); err == nil {
		t.Fatalf("expected fulltext index to be rejected")
	}
}
