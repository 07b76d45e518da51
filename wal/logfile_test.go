package wal

import (
	"testing"

	"github.com/nectardb/nectar/datafile"
)

func TestCreateLogfileWritesHeader(t *testing.T) {
	lf := newTestLogfile(t, 7, 4096)
	if lf.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", lf.State())
	}
	if lf.ID != 7 {
		t.Fatalf("expected logfile id 7, got %d", lf.ID)
	}
}

func TestReserveWriteIterateRoundTrip(t *testing.T) {
	lf := newTestLogfile(t, 1, 64*1024)

	bodies := [][]byte{
		[]byte("first-document"),
		[]byte("second-document-a-little-longer"),
		[]byte("third"),
	}
	for i, body := range bodies {
		marker := datafile.Encode(datafile.MarkerDocument, uint64(i+1), body)
		offset, ok := lf.Reserve(uint32(len(marker)))
		if !ok {
			t.Fatalf("reserve %d: no room", i)
		}
		lf.WriteInto(offset, marker)
	}

	var seen [][]byte
	err := lf.Iterate(func(m datafile.Marker, _ int64) error {
		if m.Type != datafile.MarkerDocument {
			t.Fatalf("unexpected marker type %v", m.Type)
		}
		seen = append(seen, m.Body)
		return nil
	}, true)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != len(bodies) {
		t.Fatalf("expected %d markers, got %d", len(bodies), len(seen))
	}
	for i, body := range bodies {
		if string(seen[i]) != string(body) {
			t.Errorf("marker %d: expected %q, got %q", i, body, seen[i])
		}
	}
}

func TestSealMakesLogfileReadOnly(t *testing.T) {
	lf := newTestLogfile(t, 1, 64*1024)
	marker := datafile.Encode(datafile.MarkerDocument, 1, []byte("payload"))
	offset, ok := lf.Reserve(uint32(len(marker)))
	if !ok {
		t.Fatalf("reserve: no room")
	}
	lf.WriteInto(offset, marker)
	if err := lf.Seal(2); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if lf.State() != StateSealed {
		t.Fatalf("expected StateSealed after seal, got %v", lf.State())
	}
	if _, ok := lf.Reserve(8); ok {
		t.Fatalf("expected reserve on sealed logfile to fail")
	}
}

func TestOpenLogfileRecoversCursorAndState(t *testing.T) {
	h := &memHandle{}
	lf, err := CreateLogfile(h, 1, 64*1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	marker := datafile.Encode(datafile.MarkerDocument, 5, []byte("x"))
	offset, ok := lf.Reserve(uint32(len(marker)))
	if !ok {
		t.Fatalf("reserve: no room")
	}
	lf.WriteInto(offset, marker)
	if err := lf.Persist(0, offset+int64(len(marker))); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reopened, err := OpenLogfile(h, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if reopened.State() != StateOpen {
		t.Fatalf("expected StateOpen for an unsealed journal, got %v", reopened.State())
	}

	var gotTick uint64
	if err := reopened.Iterate(func(m datafile.Marker, _ int64) error {
		gotTick = m.Tick
		return nil
	}, true); err != nil {
		t.Fatalf("iterate after reopen: %v", err)
	}
	if gotTick != 5 {
		t.Fatalf("expected replayed tick 5, got %d", gotTick)
	}
}

// spec.md §4.4: a CRC failure during startup recovery truncates the logfile
// at the last good marker and recovery continues rather than aborting.
func TestOpenLogfileTruncatesAtLastGoodMarkerOnCorruption(t *testing.T) {
	h := &memHandle{}
	lf, err := CreateLogfile(h, 1, 64*1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	good := datafile.Encode(datafile.MarkerDocument, 3, []byte("good-marker"))
	goodOffset, ok := lf.Reserve(uint32(len(good)))
	if !ok {
		t.Fatalf("reserve good marker: no room")
	}
	lf.WriteInto(goodOffset, good)

	torn := datafile.Encode(datafile.MarkerDocument, 4, []byte("torn-marker"))
	tornOffset, ok := lf.Reserve(uint32(len(torn)))
	if !ok {
		t.Fatalf("reserve torn marker: no room")
	}
	torn[len(torn)-1] ^= 0xFF // corrupt the last marker's body without fixing its crc
	lf.WriteInto(tornOffset, torn)

	if err := lf.Persist(0, tornOffset+int64(len(torn))); err != nil {
		t.Fatalf("persist: %v", err)
	}

	reopened, err := OpenLogfile(h, 1)
	if err != nil {
		t.Fatalf("expected OpenLogfile to recover by truncating, got error: %v", err)
	}
	if reopened.State() != StateSealed {
		t.Fatalf("expected truncated logfile to end up sealed, got %v", reopened.State())
	}

	var seen int
	if err := reopened.Iterate(func(m datafile.Marker, _ int64) error {
		seen++
		if string(m.Body) != "good-marker" {
			t.Fatalf("expected only the good marker to survive, got %q", m.Body)
		}
		return nil
	}, false); err != nil {
		t.Fatalf("iterate after truncation: %v", err)
	}
	if seen != 1 {
		t.Fatalf("expected exactly one surviving marker, got %d", seen)
	}
}

func TestIterateSkipsHeaderMarker(t *testing.T) {
	lf := newTestLogfile(t, 1, 4096)
	marker := datafile.Encode(datafile.MarkerDocument, 1, []byte("body"))
	offset, ok := lf.Reserve(uint32(len(marker)))
	if !ok {
		t.Fatalf("reserve: no room")
	}
	lf.WriteInto(offset, marker)

	var types []datafile.MarkerType
	if err := lf.Iterate(func(m datafile.Marker, _ int64) error {
		types = append(types, m.Type)
		return nil
	}, true); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(types) != 1 || types[0] != datafile.MarkerDocument {
		t.Fatalf("expected only the document marker to be visited, got %v", types)
	}
}
