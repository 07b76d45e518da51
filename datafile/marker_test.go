package datafile

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := []byte("hello-marker-body")
	raw := Encode(MarkerDocument, 42, body)
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != MarkerDocument || m.Tick != 42 {
		t.Fatalf("unexpected marker %+v", m)
	}
	if string(m.Body) != string(body) {
		t.Fatalf("expected body %q, got %q", body, m.Body)
	}
}

func TestDecodeDetectsBodyCorruption(t *testing.T) {
	marker := Encode(MarkerDocument, 1, []byte("payload"))
	marker[headerSize] ^= 0xFF // flip a body byte without fixing the crc
	if _, err := Decode(marker); err == nil {
		t.Fatalf("expected crc mismatch to be detected")
	}
}

// The crc must cover size and type too, not just tick and the body — a
// flipped type field with an otherwise-untouched crc must be caught.
func TestDecodeDetectsTypeCorruption(t *testing.T) {
	marker := Encode(MarkerDocument, 1, []byte("payload"))
	marker[4] ^= 0xFF // flip a byte of the type field, leaving crc untouched
	if _, err := Decode(marker); err == nil {
		t.Fatalf("expected type corruption to be detected")
	}
}

func TestDecodeZeroSizeIsEndOfData(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := Decode(raw); err != ErrEndOfData {
		t.Fatalf("expected ErrEndOfData, got %v", err)
	}
}
