package collection

import (
	"encoding/json"

	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/index"
	"github.com/nectardb/nectar/shaper"
)

// attributeNameMarkerBody and shapeMarkerBody are the schema-delta markers
// spec.md §3 names in its marker taxonomy ("attribute-name record", "shape
// record"). A collection writes one of each the first time FindAttributeName
// or FindShape mints a new id, right before the document marker that
// triggered the mint. Recovery replays them in file order ahead of the
// document markers that depend on them, reproducing the identical ids
// because both interning functions are pure functions of call order.
type attributeNameMarkerBody struct {
	Name string `json:"name"`
}

type shapeMarkerBody struct {
	Descriptor shaper.ShapeDescriptor `json:"descriptor"`
}

// docMarkerBody is the body of a MarkerDocument/MarkerEdge marker. datafile
// only frames and checksums a marker (size/type/crc/tick); the body layout
// below is C4's own, encoded with encoding/json exactly the way the teacher
// encodes schema.json — the bit-exact encoding rule (spec.md §4.2) applies
// to the shaped-JSON bytes carried inside Shaped, not to this wrapper.
//
// Revision is deliberately NOT a body field: it equals the marker's own
// outer tick (datafile.Marker.Tick), which already lives in the fixed-width
// common prefix datafile.Encode writes. Duplicating it as a JSON integer
// inside the body would make the body's encoded length depend on the
// revision's digit count, breaking the two-pass size-then-encode sequence
// appendBody uses to fit a marker into a WAL slot reserved before its tick
// is known.
type docMarkerBody struct {
	Key    string    `json:"key"`
	ShapeID uint32   `json:"sid"`
	Shaped []byte    `json:"body"`
	Edge   *edgeBody `json:"edge,omitempty"`
}

type edgeBody struct {
	FromCID uint64 `json:"fromCid"`
	FromKey string `json:"fromKey"`
	ToCID   uint64 `json:"toCid"`
	ToKey   string `json:"toKey"`
}

type deletionMarkerBody struct {
	Key string `json:"key"`
}

type collectionMarkerBody struct {
	CID     uint64 `json:"cid"`
	Name    string `json:"name,omitempty"`
	NewName string `json:"newName,omitempty"`
}

type indexMarkerBody struct {
	CID        uint64            `json:"cid"`
	Descriptor index.Descriptor  `json:"descriptor"`
}

type txMarkerBody struct {
	TID uint64     `json:"tid"`
	Ops []TxCollOp `json:"ops"`
}

func edgeToBody(e *EdgeFields) *edgeBody {
	if e == nil {
		return nil
	}
	return &edgeBody{FromCID: e.FromCID, FromKey: e.FromKey, ToCID: e.ToCID, ToKey: e.ToKey}
}

func edgeFromBody(b *edgeBody) *EdgeFields {
	if b == nil {
		return nil
	}
	return &EdgeFields{FromCID: b.FromCID, FromKey: b.FromKey, ToCID: b.ToCID, ToKey: b.ToKey}
}

func buildMarker(typ datafile.MarkerType, tick uint64, body interface{}) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindDocumentTypeInvalid, err, "marshaling marker body")
	}
	return datafile.Encode(typ, tick, raw), nil
}

func decodeDocBody(raw []byte) (docMarkerBody, error) {
	var b docMarkerBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, errs.Wrap(errs.KindDatafileCorrupted, err, "decoding document marker body")
	}
	return b, nil
}

func decodeDeletionBody(raw []byte) (deletionMarkerBody, error) {
	var b deletionMarkerBody
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, errs.Wrap(errs.KindDatafileCorrupted, err, "decoding deletion marker body")
	}
	return b, nil
}
