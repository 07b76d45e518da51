package shaper

import (
	"encoding/binary"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/nectardb/nectar/errs"
)

// seen tracks object identity across one ToShaped call so that any value
// whose identity has already been visited — not just a true ancestor cycle —
// is replaced by null on its second encounter (spec.md §4.2 cycle safety).
type seen struct {
	maps   map[uintptr]bool
	slices map[uintptr]bool
}

func newSeen() *seen {
	return &seen{maps: make(map[uintptr]bool), slices: make(map[uintptr]bool)}
}

// ToShaped converts a dynamic JSON-like value (as produced by encoding/json
// into map[string]interface{} / []interface{} / string / float64 / bool /
// nil, or constructed directly in Go) into its interned shape id and
// shape-encoded body.
func (s *Shaper) ToShaped(v interface{}) (ShapeID, []byte, error) {
	shape, body, err := s.encode(v, newSeen())
	if err != nil {
		return 0, nil, err
	}
	interned := s.FindShape(shape)
	return interned.ID, body, nil
}

// FromShaped decodes a shape-encoded body back into a dynamic JSON-like
// value.
func (s *Shaper) FromShaped(sid ShapeID, body []byte) (interface{}, error) {
	shape, ok := s.LookupShapeID(sid)
	if !ok {
		return nil, errUnknownShape
	}
	v, _, err := s.decode(shape, body, 0)
	return v, err
}

func (s *Shaper) encode(v interface{}, sn *seen) (*Shape, []byte, error) {
	switch val := v.(type) {
	case nil:
		return newNullShape(), nil, nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return newBoolShape(), []byte{b}, nil
	case float64:
		return newNumberShape(), numberBody(val), nil
	case float32:
		return newNumberShape(), numberBody(float64(val)), nil
	case int:
		return newNumberShape(), numberBody(float64(val)), nil
	case int64:
		return newNumberShape(), numberBody(float64(val)), nil
	case string:
		return s.encodeString(val)
	case []interface{}:
		return s.encodeList(val, sn)
	case map[string]interface{}:
		return s.encodeObject(val, sn)
	default:
		return nil, nil, errs.New(errs.KindDocumentTypeInvalid, "value is not representable as a shaped document")
	}
}

func numberBody(f float64) []byte {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, math.Float64bits(f))
	return body
}

func (s *Shaper) encodeString(str string) (*Shape, []byte, error) {
	if len(str) < ShortStringCutoff {
		shape := newShape(KindShortString)
		body := make([]byte, ShortStringCutoff)
		body[0] = byte(len(str))
		copy(body[1:], str)
		return shape, body, nil
	}
	shape := newShape(KindLongString)
	body := make([]byte, 4+len(str)+1)
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(str)))
	copy(body[4:], str)
	// trailing byte is already zero: the NUL terminator
	return shape, body, nil
}

func (s *Shaper) encodeList(list []interface{}, sn *seen) (*Shape, []byte, error) {
	if len(list) > 0 {
		ptr := reflect.ValueOf(list).Pointer()
		if sn.slices[ptr] {
			return newNullShape(), nil, nil
		}
		sn.slices[ptr] = true
	}

	elemShapes := make([]*Shape, len(list))
	elemBodies := make([][]byte, len(list))
	for i, item := range list {
		sh, body, err := s.encode(item, sn)
		if err != nil {
			return nil, nil, err
		}
		elemShapes[i] = s.FindShape(sh)
		elemBodies[i] = body
	}

	homogeneous := true
	for i := 1; i < len(elemShapes); i++ {
		if elemShapes[i].ID != elemShapes[0].ID {
			homogeneous = false
			break
		}
	}

	if len(list) == 0 {
		shape := newShape(KindHomogeneousSizedList)
		shape.Element = newNullShape()
		shape.ElementSize = 0
		return shape, encodeCountOnly(0), nil
	}

	if homogeneous {
		if width, ok := elemShapes[0].fixedWidth(); ok {
			allSameSize := true
			for _, b := range elemBodies {
				if len(b) != width {
					allSameSize = false
					break
				}
			}
			if allSameSize {
				shape := newShape(KindHomogeneousSizedList)
				shape.Element = elemShapes[0]
				shape.ElementSize = width
				var out []byte
				out = append(out, u32(uint32(len(list)))...)
				for _, b := range elemBodies {
					out = append(out, b...)
				}
				return shape, out, nil
			}
		}
		shape := newShape(KindHomogeneousList)
		shape.Element = elemShapes[0]
		return shape, encodeOffsetList(elemBodies, nil), nil
	}

	shape := newShape(KindList)
	sids := make([]uint32, len(elemShapes))
	for i, sh := range elemShapes {
		sids[i] = uint32(sh.ID)
	}
	return shape, encodeOffsetList(elemBodies, sids), nil
}

func encodeCountOnly(count uint32) []byte {
	return u32(count)
}

// encodeOffsetList writes {count, [sid-per-element if sids != nil],
// [offset-per-element plus one trailing end-offset], concatenated bodies}.
func encodeOffsetList(bodies [][]byte, sids []uint32) []byte {
	var out []byte
	out = append(out, u32(uint32(len(bodies)))...)
	if sids != nil {
		for _, sid := range sids {
			out = append(out, u32(sid)...)
		}
	}
	offset := uint32(0)
	for _, b := range bodies {
		out = append(out, u32(offset)...)
		offset += uint32(len(b))
	}
	out = append(out, u32(offset)...) // trailing end offset
	for _, b := range bodies {
		out = append(out, b...)
	}
	return out
}

type objectEntry struct {
	aid   AttributeID
	shape *Shape
	body  []byte
	fixed bool
}

func (s *Shaper) encodeObject(obj map[string]interface{}, sn *seen) (*Shape, []byte, error) {
	if len(obj) > 0 {
		ptr := reflect.ValueOf(obj).Pointer()
		if sn.maps[ptr] {
			return newNullShape(), nil, nil
		}
		sn.maps[ptr] = true
	}

	names := make([]string, 0, len(obj))
	for k := range obj {
		if strings.HasPrefix(k, "_") {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names) // deterministic iteration; final order is by attribute-id below

	entries := make([]objectEntry, 0, len(names))
	for _, name := range names {
		aid := s.FindAttributeName(name)
		sh, body, err := s.encode(obj[name], sn)
		if err != nil {
			return nil, nil, err
		}
		interned := s.FindShape(sh)
		_, fixed := interned.fixedWidth()
		entries = append(entries, objectEntry{aid: aid, shape: interned, body: body, fixed: fixed})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].aid < entries[j].aid })

	shape := newShape(KindArray)
	shape.Attributes = make([]AttributeShape, len(entries))
	fixedCount := 0
	for i, e := range entries {
		shape.Attributes[i] = AttributeShape{AttributeID: e.aid, Value: e.shape}
		if e.fixed {
			fixedCount++
		}
	}

	var out []byte
	out = append(out, u32(uint32(len(entries)))...)
	out = append(out, u32(uint32(fixedCount))...)
	for _, e := range entries {
		out = append(out, u32(uint32(e.aid))...)
		out = append(out, u32(uint32(e.shape.ID))...)
	}
	offset := uint32(0)
	for _, e := range entries {
		out = append(out, u32(offset)...)
		offset += uint32(len(e.body))
	}
	out = append(out, u32(offset)...)
	for _, e := range entries {
		out = append(out, e.body...)
	}
	return shape, out, nil
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func readU32(b []byte, at int) uint32 {
	return binary.LittleEndian.Uint32(b[at : at+4])
}

// decode returns the value plus how many bytes of body it consumed — callers
// of fixed-width shapes slice precisely, callers of variable-width shapes
// rely on their own embedded offsets instead.
func (s *Shaper) decode(shape *Shape, body []byte, _ int) (interface{}, int, error) {
	switch shape.Kind {
	case KindNull:
		return nil, 0, nil
	case KindBool:
		return body[0] != 0, 1, nil
	case KindNumber:
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), 8, nil
	case KindShortString:
		n := int(body[0])
		return string(body[1 : 1+n]), ShortStringCutoff, nil
	case KindLongString:
		n := int(readU32(body, 0))
		return string(body[4 : 4+n]), 4 + n + 1, nil
	case KindHomogeneousSizedList:
		return s.decodeHomogeneousSized(shape, body)
	case KindHomogeneousList:
		return s.decodeOffsetList(body, nil, shape.Element)
	case KindList:
		return s.decodeOffsetList(body, shape, nil)
	case KindArray:
		return s.decodeObject(shape, body)
	default:
		return nil, 0, errs.New(errs.KindDocumentTypeInvalid, "unknown shape kind during decode")
	}
}

func (s *Shaper) decodeHomogeneousSized(shape *Shape, body []byte) (interface{}, int, error) {
	count := int(readU32(body, 0))
	out := make([]interface{}, count)
	pos := 4
	for i := 0; i < count; i++ {
		v, n, err := s.decode(shape.Element, body[pos:], 0)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pos += n
	}
	return out, pos, nil
}

func (s *Shaper) decodeOffsetList(body []byte, listShape *Shape, homogeneousElem *Shape) (interface{}, int, error) {
	count := int(readU32(body, 0))
	pos := 4
	sids := make([]ShapeID, count)
	if listShape != nil {
		for i := 0; i < count; i++ {
			sids[i] = ShapeID(readU32(body, pos))
			pos += 4
		}
	}
	offsets := make([]uint32, count+1)
	for i := 0; i <= count; i++ {
		offsets[i] = readU32(body, pos)
		pos += 4
	}
	bodiesStart := pos
	out := make([]interface{}, count)
	for i := 0; i < count; i++ {
		elemBody := body[bodiesStart+int(offsets[i]) : bodiesStart+int(offsets[i+1])]
		var elemShape *Shape
		if listShape != nil {
			var ok bool
			elemShape, ok = s.LookupShapeID(sids[i])
			if !ok {
				return nil, 0, errUnknownShape
			}
		} else {
			elemShape = homogeneousElem
		}
		v, _, err := s.decode(elemShape, elemBody, 0)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
	}
	return out, bodiesStart + int(offsets[count]), nil
}

func (s *Shaper) decodeObject(shape *Shape, body []byte) (interface{}, int, error) {
	count := int(readU32(body, 0))
	pos := 8 // count + fixedCount
	aids := make([]AttributeID, count)
	sids := make([]ShapeID, count)
	for i := 0; i < count; i++ {
		aids[i] = AttributeID(readU32(body, pos))
		pos += 4
		sids[i] = ShapeID(readU32(body, pos))
		pos += 4
	}
	offsets := make([]uint32, count+1)
	for i := 0; i <= count; i++ {
		offsets[i] = readU32(body, pos)
		pos += 4
	}
	bodiesStart := pos
	out := make(map[string]interface{}, count)
	for i := 0; i < count; i++ {
		entryBody := body[bodiesStart+int(offsets[i]) : bodiesStart+int(offsets[i+1])]
		entryShape, ok := s.LookupShapeID(sids[i])
		if !ok {
			return nil, 0, errUnknownShape
		}
		name := s.attributeName(aids[i])
		v, _, err := s.decode(entryShape, entryBody, 0)
		if err != nil {
			return nil, 0, err
		}
		out[name] = v
	}
	return out, bodiesStart + int(offsets[count]), nil
}
