package shaper

import (
	"strconv"
	"strings"
)

// Kind is one of the shape kinds the spec's encoding rules distinguish.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindShortString
	KindLongString
	KindList                 // heterogeneous: per-element shape ids and offsets
	KindHomogeneousList      // same element shape, variable element sizes: offsets only
	KindHomogeneousSizedList // same element shape and size: neither sids nor offsets
	KindArray                // named attributes, sorted by attribute-id
)

// ShortStringCutoff is the fixed-width slot size for short strings
// (length < cutoff, NUL-padded). Longer strings fall back to the
// variable-length long-string encoding.
const ShortStringCutoff = 23

// AttributeShape is one entry of a KindArray shape: an attribute id paired
// with the shape of its value.
type AttributeShape struct {
	AttributeID AttributeID
	Value       *Shape
}

// Shape is an interned node of the shape tree. Only FindShape assigns an ID;
// a Shape built by the codec before interning carries ID 0.
type Shape struct {
	ID ShapeID
	Kind Kind

	// KindList / KindHomogeneousList / KindHomogeneousSizedList
	Element     *Shape
	ElementSize int // byte width of one element, valid for KindHomogeneousSizedList

	// KindArray
	Attributes []AttributeShape

	// cached by fixedWidth(); -1 until computed, -2 means "variable"
	cachedWidth int
}

func newShape(kind Kind) *Shape {
	return &Shape{Kind: kind, cachedWidth: -1}
}

// newNullShape / newBoolShape / newNumberShape return a fresh, uninterned
// Shape each call. They must not be package-level singletons: FindShape
// mutates its argument's ID in place, and two independent Shapers interning
// "null" must end up with two distinct Shape objects carrying their own
// collection-local ids.
func newNullShape() *Shape   { return &Shape{Kind: KindNull, cachedWidth: 0} }
func newBoolShape() *Shape   { return &Shape{Kind: KindBool, cachedWidth: 1} }
func newNumberShape() *Shape { return &Shape{Kind: KindNumber, cachedWidth: 8} }

// AttrShapeDescriptor is the wire form of one KindArray attribute: the
// attribute's id plus the already-interned id of its value's shape. Nested
// shapes are referenced by id, never inlined, since FindShape always interns
// a child before the parent that holds it.
type AttrShapeDescriptor struct {
	AttributeID AttributeID `json:"aid"`
	ShapeID     ShapeID     `json:"sid"`
}

// ShapeDescriptor is the wire form a shape record marker persists: enough to
// reconstruct the Shape via Shaper.ShapeFromDescriptor once every shape it
// references by id has already been replayed.
type ShapeDescriptor struct {
	Kind           Kind                  `json:"kind"`
	ElementShapeID ShapeID               `json:"elementSid,omitempty"`
	ElementSize    int                   `json:"elementSize,omitempty"`
	Attributes     []AttrShapeDescriptor `json:"attrs,omitempty"`
}

// Describe converts an interned shape into its wire form.
func (s *Shape) Describe() ShapeDescriptor {
	d := ShapeDescriptor{Kind: s.Kind, ElementSize: s.ElementSize}
	if s.Element != nil {
		d.ElementShapeID = s.Element.ID
	}
	if len(s.Attributes) > 0 {
		d.Attributes = make([]AttrShapeDescriptor, len(s.Attributes))
		for i, a := range s.Attributes {
			d.Attributes[i] = AttrShapeDescriptor{AttributeID: a.AttributeID, ShapeID: a.Value.ID}
		}
	}
	return d
}

// canonicalKey produces a structural fingerprint used to intern shapes:
// two shapes with the same kind, same attribute ids in the same order, and
// structurally equal children produce the same key regardless of which
// object first produced them.
func (s *Shape) canonicalKey() string {
	var b strings.Builder
	s.writeKey(&b)
	return b.String()
}

func (s *Shape) writeKey(b *strings.Builder) {
	b.WriteByte(byte(s.Kind))
	switch s.Kind {
	case KindShortString:
		b.WriteByte(':')
	case KindList, KindHomogeneousList, KindHomogeneousSizedList:
		b.WriteByte('(')
		if s.Element != nil {
			s.Element.writeKey(b)
		}
		if s.Kind == KindHomogeneousSizedList {
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(s.ElementSize))
		}
		b.WriteByte(')')
	case KindArray:
		b.WriteByte('{')
		for _, a := range s.Attributes {
			b.WriteString(strconv.FormatUint(uint64(a.AttributeID), 10))
			b.WriteByte('=')
			a.Value.writeKey(b)
			b.WriteByte(',')
		}
		b.WriteByte('}')
	}
}

// fixedWidth returns the encoded byte width of any value of this shape, or
// (0, false) if the width varies per instance — used to count an array's
// fixed-width entries (the fixedCount field of its body) and to decide
// whether a homogeneous list can use the sized encoding.
func (s *Shape) fixedWidth() (int, bool) {
	if s.cachedWidth == -2 {
		return 0, false
	}
	if s.cachedWidth >= 0 {
		return s.cachedWidth, true
	}
	switch s.Kind {
	case KindNull:
		s.cachedWidth = 0
	case KindBool:
		s.cachedWidth = 1
	case KindNumber:
		s.cachedWidth = 8
	case KindShortString:
		s.cachedWidth = ShortStringCutoff
	case KindHomogeneousSizedList:
		// the element count belongs to each value, not to the shape, so two
		// values of this shape can differ in width
		s.cachedWidth = -2
		return 0, false
	case KindArray:
		total := 0
		for _, a := range s.Attributes {
			w, ok := a.Value.fixedWidth()
			if !ok {
				s.cachedWidth = -2
				return 0, false
			}
			total += w
		}
		s.cachedWidth = total
	default:
		s.cachedWidth = -2
		return 0, false
	}
	return s.cachedWidth, true
}
