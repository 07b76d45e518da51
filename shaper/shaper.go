// Package shaper interns observed document shapes and attribute names into
// stable numeric ids and converts between dynamic JSON-like values and a
// compact binary representation keyed by those ids. Grounded on the
// teacher's column-storage interning (storage/storage-string.go,
// storage/storage-enum.go assign a dense id per distinct value the first
// time it's seen and never renumber), generalized here to whole document
// shapes instead of single column values.
package shaper

import (
	"fmt"
	"sync"

	"github.com/nectardb/nectar/errs"
)

type AttributeID uint32
type ShapeID uint32

// Shaper is one collection's schema-interning table: attribute names and
// shapes observed so far, each assigned a dense, immutable, never-reused id.
type Shaper struct {
	attrMu     sync.RWMutex
	attrByName map[string]AttributeID
	attrNames  []string // index i holds the name of AttributeID(i+1)

	shapeMu    sync.Mutex
	shapesByKey map[string]*Shape
	shapesByID  []*Shape
}

func New() *Shaper {
	return &Shaper{
		attrByName:  make(map[string]AttributeID),
		shapesByKey: make(map[string]*Shape),
	}
}

// FindAttributeName interns name, returning its stable AttributeID. A lookup
// of an already-interned name takes only the read side of attrMu, so lookups
// do not block each other; they are not lock-free.
func (s *Shaper) FindAttributeName(name string) AttributeID {
	s.attrMu.RLock()
	if id, ok := s.attrByName[name]; ok {
		s.attrMu.RUnlock()
		return id
	}
	s.attrMu.RUnlock()

	s.attrMu.Lock()
	defer s.attrMu.Unlock()
	if id, ok := s.attrByName[name]; ok {
		return id
	}
	s.attrNames = append(s.attrNames, name)
	id := AttributeID(len(s.attrNames))
	s.attrByName[name] = id
	return id
}

// LookupAttributeID reverses FindAttributeName.
func (s *Shaper) LookupAttributeID(aid AttributeID) (string, bool) {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	if aid == 0 || int(aid) > len(s.attrNames) {
		return "", false
	}
	return s.attrNames[aid-1], true
}

// FindShape interns a shape descriptor built by the codec, returning the
// canonical pointer (and its id) for the descriptor's structure. Two
// documents with the same attributes in the same order and the same nested
// shapes always resolve to one Shape.
func (s *Shaper) FindShape(desc *Shape) *Shape {
	key := desc.canonicalKey()

	s.shapeMu.Lock()
	defer s.shapeMu.Unlock()
	if existing, ok := s.shapesByKey[key]; ok {
		return existing
	}
	desc.ID = ShapeID(len(s.shapesByID) + 1)
	s.shapesByKey[key] = desc
	s.shapesByID = append(s.shapesByID, desc)
	return desc
}

// LookupShapeID reverses FindShape.
func (s *Shaper) LookupShapeID(sid ShapeID) (*Shape, bool) {
	s.shapeMu.Lock()
	defer s.shapeMu.Unlock()
	if sid == 0 || int(sid) > len(s.shapesByID) {
		return nil, false
	}
	return s.shapesByID[sid-1], true
}

// AttributeCount returns the number of attribute names interned so far.
func (s *Shaper) AttributeCount() int {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	return len(s.attrNames)
}

// AttributeNamesFrom returns the names interned after the first n (in
// assignment order) — the delta a caller must persist as attribute-name
// markers after watching AttributeCount climb past n.
func (s *Shaper) AttributeNamesFrom(n int) []string {
	s.attrMu.RLock()
	defer s.attrMu.RUnlock()
	if n >= len(s.attrNames) {
		return nil
	}
	out := make([]string, len(s.attrNames)-n)
	copy(out, s.attrNames[n:])
	return out
}

// ShapeCount returns the number of shapes interned so far.
func (s *Shaper) ShapeCount() int {
	s.shapeMu.Lock()
	defer s.shapeMu.Unlock()
	return len(s.shapesByID)
}

// ShapesFrom returns the shapes interned after the first n, in the same
// assignment order FindShape used — which, because children are always
// interned (and therefore persisted) before the parent that references
// them, is also a safe write order for shape markers.
func (s *Shaper) ShapesFrom(n int) []*Shape {
	s.shapeMu.Lock()
	defer s.shapeMu.Unlock()
	if n >= len(s.shapesByID) {
		return nil
	}
	out := make([]*Shape, len(s.shapesByID)-n)
	copy(out, s.shapesByID[n:])
	return out
}

// ShapeFromDescriptor reconstructs and interns a shape from its persisted
// wire form during recovery. Replaying attribute-name and shape markers in
// their original on-disk order reproduces the exact ids FindAttributeName
// and FindShape assigned the first time, because both are pure functions of
// call order, not of content.
func (s *Shaper) ShapeFromDescriptor(desc ShapeDescriptor) (*Shape, error) {
	shape := &Shape{Kind: desc.Kind, ElementSize: desc.ElementSize, cachedWidth: -1}
	if desc.ElementShapeID != 0 {
		elem, ok := s.LookupShapeID(desc.ElementShapeID)
		if !ok {
			return nil, errs.New(errs.KindDatafileCorrupted, "shape marker references unknown element shape id")
		}
		shape.Element = elem
	}
	if len(desc.Attributes) > 0 {
		shape.Attributes = make([]AttributeShape, len(desc.Attributes))
		for i, a := range desc.Attributes {
			val, ok := s.LookupShapeID(a.ShapeID)
			if !ok {
				return nil, errs.New(errs.KindDatafileCorrupted, "shape marker references unknown attribute shape id")
			}
			shape.Attributes[i] = AttributeShape{AttributeID: a.AttributeID, Value: val}
		}
	}
	return s.FindShape(shape), nil
}

func (s *Shaper) attributeName(aid AttributeID) string {
	name, ok := s.LookupAttributeID(aid)
	if !ok {
		return fmt.Sprintf("<attr-%d>", aid)
	}
	return name
}

var errUnknownShape = errs.New(errs.KindIllegalState, "shape id not registered with this shaper")
