package types

import "math"

// ElementKind discriminates how a Value's elements are laid out.
type ElementKind string

const (
	// ElementFixed marks values whose elements all share one width; the
	// payload travels as a single flat byte buffer.
	ElementFixed ElementKind = "fixed"

	// ElementVariable marks values whose elements vary in length; each
	// element travels with its own size.
	ElementVariable ElementKind = "variable"
)

// Valid reports whether k is a known element kind.
func (k ElementKind) Valid() bool {
	return k == ElementFixed || k == ElementVariable
}

// Value is a payload moved through the transfer protocol. Exactly one of
// Bytes (ElementFixed) or Elems (ElementVariable) carries data; Shape
// describes the logical layout in both cases. The zero Shape means scalar.
type Value struct {
	Kind  ElementKind `json:"kind"`
	Shape []int64     `json:"shape,omitempty"`
	Bytes []byte      `json:"bytes,omitempty"`
	Elems [][]byte    `json:"elems,omitempty"`
}

// TotalBytes returns the number of payload bytes the value carries. Shape
// and per-element size metadata are not counted.
func (v *Value) TotalBytes() int64 {
	if v == nil {
		return 0
	}
	if v.Kind == ElementVariable {
		var n int64
		for _, e := range v.Elems {
			n += int64(len(e))
		}
		return n
	}
	return int64(len(v.Bytes))
}

// NumElements returns the product of the shape dims. An empty shape is a
// scalar and counts as one element. A negative dim or an overflowing
// product yields -1.
func (v *Value) NumElements() int64 {
	if v == nil {
		return 0
	}
	n := int64(1)
	for _, d := range v.Shape {
		if d < 0 {
			return -1
		}
		if d != 0 && n > math.MaxInt64/d {
			return -1
		}
		n *= d
	}
	return n
}

// Validate checks internal consistency: the kind must be known, the shape
// must be non-negative and non-overflowing, variable values must carry
// exactly NumElements elements and no flat buffer, fixed values must carry
// no element list.
func (v *Value) Validate() error {
	if v == nil {
		return NewError(ErrInvalidArgument, "nil value")
	}
	if !v.Kind.Valid() {
		return Errorf(ErrInvalidArgument, "unknown element kind %q", v.Kind)
	}
	n := v.NumElements()
	if n < 0 {
		return NewError(ErrInvalidArgument, "shape has negative or overflowing dims")
	}
	switch v.Kind {
	case ElementVariable:
		if v.Bytes != nil {
			return NewError(ErrInvalidArgument, "variable value must not carry a flat buffer")
		}
		if int64(len(v.Elems)) != n {
			return Errorf(ErrInvalidArgument,
				"shape wants %d elements, value carries %d", n, len(v.Elems))
		}
	case ElementFixed:
		if v.Elems != nil {
			return NewError(ErrInvalidArgument, "fixed value must not carry an element list")
		}
	}
	return nil
}
