package operand

import (
	"fmt"
	"slices"
	"strings"
)

// Dimensions is the extent of each axis of an operand.
type Dimensions []int32

// ElementCount returns the product of all extents; a scalar has one element.
func (d Dimensions) ElementCount() int64 {
	count := int64(1)
	for _, v := range d {
		count *= int64(v)
	}
	return count
}

// SymmPerLayerParams holds a single symmetric scale.
type SymmPerLayerParams struct {
	Scale float32
}

// SymmPerChannelParams holds one symmetric scale per channel along ChannelDim.
type SymmPerChannelParams struct {
	Scales     []float32
	ChannelDim int32
}

// AsymmPerLayerParams holds a single scale and zero point.
type AsymmPerLayerParams struct {
	Scale     float32
	ZeroPoint int32
}

// Type is an immutable-by-convention operand descriptor. Use Clone before
// mutating a Type that is shared.
type Type struct {
	Precision      Precision
	Layout         Layout
	Dimensions     Dimensions
	SymmPerLayer   SymmPerLayerParams
	SymmPerChannel SymmPerChannelParams
	AsymmPerLayer  AsymmPerLayerParams
}

// NewType returns a type with the given precision and dimensions in NCHW layout.
func NewType(precision Precision, dims ...int32) Type {
	return Type{
		Precision:  precision,
		Layout:     NCHW,
		Dimensions: slices.Clone(Dimensions(dims)),
	}
}

// Clone returns a deep copy of t.
func (t Type) Clone() Type {
	c := t
	c.Dimensions = slices.Clone(t.Dimensions)
	c.SymmPerChannel.Scales = slices.Clone(t.SymmPerChannel.Scales)
	return c
}

// ElementCount returns the number of elements described by t.
func (t Type) ElementCount() int64 {
	return t.Dimensions.ElementCount()
}

// BufferLength returns the byte length of a buffer holding t.
func (t Type) BufferLength() int64 {
	return t.ElementCount() * int64(t.Precision.Size())
}

// Scales returns the quantization scales of t, or nil for a non quantized type.
func (t Type) Scales() []float32 {
	switch {
	case t.Precision.IsSymmPerLayerQuant():
		return []float32{t.SymmPerLayer.Scale}
	case t.Precision.IsSymmPerChannelQuant():
		return t.SymmPerChannel.Scales
	case t.Precision.IsAsymmPerLayerQuant():
		return []float32{t.AsymmPerLayer.Scale}
	default:
		return nil
	}
}

// ZeroPoints returns the zero points of t, or nil when t has none.
func (t Type) ZeroPoints() []int32 {
	if t.Precision.IsAsymmPerLayerQuant() {
		return []int32{t.AsymmPerLayer.ZeroPoint}
	}
	return nil
}

// Equal reports whether t and o describe the same operand type.
func (t Type) Equal(o Type) bool {
	return t.Precision == o.Precision &&
		t.Layout == o.Layout &&
		slices.Equal(t.Dimensions, o.Dimensions) &&
		slices.Equal(t.Scales(), o.Scales()) &&
		slices.Equal(t.ZeroPoints(), o.ZeroPoints()) &&
		(!t.Precision.IsSymmPerChannelQuant() || t.SymmPerChannel.ChannelDim == o.SymmPerChannel.ChannelDim)
}

// String formats t for logs and visualizations.
func (t Type) String() string {
	var sb strings.Builder
	sb.WriteString(t.Precision.String())
	sb.WriteString("[")
	for i, d := range t.Dimensions {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", d)
	}
	sb.WriteString("]")
	if t.Layout != LayoutUnknown {
		sb.WriteString(" ")
		sb.WriteString(t.Layout.String())
	}
	switch {
	case t.Precision.IsSymmPerLayerQuant():
		fmt.Fprintf(&sb, " scale=%g", t.SymmPerLayer.Scale)
	case t.Precision.IsSymmPerChannelQuant():
		fmt.Fprintf(&sb, " scales=%v axis=%d", t.SymmPerChannel.Scales, t.SymmPerChannel.ChannelDim)
	case t.Precision.IsAsymmPerLayerQuant():
		fmt.Fprintf(&sb, " scale=%g zero_point=%d", t.AsymmPerLayer.Scale, t.AsymmPerLayer.ZeroPoint)
	}
	return sb.String()
}

// MatchDimensions reports whether two dimension vectors have the same rank and
// the same extent on every axis.
func MatchDimensions(a, b Dimensions) bool {
	return slices.Equal(a, b)
}
