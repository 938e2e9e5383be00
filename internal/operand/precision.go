// Package operand describes the typed tensor descriptors of a logical model:
// precision, layout, dimensions and quantization parameters.
package operand

// Precision represents the element type of an operand.
type Precision int

// Supported operand precisions.
const (
	Bool8 Precision = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float16
	Float32
	Float64
	QuantInt8SymmPerLayer
	QuantInt8SymmPerChannel
	QuantUInt8AsymmPerLayer
	QuantInt32SymmPerLayer
	QuantInt32SymmPerChannel
	QuantUInt32AsymmPerLayer
)

// Size returns the byte size of one element, or 0 for an unknown precision.
func (p Precision) Size() int {
	switch p {
	case Bool8, Int8, UInt8, QuantInt8SymmPerLayer, QuantInt8SymmPerChannel, QuantUInt8AsymmPerLayer:
		return 1
	case Int16, UInt16, Float16:
		return 2
	case Int32, UInt32, Float32, QuantInt32SymmPerLayer, QuantInt32SymmPerChannel, QuantUInt32AsymmPerLayer:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		return 0
	}
}

// String returns a human-readable name for the precision.
func (p Precision) String() string {
	switch p {
	case Bool8:
		return "BOOL8"
	case Int8:
		return "INT8"
	case UInt8:
		return "UINT8"
	case Int16:
		return "INT16"
	case UInt16:
		return "UINT16"
	case Int32:
		return "INT32"
	case UInt32:
		return "UINT32"
	case Int64:
		return "INT64"
	case UInt64:
		return "UINT64"
	case Float16:
		return "FLOAT16"
	case Float32:
		return "FLOAT32"
	case Float64:
		return "FLOAT64"
	case QuantInt8SymmPerLayer:
		return "QUANT_INT8_SYMM_PER_LAYER"
	case QuantInt8SymmPerChannel:
		return "QUANT_INT8_SYMM_PER_CHANNEL"
	case QuantUInt8AsymmPerLayer:
		return "QUANT_UINT8_ASYMM_PER_LAYER"
	case QuantInt32SymmPerLayer:
		return "QUANT_INT32_SYMM_PER_LAYER"
	case QuantInt32SymmPerChannel:
		return "QUANT_INT32_SYMM_PER_CHANNEL"
	case QuantUInt32AsymmPerLayer:
		return "QUANT_UINT32_ASYMM_PER_LAYER"
	default:
		return "UNKNOWN"
	}
}

// IsQuant reports whether p carries quantization parameters.
func (p Precision) IsQuant() bool {
	return p >= QuantInt8SymmPerLayer && p <= QuantUInt32AsymmPerLayer
}

// IsSymmPerLayerQuant reports whether p is a symmetric per-layer quantized type.
func (p Precision) IsSymmPerLayerQuant() bool {
	return p == QuantInt8SymmPerLayer || p == QuantInt32SymmPerLayer
}

// IsSymmPerChannelQuant reports whether p is a symmetric per-channel quantized type.
func (p Precision) IsSymmPerChannelQuant() bool {
	return p == QuantInt8SymmPerChannel || p == QuantInt32SymmPerChannel
}

// IsAsymmPerLayerQuant reports whether p is an asymmetric per-layer quantized type.
func (p Precision) IsAsymmPerLayerQuant() bool {
	return p == QuantUInt8AsymmPerLayer || p == QuantUInt32AsymmPerLayer
}

// IsUInt8AsymmPerLayerQuant reports whether p is the uint8 asymmetric
// per-layer quantized type, the only one transcoded at execution time.
func (p Precision) IsUInt8AsymmPerLayerQuant() bool {
	return p == QuantUInt8AsymmPerLayer
}

// IsFloat reports whether p is a floating point type.
func (p Precision) IsFloat() bool {
	return p == Float16 || p == Float32 || p == Float64
}

// Layout is the data layout of an operand.
type Layout int

// Supported layouts.
const (
	LayoutUnknown Layout = iota
	NCHW
	NHWC
)

// String returns the layout name.
func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	default:
		return "UNKNOWN"
	}
}
