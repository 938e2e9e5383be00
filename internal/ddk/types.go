// Package ddk is the software rendition of the reference accelerator SDK.
//
// A Graph collects tensors and operator nodes, an Execution builds it and
// runs it. The device performs no arithmetic: Run copies the bytes of the
// input tensors into the output tensors. A built graph can be serialized into
// a cache buffer and loaded back with LoadCache.
//
//	Cache buffer layout:
//	  [64 bytes: fixed header]
//	    0x00 magic "FDDK"
//	    0x04 version (uint32 LE)
//	    0x08 flags (uint32 LE)
//	    0x10 header size (uint64 LE)
//	    0x18 data size (uint64 LE)
//	    0x20 SHA-256 of header JSON and data
//	  [header: JSON tensors, nodes and boundary]
//	  [constant data, 64-byte aligned]
package ddk

// PrecisionType is the element type of a device tensor.
type PrecisionType int

// Device precisions.
const (
	PrecisionUnknown PrecisionType = 0
	Int8             PrecisionType = 1
	Int16            PrecisionType = 2
	Int32            PrecisionType = 3
	Int64            PrecisionType = 4
	UInt8            PrecisionType = 5
	UInt16           PrecisionType = 6
	UInt32           PrecisionType = 7
	UInt64           PrecisionType = 8
	Float16          PrecisionType = 9
	Float32          PrecisionType = 10
	Float64          PrecisionType = 11
	Bool8            PrecisionType = 12
)

// Size returns the byte size of one element.
func (p PrecisionType) Size() int {
	switch p {
	case Int8, UInt8, Bool8:
		return 1
	case Int16, UInt16, Float16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		return 0
	}
}

func (p PrecisionType) String() string {
	switch p {
	case Int8:
		return "INT8"
	case Int16:
		return "INT16"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case UInt8:
		return "UINT8"
	case UInt16:
		return "UINT16"
	case UInt32:
		return "UINT32"
	case UInt64:
		return "UINT64"
	case Float16:
		return "FLOAT16"
	case Float32:
		return "FLOAT32"
	case Float64:
		return "FLOAT64"
	case Bool8:
		return "BOOL8"
	default:
		return "UNKNOWN"
	}
}

// DataLayoutType is the data layout of a device tensor.
type DataLayoutType int

// Device layouts.
const (
	LayoutUnknown DataLayoutType = iota
	NCHW
	NHWC
	LayoutAny
)

// QuantParams are the affine quantization parameters of a tensor.
type QuantParams struct {
	Scale     []float32 `json:"scale,omitempty"`
	ZeroPoint []int32   `json:"zero_point,omitempty"`
}

// TensorAttr describes a device tensor.
type TensorAttr struct {
	Name      string         `json:"name"`
	Dims      []uint32       `json:"dims"`
	Precision PrecisionType  `json:"precision"`
	Layout    DataLayoutType `json:"layout"`
	Quant     QuantParams    `json:"quant"`
}

// ElementCount returns the number of elements of the tensor.
func (a *TensorAttr) ElementCount() int64 {
	n := int64(1)
	for _, d := range a.Dims {
		n *= int64(d)
	}
	return n
}

// ByteLength returns the size of the tensor data in bytes.
func (a *TensorAttr) ByteLength() int64 {
	return a.ElementCount() * int64(a.Precision.Size())
}

// Tensor is a device tensor owned by one Graph.
type Tensor struct {
	Attr TensorAttr
	// Data holds constant data, or the runtime buffer of a boundary tensor.
	Data []byte

	graph *Graph
	index int
}

// OperatorType identifies a device operator.
type OperatorType int

// Device operators.
const (
	Conv2D OperatorType = iota + 1
	Relu
	FullyConnected
	Add
	Softmax
)

func (t OperatorType) String() string {
	if spec, ok := operators[t]; ok {
		return spec.name
	}
	return "UNKNOWN"
}

// Conv2DAttr configures a Conv2D node. Inputs are data, weight and bias.
type Conv2DAttr struct {
	KSize      [2]int32 `json:"ksize"`
	Stride     [2]int32 `json:"stride"`
	Pad        [4]int32 `json:"pad"`
	Dilation   [2]int32 `json:"dilation"`
	Group      int32    `json:"group"`
	Multiplier int32    `json:"multiplier"`
	HasRelu    bool     `json:"has_relu"`
}

// FullyConnectedAttr configures a FullyConnected node. Inputs are data,
// weight and bias.
type FullyConnectedAttr struct {
	HasRelu bool `json:"has_relu"`
}

// EltwiseAttr configures an element-wise node.
type EltwiseAttr struct {
	HasRelu bool `json:"has_relu"`
}

// SoftmaxAttr configures a Softmax node.
type SoftmaxAttr struct {
	Axis int32 `json:"axis"`
}

// Node is one operator of a Graph.
type Node struct {
	Op      OperatorType
	Name    string
	Inputs  []*Tensor
	Outputs []*Tensor
	Attrs   any
}
