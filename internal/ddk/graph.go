package ddk

import (
	"reflect"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type operatorSpec struct {
	name      string
	numInputs int
	newAttrs  func() any
}

var operators = map[OperatorType]operatorSpec{
	Conv2D:         {name: "CONV2D", numInputs: 3, newAttrs: func() any { return &Conv2DAttr{} }},
	Relu:           {name: "RELU", numInputs: 1},
	FullyConnected: {name: "FULLY_CONNECTED", numInputs: 3, newAttrs: func() any { return &FullyConnectedAttr{} }},
	Add:            {name: "ADD", numInputs: 2, newAttrs: func() any { return &EltwiseAttr{} }},
	Softmax:        {name: "SOFTMAX", numInputs: 1, newAttrs: func() any { return &SoftmaxAttr{} }},
}

// GraphOptions describes the capabilities of the device behind a graph.
type GraphOptions struct {
	// SupportCache allows EnableCache and Execution.BuildWithCache.
	SupportCache bool
	// SupportDump allows an execution to write its graph to a file on run.
	SupportDump bool
}

// DefaultGraphOptions enables every capability.
func DefaultGraphOptions() GraphOptions {
	return GraphOptions{SupportCache: true, SupportDump: true}
}

// Graph is a device graph under construction.
type Graph struct {
	opts    GraphOptions
	tensors []*Tensor
	byName  map[string]*Tensor
	nodes   []*Node
	inputs  []*Tensor
	outputs []*Tensor

	cacheEnabled bool
}

// NewGraph returns an empty graph.
func NewGraph(opts GraphOptions) *Graph {
	return &Graph{opts: opts, byName: make(map[string]*Tensor)}
}

// Options returns the capabilities the graph was created with.
func (g *Graph) Options() GraphOptions { return g.opts }

// CreateTensor adds a tensor holding data, which may be nil for variables.
// Creating a tensor whose name already exists with the same attributes
// returns the existing tensor.
func (g *Graph) CreateTensor(attr TensorAttr, data []byte) (*Tensor, error) {
	if err := ValidateTensorName(attr.Name); err != nil {
		return nil, errors.Wrap(ErrInvalidTensor, err.Error())
	}
	if attr.Precision.Size() == 0 {
		return nil, errors.Wrapf(ErrInvalidTensor, "tensor %q: unknown precision %d", attr.Name, attr.Precision)
	}
	if data != nil && int64(len(data)) != attr.ByteLength() {
		return nil, errors.Wrapf(ErrInvalidTensor, "tensor %q: got %d bytes, want %d", attr.Name, len(data), attr.ByteLength())
	}
	if t, ok := g.byName[attr.Name]; ok {
		if !attrEqual(t.Attr, attr) {
			return nil, errors.Wrapf(ErrInvalidTensor, "tensor %q already exists with different attributes", attr.Name)
		}
		if data != nil {
			t.Data = slices.Clone(data)
		}
		return t, nil
	}

	t := &Tensor{Attr: attr, Data: slices.Clone(data), graph: g, index: len(g.tensors)}
	t.Attr.Dims = slices.Clone(attr.Dims)
	g.tensors = append(g.tensors, t)
	g.byName[attr.Name] = t
	return t, nil
}

func attrEqual(a, b TensorAttr) bool {
	return a.Name == b.Name &&
		a.Precision == b.Precision &&
		a.Layout == b.Layout &&
		slices.Equal(a.Dims, b.Dims) &&
		slices.Equal(a.Quant.Scale, b.Quant.Scale) &&
		slices.Equal(a.Quant.ZeroPoint, b.Quant.ZeroPoint)
}

// AddOperator appends a node of type op. attrs must be a pointer to the
// attribute struct of op, or nil for operators without attributes.
func (g *Graph) AddOperator(op OperatorType, inputs, outputs []*Tensor, attrs any, name string) error {
	spec, ok := operators[op]
	if !ok {
		return errors.Wrapf(ErrInvalidOp, "operator type %d", op)
	}
	if len(inputs) < spec.numInputs {
		return errors.Wrapf(ErrInvalidInputs, "%s needs %d inputs, got %d", spec.name, spec.numInputs, len(inputs))
	}
	if len(outputs) == 0 {
		return errors.Wrapf(ErrInvalidOutputs, "%s has no output", spec.name)
	}
	for _, t := range append(slices.Clone(inputs), outputs...) {
		if t == nil || t.graph != g {
			return errors.Wrapf(ErrInvalidTensor, "%s refers to a tensor of another graph", spec.name)
		}
	}
	switch {
	case spec.newAttrs == nil && attrs != nil:
		return errors.Wrapf(ErrInvalidParam, "%s takes no attributes", spec.name)
	case spec.newAttrs != nil && reflect.TypeOf(attrs) != reflect.TypeOf(spec.newAttrs()):
		return errors.Wrapf(ErrInvalidParam, "%s expects %T attributes, got %T", spec.name, spec.newAttrs(), attrs)
	}

	g.nodes = append(g.nodes, &Node{
		Op:      op,
		Name:    name,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Attrs:   attrs,
	})
	klog.V(5).Infof("ddk: add operator %s %q", spec.name, name)
	return nil
}

// SetInputsOutputs declares the boundary of the graph and allocates the
// runtime buffers of the boundary tensors.
func (g *Graph) SetInputsOutputs(inputs, outputs []*Tensor) error {
	if len(outputs) == 0 {
		return errors.Wrap(ErrInvalidOutputs, "graph has no output")
	}
	for _, t := range append(slices.Clone(inputs), outputs...) {
		if t == nil || t.graph != g {
			return errors.Wrap(ErrInvalidTensor, "boundary tensor does not belong to the graph")
		}
		t.Data = make([]byte, t.Attr.ByteLength())
	}
	g.inputs = slices.Clone(inputs)
	g.outputs = slices.Clone(outputs)
	return nil
}

// EnableCache asks the device to produce a cache buffer when building.
func (g *Graph) EnableCache() error {
	if !g.opts.SupportCache {
		return ErrCacheUnsupported
	}
	g.cacheEnabled = true
	return nil
}

// Inputs returns the declared input tensors.
func (g *Graph) Inputs() []*Tensor { return g.inputs }

// Outputs returns the declared output tensors.
func (g *Graph) Outputs() []*Tensor { return g.outputs }

// Tensors returns every tensor in creation order.
func (g *Graph) Tensors() []*Tensor { return g.tensors }

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Tensor returns the tensor with the given name, or nil.
func (g *Graph) Tensor(name string) *Tensor { return g.byName[name] }

// LoadCache replaces the content of g with a graph serialized by
// Execution.BuildWithCache.
func (g *Graph) LoadCache(buf []byte) error {
	loaded, err := deserialize(buf, g.opts)
	if err != nil {
		return errors.WithMessage(err, "ddk: load cache")
	}
	*g = *loaded
	for _, t := range g.tensors {
		t.graph = g
	}
	return nil
}
