package converter

import (
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/internal/ddk"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/status"
)

// Converter walks a model in topological order and lowers every operation
// into a device graph. Operand tensors are created on first use.
type Converter struct {
	graph    *ddk.Graph
	registry *Registry
	model    *model.Model
	tensors  map[model.OperandID][]*ddk.Tensor
}

// New returns a converter writing into g.
func New(g *ddk.Graph, registry *Registry) *Converter {
	return &Converter{
		graph:    g,
		registry: registry,
		tensors:  make(map[model.OperandID][]*ddk.Tensor),
	}
}

// Apply lowers every operation of m.
func (c *Converter) Apply(m *model.Model) error {
	c.model = m
	order, err := model.SortOperationsInTopologicalOrder(m)
	if err != nil {
		return status.Errorf(status.ErrInvalidParameter, "%v", err)
	}
	for _, id := range order {
		op := m.Operation(id)
		lower, ok := c.registry.Get(op.Type)
		if !ok {
			return status.Errorf(status.ErrNotSupported, "missing implementation of operation %d (%s)", id, op.Type)
		}
		klog.V(5).Infof("converting operation %d (%s)", id, op.Type)
		if err := lower(c, op); err != nil {
			return fmt.Errorf("operation %d (%s): %w", id, op.Type, err)
		}
	}
	return nil
}

// Graph returns the device graph being built.
func (c *Converter) Graph() *ddk.Graph { return c.graph }

// Model returns the model being converted.
func (c *Converter) Model() *model.Model { return c.model }

// Tensor returns the latest tensor of id, converting the operand if it has
// none yet.
func (c *Converter) Tensor(id model.OperandID) (*ddk.Tensor, error) {
	if ts := c.tensors[id]; len(ts) > 0 {
		return ts[len(ts)-1], nil
	}
	return c.ConvertOperand(id)
}

// ConvertOperand creates a new device tensor for id.
func (c *Converter) ConvertOperand(id model.OperandID) (*ddk.Tensor, error) {
	o := c.model.Operand(id)
	if o == nil {
		return nil, status.Errorf(status.ErrInvalidParameter, "operand %d does not exist", id)
	}
	attr, err := TensorAttr(c.operandName(id), o.Type)
	if err != nil {
		return nil, err
	}
	var data []byte
	if o.IsConstant() {
		data = o.Buffer
	}
	t, err := c.graph.CreateTensor(attr, data)
	if err != nil {
		return nil, fmt.Errorf("operand %d: %w", id, err)
	}
	c.tensors[id] = append(c.tensors[id], t)
	return t, nil
}

// InputTensors returns the first tensor of every model input.
func (c *Converter) InputTensors() ([]*ddk.Tensor, error) {
	out := make([]*ddk.Tensor, len(c.model.InputOperands))
	for i, id := range c.model.InputOperands {
		if ts := c.tensors[id]; len(ts) > 0 {
			out[i] = ts[0]
			continue
		}
		t, err := c.ConvertOperand(id)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// OutputTensors returns the latest tensor of every model output.
func (c *Converter) OutputTensors() ([]*ddk.Tensor, error) {
	out := make([]*ddk.Tensor, len(c.model.OutputOperands))
	for i, id := range c.model.OutputOperands {
		t, err := c.Tensor(id)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (c *Converter) operandName(id model.OperandID) string {
	if i := slices.Index(c.model.InputOperands, id); i >= 0 {
		return InputTensorName(i)
	}
	if i := slices.Index(c.model.OutputOperands, id); i >= 0 {
		return OutputTensorName(i)
	}
	return fmt.Sprintf("operand_%d", id)
}

// InputTensorName is the device name of the i-th model input.
func InputTensorName(i int) string { return fmt.Sprintf("model_input_%d", i) }

// OutputTensorName is the device name of the i-th model output.
func OutputTensorName(i int) string { return fmt.Sprintf("model_output_%d", i) }

// TensorAttr describes an operand type as a device tensor.
func TensorAttr(name string, t operand.Type) (ddk.TensorAttr, error) {
	precision, err := Precision(t.Precision)
	if err != nil {
		return ddk.TensorAttr{}, err
	}
	layout, err := Layout(t.Layout)
	if err != nil {
		return ddk.TensorAttr{}, err
	}
	dims := make([]uint32, len(t.Dimensions))
	for i, d := range t.Dimensions {
		if d < 0 {
			return ddk.TensorAttr{}, status.Errorf(status.ErrInvalidDimensions, "%s: dynamic dimension %d", name, i)
		}
		dims[i] = uint32(d)
	}
	attr := ddk.TensorAttr{Name: name, Dims: dims, Precision: precision, Layout: layout}
	if scales := t.Scales(); scales != nil {
		attr.Quant.Scale = slices.Clone(scales)
	}
	if zps := t.ZeroPoints(); zps != nil {
		attr.Quant.ZeroPoint = slices.Clone(zps)
	}
	return attr, nil
}

// Precision maps an operand precision to the device precision.
func Precision(p operand.Precision) (ddk.PrecisionType, error) {
	switch p {
	case operand.Bool8:
		return ddk.Bool8, nil
	case operand.Int8, operand.QuantInt8SymmPerLayer, operand.QuantInt8SymmPerChannel:
		return ddk.Int8, nil
	case operand.Int16:
		return ddk.Int16, nil
	case operand.Int32, operand.QuantInt32SymmPerLayer, operand.QuantInt32SymmPerChannel:
		return ddk.Int32, nil
	case operand.Int64:
		return ddk.Int64, nil
	case operand.UInt8, operand.QuantUInt8AsymmPerLayer:
		return ddk.UInt8, nil
	case operand.UInt16:
		return ddk.UInt16, nil
	case operand.UInt32, operand.QuantUInt32AsymmPerLayer:
		return ddk.UInt32, nil
	case operand.UInt64:
		return ddk.UInt64, nil
	case operand.Float16:
		return ddk.Float16, nil
	case operand.Float32:
		return ddk.Float32, nil
	case operand.Float64:
		return ddk.Float64, nil
	default:
		return ddk.PrecisionUnknown, status.Errorf(status.ErrNotSupported, "precision %s has no device equivalent", p)
	}
}

// Layout maps an operand layout to the device layout.
func Layout(l operand.Layout) (ddk.DataLayoutType, error) {
	switch l {
	case operand.NCHW:
		return ddk.NCHW, nil
	case operand.NHWC:
		return ddk.NHWC, nil
	case operand.LayoutUnknown:
		return ddk.LayoutAny, nil
	default:
		return ddk.LayoutUnknown, status.Errorf(status.ErrNotSupported, "layout %d has no device equivalent", l)
	}
}
