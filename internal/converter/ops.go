package converter

import (
	"github.com/born-ml/nnadapter/internal/ddk"
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/status"
)

func (r *Registry) registerConvolutions() {
	r.Register(model.OpConv2D, lowerConv2D, validateConv2D)
	r.Register(model.OpDepthwiseConv2D, lowerConv2D, validateConv2D)
}

func (r *Registry) registerFullyConnected() {
	r.Register(model.OpFullyConnected, lowerFullyConnected, validateFullyConnected)
}

func (r *Registry) registerActivations() {
	r.Register(model.OpRelu, lowerRelu, validateUnary)
	r.Register(model.OpSoftmax, lowerSoftmax, validateUnary)
}

func (r *Registry) registerElementwise() {
	r.Register(model.OpAdd, lowerAdd, validateAdd)
}

// hasRelu reads the fuse_code attribute. Only relu can be fused on the device.
func hasRelu(op *model.Operation) (bool, error) {
	switch code := op.Attrs.Int("fuse_code", model.FuseNone); code {
	case model.FuseNone:
		return false, nil
	case model.FuseRelu:
		return true, nil
	default:
		return false, status.Errorf(status.ErrNotSupported, "fuse code %d", code)
	}
}

func fuseCodeSupported(op *model.Operation) bool {
	_, err := hasRelu(op)
	return err == nil
}

func constantOfRank(m *model.Model, id model.OperandID, rank int) bool {
	o := m.Operand(id)
	return o != nil && o.IsConstant() && len(o.Type.Dimensions) == rank
}

func tensors(c *Converter, ids []model.OperandID) ([]*ddk.Tensor, error) {
	out := make([]*ddk.Tensor, len(ids))
	for i, id := range ids {
		t, err := c.Tensor(id)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// outputs returns the latest tensor of each operand, converting the operand
// when it has none yet.
func outputs(c *Converter, ids []model.OperandID) ([]*ddk.Tensor, error) {
	out := make([]*ddk.Tensor, len(ids))
	for i, id := range ids {
		if ts := c.tensors[id]; len(ts) > 0 {
			out[i] = ts[len(ts)-1]
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

func int32Pair(v []int64, def int32) [2]int32 {
	p := [2]int32{def, def}
	for i := 0; i < len(v) && i < 2; i++ {
		p[i] = int32(v[i])
	}
	return p
}

func validateConv2D(m *model.Model, op *model.Operation) bool {
	return len(op.Inputs) == 3 && len(op.Outputs) == 1 &&
		constantOfRank(m, op.Inputs[1], 4) && fuseCodeSupported(op)
}

// lowerConv2D handles conv2d and depthwise_conv2d. Inputs are data, filter
// [C_out, C_in/groups, kh, kw] and bias.
func lowerConv2D(c *Converter, op *model.Operation) error {
	if !validateConv2D(c.model, op) {
		return status.Errorf(status.ErrInvalidParameter, "conv2d needs data, constant 4-D filter and bias")
	}
	relu, err := hasRelu(op)
	if err != nil {
		return err
	}
	in, err := tensors(c, op.Inputs)
	if err != nil {
		return err
	}
	out, err := outputs(c, op.Outputs)
	if err != nil {
		return err
	}

	filter := c.model.Operand(op.Inputs[1]).Type.Dimensions
	attr := &ddk.Conv2DAttr{
		KSize:      [2]int32{filter[2], filter[3]},
		Stride:     int32Pair(op.Attrs.Ints("strides"), 1),
		Dilation:   int32Pair(op.Attrs.Ints("dilations"), 1),
		Group:      int32(op.Attrs.Int("groups", 1)),
		Multiplier: 1,
		HasRelu:    relu,
	}
	for i, p := range op.Attrs.Ints("paddings") {
		if i < 4 {
			attr.Pad[i] = int32(p)
		}
	}
	if op.Type == model.OpDepthwiseConv2D {
		dims := c.model.Operand(op.Inputs[0]).Type.Dimensions
		if len(dims) != 4 || dims[1] <= 0 {
			return status.Errorf(status.ErrInvalidDimensions, "depthwise_conv2d input %v", dims)
		}
		attr.Group = dims[1]
		attr.Multiplier = filter[0] / dims[1]
	}
	return c.graph.AddOperator(ddk.Conv2D, in, out, attr, op.Type)
}

func validateFullyConnected(m *model.Model, op *model.Operation) bool {
	return len(op.Inputs) == 3 && len(op.Outputs) == 1 &&
		constantOfRank(m, op.Inputs[1], 2) && fuseCodeSupported(op)
}

func lowerFullyConnected(c *Converter, op *model.Operation) error {
	if !validateFullyConnected(c.model, op) {
		return status.Errorf(status.ErrInvalidParameter, "fully_connected needs data, constant 2-D weight and bias")
	}
	relu, err := hasRelu(op)
	if err != nil {
		return err
	}
	in, err := tensors(c, op.Inputs)
	if err != nil {
		return err
	}
	out, err := outputs(c, op.Outputs)
	if err != nil {
		return err
	}
	return c.graph.AddOperator(ddk.FullyConnected, in, out, &ddk.FullyConnectedAttr{HasRelu: relu}, op.Type)
}

func validateUnary(_ *model.Model, op *model.Operation) bool {
	return len(op.Inputs) == 1 && len(op.Outputs) == 1
}

func lowerRelu(c *Converter, op *model.Operation) error {
	if !validateUnary(c.model, op) {
		return status.Errorf(status.ErrInvalidParameter, "relu needs one input and one output")
	}
	in, err := tensors(c, op.Inputs)
	if err != nil {
		return err
	}
	out, err := outputs(c, op.Outputs)
	if err != nil {
		return err
	}
	return c.graph.AddOperator(ddk.Relu, in, out, nil, op.Type)
}

func lowerSoftmax(c *Converter, op *model.Operation) error {
	if !validateUnary(c.model, op) {
		return status.Errorf(status.ErrInvalidParameter, "softmax needs one input and one output")
	}
	in, err := tensors(c, op.Inputs)
	if err != nil {
		return err
	}
	out, err := outputs(c, op.Outputs)
	if err != nil {
		return err
	}
	axis := op.Attrs.Int("axis", -1)
	if axis < 0 {
		axis += int64(len(c.model.Operand(op.Inputs[0]).Type.Dimensions))
	}
	return c.graph.AddOperator(ddk.Softmax, in, out, &ddk.SoftmaxAttr{Axis: int32(axis)}, op.Type)
}

func validateAdd(_ *model.Model, op *model.Operation) bool {
	return len(op.Inputs) == 2 && fuseCodeSupported(op)
}

func lowerAdd(c *Converter, op *model.Operation) error {
	if !validateAdd(c.model, op) {
		return status.Errorf(status.ErrInvalidParameter, "add needs two inputs")
	}
	relu, err := hasRelu(op)
	if err != nil {
		return err
	}
	in, err := tensors(c, op.Inputs)
	if err != nil {
		return err
	}
	out, err := outputs(c, op.Outputs)
	if err != nil {
		return err
	}
	return c.graph.AddOperator(ddk.Add, in, out, &ddk.EltwiseAttr{HasRelu: relu}, op.Type)
}
