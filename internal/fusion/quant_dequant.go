package fusion

import (
	"fmt"
	"slices"
	"strings"

	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/pattern"
	"github.com/born-ml/nnadapter/internal/quant"
)

type redirects = map[model.OperandID]model.OperandID

// quantizedOpTypes are the ops whose weights are dequantized by a trailing
// fake dequantize op.
var quantizedOpTypes = []string{
	model.OpConv2D,
	model.OpDepthwiseConv2D,
	model.OpConv2DTranspose,
	model.OpMul,
	model.OpMatMul,
}

// linearQuantizedOpTypes are the consumers of a quantize_linear and
// dequantize_linear pair that may be collapsed.
var linearQuantizedOpTypes = []string{
	model.OpConv2D,
	model.OpDepthwiseConv2D,
	model.OpConv2DTranspose,
	model.OpDepthwiseConv2DTranspose,
	model.OpMul,
	model.OpMatMul,
}

// NewQuantDequantFusePass folds fake quantization ops into scales recorded on
// their neighbours and into int8 weights.
func NewQuantDequantFusePass() *FuserPass {
	var fusers []pattern.Fuser
	for _, t := range []string{model.OpFakeQuantizeRangeAbsMax, model.OpFakeQuantizeMovingAverageAbsMax} {
		fusers = append(fusers, &DeleteQuantOpFuser{OpType: t})
	}
	for _, t := range quantizedOpTypes {
		fusers = append(fusers, &DequantOpFuser{OpType: t})
	}
	for _, t := range quantizedOpTypes {
		fusers = append(fusers, &ChannelWiseDequantOpFuser{OpType: t})
	}
	for _, t := range []string{
		model.OpFakeQuantizeDequantizeAbsMax,
		model.OpFakeQuantizeDequantizeMovingAverageAbsMax,
		model.OpFakeChannelWiseQuantizeDequantizeAbsMax,
	} {
		fusers = append(fusers, &QuantDequantOpFuser{OpType: t})
	}
	fusers = append(fusers,
		&DynamicQuantOpFuser{OpType: model.OpLSTM, WeightSlot: 1},
		&DynamicQuantOpFuser{OpType: model.OpGRU, WeightSlot: 1},
		&QuantDequantLinearOpFuser{OpTypes: linearQuantizedOpTypes},
		&DequantLinearOpFuser{},
	)
	return NewFuserPass("quant_dequant_fuse", fusers...)
}

// DeleteQuantOpFuser removes a fake quantize op from an activation edge. The
// quantization scale is recorded on every reader of the quantized output,
// and the readers are relinked to the op input.
type DeleteQuantOpFuser struct {
	OpType string
}

func (f *DeleteQuantOpFuser) Name() string { return "delete_quant_op_fuser:" + f.OpType }

func (f *DeleteQuantOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	x := p.Var("input")
	q := p.Op("quant", f.OpType).AsIntermediate()
	scale := p.Var("in_scale").AssertConstant()
	out := p.Var("output").AsRedirected()
	p.Input(x, q, 0)
	p.Input(scale, q, 1)
	p.Output(q, out, 0)
	return p
}

func (f *DeleteQuantOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	op := m.Operation(mt.Op("quant"))
	scales, err := constFloats(m, mt.Var("in_scale"))
	if err != nil {
		return nil, err
	}
	if len(scales) == 0 {
		return nil, fmt.Errorf("operation %d: empty input scale", mt.Op("quant"))
	}
	out := mt.Var("output")
	recordConsumerScale(m, out, []float32{scales[0] / quant.Range(bitLength(op.Attrs))})
	return redirects{out: mt.Var("input")}, nil
}

// DequantOpFuser folds a fake_dequantize_max_abs following a quantized op into
// the op: its float weight holding integer values becomes an int8 symmetric
// per-layer constant with scale range/max_range.
type DequantOpFuser struct {
	OpType string
}

func (f *DequantOpFuser) Name() string { return "dequant_op_fuser:" + f.OpType }

func (f *DequantOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	qop := p.Op("quantized_op", f.OpType)
	w := p.Var("weight").AssertConstant().AssertVar(isFloat32)
	mid := p.Var("quantized_op_out").AsIntermediate()
	dq := p.Op("dequant", model.OpFakeDequantizeMaxAbs).AsIntermediate()
	out := p.Var("dequant_out")
	p.Input(w, qop, 1)
	p.Output(qop, mid, 0)
	p.Input(mid, dq, 0)
	p.Output(dq, out, 0)
	return p
}

func (f *DequantOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	qid := mt.Op("quantized_op")
	qop := m.Operation(qid)
	dq := m.Operation(mt.Op("dequant"))
	maxRange := dq.Attrs.Float("max_range", 0)
	if maxRange <= 0 {
		return nil, fmt.Errorf("operation %d: invalid max_range %g", mt.Op("dequant"), maxRange)
	}
	scale := quant.Range(bitLength(dq.Attrs)) / maxRange

	vals, err := constFloats(m, mt.Var("weight"))
	if err != nil {
		return nil, err
	}
	wid := privateWeight(m, qid, mt.Var("weight"))
	w := m.Operand(wid)
	channels := 1
	if axis := outputChannelAxis(f.OpType); axis < len(w.Type.Dimensions) {
		channels = int(w.Type.Dimensions[axis])
	}
	setInt8PerLayer(w, quant.CastToInt8(vals), scale)

	qop.Attrs["enable_int8"] = true
	qop.SetInputScale(wid, repeat(scale, channels))
	m.ReplaceOutput(qid, mt.Var("quantized_op_out"), mt.Var("dequant_out"))
	return nil, nil
}

// ChannelWiseDequantOpFuser is DequantOpFuser for
// fake_channel_wise_dequantize_max_abs: every output channel gets its own
// scale, scales[i]/range, and the weight becomes int8 symmetric per-channel.
type ChannelWiseDequantOpFuser struct {
	OpType string
}

func (f *ChannelWiseDequantOpFuser) Name() string {
	return "channel_wise_dequant_op_fuser:" + f.OpType
}

func (f *ChannelWiseDequantOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	qop := p.Op("quantized_op", f.OpType)
	w := p.Var("weight").AssertConstant().AssertVar(isFloat32)
	mid := p.Var("quantized_op_out").AsIntermediate()
	dq := p.Op("dequant", model.OpFakeChannelWiseDequantizeMaxAbs).AsIntermediate()
	scales := p.Var("scales").AssertConstant()
	out := p.Var("dequant_out")
	p.Input(w, qop, 1)
	p.Output(qop, mid, 0)
	p.Input(mid, dq, 0)
	p.Input(scales, dq, 1)
	p.Output(dq, out, 0)
	return p
}

func (f *ChannelWiseDequantOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	qid := mt.Op("quantized_op")
	qop := m.Operation(qid)
	dq := m.Operation(mt.Op("dequant"))
	channelScales, err := constFloats(m, mt.Var("scales"))
	if err != nil {
		return nil, err
	}

	w := m.Operand(mt.Var("weight"))
	axis := int(dq.Attrs.Int("quant_axis", int64(outputChannelAxis(f.OpType))))
	if axis >= len(w.Type.Dimensions) || int(w.Type.Dimensions[axis]) != len(channelScales) {
		return nil, fmt.Errorf("operation %d: %d scales do not match weight %s on axis %d",
			mt.Op("dequant"), len(channelScales), w.Type, axis)
	}
	rng := quant.Range(bitLength(dq.Attrs))
	scales := make([]float32, len(channelScales))
	for i, s := range channelScales {
		scales[i] = s / rng
	}
	vals, err := constFloats(m, mt.Var("weight"))
	if err != nil {
		return nil, err
	}
	wid := privateWeight(m, qid, mt.Var("weight"))
	setInt8PerChannel(m.Operand(wid), quant.CastToInt8(vals), scales, axis)

	qop.Attrs["enable_int8"] = true
	qop.SetInputScale(wid, scales)
	m.ReplaceOutput(qid, mt.Var("quantized_op_out"), mt.Var("dequant_out"))
	return nil, nil
}

// QuantDequantOpFuser removes a fake quantize-dequantize op. A constant input
// is quantized in place from its abs max; for an activation the op's input
// scale is recorded on the readers of its output.
type QuantDequantOpFuser struct {
	OpType string
}

func (f *QuantDequantOpFuser) Name() string { return "quant_dequant_op_fuser:" + f.OpType }

func (f *QuantDequantOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	x := p.Var("input")
	qdq := p.Op("quant_dequant", f.OpType).AsIntermediate()
	out := p.Var("output").AsRedirected()
	p.Input(x, qdq, 0)
	p.Output(qdq, out, 0)
	return p
}

func (f *QuantDequantOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	op := m.Operation(mt.Op("quant_dequant"))
	rng := quant.Range(bitLength(op.Attrs))
	xid, out := mt.Var("input"), mt.Var("output")
	x := m.Operand(xid)

	var scales []float32
	if x.IsConstant() {
		if x.Type.Precision != operand.Float32 || len(m.Consumers(xid)) > 1 {
			return nil, pattern.ErrSkip
		}
		vals, err := constFloats(m, xid)
		if err != nil {
			return nil, err
		}
		if f.OpType == model.OpFakeChannelWiseQuantizeDequantizeAbsMax {
			axis := int(op.Attrs.Int("quant_axis", 0))
			absMax, err := quant.ChannelAbsMax(vals, x.Type.Dimensions, axis)
			if err != nil {
				return nil, err
			}
			scales = make([]float32, len(absMax))
			for i, v := range absMax {
				scales[i] = v / rng
			}
			q, err := quant.QuantizePerChannel(vals, x.Type.Dimensions, axis, scales)
			if err != nil {
				return nil, err
			}
			setInt8PerChannel(x, q, scales, axis)
		} else {
			scale := quant.AbsMax(vals) / rng
			setInt8PerLayer(x, quant.QuantizePerLayer(vals, scale), scale)
			scales = []float32{scale}
		}
	} else {
		in, ok, err := constInput(m, op, 1)
		if err != nil {
			return nil, err
		}
		switch {
		case ok && len(in) > 0:
			scales = []float32{in[0] / rng}
		case op.Attrs.Has("scale"):
			scales = []float32{op.Attrs.Float("scale", 0) / rng}
		default:
			return nil, fmt.Errorf("operation %d: no input scale", mt.Op("quant_dequant"))
		}
	}
	recordConsumerScale(m, out, scales)
	return redirects{out: xid}, nil
}

// DynamicQuantOpFuser quantizes the float weight of an op marked for
// post-training weight quantization. The threshold comes from the
// "weight_threshold" attribute, or from the weight abs max when unset.
type DynamicQuantOpFuser struct {
	OpType     string
	WeightSlot int
}

func (f *DynamicQuantOpFuser) Name() string { return "dynamic_quant_op_fuser:" + f.OpType }

func (f *DynamicQuantOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	op := p.Op("op", f.OpType).AssertOp(func(op *model.Operation) bool {
		return strings.HasPrefix(op.Attrs.String("quantization_type", ""), "post_weight") &&
			!op.Attrs.Bool("enable_int8", false)
	})
	w := p.Var("weight").AssertConstant().AssertVar(isFloat32)
	p.Input(w, op, f.WeightSlot)
	return p
}

func (f *DynamicQuantOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	wid := mt.Var("weight")
	if len(m.Consumers(wid)) > 1 {
		return nil, pattern.ErrSkip
	}
	op := m.Operation(mt.Op("op"))
	vals, err := constFloats(m, wid)
	if err != nil {
		return nil, err
	}
	threshold := op.Attrs.Float("weight_threshold", quant.AbsMax(vals))
	scale := threshold / quant.Range(op.Attrs.Int("bit_length", 8))
	setInt8PerLayer(m.Operand(wid), quant.QuantizePerLayer(vals, scale), scale)
	op.Attrs["enable_int8"] = true
	op.SetInputScale(wid, []float32{scale})
	return nil, nil
}

// QuantDequantLinearOpFuser collapses quantize_linear immediately followed by
// dequantize_linear with the same scale and zero point. The pair output must
// be read only by OpTypes; those readers are relinked to the pair input and
// get the scale.
type QuantDequantLinearOpFuser struct {
	OpTypes []string
}

func (f *QuantDequantLinearOpFuser) Name() string { return "quant_dequant_linear_op_fuser" }

func (f *QuantDequantLinearOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	q := p.Op("quantize", model.OpQuantizeLinear).AsIntermediate()
	x := p.Var("input")
	qv := p.Var("quantized").AsIntermediate()
	dq := p.Op("dequantize", model.OpDequantizeLinear).AsIntermediate()
	out := p.Var("output").AsRedirected().AssertOnlyConsumedBy(f.OpTypes...)
	p.Input(x, q, 0)
	p.Output(q, qv, 0)
	p.Input(qv, dq, 0)
	p.Output(dq, out, 0)
	return p
}

func (f *QuantDequantLinearOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	q := m.Operation(mt.Op("quantize"))
	dq := m.Operation(mt.Op("dequantize"))
	qScale, ok, err := constInput(m, q, 1)
	if err != nil || !ok {
		return nil, pattern.ErrSkip
	}
	dqScale, ok, err := constInput(m, dq, 1)
	if err != nil || !ok || !slices.Equal(qScale, dqScale) {
		return nil, pattern.ErrSkip
	}
	qZero, _, err := constInput(m, q, 2)
	if err != nil {
		return nil, err
	}
	dqZero, _, err := constInput(m, dq, 2)
	if err != nil {
		return nil, err
	}
	if !sameZeroPoints(qZero, dqZero) {
		return nil, pattern.ErrSkip
	}

	rng := quant.Range(bitLength(dq.Attrs))
	scales := make([]float32, len(dqScale))
	for i, s := range dqScale {
		scales[i] = s / rng
	}
	out := mt.Var("output")
	recordConsumerScale(m, out, scales)
	return redirects{out: mt.Var("input")}, nil
}

func sameZeroPoints(a, b []float32) bool {
	isZero := func(v []float32) bool {
		return !slices.ContainsFunc(v, func(x float32) bool { return x != 0 })
	}
	if len(a) == 0 || len(b) == 0 {
		return isZero(a) && isZero(b)
	}
	return slices.Equal(a, b)
}

// DequantLinearOpFuser folds dequantize_linear of a constant into a new float
// constant holding (q - zero_point) * scale. The result is float16 when the
// op's out_dtype attribute says so, float32 otherwise.
type DequantLinearOpFuser struct{}

func (f *DequantLinearOpFuser) Name() string { return "dequant_linear_op_fuser" }

func (f *DequantLinearOpFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	dq := p.Op("dequantize", model.OpDequantizeLinear).AsIntermediate()
	w := p.Var("weight").AssertConstant()
	out := p.Var("output").AsRedirected()
	p.Input(w, dq, 0)
	p.Output(dq, out, 0)
	return p
}

func (f *DequantLinearOpFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	dq := m.Operation(mt.Op("dequantize"))
	w := m.Operand(mt.Var("weight"))
	vals, err := constFloats(m, mt.Var("weight"))
	if err != nil {
		return nil, err
	}
	scales, ok, err := constInput(m, dq, 1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("operation %d: scale is not a constant", mt.Op("dequantize"))
	}
	zeroPoints, _, err := constInput(m, dq, 2)
	if err != nil {
		return nil, err
	}
	axis := int(max(dq.Attrs.Int("quant_axis", 0), 0))
	deq, err := quant.Dequantize(vals, w.Type.Dimensions, axis, scales, zeroPoints)
	if err != nil {
		return nil, fmt.Errorf("operation %d: %w", mt.Op("dequantize"), err)
	}

	typ := operand.NewType(operand.Float32, w.Type.Dimensions...)
	typ.Layout = w.Type.Layout
	buf := operand.EncodeFloat32(deq)
	if dq.Attrs.String("out_dtype", "") == "float16" {
		typ.Precision = operand.Float16
		buf = operand.EncodeFloat16(deq)
	}
	folded := m.AddConstant(typ, buf)
	return redirects{mt.Var("output"): folded}, nil
}
