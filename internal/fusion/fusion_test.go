package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/status"
)

func f32(dims ...int32) operand.Type {
	return operand.NewType(operand.Float32, dims...)
}

func constF32(m *model.Model, values []float32, dims ...int32) model.OperandID {
	return m.AddConstant(f32(dims...), operand.EncodeFloat32(values))
}

func tmp(m *model.Model, dims ...int32) model.OperandID {
	return m.AddOperand(f32(dims...), model.TemporaryVariable)
}

func ids(v ...model.OperandID) []model.OperandID { return v }

func matmulAddModel() (*model.Model, model.OperandID) {
	m := model.New()
	in := m.AddInput(f32(1, 3))
	y := constF32(m, []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	b := constF32(m, []float32{0.5, -0.5}, 2)
	mid := tmp(m, 1, 2)
	out := tmp(m, 1, 2)
	m.AddOperation(model.OpMatMul, ids(in, y), ids(mid), nil)
	m.AddOperation(model.OpAdd, ids(mid, b), ids(out), model.Attrs{"fuse_code": model.FuseRelu})
	m.MarkOutput(out)
	return m, mid
}

func TestMatMulAddBecomesFullyConnected(t *testing.T) {
	m, mid := matmulAddModel()
	_, err := DefaultPipeline().Run(m)
	require.NoError(t, err)

	assert.Equal(t, 1, m.CountOperations(model.OpFullyConnected))
	assert.Zero(t, m.CountOperations(model.OpAdd))
	assert.Zero(t, m.CountOperations(model.OpMatMul))
	assert.Nil(t, m.Operand(mid))

	fc := m.Operation(m.OperationIDs()[0])
	assert.Equal(t, m.OutputOperands, fc.Outputs)
	assert.Equal(t, model.FuseRelu, fc.Attrs.Int("fuse_code", -1))
	w := m.Operand(fc.Inputs[1])
	assert.Equal(t, operand.Dimensions{2, 3}, w.Type.Dimensions)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, operand.DecodeFloat32(w.Buffer))
}

func TestMatMulAddFanOutFailsClosed(t *testing.T) {
	m, mid := matmulAddModel()
	extra := tmp(m, 1, 2)
	m.AddOperation(model.OpRelu, ids(mid), ids(extra), nil)
	m.MarkOutput(extra)

	n, err := NewMatMulAddFusePass().Apply(m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, m.CountOperations(model.OpAdd))
	assert.Equal(t, 1, m.CountOperations(model.OpMatMul))
}

func TestMatMulAddBiasMismatchSkipped(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 3))
	y := constF32(m, []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	b := constF32(m, []float32{1, 2, 3}, 3)
	mid, out := tmp(m, 1, 2), tmp(m, 1, 2)
	m.AddOperation(model.OpMatMul, ids(in, y), ids(mid), nil)
	m.AddOperation(model.OpAdd, ids(mid, b), ids(out), nil)
	m.MarkOutput(out)
	operands := len(m.OperandIDs())

	n, err := NewMatMulAddFusePass().Apply(m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, m.OperandIDs(), operands)
}

func linearQuantModel(dqScale float32) (*model.Model, model.OperandID, model.OperationID) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 4, 4))
	s := constF32(m, []float32{0.5}, 1)
	zp := m.AddConstant(operand.NewType(operand.Int32, 1), operand.EncodeInt32([]int32{0}))
	ds := s
	if dqScale != 0.5 {
		ds = constF32(m, []float32{dqScale}, 1)
	}
	w := constF32(m, []float32{1}, 1, 1, 1, 1)
	q, dq, out := tmp(m, 1, 1, 4, 4), tmp(m, 1, 1, 4, 4), tmp(m, 1, 1, 4, 4)
	m.AddOperation(model.OpQuantizeLinear, ids(in, s, zp), ids(q), nil)
	m.AddOperation(model.OpDequantizeLinear, ids(q, ds, zp), ids(dq), nil)
	conv := m.AddOperation(model.OpConv2D, ids(dq, w), ids(out), nil)
	m.MarkOutput(out)
	return m, in, conv
}

func TestQuantDequantLinearCollapses(t *testing.T) {
	m, in, conv := linearQuantModel(0.5)
	_, err := DefaultPipeline().Run(m)
	require.NoError(t, err)

	assert.Zero(t, m.CountOperations(model.OpQuantizeLinear))
	assert.Zero(t, m.CountOperations(model.OpDequantizeLinear))
	op := m.Operation(conv)
	assert.Equal(t, in, op.Inputs[0])
	require.Contains(t, op.InputScales, in)
	assert.InDelta(t, 0.5/127, op.InputScales[in][0], 1e-7)
	// Scale and zero point constants go away with the pair.
	assert.Len(t, m.OperandIDs(), 3)
}

func TestQuantDequantLinearScaleMismatchKept(t *testing.T) {
	m, _, _ := linearQuantModel(0.25)
	n, err := NewFuserPass("linear", &QuantDequantLinearOpFuser{OpTypes: linearQuantizedOpTypes}).Apply(m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, m.CountOperations(model.OpQuantizeLinear))
}

func TestDeleteQuantRecordsScaleOnConsumers(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 4))
	s := constF32(m, []float32{6.35}, 1)
	q, out := tmp(m, 1, 4), tmp(m, 1, 4)
	m.AddOperation(model.OpFakeQuantizeRangeAbsMax, ids(in, s), ids(q), model.Attrs{"bit_length": int64(8)})
	relu := m.AddOperation(model.OpRelu, ids(q), ids(out), nil)
	m.MarkOutput(out)

	n, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	op := m.Operation(relu)
	assert.Equal(t, ids(in), op.Inputs)
	assert.InDelta(t, 0.05, op.InputScales[in][0], 1e-6)
	assert.Nil(t, m.Operand(s))
	assert.Nil(t, m.Operand(q))
}

func TestDequantOpFuser(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	w := constF32(m, []float32{3, -5}, 2, 1, 1, 1)
	mid, out := tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2)
	conv := m.AddOperation(model.OpConv2D, ids(in, w), ids(mid), nil)
	m.AddOperation(model.OpFakeDequantizeMaxAbs, ids(mid), ids(out), model.Attrs{"max_range": float32(254)})
	m.MarkOutput(out)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	assert.Zero(t, m.CountOperations(model.OpFakeDequantizeMaxAbs))
	op := m.Operation(conv)
	assert.Equal(t, ids(out), op.Outputs)
	assert.True(t, op.Attrs.Bool("enable_int8", false))
	assert.Equal(t, []float32{0.5, 0.5}, op.InputScales[w])

	wt := m.Operand(w)
	assert.Equal(t, operand.QuantInt8SymmPerLayer, wt.Type.Precision)
	assert.Equal(t, float32(0.5), wt.Type.SymmPerLayer.Scale)
	assert.Equal(t, []int8{3, -5}, operand.DecodeInt8(wt.Buffer))
}

func TestChannelWiseDequantOpFuser(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	w := constF32(m, []float32{10, -20}, 2, 1, 1, 1)
	scales := constF32(m, []float32{127, 254}, 2)
	mid, out := tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2)
	conv := m.AddOperation(model.OpConv2D, ids(in, w), ids(mid), nil)
	m.AddOperation(model.OpFakeChannelWiseDequantizeMaxAbs, ids(mid, scales), ids(out),
		model.Attrs{"quant_bits": []int64{8}})
	m.MarkOutput(out)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	op := m.Operation(conv)
	assert.Equal(t, ids(out), op.Outputs)
	assert.Equal(t, []float32{1, 2}, op.InputScales[w])
	wt := m.Operand(w).Type
	assert.Equal(t, operand.QuantInt8SymmPerChannel, wt.Precision)
	assert.Equal(t, []float32{1, 2}, wt.SymmPerChannel.Scales)
	assert.Equal(t, int32(0), wt.SymmPerChannel.ChannelDim)
	assert.Nil(t, m.Operand(scales))
}

func TestDequantOpFuserSharedWeight(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	w := constF32(m, []float32{3, -5}, 2, 1, 1, 1)
	mid, outA, outB := tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2)
	convA := m.AddOperation(model.OpConv2D, ids(in, w), ids(mid), nil)
	m.AddOperation(model.OpFakeDequantizeMaxAbs, ids(mid), ids(outA), model.Attrs{"max_range": float32(254)})
	convB := m.AddOperation(model.OpConv2D, ids(in, w), ids(outB), nil)
	m.MarkOutput(outA)
	m.MarkOutput(outB)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	assert.Equal(t, ids(in, w), m.Operation(convB).Inputs)
	wt := m.Operand(w)
	assert.Equal(t, operand.Float32, wt.Type.Precision)
	assert.Equal(t, []float32{3, -5}, operand.DecodeFloat32(wt.Buffer))

	a := m.Operation(convA)
	require.NotEqual(t, w, a.Inputs[1])
	qt := m.Operand(a.Inputs[1])
	assert.Equal(t, operand.QuantInt8SymmPerLayer, qt.Type.Precision)
	assert.Equal(t, float32(0.5), qt.Type.SymmPerLayer.Scale)
	assert.Equal(t, []int8{3, -5}, operand.DecodeInt8(qt.Buffer))
	assert.Equal(t, []float32{0.5, 0.5}, a.InputScales[a.Inputs[1]])
}

func TestChannelWiseDequantOpFuserSharedWeight(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	w := constF32(m, []float32{10, -20}, 2, 1, 1, 1)
	scales := constF32(m, []float32{127, 254}, 2)
	mid, outA, outB := tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2)
	convA := m.AddOperation(model.OpConv2D, ids(in, w), ids(mid), nil)
	m.AddOperation(model.OpFakeChannelWiseDequantizeMaxAbs, ids(mid, scales), ids(outA),
		model.Attrs{"quant_bits": []int64{8}})
	convB := m.AddOperation(model.OpConv2D, ids(in, w), ids(outB), nil)
	m.MarkOutput(outA)
	m.MarkOutput(outB)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	assert.Equal(t, ids(in, w), m.Operation(convB).Inputs)
	assert.Equal(t, operand.Float32, m.Operand(w).Type.Precision)
	assert.Equal(t, []float32{10, -20}, operand.DecodeFloat32(m.Operand(w).Buffer))

	a := m.Operation(convA)
	require.NotEqual(t, w, a.Inputs[1])
	qt := m.Operand(a.Inputs[1]).Type
	assert.Equal(t, operand.QuantInt8SymmPerChannel, qt.Precision)
	assert.Equal(t, []float32{1, 2}, qt.SymmPerChannel.Scales)
}

func TestTruncatedConstantRejected(t *testing.T) {
	t.Run("channel_wise_quant_dequant", func(t *testing.T) {
		m := model.New()
		in := m.AddInput(f32(1, 2))
		w := m.AddConstant(f32(2, 2), operand.EncodeFloat32([]float32{1, 2}))
		wq, out := tmp(m, 2, 2), tmp(m, 1, 2)
		m.AddOperation(model.OpFakeChannelWiseQuantizeDequantizeAbsMax, ids(w), ids(wq),
			model.Attrs{"quant_axis": int64(1)})
		m.AddOperation(model.OpMatMul, ids(in, wq), ids(out), nil)
		m.MarkOutput(out)

		require.NotPanics(t, func() {
			_, err := DefaultPipeline().Run(m)
			assert.ErrorIs(t, err, status.ErrInvalidParameter)
		})
	})
	t.Run("matmul_add", func(t *testing.T) {
		m := model.New()
		in := m.AddInput(f32(1, 3))
		y := m.AddConstant(f32(3, 2), operand.EncodeFloat32([]float32{1, 2, 3}))
		b := constF32(m, []float32{0.5, -0.5}, 2)
		mid, out := tmp(m, 1, 2), tmp(m, 1, 2)
		m.AddOperation(model.OpMatMul, ids(in, y), ids(mid), nil)
		m.AddOperation(model.OpAdd, ids(mid, b), ids(out), nil)
		m.MarkOutput(out)

		require.NotPanics(t, func() {
			_, err := DefaultPipeline().Run(m)
			assert.ErrorIs(t, err, status.ErrInvalidParameter)
		})
	})
}

func TestQuantDequantOpFuserWeight(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 2))
	w := constF32(m, []float32{-2, 1.5}, 2, 1)
	wq, out := tmp(m, 2, 1), tmp(m, 1, 1)
	m.AddOperation(model.OpFakeQuantizeDequantizeAbsMax, ids(w), ids(wq), nil)
	mm := m.AddOperation(model.OpMatMul, ids(in, wq), ids(out), nil)
	m.MarkOutput(out)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	op := m.Operation(mm)
	assert.Equal(t, ids(in, w), op.Inputs)
	wt := m.Operand(w)
	assert.Equal(t, operand.QuantInt8SymmPerLayer, wt.Type.Precision)
	assert.InDelta(t, 2.0/127, wt.Type.SymmPerLayer.Scale, 1e-7)
	assert.Equal(t, []int8{-127, 95}, operand.DecodeInt8(wt.Buffer))
	assert.InDelta(t, 2.0/127, op.InputScales[w][0], 1e-7)
}

func TestQuantDequantOpFuserActivation(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 2))
	s := constF32(m, []float32{12.7}, 1)
	o, out := tmp(m, 1, 2), tmp(m, 1, 2)
	m.AddOperation(model.OpFakeQuantizeDequantizeMovingAverageAbsMax, ids(in, s), ids(o), nil)
	relu := m.AddOperation(model.OpRelu, ids(o), ids(out), nil)
	m.MarkOutput(out)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)
	op := m.Operation(relu)
	assert.Equal(t, ids(in), op.Inputs)
	assert.InDelta(t, 0.1, op.InputScales[in][0], 1e-6)
}

func TestDynamicQuantOpFuser(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 2))
	w := constF32(m, []float32{1, -0.25}, 2)
	out := tmp(m, 1, 2)
	lstm := m.AddOperation(model.OpLSTM, ids(in, w), ids(out), model.Attrs{"quantization_type": "post_weight_abs_max"})
	m.MarkOutput(out)

	pass := NewQuantDequantFusePass()
	n, err := pass.Apply(m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	op := m.Operation(lstm)
	assert.True(t, op.Attrs.Bool("enable_int8", false))
	wt := m.Operand(w)
	assert.Equal(t, operand.QuantInt8SymmPerLayer, wt.Type.Precision)
	assert.Equal(t, []int8{127, -32}, operand.DecodeInt8(wt.Buffer))

	n, err = pass.Apply(m)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDequantLinearFoldsToFloat16(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	w := m.AddConstant(operand.NewType(operand.Int8, 2, 1, 1, 1), operand.EncodeInt8([]int8{10, 20}))
	s := constF32(m, []float32{0.5}, 1)
	zp := m.AddConstant(operand.NewType(operand.Int32, 1), operand.EncodeInt32([]int32{0}))
	wd, out := tmp(m, 2, 1, 1, 1), tmp(m, 1, 2, 2, 2)
	m.AddOperation(model.OpDequantizeLinear, ids(w, s, zp), ids(wd), model.Attrs{"out_dtype": "float16"})
	conv := m.AddOperation(model.OpConv2D, ids(in, wd), ids(out), nil)
	m.MarkOutput(out)

	_, err := NewQuantDequantFusePass().Apply(m)
	require.NoError(t, err)

	assert.Zero(t, m.CountOperations(model.OpDequantizeLinear))
	folded := m.Operand(m.Operation(conv).Inputs[1])
	require.NotNil(t, folded)
	assert.True(t, folded.IsConstant())
	assert.Equal(t, operand.Float16, folded.Type.Precision)
	assert.Equal(t, []float32{5, 10}, operand.DecodeFloat16(folded.Buffer))
	assert.Nil(t, m.Operand(w))
}

func TestFlattenFcFuse(t *testing.T) {
	build := func(stopAxis int64) (*model.Model, model.OperandID, model.OperationID) {
		m := model.New()
		in := m.AddInput(f32(1, 2, 2))
		w := constF32(m, make([]float32, 12), 3, 4)
		b := constF32(m, make([]float32, 3), 3)
		flat, out := tmp(m, 1, 4), tmp(m, 1, 3)
		m.AddOperation(model.OpFlatten, ids(in), ids(flat), model.Attrs{"start_axis": int64(1), "stop_axis": stopAxis})
		fc := m.AddOperation(model.OpFullyConnected, ids(flat, w, b), ids(out), nil)
		m.MarkOutput(out)
		return m, in, fc
	}

	m, in, fc := build(-1)
	n, err := NewFlattenFcFusePass().Apply(m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, m.CountOperations(model.OpFlatten))
	assert.Equal(t, in, m.Operation(fc).Inputs[0])

	m, _, _ = build(1)
	n, err = NewFlattenFcFusePass().Apply(m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, m.CountOperations(model.OpFlatten))
}

func TestDefaultPipelineIsIdempotent(t *testing.T) {
	m := model.New()
	in := m.AddInput(f32(1, 1, 2, 2))
	s := constF32(m, []float32{1.27}, 1)
	w := constF32(m, []float32{3, -5}, 2, 1, 1, 1)
	q, mid, conv := tmp(m, 1, 1, 2, 2), tmp(m, 1, 2, 2, 2), tmp(m, 1, 2, 2, 2)
	m.AddOperation(model.OpFakeQuantizeMovingAverageAbsMax, ids(in, s), ids(q), nil)
	m.AddOperation(model.OpConv2D, ids(q, w), ids(mid), nil)
	m.AddOperation(model.OpFakeDequantizeMaxAbs, ids(mid), ids(conv), model.Attrs{"max_range": float32(127)})
	m.MarkOutput(conv)

	p := DefaultPipeline()
	n, err := p.Run(m)
	require.NoError(t, err)
	assert.Positive(t, n)
	first := model.Visualize(m)

	wt := m.Operand(w).Type
	assert.Equal(t, operand.QuantUInt8AsymmPerLayer, wt.Precision)
	assert.Equal(t, int32(128), wt.AsymmPerLayer.ZeroPoint)

	n, err = p.Run(m)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, first, model.Visualize(m))
}

func TestDefaultPipelineOrder(t *testing.T) {
	var names []string
	for _, p := range DefaultPipeline().Passes() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{
		"quant_dequant_fuse",
		"flatten_fc_fuse",
		"matmul_add_fuse",
		"convert_quantization_symm_to_asymm",
	}, names)
}
