package fusion

import (
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
	"github.com/born-ml/nnadapter/internal/status"
)

func isFloat32(m *model.Model, id model.OperandID) bool {
	return m.Operand(id).Type.Precision == operand.Float32
}

func constFloats(m *model.Model, id model.OperandID) ([]float32, error) {
	o := m.Operand(id)
	if o == nil || !o.IsConstant() {
		return nil, status.Errorf(status.ErrInvalidParameter, "operand %d is not a constant", id)
	}
	if err := checkBuffer(id, o); err != nil {
		return nil, err
	}
	return operand.DecodeAsFloat32(o.Type.Precision, o.Buffer)
}

// checkBuffer rejects a constant whose buffer does not hold its declared type.
func checkBuffer(id model.OperandID, o *model.Operand) error {
	if n := o.Type.BufferLength(); int64(len(o.Buffer)) != n {
		return status.Errorf(status.ErrInvalidParameter, "constant %d %s: got %d bytes, want %d", id, o.Type, len(o.Buffer), n)
	}
	return nil
}

// privateWeight returns a copy of the constant wid read only by opID when
// other operations also read it, so it can be rewritten in place.
func privateWeight(m *model.Model, opID model.OperationID, wid model.OperandID) model.OperandID {
	if len(m.Consumers(wid)) <= 1 {
		return wid
	}
	w := m.Operand(wid)
	copied := m.AddConstant(w.Type.Clone(), w.Buffer)
	m.ReplaceInput(opID, wid, copied)
	return copied
}

// constInput decodes the constant at input slot of op, if there is one.
func constInput(m *model.Model, op *model.Operation, slot int) ([]float32, bool, error) {
	if slot >= len(op.Inputs) {
		return nil, false, nil
	}
	o := m.Operand(op.Inputs[slot])
	if o == nil || !o.IsConstant() {
		return nil, false, nil
	}
	if err := checkBuffer(op.Inputs[slot], o); err != nil {
		return nil, false, err
	}
	vals, err := operand.DecodeAsFloat32(o.Type.Precision, o.Buffer)
	if err != nil {
		return nil, false, err
	}
	return vals, true, nil
}

// bitLength reads the quantization bit width of a fake quantization op.
func bitLength(attrs model.Attrs) int64 {
	if bits := attrs.Ints("quant_bits"); len(bits) > 0 {
		return bits[0]
	}
	return attrs.Int("bit_length", 8)
}

func setInt8PerLayer(o *model.Operand, q []int8, scale float32) {
	o.Buffer = operand.EncodeInt8(q)
	o.Type.Precision = operand.QuantInt8SymmPerLayer
	o.Type.SymmPerLayer = operand.SymmPerLayerParams{Scale: scale}
}

func setInt8PerChannel(o *model.Operand, q []int8, scales []float32, axis int) {
	o.Buffer = operand.EncodeInt8(q)
	o.Type.Precision = operand.QuantInt8SymmPerChannel
	o.Type.SymmPerChannel = operand.SymmPerChannelParams{Scales: scales, ChannelDim: int32(axis)}
}

// recordConsumerScale attaches scales to id on every reader of id.
func recordConsumerScale(m *model.Model, id model.OperandID, scales []float32) {
	for _, c := range m.Consumers(id) {
		m.Operation(c).SetInputScale(id, scales)
	}
}

// outputChannelAxis is the weight axis holding output channels.
func outputChannelAxis(opType string) int {
	switch opType {
	case model.OpConv2D, model.OpDepthwiseConv2D:
		return 0
	default:
		return 1
	}
}

func repeat(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// transpose2D swaps the axes of a row-major [rows, cols] buffer of elemSize
// byte elements.
func transpose2D(buf []byte, rows, cols, elemSize int) []byte {
	out := make([]byte, len(buf))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src := (r*cols + c) * elemSize
			dst := (c*rows + r) * elemSize
			copy(out[dst:dst+elemSize], buf[src:src+elemSize])
		}
	}
	return out
}
