package quant

import (
	"fmt"

	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/operand"
)

// AsymmZeroPoint is the zero point given to int8 symmetric operands when they
// are converted to the uint8 asymmetric representation.
const AsymmZeroPoint int32 = 128

// ConvertModelSymmToAsymm rewrites every int8 symmetric per-layer operand of
// m to uint8 asymmetric per-layer with the same scale and a zero point of
// 128. Constant buffers are transcoded. Operands already asymmetric are left
// untouched, so a second call is a no-op. It returns the number of operands
// converted.
func ConvertModelSymmToAsymm(m *model.Model) (int, error) {
	n := 0
	for _, id := range m.OperandIDs() {
		o := m.Operand(id)
		if o.Type.Precision != operand.QuantInt8SymmPerLayer {
			continue
		}
		if o.IsConstant() && o.Buffer != nil {
			if int64(len(o.Buffer)) != o.Type.BufferLength() {
				return n, fmt.Errorf("operand %d: buffer has %d bytes, want %d", id, len(o.Buffer), o.Type.BufferLength())
			}
			if err := SymmToAsymmBytes(o.Buffer, AsymmZeroPoint, o.Buffer); err != nil {
				return n, fmt.Errorf("operand %d: %w", id, err)
			}
		}
		scale := o.Type.SymmPerLayer.Scale
		o.Type.Precision = operand.QuantUInt8AsymmPerLayer
		o.Type.SymmPerLayer = operand.SymmPerLayerParams{}
		o.Type.AsymmPerLayer = operand.AsymmPerLayerParams{Scale: scale, ZeroPoint: AsymmZeroPoint}
		n++
	}
	return n, nil
}
