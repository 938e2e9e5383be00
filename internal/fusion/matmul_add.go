package fusion

import (
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/pattern"
)

// NewMatMulAddFusePass turns matmul plus a bias add into fully_connected.
func NewMatMulAddFusePass() *FuserPass {
	return NewFuserPass("matmul_add_fuse", &MatMulAddFuser{})
}

// MatMulAddFuser matches matmul(x, y) -> add(., bias) with a constant 2-D y and
// a constant 1-D bias, and the matmul output read by the add alone. The
// weight handed to fully_connected is laid out as [units, input].
type MatMulAddFuser struct{}

func (f *MatMulAddFuser) Name() string { return "matmul_add_fuser" }

func (f *MatMulAddFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	mm := p.Op("matmul", model.OpMatMul).AsIntermediate().AssertOp(func(op *model.Operation) bool {
		return !op.Attrs.Bool("transpose_x", false)
	})
	x := p.Var("x")
	y := p.Var("y").AssertConstant().AssertRank(2)
	mid := p.Var("matmul_out").AsIntermediate()
	add := p.Op("add", model.OpAdd).AsIntermediate()
	bias := p.Var("bias").AssertConstant().AssertRank(1)
	out := p.Var("add_out")
	p.Input(x, mm, 0)
	p.Input(y, mm, 1)
	p.Output(mm, mid, 0)
	p.Input(mid, add, 0)
	p.Input(bias, add, 1)
	p.Output(add, out, 0)
	return p
}

func (f *MatMulAddFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	mm := m.Operation(mt.Op("matmul"))
	add := m.Operation(mt.Op("add"))
	yid, bid, xid, out := mt.Var("y"), mt.Var("bias"), mt.Var("x"), mt.Var("add_out")
	y := m.Operand(yid)

	transposeY := mm.Attrs.Bool("transpose_y", false)
	rows, cols := y.Type.Dimensions[0], y.Type.Dimensions[1]
	units := cols
	if transposeY {
		units = rows
	}
	if m.Operand(bid).Type.Dimensions[0] != units {
		return nil, pattern.ErrSkip
	}

	if err := checkBuffer(yid, y); err != nil {
		return nil, err
	}
	weight := yid
	if !transposeY {
		typ := y.Type.Clone()
		typ.Dimensions = []int32{cols, rows}
		if typ.Precision.IsSymmPerChannelQuant() {
			typ.SymmPerChannel.ChannelDim = 1 - typ.SymmPerChannel.ChannelDim
		}
		weight = m.AddConstant(typ, transpose2D(y.Buffer, int(rows), int(cols), y.Type.Precision.Size()))
	}

	attrs := model.Attrs{"fuse_code": add.Attrs.Int("fuse_code", model.FuseNone)}
	if mm.Attrs.Bool("enable_int8", false) {
		attrs["enable_int8"] = true
	}
	fcID := m.AddOperation(model.OpFullyConnected, []model.OperandID{xid, weight, bid}, []model.OperandID{out}, attrs)
	fc := m.Operation(fcID)
	if s, ok := mm.InputScales[xid]; ok {
		fc.SetInputScale(xid, s)
	}
	if s, ok := mm.InputScales[yid]; ok {
		fc.SetInputScale(weight, s)
	}
	if s, ok := add.OutputScales[out]; ok {
		fc.SetOutputScale(out, s)
	}
	return nil, nil
}
