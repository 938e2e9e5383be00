package fusion

import (
	"github.com/born-ml/nnadapter/internal/model"
	"github.com/born-ml/nnadapter/internal/pattern"
)

// NewFlattenFcFusePass removes a flatten feeding the data input of a
// fully_connected, which flattens its input by itself.
func NewFlattenFcFusePass() *FuserPass {
	return NewFuserPass("flatten_fc_fuse", &FlattenFcFuser{})
}

// FlattenFcFuser matches flatten(start_axis=1, stop_axis=last) -> fully_connected.
type FlattenFcFuser struct{}

func (f *FlattenFcFuser) Name() string { return "flatten_fc_fuser" }

func (f *FlattenFcFuser) BuildPattern() *pattern.Pattern {
	p := pattern.New()
	flatten := p.Op("flatten", model.OpFlatten).AsIntermediate().AssertOp(func(op *model.Operation) bool {
		return op.Attrs.Int("start_axis", 1) == 1
	})
	x := p.Var("input")
	flat := p.Var("flatten_out").AsIntermediate()
	fc := p.Op("fc", model.OpFullyConnected)
	p.Input(x, flatten, 0)
	p.Output(flatten, flat, 0)
	p.Input(flat, fc, 0)
	return p
}

func (f *FlattenFcFuser) InsertNewNode(m *model.Model, mt *pattern.Match) (redirects, error) {
	flatten := m.Operation(mt.Op("flatten"))
	rank := int64(len(m.Operand(mt.Var("input")).Type.Dimensions))
	if stop := flatten.Attrs.Int("stop_axis", -1); stop != -1 && stop != rank-1 {
		return nil, pattern.ErrSkip
	}
	m.ReplaceInput(mt.Op("fc"), mt.Var("flatten_out"), mt.Var("input"))
	return nil, nil
}
