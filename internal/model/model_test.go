package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/nnadapter/internal/operand"
)

// chain builds input -> relu -> t -> softmax -> output.
func chain() (*Model, OperandID, OperandID, OperandID) {
	m := New()
	in := m.AddInput(operand.NewType(operand.Float32, 1, 4))
	t := m.AddOperand(operand.NewType(operand.Float32, 1, 4), TemporaryVariable)
	out := m.AddOperand(operand.NewType(operand.Float32, 1, 4), TemporaryVariable)
	m.AddOperation(OpRelu, []OperandID{in}, []OperandID{t}, nil)
	m.AddOperation(OpSoftmax, []OperandID{t}, []OperandID{out}, Attrs{"axis": int64(1)})
	m.MarkOutput(out)
	return m, in, t, out
}

func TestProducerConsumers(t *testing.T) {
	m, in, tmp, out := chain()

	p, ok := m.Producer(tmp)
	require.True(t, ok)
	assert.Equal(t, OpRelu, m.Operation(p).Type)

	_, ok = m.Producer(in)
	assert.False(t, ok)

	consumers := m.Consumers(tmp)
	require.Len(t, consumers, 1)
	assert.Equal(t, OpSoftmax, m.Operation(consumers[0]).Type)

	assert.True(t, m.IsModelInput(in))
	assert.True(t, m.IsModelOutput(out))
	assert.Equal(t, ModelOutput, m.Operand(out).Lifetime)
}

func TestRemoveTombstones(t *testing.T) {
	m, _, tmp, _ := chain()
	ops := m.OperationIDs()
	require.Len(t, ops, 2)

	m.RemoveOperation(ops[0])
	assert.Nil(t, m.Operation(ops[0]))
	assert.Equal(t, 1, m.OperationCount())
	assert.Empty(t, m.Consumers(-1))

	require.NoError(t, m.RemoveOperand(tmp))
	assert.Nil(t, m.Operand(tmp))

	// Ids are never reused.
	next := m.AddOperand(operand.NewType(operand.Float32, 1), TemporaryVariable)
	assert.NotEqual(t, tmp, next)
}

func TestRemoveBoundaryOperandFails(t *testing.T) {
	m, in, _, out := chain()
	assert.Error(t, m.RemoveOperand(in))
	assert.Error(t, m.RemoveOperand(out))
}

func TestRedirectConsumers(t *testing.T) {
	m, in, tmp, out := chain()
	softmax := m.Consumers(tmp)[0]
	m.Operation(softmax).SetInputScale(tmp, []float32{0.5})

	m.RedirectConsumers(tmp, in)
	assert.Equal(t, []OperandID{in}, m.Operation(softmax).Inputs)
	assert.Equal(t, []float32{0.5}, m.Operation(softmax).InputScales[in])

	// Redirecting a model output patches the output list.
	repl := m.AddOperand(operand.NewType(operand.Float32, 1, 4), TemporaryVariable)
	m.RedirectConsumers(out, repl)
	assert.Equal(t, []OperandID{repl}, m.OutputOperands)
	assert.Equal(t, ModelOutput, m.Operand(repl).Lifetime)
}

func TestTopologicalOrder(t *testing.T) {
	m := New()
	in := m.AddInput(operand.NewType(operand.Float32, 4))
	a := m.AddOperand(operand.NewType(operand.Float32, 4), TemporaryVariable)
	b := m.AddOperand(operand.NewType(operand.Float32, 4), TemporaryVariable)
	c := m.AddOperand(operand.NewType(operand.Float32, 4), TemporaryVariable)

	// Inserted consumer-first.
	add := m.AddOperation(OpAdd, []OperandID{a, b}, []OperandID{c}, nil)
	reluA := m.AddOperation(OpRelu, []OperandID{in}, []OperandID{a}, nil)
	reluB := m.AddOperation(OpRelu, []OperandID{in}, []OperandID{b}, nil)
	m.MarkOutput(c)

	order, err := SortOperationsInTopologicalOrder(m)
	require.NoError(t, err)
	assert.Equal(t, []OperationID{reluA, reluB, add}, order)

	again, err := SortOperationsInTopologicalOrder(m)
	require.NoError(t, err)
	assert.Equal(t, order, again)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	m := New()
	a := m.AddOperand(operand.NewType(operand.Float32, 1), TemporaryVariable)
	b := m.AddOperand(operand.NewType(operand.Float32, 1), TemporaryVariable)
	m.AddOperation(OpRelu, []OperandID{a}, []OperandID{b}, nil)
	m.AddOperation(OpRelu, []OperandID{b}, []OperandID{a}, nil)

	_, err := SortOperationsInTopologicalOrder(m)
	assert.Error(t, err)
}

func TestAttrs(t *testing.T) {
	attrs := Attrs{
		"group":    int64(2),
		"strides":  []int64{1, 1},
		"scale":    float32(0.5),
		"out_type": "float16",
		"relu":     true,
	}
	assert.Equal(t, int64(2), attrs.Int("group", 1))
	assert.Equal(t, int64(1), attrs.Int("missing", 1))
	assert.Equal(t, []int64{1, 1}, attrs.Ints("strides"))
	assert.Equal(t, float32(0.5), attrs.Float("scale", 0))
	assert.Equal(t, "float16", attrs.String("out_type", ""))
	assert.True(t, attrs.Bool("relu", false))

	c := attrs.Clone()
	c.Ints("strides")[0] = 9
	assert.Equal(t, int64(1), attrs.Ints("strides")[0])
}

func TestVisualize(t *testing.T) {
	m, _, _, _ := chain()
	dot := Visualize(m)
	assert.Contains(t, dot, "digraph G {")
	assert.Contains(t, dot, "relu")
	assert.Contains(t, dot, "softmax\\naxis=1")
	assert.Contains(t, dot, "input0:")
	assert.Contains(t, dot, "output0:")
}
