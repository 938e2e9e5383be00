// Package model implements the logical model: a hardware agnostic operation
// graph stored as an arena of operands and operations addressed by stable ids.
//
// Rewrite passes mutate a Model in place. Removing an operand or an operation
// tombstones its slot, so ids held by other operations or by pattern matches
// never alias a different entry.
package model

import (
	"fmt"
	"slices"

	"github.com/born-ml/nnadapter/internal/operand"
)

// OperandID addresses an operand within one Model.
type OperandID int

// OperationID addresses an operation within one Model.
type OperationID int

// Lifetime tells where the value of an operand comes from.
type Lifetime int

// Operand lifetimes.
const (
	TemporaryVariable Lifetime = iota
	ConstantCopy
	ConstantReference
	ModelInput
	ModelOutput
)

// String returns the lifetime name.
func (l Lifetime) String() string {
	switch l {
	case TemporaryVariable:
		return "TEMPORARY_VARIABLE"
	case ConstantCopy:
		return "CONSTANT_COPY"
	case ConstantReference:
		return "CONSTANT_REFERENCE"
	case ModelInput:
		return "MODEL_INPUT"
	case ModelOutput:
		return "MODEL_OUTPUT"
	default:
		return "UNKNOWN"
	}
}

// Operand is a typed tensor descriptor in the logical graph.
type Operand struct {
	Type     operand.Type
	Lifetime Lifetime
	Buffer   []byte // Constant data, nil for variables
	removed  bool
}

// IsConstant reports whether the operand carries constant data.
func (o *Operand) IsConstant() bool {
	return o.Lifetime == ConstantCopy || o.Lifetime == ConstantReference
}

// Operation is a typed op with ordered input and output operands.
type Operation struct {
	Type    string
	Inputs  []OperandID
	Outputs []OperandID
	Attrs   Attrs

	// InputScales records activation scales attached by quantization passes,
	// keyed by input operand.
	InputScales  map[OperandID][]float32
	OutputScales map[OperandID][]float32

	removed bool
}

// SetInputScale records the quantization scale of one input operand.
func (op *Operation) SetInputScale(id OperandID, scales []float32) {
	if op.InputScales == nil {
		op.InputScales = make(map[OperandID][]float32)
	}
	op.InputScales[id] = slices.Clone(scales)
}

// SetOutputScale records the quantization scale of one output operand.
func (op *Operation) SetOutputScale(id OperandID, scales []float32) {
	if op.OutputScales == nil {
		op.OutputScales = make(map[OperandID][]float32)
	}
	op.OutputScales[id] = slices.Clone(scales)
}

// InputSlot returns the position of id among the operation inputs, or -1.
func (op *Operation) InputSlot(id OperandID) int {
	return slices.Index(op.Inputs, id)
}

// Model is the compilation unit: operations plus designated input and output
// operands. It is not safe for concurrent mutation.
type Model struct {
	operands   []*Operand
	operations []*Operation

	InputOperands  []OperandID
	OutputOperands []OperandID
}

// New returns an empty model.
func New() *Model {
	return &Model{}
}

// AddOperand appends an operand and returns its id.
func (m *Model) AddOperand(typ operand.Type, lifetime Lifetime) OperandID {
	m.operands = append(m.operands, &Operand{Type: typ, Lifetime: lifetime})
	return OperandID(len(m.operands) - 1)
}

// AddConstant appends a constant operand holding a copy of buffer.
func (m *Model) AddConstant(typ operand.Type, buffer []byte) OperandID {
	id := m.AddOperand(typ, ConstantCopy)
	m.operands[id].Buffer = slices.Clone(buffer)
	return id
}

// AddInput appends a model input operand.
func (m *Model) AddInput(typ operand.Type) OperandID {
	id := m.AddOperand(typ, ModelInput)
	m.InputOperands = append(m.InputOperands, id)
	return id
}

// MarkOutput designates an existing operand as the next model output.
func (m *Model) MarkOutput(id OperandID) {
	m.operands[id].Lifetime = ModelOutput
	m.OutputOperands = append(m.OutputOperands, id)
}

// AddOperation appends an operation and returns its id.
func (m *Model) AddOperation(opType string, inputs, outputs []OperandID, attrs Attrs) OperationID {
	if attrs == nil {
		attrs = Attrs{}
	}
	m.operations = append(m.operations, &Operation{
		Type:    opType,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Attrs:   attrs,
	})
	return OperationID(len(m.operations) - 1)
}

// Operand returns the operand with the given id, or nil if it was removed.
func (m *Model) Operand(id OperandID) *Operand {
	if int(id) < 0 || int(id) >= len(m.operands) || m.operands[id].removed {
		return nil
	}
	return m.operands[id]
}

// Operation returns the operation with the given id, or nil if it was removed.
func (m *Model) Operation(id OperationID) *Operation {
	if int(id) < 0 || int(id) >= len(m.operations) || m.operations[id].removed {
		return nil
	}
	return m.operations[id]
}

// OperationIDs returns the live operations in insertion order.
func (m *Model) OperationIDs() []OperationID {
	ids := make([]OperationID, 0, len(m.operations))
	for i, op := range m.operations {
		if !op.removed {
			ids = append(ids, OperationID(i))
		}
	}
	return ids
}

// OperandIDs returns the live operands in insertion order.
func (m *Model) OperandIDs() []OperandID {
	ids := make([]OperandID, 0, len(m.operands))
	for i, o := range m.operands {
		if !o.removed {
			ids = append(ids, OperandID(i))
		}
	}
	return ids
}

// OperationCount returns the number of live operations.
func (m *Model) OperationCount() int {
	return len(m.OperationIDs())
}

// CountOperations returns the number of live operations of the given type.
func (m *Model) CountOperations(opType string) int {
	n := 0
	for _, op := range m.operations {
		if !op.removed && op.Type == opType {
			n++
		}
	}
	return n
}

// Producer returns the live operation writing id.
func (m *Model) Producer(id OperandID) (OperationID, bool) {
	for i, op := range m.operations {
		if !op.removed && slices.Contains(op.Outputs, id) {
			return OperationID(i), true
		}
	}
	return 0, false
}

// Consumers returns the live operations reading id, in insertion order.
func (m *Model) Consumers(id OperandID) []OperationID {
	var ids []OperationID
	for i, op := range m.operations {
		if !op.removed && slices.Contains(op.Inputs, id) {
			ids = append(ids, OperationID(i))
		}
	}
	return ids
}

// IsModelInput reports whether id is one of the model inputs.
func (m *Model) IsModelInput(id OperandID) bool {
	return slices.Contains(m.InputOperands, id)
}

// IsModelOutput reports whether id is one of the model outputs.
func (m *Model) IsModelOutput(id OperandID) bool {
	return slices.Contains(m.OutputOperands, id)
}

// ReplaceInput rewires one input of an operation from old to replacement.
func (m *Model) ReplaceInput(opID OperationID, old, replacement OperandID) {
	op := m.Operation(opID)
	if op == nil {
		return
	}
	for i, in := range op.Inputs {
		if in == old {
			op.Inputs[i] = replacement
		}
	}
	if scales, ok := op.InputScales[old]; ok {
		delete(op.InputScales, old)
		op.InputScales[replacement] = scales
	}
}

// ReplaceOutput rewires one output of an operation from old to replacement.
func (m *Model) ReplaceOutput(opID OperationID, old, replacement OperandID) {
	op := m.Operation(opID)
	if op == nil {
		return
	}
	for i, out := range op.Outputs {
		if out == old {
			op.Outputs[i] = replacement
		}
	}
	if scales, ok := op.OutputScales[old]; ok {
		delete(op.OutputScales, old)
		op.OutputScales[replacement] = scales
	}
}

// RedirectConsumers makes every reader of old read replacement instead,
// including the model output list, except for the operations in skip.
func (m *Model) RedirectConsumers(old, replacement OperandID, skip ...OperationID) {
	for _, id := range m.Consumers(old) {
		if slices.Contains(skip, id) {
			continue
		}
		m.ReplaceInput(id, old, replacement)
	}
	for i, out := range m.OutputOperands {
		if out == old {
			m.OutputOperands[i] = replacement
			if !m.IsModelInput(replacement) {
				m.operands[replacement].Lifetime = ModelOutput
			}
		}
	}
}

// RemoveOperation tombstones an operation.
func (m *Model) RemoveOperation(id OperationID) {
	if op := m.Operation(id); op != nil {
		op.removed = true
	}
}

// RemoveOperand tombstones an operand. Model inputs and outputs are never removed.
func (m *Model) RemoveOperand(id OperandID) error {
	o := m.Operand(id)
	if o == nil {
		return nil
	}
	if m.IsModelInput(id) || m.IsModelOutput(id) {
		return fmt.Errorf("operand %d is a model boundary and cannot be removed", id)
	}
	o.removed = true
	return nil
}
