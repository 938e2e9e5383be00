// Package pattern implements subgraph matching and rewriting over a
// model.Model.
//
// A Pattern is a small template of op nodes and var (operand) nodes joined by
// edges. Matching binds every template node to a distinct live entry of the
// host model so that every template edge exists in the host. A Fuser couples a
// pattern with a rewrite action and is applied until no instance remains.
package pattern

import (
	"slices"

	"github.com/born-ml/nnadapter/internal/model"
)

// AnySlot matches an edge at any input or output position.
const AnySlot = -1

type nodeKind int

const (
	opNode nodeKind = iota
	varNode
)

// Node is one template node of a Pattern.
type Node struct {
	name    string
	kind    nodeKind
	opTypes []string

	opAsserts  []func(op *model.Operation) bool
	varAsserts []func(m *model.Model, id model.OperandID) bool

	intermediate bool
	redirected   bool
}

// Name returns the node name used to look up bindings in a Match.
func (n *Node) Name() string {
	return n.name
}

// AsIntermediate marks the node for deletion after the rewrite. An
// intermediate var must be read only by op nodes of the same match and must
// not be a model boundary, otherwise the instance is rejected.
func (n *Node) AsIntermediate() *Node {
	n.intermediate = true
	return n
}

// AsRedirected marks a var for deletion after the rewrite while allowing
// readers outside the match. The rewrite must supply a replacement operand for
// it; those readers are rewired to the replacement.
func (n *Node) AsRedirected() *Node {
	n.redirected = true
	return n
}

// AssertOp adds a predicate on the bound operation.
func (n *Node) AssertOp(fn func(op *model.Operation) bool) *Node {
	n.opAsserts = append(n.opAsserts, fn)
	return n
}

// AssertVar adds a predicate on the bound operand.
func (n *Node) AssertVar(fn func(m *model.Model, id model.OperandID) bool) *Node {
	n.varAsserts = append(n.varAsserts, fn)
	return n
}

// AssertConstant requires the bound operand to hold constant data.
func (n *Node) AssertConstant() *Node {
	return n.AssertVar(func(m *model.Model, id model.OperandID) bool {
		return m.Operand(id).IsConstant()
	})
}

// AssertRank requires the bound operand to have the given rank.
func (n *Node) AssertRank(rank int) *Node {
	return n.AssertVar(func(m *model.Model, id model.OperandID) bool {
		return len(m.Operand(id).Type.Dimensions) == rank
	})
}

// AssertOnlyConsumedBy requires every reader of the bound operand to be one of
// the given op types.
func (n *Node) AssertOnlyConsumedBy(opTypes ...string) *Node {
	return n.AssertVar(func(m *model.Model, id model.OperandID) bool {
		consumers := m.Consumers(id)
		if len(consumers) == 0 {
			return false
		}
		for _, c := range consumers {
			if !slices.Contains(opTypes, m.Operation(c).Type) {
				return false
			}
		}
		return true
	})
}

type edge struct {
	from *Node
	to   *Node
	slot int
}

// Pattern is a subgraph template.
type Pattern struct {
	nodes []*Node
	edges []edge
}

// New returns an empty pattern.
func New() *Pattern {
	return &Pattern{}
}

// Op adds an op node matching any of the given op types.
func (p *Pattern) Op(name string, opTypes ...string) *Node {
	n := &Node{name: name, kind: opNode, opTypes: opTypes}
	p.nodes = append(p.nodes, n)
	return n
}

// Var adds an operand node.
func (p *Pattern) Var(name string) *Node {
	n := &Node{name: name, kind: varNode}
	p.nodes = append(p.nodes, n)
	return n
}

// Input declares v as the input of op at slot (or AnySlot).
func (p *Pattern) Input(v, op *Node, slot int) {
	p.edges = append(p.edges, edge{from: v, to: op, slot: slot})
}

// Output declares v as the output of op at slot (or AnySlot).
func (p *Pattern) Output(op, v *Node, slot int) {
	p.edges = append(p.edges, edge{from: op, to: v, slot: slot})
}

// Match is one bound instance of a pattern.
type Match struct {
	Ops  map[string]model.OperationID
	Vars map[string]model.OperandID
}

// Op returns the operation bound to the named op node.
func (m *Match) Op(name string) model.OperationID {
	return m.Ops[name]
}

// Var returns the operand bound to the named var node.
func (m *Match) Var(name string) model.OperandID {
	return m.Vars[name]
}

// firstOp is the earliest inserted operation of the match, used as the
// tie-break between overlapping instances.
func (m *Match) firstOp() model.OperationID {
	first := model.OperationID(-1)
	for _, id := range m.Ops {
		if first < 0 || id < first {
			first = id
		}
	}
	return first
}
