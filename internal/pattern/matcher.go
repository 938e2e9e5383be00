package pattern

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/born-ml/nnadapter/internal/model"
)

type binding struct {
	ops  map[*Node]model.OperationID
	vars map[*Node]model.OperandID
}

func newBinding() *binding {
	return &binding{
		ops:  make(map[*Node]model.OperationID),
		vars: make(map[*Node]model.OperandID),
	}
}

func (b *binding) bound(n *Node) bool {
	if n.kind == opNode {
		_, ok := b.ops[n]
		return ok
	}
	_, ok := b.vars[n]
	return ok
}

func (b *binding) bind(n *Node, id int) {
	if n.kind == opNode {
		b.ops[n] = model.OperationID(id)
	} else {
		b.vars[n] = model.OperandID(id)
	}
}

func (b *binding) unbind(n *Node) {
	delete(b.ops, n)
	delete(b.vars, n)
}

// bindOrder returns the template nodes so that each one after the first is
// adjacent to an earlier one. The first node is the first op node declared.
func (p *Pattern) bindOrder() ([]*Node, error) {
	start := -1
	for i, n := range p.nodes {
		if n.kind == opNode {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, errors.New("pattern has no op node")
	}

	order := []*Node{p.nodes[start]}
	placed := map[*Node]bool{p.nodes[start]: true}
	for i := 0; i < len(order); i++ {
		cur := order[i]
		for _, e := range p.edges {
			var next *Node
			switch {
			case e.from == cur:
				next = e.to
			case e.to == cur:
				next = e.from
			}
			if next != nil && !placed[next] {
				placed[next] = true
				order = append(order, next)
			}
		}
	}
	if len(order) != len(p.nodes) {
		return nil, fmt.Errorf("pattern is not connected: %d of %d nodes reachable", len(order), len(p.nodes))
	}
	return order, nil
}

// Match returns every non-overlapping instance of p in m. When instances
// share an operation or a deleted operand, the one whose earliest operation
// was inserted first wins, so repeated application is deterministic.
func (p *Pattern) Match(m *model.Model) ([]*Match, error) {
	order, err := p.bindOrder()
	if err != nil {
		return nil, err
	}

	var found []*Match
	seen := make(map[string]bool)
	b := newBinding()
	seed := order[0]
	for _, opID := range m.OperationIDs() {
		if !p.accept(m, seed, int(opID), b) {
			continue
		}
		b.bind(seed, int(opID))
		p.extend(m, order, 1, b, func() {
			if !p.boundaryOK(m, b) {
				return
			}
			key := p.key(b)
			if seen[key] {
				return
			}
			seen[key] = true
			found = append(found, p.snapshot(b))
		})
		b.unbind(seed)
	}

	return resolveOverlaps(p, found), nil
}

func (p *Pattern) extend(m *model.Model, order []*Node, i int, b *binding, emit func()) {
	if i == len(order) {
		emit()
		return
	}
	n := order[i]
	for _, c := range p.candidates(m, n, b) {
		if !p.accept(m, n, c, b) {
			continue
		}
		b.bind(n, c)
		p.extend(m, order, i+1, b, emit)
		b.unbind(n)
	}
}

// candidates lists host entries reachable from an already bound neighbour of n.
func (p *Pattern) candidates(m *model.Model, n *Node, b *binding) []int {
	for _, e := range p.edges {
		switch {
		case e.from == n && b.bound(e.to):
			if n.kind == varNode {
				// n -> op: n is an input of the bound op.
				return slotted(m.Operation(b.ops[e.to]).Inputs, e.slot)
			}
			// n -> var: n produces the bound var.
			if id, ok := m.Producer(b.vars[e.to]); ok {
				return []int{int(id)}
			}
			return nil
		case e.to == n && b.bound(e.from):
			if n.kind == varNode {
				// op -> n: n is an output of the bound op.
				return slotted(m.Operation(b.ops[e.from]).Outputs, e.slot)
			}
			// var -> n: n reads the bound var.
			var ids []int
			for _, c := range m.Consumers(b.vars[e.from]) {
				ids = append(ids, int(c))
			}
			return ids
		}
	}
	return nil
}

func slotted(ids []model.OperandID, slot int) []int {
	if slot >= 0 {
		if slot < len(ids) {
			return []int{int(ids[slot])}
		}
		return nil
	}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, int(id)) {
			out = append(out, int(id))
		}
	}
	return out
}

// accept checks the node predicates, injectivity, and every edge between n
// and the already bound nodes.
func (p *Pattern) accept(m *model.Model, n *Node, id int, b *binding) bool {
	if n.kind == opNode {
		op := m.Operation(model.OperationID(id))
		if op == nil {
			return false
		}
		if len(n.opTypes) > 0 && !slices.Contains(n.opTypes, op.Type) {
			return false
		}
		for other, bid := range b.ops {
			if other != n && bid == model.OperationID(id) {
				return false
			}
		}
		for _, fn := range n.opAsserts {
			if !fn(op) {
				return false
			}
		}
	} else {
		if m.Operand(model.OperandID(id)) == nil {
			return false
		}
		for other, bid := range b.vars {
			if other != n && bid == model.OperandID(id) {
				return false
			}
		}
		for _, fn := range n.varAsserts {
			if !fn(m, model.OperandID(id)) {
				return false
			}
		}
	}

	for _, e := range p.edges {
		var opN, varN *Node
		switch {
		case e.from == n && e.to.kind == opNode, e.to == n && e.from.kind == varNode:
			opN, varN = e.to, e.from
		case e.to == n && e.from.kind == opNode, e.from == n && e.to.kind == varNode:
			opN, varN = e.from, e.to
		default:
			continue
		}
		opID, varID := b.ops[opN], b.vars[varN]
		if opN == n {
			opID = model.OperationID(id)
		} else if !b.bound(opN) {
			continue
		}
		if varN == n {
			varID = model.OperandID(id)
		} else if !b.bound(varN) {
			continue
		}
		op := m.Operation(opID)
		if op == nil {
			return false
		}
		list := op.Outputs
		if e.from == varN {
			list = op.Inputs
		}
		if !onSlot(list, varID, e.slot) {
			return false
		}
	}
	return true
}

func onSlot(ids []model.OperandID, id model.OperandID, slot int) bool {
	if slot >= 0 {
		return slot < len(ids) && ids[slot] == id
	}
	return slices.Contains(ids, id)
}

// boundaryOK enforces the deletion rules of intermediate and redirected vars
// and of intermediate ops on a complete binding.
func (p *Pattern) boundaryOK(m *model.Model, b *binding) bool {
	matchedOps := make([]model.OperationID, 0, len(b.ops))
	for _, id := range b.ops {
		matchedOps = append(matchedOps, id)
	}
	boundVars := make(map[model.OperandID]*Node, len(b.vars))
	for n, id := range b.vars {
		boundVars[id] = n
	}

	for n, id := range b.vars {
		if n.intermediate || n.redirected {
			if m.IsModelInput(id) {
				return false
			}
		}
		if !n.intermediate {
			continue
		}
		if m.IsModelOutput(id) {
			return false
		}
		for _, c := range m.Consumers(id) {
			if !slices.Contains(matchedOps, c) {
				return false
			}
		}
		if prod, ok := m.Producer(id); ok && !slices.Contains(matchedOps, prod) {
			return false
		}
	}

	// An op that goes away may only leave unread outputs behind, unless the
	// output is part of the match and handed over by the rewrite.
	for n, id := range b.ops {
		if !n.intermediate {
			continue
		}
		for _, out := range m.Operation(id).Outputs {
			if _, ok := boundVars[out]; ok {
				continue
			}
			if m.IsModelOutput(out) || len(m.Consumers(out)) > 0 {
				return false
			}
		}
	}
	return true
}

func (p *Pattern) key(b *binding) string {
	var sb strings.Builder
	for i, n := range p.nodes {
		if n.kind == opNode {
			fmt.Fprintf(&sb, "%d:o%d;", i, b.ops[n])
		} else {
			fmt.Fprintf(&sb, "%d:v%d;", i, b.vars[n])
		}
	}
	return sb.String()
}

func (p *Pattern) snapshot(b *binding) *Match {
	mt := &Match{
		Ops:  make(map[string]model.OperationID, len(b.ops)),
		Vars: make(map[string]model.OperandID, len(b.vars)),
	}
	for n, id := range b.ops {
		mt.Ops[n.name] = id
	}
	for n, id := range b.vars {
		mt.Vars[n.name] = id
	}
	return mt
}

// verify re-checks a match against the current state of m, which may have
// been changed by rewrites applied earlier in the same round.
func (p *Pattern) verify(m *model.Model, mt *Match) bool {
	b := newBinding()
	for _, n := range p.nodes {
		if n.kind == opNode {
			id, ok := mt.Ops[n.name]
			if !ok {
				return false
			}
			b.bind(n, int(id))
		} else {
			id, ok := mt.Vars[n.name]
			if !ok {
				return false
			}
			b.bind(n, int(id))
		}
	}
	for _, n := range p.nodes {
		var id int
		if n.kind == opNode {
			id = int(b.ops[n])
		} else {
			id = int(b.vars[n])
		}
		b.unbind(n)
		ok := p.accept(m, n, id, b)
		b.bind(n, id)
		if !ok {
			return false
		}
	}
	return p.boundaryOK(m, b)
}

func resolveOverlaps(p *Pattern, found []*Match) []*Match {
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].firstOp() < found[j].firstOp()
	})

	claimedOps := make(map[model.OperationID]bool)
	claimedVars := make(map[model.OperandID]bool)
	kept := make([]*Match, 0, len(found))
	for _, mt := range found {
		if p.overlaps(mt, claimedOps, claimedVars) {
			continue
		}
		for _, id := range mt.Ops {
			claimedOps[id] = true
		}
		for _, n := range p.nodes {
			if n.kind == varNode && (n.intermediate || n.redirected) {
				claimedVars[mt.Vars[n.name]] = true
			}
		}
		kept = append(kept, mt)
	}
	return kept
}

func (p *Pattern) overlaps(mt *Match, ops map[model.OperationID]bool, vars map[model.OperandID]bool) bool {
	for _, id := range mt.Ops {
		if ops[id] {
			return true
		}
	}
	for _, n := range p.nodes {
		if n.kind == varNode && (n.intermediate || n.redirected) && vars[mt.Vars[n.name]] {
			return true
		}
	}
	return false
}
