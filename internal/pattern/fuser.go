package pattern

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/born-ml/nnadapter/internal/model"
)

// ErrSkip is returned by InsertNewNode to decline a match without changing
// the model.
var ErrSkip = errors.New("pattern: match skipped")

// Fuser is a pattern plus the rewrite applied to each of its instances.
type Fuser interface {
	// Name identifies the fuser in logs.
	Name() string
	// BuildPattern returns the template to match.
	BuildPattern() *Pattern
	// InsertNewNode rewrites one instance. It returns the replacement for every
	// redirected var of the pattern. Intermediate nodes are deleted afterwards.
	InsertNewNode(m *model.Model, mt *Match) (map[model.OperandID]model.OperandID, error)
}

// Apply runs f on m until no instance of its pattern remains and returns the
// number of rewrites performed. Instances are rewritten in match order; an
// instance invalidated by an earlier rewrite of the same round is re-matched
// in the next round.
func Apply(m *model.Model, f Fuser) (int, error) {
	p := f.BuildPattern()
	total := 0
	maxRounds := m.OperationCount() + 1
	for round := 0; round < maxRounds; round++ {
		matches, err := p.Match(m)
		if err != nil {
			return total, fmt.Errorf("%s: %w", f.Name(), err)
		}

		applied := 0
		for _, mt := range matches {
			if !p.verify(m, mt) {
				continue
			}
			redirect, err := f.InsertNewNode(m, mt)
			if errors.Is(err, ErrSkip) {
				continue
			}
			if err != nil {
				return total, fmt.Errorf("%s: %w", f.Name(), err)
			}
			if err := p.deleteInterNodes(m, mt, redirect); err != nil {
				return total, fmt.Errorf("%s: %w", f.Name(), err)
			}
			applied++
		}

		total += applied
		if applied == 0 {
			if total > 0 {
				klog.V(4).Infof("%s: %d subgraph(s) rewritten", f.Name(), total)
			}
			return total, nil
		}
	}
	return total, fmt.Errorf("%s: rewrite did not reach a fixed point", f.Name())
}

// deleteInterNodes rewires readers of redirected vars and removes every node
// marked intermediate or redirected, plus unread outputs and constant inputs
// of removed ops.
func (p *Pattern) deleteInterNodes(m *model.Model, mt *Match, redirect map[model.OperandID]model.OperandID) error {
	var matchedOps []model.OperationID
	for _, n := range p.nodes {
		if n.kind == opNode {
			matchedOps = append(matchedOps, mt.Ops[n.name])
		}
	}

	for _, n := range p.nodes {
		if n.kind != varNode || !n.redirected {
			continue
		}
		old := mt.Vars[n.name]
		repl, ok := redirect[old]
		if !ok {
			if len(m.Consumers(old)) > 0 || m.IsModelOutput(old) {
				return fmt.Errorf("no replacement for redirected operand %d (%s)", old, n.name)
			}
			continue
		}
		m.RedirectConsumers(old, repl, matchedOps...)
	}

	var orphans []model.OperandID
	for _, n := range p.nodes {
		if n.kind != opNode || !n.intermediate {
			continue
		}
		id := mt.Ops[n.name]
		if op := m.Operation(id); op != nil {
			orphans = append(orphans, op.Outputs...)
			for _, in := range op.Inputs {
				if o := m.Operand(in); o != nil && o.IsConstant() {
					orphans = append(orphans, in)
				}
			}
		}
		m.RemoveOperation(id)
	}

	for _, n := range p.nodes {
		if n.kind == varNode && (n.intermediate || n.redirected) {
			if err := m.RemoveOperand(mt.Vars[n.name]); err != nil {
				return err
			}
		}
	}
	for _, id := range orphans {
		if _, produced := m.Producer(id); produced || len(m.Consumers(id)) > 0 || m.IsModelOutput(id) {
			continue
		}
		if err := m.RemoveOperand(id); err != nil {
			return err
		}
	}
	return nil
}
