// Package converter lowers a model.Model into a ddk.Graph.
package converter

import (
	"sort"

	"github.com/born-ml/nnadapter/internal/model"
)

// LowerFunc adds the device nodes of one operation to the converter graph.
type LowerFunc func(c *Converter, op *model.Operation) error

// ValidateFunc reports whether an operation can be lowered.
type ValidateFunc func(m *model.Model, op *model.Operation) bool

type rule struct {
	lower    LowerFunc
	validate ValidateFunc
}

// Registry maps operation types to lowering rules.
type Registry struct {
	rules map[string]rule
}

// NewRegistry returns a registry with every supported operation.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]rule)}
	r.registerConvolutions()
	r.registerFullyConnected()
	r.registerActivations()
	r.registerElementwise()
	return r
}

// Register adds or replaces the rule for opType. validate may be nil.
func (r *Registry) Register(opType string, lower LowerFunc, validate ValidateFunc) {
	r.rules[opType] = rule{lower: lower, validate: validate}
}

// Get returns the lowering function of opType.
func (r *Registry) Get(opType string) (LowerFunc, bool) {
	rl, ok := r.rules[opType]
	return rl.lower, ok
}

// Supports reports whether op has a rule and passes its checks.
func (r *Registry) Supports(m *model.Model, op *model.Operation) bool {
	rl, ok := r.rules[op.Type]
	if !ok {
		return false
	}
	return rl.validate == nil || rl.validate(m, op)
}

// SupportedOps returns the registered operation types, sorted.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.rules))
	for op := range r.rules {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
