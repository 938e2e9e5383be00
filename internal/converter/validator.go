package converter

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/nnadapter/internal/model"
)

// Validator reports which operations of a model the registry can lower.
type Validator struct {
	registry *Registry
	workers  int
}

// NewValidator returns a validator running at most workers checks at once.
// A non-positive count uses GOMAXPROCS.
func NewValidator(registry *Registry, workers int) *Validator {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Validator{registry: registry, workers: workers}
}

// Apply returns one flag per live operation of m, in m.OperationIDs order.
// The model is only read.
func (v *Validator) Apply(m *model.Model) []bool {
	ids := m.OperationIDs()
	supported := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(v.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			supported[i] = v.registry.Supports(m, m.Operation(id))
			return nil
		})
	}
	// Checks never fail; Wait only joins the workers.
	g.Wait()
	return supported
}
