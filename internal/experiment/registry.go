package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/integrators"
	"github.com/san-kum/cellforge/internal/metrics"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/models"
)

type Registry struct {
	models map[string]func() (*model.Model, error)
}

// NewRegistry knows every built-in model.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]func() (*model.Model, error))}
	for _, name := range models.Names() {
		r.Register(name, func() (*model.Model, error) { return models.Build(name) })
	}
	return r
}

// Register adds or replaces a model factory.
func (r *Registry) Register(name string, fn func() (*model.Model, error)) {
	r.models[name] = fn
}

func (r *Registry) GetModel(name string) (*model.Model, error) {
	fn, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model: %s", dynamo.ErrConfiguration, name)
	}
	return fn()
}

// GetIntegrator checks that name is a known continuous method.
func (r *Registry) GetIntegrator(name string, floor float64) (dynamo.AdaptiveIntegrator, error) {
	return integrators.ByName(name, floor)
}

func (r *Registry) ListModels() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ListIntegrators() []string {
	return integrators.Names()
}

// DefaultMetrics returns fresh metrics for one run of m.
func (r *Registry) DefaultMetrics(m *model.Model) []metrics.Metric {
	return metrics.ForModel(m)
}
