package integrators

import (
	"fmt"
	"sort"

	"github.com/san-kum/cellforge/internal/dynamo"
)

var adaptive = map[string]func(floor float64) dynamo.AdaptiveIntegrator{
	"rk45": func(floor float64) dynamo.AdaptiveIntegrator { return NewRK45().WithFloor(floor) },
	"rk4":  func(floor float64) dynamo.AdaptiveIntegrator { return NewRK4().WithFloor(floor) },
}

// ByName returns a fresh adaptive integrator with the given error-scale
// floor. Integrators keep scratch space, so every engine needs its own.
func ByName(name string, floor float64) (dynamo.AdaptiveIntegrator, error) {
	fn, ok := adaptive[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown integrator %q", dynamo.ErrConfiguration, name)
	}
	if !(floor > 0) {
		floor = 1e-10
	}
	return fn(floor), nil
}

func Names() []string {
	names := make([]string, 0, len(adaptive))
	for name := range adaptive {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
