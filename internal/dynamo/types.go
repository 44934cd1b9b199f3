package dynamo

import (
	"fmt"
	"math"
)

type State []float64

func (s State) Clone() State {
	c := make(State, len(s))
	copy(c, s)
	return c
}

func (s State) IsValid() bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (s State) Norm() float64 {
	sum := 0.0
	for _, v := range s {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func (s State) Add(other State) State {
	result := make(State, len(s))
	for i := range s {
		if i < len(other) {
			result[i] = s[i] + other[i]
		} else {
			result[i] = s[i]
		}
	}
	return result
}

func (s State) Scale(factor float64) State {
	result := make(State, len(s))
	for i := range s {
		result[i] = s[i] * factor
	}
	return result
}

func (s State) Sub(other State) State {
	result := make(State, len(s))
	for i := range s {
		if i < len(other) {
			result[i] = s[i] - other[i]
		} else {
			result[i] = s[i]
		}
	}
	return result
}

// Dot returns the weighted sum of the state, used for conserved quantities.
func (s State) Dot(weights []float64) float64 {
	sum := 0.0
	for i := range s {
		if i < len(weights) {
			sum += s[i] * weights[i]
		}
	}
	return sum
}

// System is a set of rate equations dX/dt = f(X, t).
type System interface {
	Derive(x State, t float64) State
}

type Integrator interface {
	Step(sys System, x State, t float64, dt float64) State
}

// AdaptiveIntegrator takes one trial step and reports the scaled local
// error (accept when errRatio <= 1) and the step size it would use next.
type AdaptiveIntegrator interface {
	Integrator
	StepAdaptive(sys System, x State, t, dt, tol float64) (next State, errRatio float64, dtNext float64)
	Name() string
}

type Config struct {
	EndTime float64
	MaxStep float64

	// stochastic engine
	LeapTolerance float64
	MinLeap       float64
	LeapRetries   int
	LeapProbes    int

	// continuous engine
	ODETolerance      float64
	ODEAbsTolerance   float64
	MinODEStep        float64
	InitialODEStep    float64
	MaxODESteps       int
	NegativeTolerance float64

	// coordinator
	CommitRetries   int
	EpochRetries    int
	ReconcileRounds int
	RetainSnapshots int
	ValidateState   bool
}

func DefaultConfig() Config {
	return Config{
		EndTime:           10.0,
		MaxStep:           1.0,
		LeapTolerance:     0.05,
		MinLeap:           1e-6,
		LeapRetries:       6,
		LeapProbes:        4,
		ODETolerance:      1e-6,
		ODEAbsTolerance:   1e-9,
		MinODEStep:        1e-10,
		InitialODEStep:    1e-3,
		MaxODESteps:       10000,
		NegativeTolerance: 1e-6,
		CommitRetries:     3,
		EpochRetries:      4,
		ReconcileRounds:   4,
		RetainSnapshots:   0,
		ValidateState:     true,
	}
}

// Validate reports the first unusable setting, wrapped in ErrConfiguration.
func (c Config) Validate() error {
	switch {
	case !(c.EndTime > 0) || math.IsInf(c.EndTime, 0):
		return fmt.Errorf("%w: end time must be positive and finite, got %g", ErrConfiguration, c.EndTime)
	case !(c.MaxStep > 0):
		return fmt.Errorf("%w: max step must be positive, got %g", ErrConfiguration, c.MaxStep)
	case !(c.LeapTolerance > 0) || c.LeapTolerance >= 1:
		return fmt.Errorf("%w: leap tolerance must be in (0, 1), got %g", ErrConfiguration, c.LeapTolerance)
	case !(c.MinLeap > 0):
		return fmt.Errorf("%w: min leap must be positive, got %g", ErrConfiguration, c.MinLeap)
	case c.LeapRetries < 0:
		return fmt.Errorf("%w: leap retries must not be negative", ErrConfiguration)
	case c.LeapProbes < 1:
		return fmt.Errorf("%w: leap probes must be at least 1", ErrConfiguration)
	case !(c.ODETolerance > 0):
		return fmt.Errorf("%w: ode tolerance must be positive, got %g", ErrConfiguration, c.ODETolerance)
	case c.ODEAbsTolerance < 0:
		return fmt.Errorf("%w: ode absolute tolerance must not be negative", ErrConfiguration)
	case !(c.MinODEStep > 0):
		return fmt.Errorf("%w: min ode step must be positive, got %g", ErrConfiguration, c.MinODEStep)
	case !(c.InitialODEStep >= c.MinODEStep):
		return fmt.Errorf("%w: initial ode step %g below min step %g", ErrConfiguration, c.InitialODEStep, c.MinODEStep)
	case c.MaxODESteps < 1:
		return fmt.Errorf("%w: max ode steps must be at least 1", ErrConfiguration)
	case c.NegativeTolerance < 0:
		return fmt.Errorf("%w: negative tolerance must not be negative", ErrConfiguration)
	case c.CommitRetries < 0 || c.EpochRetries < 0:
		return fmt.Errorf("%w: retry counts must not be negative", ErrConfiguration)
	case c.ReconcileRounds < 1:
		return fmt.Errorf("%w: reconcile rounds must be at least 1", ErrConfiguration)
	case c.RetainSnapshots < 0:
		return fmt.Errorf("%w: retain snapshots must not be negative", ErrConfiguration)
	}
	return nil
}
