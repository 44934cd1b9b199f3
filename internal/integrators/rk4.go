package integrators

import (
	"math"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// RK4 is the classic fourth-order method. Its adaptive form estimates the
// local error by step doubling.
type RK4 struct {
	k1, k2, k3, k4 dynamo.State
	scratch        dynamo.State
	floor          float64
}

func NewRK4() *RK4 {
	return &RK4{floor: 1e-10}
}

func (r *RK4) WithFloor(floor float64) *RK4 {
	r.floor = floor
	return r
}

func (r *RK4) Name() string { return "rk4" }

func (r *RK4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make(dynamo.State, n)
		r.k2 = make(dynamo.State, n)
		r.k3 = make(dynamo.State, n)
		r.k4 = make(dynamo.State, n)
		r.scratch = make(dynamo.State, n)
	}
}

func (r *RK4) Step(sys dynamo.System, x dynamo.State, t, dt float64) dynamo.State {
	n := len(x)
	r.ensureScratch(n)

	k1 := sys.Derive(x, t)
	copy(r.k1, k1)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	k2 := sys.Derive(r.scratch, t+dt*0.5)
	copy(r.k2, k2)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	k3 := sys.Derive(r.scratch, t+dt*0.5)
	copy(r.k3, k3)

	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	k4 := sys.Derive(r.scratch, t+dt)
	copy(r.k4, k4)

	result := make(dynamo.State, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}

	return result
}

// StepAdaptive compares one full step with two half steps and returns the
// Richardson-extrapolated result.
func (r *RK4) StepAdaptive(sys dynamo.System, x dynamo.State, t, dt, tol float64) (dynamo.State, float64, float64) {
	full := r.Step(sys, x, t, dt)
	half := r.Step(sys, x, t, dt/2)
	slope := r.k1 // k1 of the first half step is f(x, t)
	scale := make(dynamo.State, len(x))
	for i := range x {
		scale[i] = math.Abs(x[i]) + math.Abs(dt*slope[i]) + r.floor
	}
	two := r.Step(sys, half, t+dt/2, dt/2)

	errMax := 0.0
	next := make(dynamo.State, len(x))
	for i := range x {
		diff := (two[i] - full[i]) / 15
		next[i] = two[i] + diff
		errMax = math.Max(errMax, math.Abs(diff)/scale[i])
	}
	if math.IsNaN(errMax) {
		errMax = math.Inf(1)
	}

	errRatio := errMax / tol
	return next, errRatio, nextStep(dt, errRatio, 0.9, 0.2, 5.0, 0.2)
}
