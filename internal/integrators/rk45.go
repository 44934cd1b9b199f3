package integrators

import (
	"math"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// Dormand-Prince coefficients (RK45)
var (
	a2 = 1.0 / 5.0
	a3 = 3.0 / 10.0
	a4 = 4.0 / 5.0
	a5 = 8.0 / 9.0

	b21 = 1.0 / 5.0
	b31 = 3.0 / 40.0
	b32 = 9.0 / 40.0
	b41 = 44.0 / 45.0
	b42 = -56.0 / 15.0
	b43 = 32.0 / 9.0
	b51 = 19372.0 / 6561.0
	b52 = -25360.0 / 2187.0
	b53 = 64448.0 / 6561.0
	b54 = -212.0 / 729.0
	b61 = 9017.0 / 3168.0
	b62 = -355.0 / 33.0
	b63 = 46732.0 / 5247.0
	b64 = 49.0 / 176.0
	b65 = -5103.0 / 18656.0

	c1 = 35.0 / 384.0
	c3 = 500.0 / 1113.0
	c4 = 125.0 / 192.0
	c5 = -2187.0 / 6784.0
	c6 = 11.0 / 84.0

	dc1 = c1 - 5179.0/57600.0
	dc3 = c3 - 7571.0/16695.0
	dc4 = c4 - 393.0/640.0
	dc5 = c5 - -92097.0/339200.0
	dc6 = c6 - 187.0/2100.0
	dc7 = -1.0 / 40.0
)

type RK45 struct {
	safety   float64
	minScale float64
	maxScale float64
	// floor keeps the error scale away from zero for vanishing components.
	floor float64

	k  [7]dynamo.State
	xs dynamo.State
}

func NewRK45() *RK45 {
	return &RK45{
		safety:   0.9,
		minScale: 0.2,
		maxScale: 10.0,
		floor:    1e-10,
	}
}

// WithFloor sets the absolute part of the error scale, in units of the
// state. With tolerance tol the absolute tolerance is tol*floor.
func (r *RK45) WithFloor(floor float64) *RK45 {
	r.floor = floor
	return r
}

func (r *RK45) Name() string { return "rk45" }

func (r *RK45) Step(sys dynamo.System, x dynamo.State, t, dt float64) dynamo.State {
	next, _, _ := r.StepAdaptive(sys, x, t, dt, 1e-6)
	return next
}

func (r *RK45) ensureScratch(n int) {
	if len(r.xs) != n {
		for i := range r.k {
			r.k[i] = make(dynamo.State, n)
		}
		r.xs = make(dynamo.State, n)
	}
}

func (r *RK45) stage(sys dynamo.System, dst dynamo.State, t float64) {
	copy(dst, sys.Derive(r.xs, t))
}

func (r *RK45) StepAdaptive(sys dynamo.System, x dynamo.State, t, dt, tol float64) (dynamo.State, float64, float64) {
	n := len(x)
	r.ensureScratch(n)
	k1, k2, k3, k4, k5, k6, k7 := r.k[0], r.k[1], r.k[2], r.k[3], r.k[4], r.k[5], r.k[6]

	copy(k1, sys.Derive(x, t))

	for i := 0; i < n; i++ {
		r.xs[i] = x[i] + dt*b21*k1[i]
	}
	r.stage(sys, k2, t+a2*dt)

	for i := 0; i < n; i++ {
		r.xs[i] = x[i] + dt*(b31*k1[i]+b32*k2[i])
	}
	r.stage(sys, k3, t+a3*dt)

	for i := 0; i < n; i++ {
		r.xs[i] = x[i] + dt*(b41*k1[i]+b42*k2[i]+b43*k3[i])
	}
	r.stage(sys, k4, t+a4*dt)

	for i := 0; i < n; i++ {
		r.xs[i] = x[i] + dt*(b51*k1[i]+b52*k2[i]+b53*k3[i]+b54*k4[i])
	}
	r.stage(sys, k5, t+a5*dt)

	for i := 0; i < n; i++ {
		r.xs[i] = x[i] + dt*(b61*k1[i]+b62*k2[i]+b63*k3[i]+b64*k4[i]+b65*k5[i])
	}
	r.stage(sys, k6, t+dt)

	xNew := make(dynamo.State, n)
	for i := 0; i < n; i++ {
		xNew[i] = x[i] + dt*(c1*k1[i]+c3*k3[i]+c4*k4[i]+c5*k5[i]+c6*k6[i])
	}

	copy(k7, sys.Derive(xNew, t+dt))

	errMax := 0.0
	for i := 0; i < n; i++ {
		errEst := dt * (dc1*k1[i] + dc3*k3[i] + dc4*k4[i] + dc5*k5[i] + dc6*k6[i] + dc7*k7[i])
		scale := math.Abs(x[i]) + math.Abs(dt*k1[i]) + r.floor
		errMax = math.Max(errMax, math.Abs(errEst)/scale)
	}
	if math.IsNaN(errMax) {
		errMax = math.Inf(1)
	}

	errRatio := errMax / tol
	return xNew, errRatio, nextStep(dt, errRatio, r.safety, r.minScale, r.maxScale, 0.2)
}

// nextStep applies the usual step-size controller for a method whose error
// estimate has the given order exponent.
func nextStep(dt, errRatio, safety, minScale, maxScale, exponent float64) float64 {
	switch {
	case math.IsInf(errRatio, 1):
		return dt * minScale
	case errRatio > 1:
		return dt * math.Max(minScale, safety*math.Pow(errRatio, -0.25))
	case errRatio > 0:
		return dt * math.Min(maxScale, safety*math.Pow(errRatio, -exponent))
	default:
		return dt * maxScale
	}
}
