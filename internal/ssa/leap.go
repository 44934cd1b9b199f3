package ssa

import (
	"math"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// leapSize halves a leap, starting from span, until no leaping propensity
// changes by more than its allowance at any probe point along the mean
// drift. The allowance is max(eps*a_j, the change one molecule makes to
// a_j). ok is false when the leap would drop below the minimum.
func (e *Engine) leapSize(x dynamo.State, t0, span float64, leaping []int) (float64, bool, error) {
	a0 := make([]float64, len(leaping))
	if _, err := e.rates(leaping, x, t0, a0); err != nil {
		return 0, false, err
	}

	allow := make([]float64, len(leaping))
	for k, j := range leaping {
		allow[k] = math.Max(e.cfg.LeapTolerance*a0[k], e.sensitivity(j, x, t0, a0[k]))
	}

	drift := make(dynamo.State, len(x))
	for _, j := range e.stochastic {
		r := &e.model.Reactions[j]
		r.Apply(drift, r.Propensity(x, t0))
	}

	probe := make(dynamo.State, len(x))
	tau := span
	for {
		if e.leapHolds(x, t0, tau, leaping, a0, allow, drift, probe) {
			return tau, true, nil
		}
		tau /= 2
		if tau < e.cfg.MinLeap {
			return 0, false, nil
		}
	}
}

func (e *Engine) leapHolds(x dynamo.State, t0, tau float64, leaping []int, a0, allow []float64, drift, probe dynamo.State) bool {
	probes := e.cfg.LeapProbes
	for p := 1; p <= probes; p++ {
		frac := float64(p) / float64(probes)
		for i := range x {
			probe[i] = math.Max(0, x[i]+frac*tau*drift[i])
		}
		t := t0 + frac*tau
		for k, j := range leaping {
			a := e.model.Reactions[j].Propensity(probe, t)
			if !(math.Abs(a-a0[k]) <= allow[k]) {
				return false
			}
		}
	}
	return true
}

// sensitivity is the largest change one molecule of any species the
// reaction reads makes to its propensity.
func (e *Engine) sensitivity(j int, x dynamo.State, t, a float64) float64 {
	r := &e.model.Reactions[j]
	y := x.Clone()
	s := 0.0
	for _, i := range r.Depends {
		y[i] = x[i] + 1
		s = math.Max(s, math.Abs(r.Propensity(y, t)-a))
		if x[i] >= 1 {
			y[i] = x[i] - 1
			s = math.Max(s, math.Abs(r.Propensity(y, t)-a))
		}
		y[i] = x[i]
	}
	return s
}
