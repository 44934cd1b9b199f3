package model

import (
	"math"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// RateLaw gives the deterministic rate of a reaction. It must be a pure
// function of x and t.
type RateLaw interface {
	Rate(x dynamo.State, t float64) float64
}

// Propensity is implemented by laws whose stochastic form differs from the
// deterministic rate, such as mass action with repeated reactants.
type Propensity interface {
	Propensity(x dynamo.State, t float64) float64
}

// Dependent is implemented by laws that read species other than the
// reaction's reactants.
type Dependent interface {
	Dependencies() []int
}

type RateFunc func(x dynamo.State, t float64) float64

func (f RateFunc) Rate(x dynamo.State, t float64) float64 {
	return f(x, t)
}

// MassAction is k times the product of reactant quantities. The
// deterministic form uses powers; the stochastic form counts distinct
// reactant combinations.
type MassAction struct {
	K     float64
	Terms []Term
}

func (m MassAction) Rate(x dynamo.State, t float64) float64 {
	r := m.K
	for _, term := range m.Terms {
		v := math.Max(x[term.Species], 0)
		r *= math.Pow(v, float64(term.Order))
	}
	return r
}

func (m MassAction) Propensity(x dynamo.State, t float64) float64 {
	a := m.K
	for _, term := range m.Terms {
		a *= choose(whole(x[term.Species]), term.Order)
	}
	return a
}

// whole is the number of complete molecules in x. Continuous species may
// hold fractions that cannot react as a molecule.
func whole(x float64) float64 {
	return math.Floor(x + wholeSlack)
}

func (m MassAction) Dependencies() []int {
	deps := make([]int, len(m.Terms))
	for i, term := range m.Terms {
		deps[i] = term.Species
	}
	return deps
}

func choose(x float64, n int) float64 {
	c := 1.0
	for i := 0; i < n; i++ {
		f := x - float64(i)
		if f <= 0 {
			return 0
		}
		c *= f / float64(i+1)
	}
	return c
}

// MichaelisMenten is Vmax*S/(Km+S).
type MichaelisMenten struct {
	Vmax      float64
	Km        float64
	Substrate int
}

func (m MichaelisMenten) Rate(x dynamo.State, t float64) float64 {
	s := x[m.Substrate]
	if s <= 0 || m.Vmax <= 0 {
		return 0
	}
	return m.Vmax * s / (m.Km + s)
}

func (m MichaelisMenten) Dependencies() []int { return []int{m.Substrate} }

// Hill is Vmax*X^n/(K^n+X^n), an activating cooperative response.
type Hill struct {
	Vmax      float64
	K         float64
	N         float64
	Activator int
}

func (h Hill) Rate(x dynamo.State, t float64) float64 {
	v := x[h.Activator]
	if v <= 0 || h.K <= 0 {
		return 0
	}
	vn := math.Pow(v, h.N)
	return h.Vmax * vn / (math.Pow(h.K, h.N) + vn)
}

func (h Hill) Dependencies() []int { return []int{h.Activator} }
