package metrics

import (
	"math"

	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/state"
)

// ConservationDrift tracks the largest relative departure of a conserved
// quantity from its first observed value.
type ConservationDrift struct {
	name     string
	weights  []float64
	initial  float64
	current  float64
	maxDrift float64
	samples  int
}

func NewConservationDrift(inv model.Invariant) *ConservationDrift {
	return &ConservationDrift{
		name:    "drift_" + inv.Name,
		weights: inv.Weights,
	}
}

func (c *ConservationDrift) Name() string { return c.name }

func (c *ConservationDrift) Observe(snap *state.Snapshot) {
	total := 0.0
	for i, w := range c.weights {
		if w != 0 && i < snap.Len() {
			total += w * snap.At(i)
		}
	}

	if c.samples == 0 {
		c.initial = total
	}
	c.current = total
	c.samples++

	if c.initial != 0 {
		drift := math.Abs(total-c.initial) / math.Abs(c.initial)
		c.maxDrift = math.Max(c.maxDrift, drift)
	}
}

func (c *ConservationDrift) Value() float64 {
	return c.maxDrift
}

func (c *ConservationDrift) Reset() {
	c.initial = 0
	c.current = 0
	c.maxDrift = 0
	c.samples = 0
}

// ForModel returns one drift metric per model invariant and a mean for
// every species.
func ForModel(m *model.Model) []Metric {
	out := make([]Metric, 0, len(m.Invariants)+len(m.Species))
	for _, inv := range m.Invariants {
		out = append(out, NewConservationDrift(inv))
	}
	for i, s := range m.Species {
		out = append(out, NewMean(s.Name, i))
	}
	return out
}
