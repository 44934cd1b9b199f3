// Package model describes reaction networks: species, reactions with their
// rate laws and formalism tags, and conserved-quantity invariants.
//
// Models are assembled with a [Builder] and validated once before a run.
// A validated model is never mutated; [Model.Override] returns a copy.
package model

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/san-kum/cellforge/internal/dynamo"
)

type Class int

const (
	// ClassDiscrete species hold molecule counts.
	ClassDiscrete Class = iota
	// ClassContinuous species hold concentrations.
	ClassContinuous
)

func (c Class) String() string {
	if c == ClassContinuous {
		return "continuous"
	}
	return "discrete"
}

type Formalism int

const (
	FormalismExact Formalism = iota
	FormalismLeaping
	FormalismContinuous
)

var formalismNames = map[Formalism]string{
	FormalismExact:      "exact",
	FormalismLeaping:    "leaping",
	FormalismContinuous: "continuous",
}

func (f Formalism) String() string {
	if name, ok := formalismNames[f]; ok {
		return name
	}
	return fmt.Sprintf("formalism(%d)", int(f))
}

// Stochastic reports whether the formalism fires discrete events.
func (f Formalism) Stochastic() bool {
	return f == FormalismExact || f == FormalismLeaping
}

// ParseFormalism accepts the names used in config files.
func ParseFormalism(s string) (Formalism, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "ssa":
		return FormalismExact, nil
	case "leaping", "tau", "tau-leaping":
		return FormalismLeaping, nil
	case "continuous", "ode":
		return FormalismContinuous, nil
	}
	return 0, fmt.Errorf("%w: unknown formalism %q", dynamo.ErrConfiguration, s)
}

type Species struct {
	Name    string
	Initial float64
	Class   Class
}

// Term is a reactant and its molecularity.
type Term struct {
	Species int
	Order   int
}

// Stoich is the change a single firing makes to one species.
type Stoich struct {
	Species int
	Delta   float64
}

type Reaction struct {
	Name      string
	Reactants []Term
	Change    []Stoich
	Rate      RateLaw
	Formalism Formalism
	// Depends lists every species the rate reads, sorted.
	Depends []int
}

// wholeSlack absorbs rounding noise on molecule counts.
const wholeSlack = 1e-9

// Propensity is the stochastic firing rate, never negative. It is zero while
// a single firing would overdraw a consumed species.
func (r *Reaction) Propensity(x dynamo.State, t float64) float64 {
	for _, s := range r.Change {
		if s.Delta < 0 && x[s.Species]+s.Delta < -wholeSlack {
			return 0
		}
	}
	var a float64
	if p, ok := r.Rate.(Propensity); ok {
		a = p.Propensity(x, t)
	} else {
		a = r.Rate.Rate(x, t)
	}
	if a < 0 {
		return 0
	}
	return a
}

// Flux is the deterministic rate, never negative.
func (r *Reaction) Flux(x dynamo.State, t float64) float64 {
	v := r.Rate.Rate(x, t)
	if v < 0 {
		return 0
	}
	return v
}

// Apply adds n firings of r to delta.
func (r *Reaction) Apply(delta dynamo.State, n float64) {
	for _, s := range r.Change {
		delta[s.Species] += n * s.Delta
	}
}

// Invariant is a weighted sum of species that the network conserves.
type Invariant struct {
	Name    string
	Weights []float64
}

type Model struct {
	Name       string
	Species    []Species
	Reactions  []Reaction
	Invariants []Invariant
}

func (m *Model) Initial() dynamo.State {
	x := make(dynamo.State, len(m.Species))
	for i, s := range m.Species {
		x[i] = s.Initial
	}
	return x
}

func (m *Model) DiscreteMask() []bool {
	mask := make([]bool, len(m.Species))
	for i, s := range m.Species {
		mask[i] = s.Class == ClassDiscrete
	}
	return mask
}

func (m *Model) SpeciesNames() []string {
	names := make([]string, len(m.Species))
	for i, s := range m.Species {
		names[i] = s.Name
	}
	return names
}

func (m *Model) SpeciesIndex(name string) (int, bool) {
	for i, s := range m.Species {
		if s.Name == name {
			return i, true
		}
	}
	return -1, false
}

func (m *Model) ReactionIndex(name string) (int, bool) {
	for i, r := range m.Reactions {
		if r.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Validate reports the first structural problem, wrapped in
// dynamo.ErrConfiguration.
func (m *Model) Validate() error {
	if len(m.Species) == 0 {
		return fmt.Errorf("%w: model %q has no species", dynamo.ErrConfiguration, m.Name)
	}

	seen := make(map[string]bool, len(m.Species))
	for _, s := range m.Species {
		switch {
		case s.Name == "":
			return fmt.Errorf("%w: species without a name", dynamo.ErrConfiguration)
		case seen[s.Name]:
			return fmt.Errorf("%w: duplicate species %q", dynamo.ErrConfiguration, s.Name)
		case s.Initial < 0 || math.IsNaN(s.Initial) || math.IsInf(s.Initial, 0):
			return fmt.Errorf("%w: species %q has initial quantity %v", dynamo.ErrConfiguration, s.Name, s.Initial)
		case s.Class == ClassDiscrete && s.Initial != math.Trunc(s.Initial):
			return fmt.Errorf("%w: discrete species %q has fractional initial quantity %v",
				dynamo.ErrConfiguration, s.Name, s.Initial)
		}
		seen[s.Name] = true
	}

	names := make(map[string]bool, len(m.Reactions))
	for i := range m.Reactions {
		if err := m.validateReaction(&m.Reactions[i]); err != nil {
			return err
		}
		r := &m.Reactions[i]
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate reaction %q", dynamo.ErrConfiguration, r.Name)
		}
		names[r.Name] = true
	}

	for _, inv := range m.Invariants {
		if len(inv.Weights) != len(m.Species) {
			return fmt.Errorf("%w: invariant %q has %d weights for %d species",
				dynamo.ErrConfiguration, inv.Name, len(inv.Weights), len(m.Species))
		}
	}
	return nil
}

func (m *Model) validateReaction(r *Reaction) error {
	n := len(m.Species)
	if r.Name == "" {
		return fmt.Errorf("%w: reaction without a name", dynamo.ErrConfiguration)
	}
	if r.Rate == nil {
		return fmt.Errorf("%w: reaction %q has no rate law", dynamo.ErrConfiguration, r.Name)
	}
	if _, ok := formalismNames[r.Formalism]; !ok {
		return fmt.Errorf("%w: reaction %q has %v", dynamo.ErrConfiguration, r.Name, r.Formalism)
	}
	if len(r.Change) == 0 {
		return fmt.Errorf("%w: reaction %q changes nothing", dynamo.ErrConfiguration, r.Name)
	}

	for _, term := range r.Reactants {
		if term.Species < 0 || term.Species >= n {
			return fmt.Errorf("%w: reaction %q reads species %d of %d", dynamo.ErrConfiguration, r.Name, term.Species, n)
		}
		if term.Order < 1 {
			return fmt.Errorf("%w: reaction %q has reactant order %d", dynamo.ErrConfiguration, r.Name, term.Order)
		}
	}
	for _, d := range r.Depends {
		if d < 0 || d >= n {
			return fmt.Errorf("%w: reaction %q depends on species %d of %d", dynamo.ErrConfiguration, r.Name, d, n)
		}
	}

	for _, s := range r.Change {
		if s.Species < 0 || s.Species >= n {
			return fmt.Errorf("%w: reaction %q changes species %d of %d", dynamo.ErrConfiguration, r.Name, s.Species, n)
		}
		if s.Delta == 0 || math.IsNaN(s.Delta) || math.IsInf(s.Delta, 0) {
			return fmt.Errorf("%w: reaction %q has stoichiometry %v", dynamo.ErrConfiguration, r.Name, s.Delta)
		}
		sp := m.Species[s.Species]
		if sp.Class != ClassDiscrete {
			continue
		}
		if r.Formalism == FormalismContinuous {
			return fmt.Errorf("%w: continuous reaction %q changes discrete species %q",
				dynamo.ErrConfiguration, r.Name, sp.Name)
		}
		if s.Delta != math.Trunc(s.Delta) {
			return fmt.Errorf("%w: reaction %q changes discrete species %q by %v",
				dynamo.ErrConfiguration, r.Name, sp.Name, s.Delta)
		}
	}
	return nil
}

// Override returns a copy of m with initial quantities and formalism tags
// replaced by name. Unknown names are configuration errors.
func (m *Model) Override(initial map[string]float64, formalisms map[string]Formalism) (*Model, error) {
	out := m.clone()
	for name, v := range initial {
		i, ok := out.SpeciesIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: no species %q in model %q", dynamo.ErrConfiguration, name, m.Name)
		}
		out.Species[i].Initial = v
	}
	for name, f := range formalisms {
		i, ok := out.ReactionIndex(name)
		if !ok {
			return nil, fmt.Errorf("%w: no reaction %q in model %q", dynamo.ErrConfiguration, name, m.Name)
		}
		out.Reactions[i].Formalism = f
	}
	return out, nil
}

func (m *Model) clone() *Model {
	out := &Model{
		Name:       m.Name,
		Species:    slices.Clone(m.Species),
		Reactions:  slices.Clone(m.Reactions),
		Invariants: slices.Clone(m.Invariants),
	}
	for i := range out.Reactions {
		r := &out.Reactions[i]
		r.Reactants = slices.Clone(r.Reactants)
		r.Change = slices.Clone(r.Change)
		r.Depends = slices.Clone(r.Depends)
	}
	return out
}
