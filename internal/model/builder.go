package model

import (
	"slices"
	"sort"
)

// Builder assembles a model. Species are referred to by the index Species
// returns.
type Builder struct {
	m         Model
	reactions []*ReactionBuilder
}

func NewBuilder(name string) *Builder {
	return &Builder{m: Model{Name: name}}
}

func (b *Builder) Species(name string, initial float64, class Class) int {
	b.m.Species = append(b.m.Species, Species{Name: name, Initial: initial, Class: class})
	return len(b.m.Species) - 1
}

func (b *Builder) Reaction(name string, f Formalism) *ReactionBuilder {
	rb := &ReactionBuilder{r: Reaction{Name: name, Formalism: f}}
	b.reactions = append(b.reactions, rb)
	return rb
}

// Conserve records that the weighted sum of species is invariant.
func (b *Builder) Conserve(name string, weights map[int]float64) {
	w := make([]float64, len(b.m.Species))
	for i, v := range weights {
		if i >= 0 && i < len(w) {
			w[i] = v
		}
	}
	b.m.Invariants = append(b.m.Invariants, Invariant{Name: name, Weights: w})
}

// Build finalizes and validates the model.
func (b *Builder) Build() (*Model, error) {
	m := b.m.clone()
	m.Reactions = make([]Reaction, 0, len(b.reactions))
	for _, rb := range b.reactions {
		m.Reactions = append(m.Reactions, rb.finish())
	}
	for i := range m.Invariants {
		if len(m.Invariants[i].Weights) < len(m.Species) {
			w := make([]float64, len(m.Species))
			copy(w, m.Invariants[i].Weights)
			m.Invariants[i].Weights = w
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type ReactionBuilder struct {
	r       Reaction
	changes map[int]float64
	extra   []int
}

// Consume adds a reactant of the given order and the matching loss.
func (rb *ReactionBuilder) Consume(species, order int) *ReactionBuilder {
	rb.r.Reactants = append(rb.r.Reactants, Term{Species: species, Order: order})
	rb.change(species, -float64(order))
	return rb
}

// Catalyst adds a reactant that the reaction does not use up.
func (rb *ReactionBuilder) Catalyst(species int) *ReactionBuilder {
	rb.r.Reactants = append(rb.r.Reactants, Term{Species: species, Order: 1})
	return rb
}

func (rb *ReactionBuilder) Produce(species int, n float64) *ReactionBuilder {
	rb.change(species, n)
	return rb
}

// DependsOn declares species read by a custom rate law.
func (rb *ReactionBuilder) DependsOn(species ...int) *ReactionBuilder {
	rb.extra = append(rb.extra, species...)
	return rb
}

func (rb *ReactionBuilder) MassAction(k float64) *ReactionBuilder {
	rb.r.Rate = MassAction{K: k, Terms: slices.Clone(rb.r.Reactants)}
	return rb
}

func (rb *ReactionBuilder) MichaelisMenten(vmax, km float64, substrate int) *ReactionBuilder {
	rb.r.Rate = MichaelisMenten{Vmax: vmax, Km: km, Substrate: substrate}
	return rb
}

func (rb *ReactionBuilder) Hill(vmax, k, n float64, activator int) *ReactionBuilder {
	rb.r.Rate = Hill{Vmax: vmax, K: k, N: n, Activator: activator}
	return rb
}

func (rb *ReactionBuilder) Rate(law RateLaw) *ReactionBuilder {
	rb.r.Rate = law
	return rb
}

func (rb *ReactionBuilder) change(species int, delta float64) {
	if rb.changes == nil {
		rb.changes = make(map[int]float64)
	}
	rb.changes[species] += delta
}

func (rb *ReactionBuilder) finish() Reaction {
	r := rb.r
	r.Reactants = slices.Clone(r.Reactants)
	r.Change = r.Change[:0:0]
	for s, d := range rb.changes {
		if d != 0 {
			r.Change = append(r.Change, Stoich{Species: s, Delta: d})
		}
	}
	sort.Slice(r.Change, func(i, j int) bool { return r.Change[i].Species < r.Change[j].Species })

	deps := append([]int(nil), rb.extra...)
	for _, t := range r.Reactants {
		deps = append(deps, t.Species)
	}
	if d, ok := r.Rate.(Dependent); ok {
		deps = append(deps, d.Dependencies()...)
	}
	slices.Sort(deps)
	r.Depends = slices.Compact(deps)
	return r
}
