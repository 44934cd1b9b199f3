// Package models is the built-in library of reaction networks.
package models

import (
	"github.com/san-kum/cellforge/internal/model"
)

// classFor stores species of stochastic networks as molecule counts.
func classFor(f model.Formalism) model.Class {
	if f.Stochastic() {
		return model.ClassDiscrete
	}
	return model.ClassContinuous
}

// Isomerization is the reversible conversion A <-> B.
type Isomerization struct {
	A, B      float64
	Forward   float64
	Backward  float64
	Formalism model.Formalism
}

func NewIsomerization() *Isomerization {
	return &Isomerization{
		A:         1000,
		B:         0,
		Forward:   1.0,
		Backward:  0.5,
		Formalism: model.FormalismExact,
	}
}

func (m *Isomerization) Build() (*model.Model, error) {
	b := model.NewBuilder("isomerization")
	class := classFor(m.Formalism)
	a := b.Species("A", m.A, class)
	bb := b.Species("B", m.B, class)
	b.Reaction("forward", m.Formalism).Consume(a, 1).Produce(bb, 1).MassAction(m.Forward)
	b.Reaction("backward", m.Formalism).Consume(bb, 1).Produce(a, 1).MassAction(m.Backward)
	b.Conserve("total", map[int]float64{a: 1, bb: 1})
	return b.Build()
}
