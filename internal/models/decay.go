package models

import "github.com/san-kum/cellforge/internal/model"

// Decay is first-order loss, dA/dt = -k A.
type Decay struct {
	A         float64
	Rate      float64
	Formalism model.Formalism
}

func NewDecay() *Decay {
	return &Decay{A: 100, Rate: 0.1, Formalism: model.FormalismContinuous}
}

func (m *Decay) Build() (*model.Model, error) {
	b := model.NewBuilder("decay")
	a := b.Species("A", m.A, classFor(m.Formalism))
	b.Reaction("decay", m.Formalism).Consume(a, 1).MassAction(m.Rate)
	return b.Build()
}
