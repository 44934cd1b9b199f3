package models

import (
	"fmt"

	"github.com/san-kum/cellforge/internal/model"
)

// Chain is a closed cycle of first-order conversions X0 -> X1 -> ... -> X0.
// The total amount never changes.
type Chain struct {
	Length    int
	Initial   float64
	Rate      float64
	Formalism model.Formalism
}

func NewChain() *Chain {
	return &Chain{Length: 4, Initial: 500, Rate: 0.5, Formalism: model.FormalismContinuous}
}

func (m *Chain) Build() (*model.Model, error) {
	b := model.NewBuilder("chain")
	class := classFor(m.Formalism)
	species := make([]int, m.Length)
	total := make(map[int]float64, m.Length)
	for i := range species {
		initial := 0.0
		if i == 0 {
			initial = m.Initial
		}
		species[i] = b.Species(fmt.Sprintf("X%d", i), initial, class)
		total[species[i]] = 1
	}
	for i, s := range species {
		next := species[(i+1)%len(species)]
		b.Reaction(fmt.Sprintf("convert%d", i), m.Formalism).Consume(s, 1).Produce(next, 1).MassAction(m.Rate)
	}
	b.Conserve("total", total)
	return b.Build()
}
