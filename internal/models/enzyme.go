package models

import "github.com/san-kum/cellforge/internal/model"

// Enzyme is the elementary Michaelis-Menten mechanism E + S <-> ES -> E + P.
type Enzyme struct {
	E, S      float64
	Bind      float64
	Unbind    float64
	Catalyze  float64
	Formalism model.Formalism
}

func NewEnzyme() *Enzyme {
	return &Enzyme{
		E:         100,
		S:         1000,
		Bind:      0.001,
		Unbind:    0.1,
		Catalyze:  0.1,
		Formalism: model.FormalismExact,
	}
}

func (m *Enzyme) Build() (*model.Model, error) {
	b := model.NewBuilder("enzyme")
	class := classFor(m.Formalism)
	e := b.Species("E", m.E, class)
	s := b.Species("S", m.S, class)
	es := b.Species("ES", 0, class)
	p := b.Species("P", 0, class)

	b.Reaction("bind", m.Formalism).Consume(e, 1).Consume(s, 1).Produce(es, 1).MassAction(m.Bind)
	b.Reaction("unbind", m.Formalism).Consume(es, 1).Produce(e, 1).Produce(s, 1).MassAction(m.Unbind)
	b.Reaction("catalyze", m.Formalism).Consume(es, 1).Produce(e, 1).Produce(p, 1).MassAction(m.Catalyze)
	b.Conserve("enzyme", map[int]float64{e: 1, es: 1})
	b.Conserve("substrate", map[int]float64{s: 1, es: 1, p: 1})
	return b.Build()
}

// KM is the Michaelis constant of the mechanism in amount units.
func (m *Enzyme) KM() float64 {
	return (m.Unbind + m.Catalyze) / m.Bind
}
