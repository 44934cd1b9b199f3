package model

import "slices"

// Partition splits reaction indices by formalism. The sets are disjoint and
// fixed for the life of a run.
type Partition struct {
	Exact      []int
	Leaping    []int
	Continuous []int
	// Stochastic is Exact and Leaping merged, in index order.
	Stochastic []int
	// Shared lists species changed by both stochastic and continuous
	// reactions.
	Shared []int
}

func (m *Model) Partition() Partition {
	var p Partition
	stochTouch := make([]bool, len(m.Species))
	contTouch := make([]bool, len(m.Species))

	for i, r := range m.Reactions {
		touched := stochTouch
		switch r.Formalism {
		case FormalismExact:
			p.Exact = append(p.Exact, i)
			p.Stochastic = append(p.Stochastic, i)
		case FormalismLeaping:
			p.Leaping = append(p.Leaping, i)
			p.Stochastic = append(p.Stochastic, i)
		case FormalismContinuous:
			p.Continuous = append(p.Continuous, i)
			touched = contTouch
		}
		for _, s := range r.Change {
			touched[s.Species] = true
		}
	}

	for i := range m.Species {
		if stochTouch[i] && contTouch[i] {
			p.Shared = append(p.Shared, i)
		}
	}
	return p
}

// IsShared reports whether species i is written by both engines.
func (p Partition) IsShared(i int) bool {
	_, ok := slices.BinarySearch(p.Shared, i)
	return ok
}
