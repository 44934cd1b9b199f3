package metrics

import "github.com/san-kum/cellforge/internal/state"

// Mean is the time-weighted mean of one species. Each committed value is
// held until the next commit.
type Mean struct {
	name     string
	species  int
	integral float64
	lastT    float64
	lastV    float64
	start    float64
	samples  int
}

func NewMean(species string, index int) *Mean {
	return &Mean{
		name:    "mean_" + species,
		species: index,
	}
}

func (m *Mean) Name() string { return m.name }

func (m *Mean) Observe(snap *state.Snapshot) {
	t, v := snap.Clock(), snap.At(m.species)
	if m.samples == 0 {
		m.start = t
	} else {
		m.integral += m.lastV * (t - m.lastT)
	}
	m.lastT, m.lastV = t, v
	m.samples++
}

func (m *Mean) Value() float64 {
	switch span := m.lastT - m.start; {
	case m.samples == 0:
		return 0
	case span <= 0:
		return m.lastV
	default:
		return m.integral / span
	}
}

func (m *Mean) Reset() {
	*m = Mean{name: m.name, species: m.species}
}
