package sim

import (
	"math"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/state"
)

// Recorder samples a run on a fixed output grid. Between commits the state
// holds its last committed value.
type Recorder struct {
	interval float64
	next     float64
	last     *state.Snapshot

	Times  []float64
	States []dynamo.State
}

// NewRecorder starts sampling at the initial snapshot. A non-positive
// interval records every commit.
func NewRecorder(interval float64, initial *state.Snapshot) *Recorder {
	r := &Recorder{interval: interval, last: initial}
	r.sample(initial.Clock(), initial.Values())
	r.next = initial.Clock() + interval
	return r
}

func (r *Recorder) OnCommit(snap *state.Snapshot) {
	if !(r.interval > 0) {
		r.sample(snap.Clock(), snap.Values())
		r.last = snap
		return
	}
	for r.next <= snap.Clock() {
		src := r.last
		if r.next == snap.Clock() {
			src = snap
		}
		r.sample(r.next, src.Values())
		r.advance()
	}
	r.last = snap
}

// Close records the final state if it falls off the grid.
func (r *Recorder) Close() {
	if r.last == nil {
		return
	}
	if t := r.last.Clock(); len(r.Times) == 0 || r.Times[len(r.Times)-1] < t {
		r.sample(t, r.last.Values())
	}
}

// Series returns the trajectory of one species.
func (r *Recorder) Series(species int) []float64 {
	out := make([]float64, len(r.States))
	for i, x := range r.States {
		out[i] = x[species]
	}
	return out
}

func (r *Recorder) sample(t float64, x dynamo.State) {
	r.Times = append(r.Times, t)
	r.States = append(r.States, x)
}

// advance moves to the next grid point without accumulating rounding.
func (r *Recorder) advance() {
	k := math.Round((r.next - r.Times[0]) / r.interval)
	r.next = r.Times[0] + (k+1)*r.interval
}
