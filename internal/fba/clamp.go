package fba

import (
	"fmt"
	"sort"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// Clamp records every time a bound overrode a reaction rate.
type Clamp struct {
	Reaction int
	First    float64 // time of the first clamp
	Rate     float64 // unclamped rate at that time
	Bound    Bound
	Count    int
}

func (c Clamp) Err() error {
	return fmt.Errorf("%w: reaction %d rate %g outside [%g, %g] at t=%g (%d times)",
		dynamo.ErrConstraintViolation, c.Reaction, c.Rate, c.Bound.Lower, c.Bound.Upper, c.First, c.Count)
}

// ClampLog accumulates clamps for one proposal. Not safe for concurrent use.
type ClampLog struct {
	byReaction map[int]*Clamp
}

func (l *ClampLog) Record(reaction int, t, rate float64, b Bound) {
	if l.byReaction == nil {
		l.byReaction = make(map[int]*Clamp)
	}
	if c, ok := l.byReaction[reaction]; ok {
		c.Count++
		return
	}
	l.byReaction[reaction] = &Clamp{Reaction: reaction, First: t, Rate: rate, Bound: b, Count: 1}
}

func (l *ClampLog) Reset() {
	clear(l.byReaction)
}

// Clamps returns the records ordered by reaction index.
func (l *ClampLog) Clamps() []Clamp {
	out := make([]Clamp, 0, len(l.byReaction))
	for _, c := range l.byReaction {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reaction < out[j].Reaction })
	return out
}
