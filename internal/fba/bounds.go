// Package fba is the boundary to the flux-balance collaborator. It supplies
// per-reaction rate bounds that the continuous engine treats as hard
// constraints; the LP solving itself lives outside this module.
package fba

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/san-kum/cellforge/internal/dynamo"
)

type Bound struct {
	Lower float64
	Upper float64
}

// Unbounded admits every rate.
var Unbounded = Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}

func (b Bound) Validate() error {
	if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
		return fmt.Errorf("%w: bound [%v, %v]", dynamo.ErrConfiguration, b.Lower, b.Upper)
	}
	return nil
}

// Clamp returns v limited to the bound and whether it had to move.
func (b Bound) Clamp(v float64) (float64, bool) {
	switch {
	case v < b.Lower:
		return b.Lower, true
	case v > b.Upper:
		return b.Upper, true
	}
	return v, false
}

// BoundSet maps reaction index to bound. A missing reaction is unconstrained.
type BoundSet map[int]Bound

// Provider is queried once per epoch with the epoch start state.
type Provider interface {
	Bounds(ctx context.Context, t float64, x dynamo.State) (BoundSet, error)
}

type ProviderFunc func(ctx context.Context, t float64, x dynamo.State) (BoundSet, error)

func (f ProviderFunc) Bounds(ctx context.Context, t float64, x dynamo.State) (BoundSet, error) {
	return f(ctx, t, x)
}

// Static returns the same bounds at every epoch.
type Static BoundSet

func (s Static) Bounds(ctx context.Context, t float64, x dynamo.State) (BoundSet, error) {
	return BoundSet(s), ctx.Err()
}

// Window bounds one reaction over [From, Until).
type Window struct {
	Reaction int
	Bound    Bound
	From     float64
	Until    float64
}

func (w Window) active(t float64) bool {
	return t >= w.From && t < w.Until
}

// Schedule applies windows by epoch start time. When windows for the same
// reaction overlap, the latest-starting one wins.
type Schedule struct {
	windows []Window
}

func NewSchedule(windows ...Window) (*Schedule, error) {
	ws := append([]Window(nil), windows...)
	for _, w := range ws {
		if err := w.Bound.Validate(); err != nil {
			return nil, fmt.Errorf("reaction %d: %w", w.Reaction, err)
		}
		if !(w.Until > w.From) {
			return nil, fmt.Errorf("%w: empty window [%v, %v) for reaction %d",
				dynamo.ErrConfiguration, w.From, w.Until, w.Reaction)
		}
	}
	sort.SliceStable(ws, func(i, j int) bool { return ws[i].From < ws[j].From })
	return &Schedule{windows: ws}, nil
}

func (s *Schedule) Bounds(ctx context.Context, t float64, x dynamo.State) (BoundSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set := make(BoundSet)
	for _, w := range s.windows {
		if w.active(t) {
			set[w.Reaction] = w.Bound
		}
	}
	return set, nil
}
