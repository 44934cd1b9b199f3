// Package ssa is the stochastic engine. It advances the exact and leaping
// reaction subsets of a model from a snapshot to a bound, drawing all
// randomness from its own stream.
package ssa

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/rng"
	"github.com/san-kum/cellforge/internal/state"
)

// negativeSlack absorbs rounding on fractional species.
const negativeSlack = 1e-9

type Mode int

const (
	ModeIdle Mode = iota
	ModeExact
	ModeLeaping
)

func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeLeaping:
		return "leaping"
	}
	return "idle"
}

// Proposal is an uncommitted advance from the snapshot at Base.
type Proposal struct {
	Base    uint64
	Start   float64
	End     float64
	Changes dynamo.State
	Mode    Mode
	// Firings counts events per reaction index.
	Firings  []int64
	Retries  int
	Fallback bool
}

func (p *Proposal) reset() {
	clear(p.Changes)
	clear(p.Firings)
}

type Engine struct {
	model      *model.Model
	exact      []int
	leaping    []int
	stochastic []int
	cfg        dynamo.Config
	stream     *rng.Stream
	logger     *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(m *model.Model, part model.Partition, stream *rng.Stream, cfg dynamo.Config, opts ...Option) *Engine {
	e := &Engine{
		model:      m,
		exact:      slices.Clone(part.Exact),
		leaping:    slices.Clone(part.Leaping),
		stochastic: slices.Clone(part.Stochastic),
		cfg:        cfg,
		stream:     stream,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stream exposes the engine's stream for checkpointing.
func (e *Engine) Stream() *rng.Stream { return e.stream }

func (e *Engine) Active() bool { return len(e.stochastic) > 0 }

// Horizon returns the largest leap, up to maxSpan, that passes the leap
// condition. It consumes no randomness. When only exact reactions remain,
// or leaping would fall back to exact mode, it returns maxSpan.
func (e *Engine) Horizon(snap *state.Snapshot, maxSpan float64) float64 {
	if len(e.leaping) == 0 || !(maxSpan > 0) {
		return maxSpan
	}
	tau, ok, err := e.leapSize(snap.Values(), snap.Clock(), maxSpan, e.leaping)
	if err != nil || !ok {
		return maxSpan
	}
	return tau
}

// Propose advances the stochastic subsets from snap towards bound. The
// achieved end never exceeds bound.
func (e *Engine) Propose(snap *state.Snapshot, bound float64) (Proposal, error) {
	t0 := snap.Clock()
	x := snap.Values()
	p := Proposal{
		Base:    snap.Version(),
		Start:   t0,
		End:     bound,
		Changes: make(dynamo.State, len(x)),
		Firings: make([]int64, len(e.model.Reactions)),
	}
	if !e.Active() {
		return p, nil
	}
	if !(bound > t0) {
		return p, fmt.Errorf("%w: bound %v is not after %v", dynamo.ErrInvalidState, bound, t0)
	}
	if len(e.leaping) == 0 {
		return p, e.exactStep(&p, x, bound, e.exact)
	}

	tau, ok, err := e.leapSize(x, t0, bound-t0, e.leaping)
	if err != nil {
		return p, err
	}
	if !ok {
		p.Fallback = true
		e.logger.Warn("leap below minimum, using exact mode",
			"t", t0, "min_leap", e.cfg.MinLeap, "reactions", len(e.leaping))
		return p, e.exactStep(&p, x, bound, e.stochastic)
	}

	negatives, err := e.leapAttempts(&p, x, tau, e.exact, e.leaping)
	if err != nil || negatives == nil {
		return p, err
	}

	exact, leaping := e.demote(negatives)
	p.Fallback = true
	e.logger.Warn("leap keeps overdrawing species, simulating consumers exactly",
		"t", t0, "species", negatives, "demoted", len(e.leaping)-len(leaping))

	if len(leaping) > 0 {
		tau, ok, err = e.leapSize(x, t0, bound-t0, leaping)
		if err != nil {
			return p, err
		}
		if ok {
			negatives, err = e.leapAttempts(&p, x, tau, exact, leaping)
			if err != nil || negatives == nil {
				return p, err
			}
		}
	}
	return p, e.exactStep(&p, x, bound, e.stochastic)
}

// leapAttempts draws a leap of length tau, racing the exact reactions, and
// halves it while the result overdraws a species. It returns the offending
// species if retries run out.
func (e *Engine) leapAttempts(p *Proposal, x dynamo.State, tau float64, exact, leaping []int) ([]int, error) {
	t0 := p.Start
	aEx := make([]float64, len(exact))
	aLeap := make([]float64, len(leaping))

	totalEx, err := e.rates(exact, x, t0, aEx)
	if err != nil {
		return nil, err
	}
	if _, err := e.rates(leaping, x, t0, aLeap); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		p.reset()
		end := t0 + tau
		fired := -1
		if totalEx > 0 {
			if wait := e.stream.Exp(totalEx); t0+wait < end {
				end = t0 + wait
				fired = exact[e.stream.Pick(aEx, totalEx)]
			}
		}

		span := end - t0
		for k, j := range leaping {
			n := e.stream.Poisson(aLeap[k] * span)
			if n == 0 {
				continue
			}
			p.Firings[j] = n
			e.model.Reactions[j].Apply(p.Changes, float64(n))
		}
		if fired >= 0 {
			p.Firings[fired]++
			e.model.Reactions[fired].Apply(p.Changes, 1)
		}

		negatives := overdrawn(x, p.Changes)
		if negatives == nil {
			p.End = end
			p.Mode = ModeLeaping
			return nil, nil
		}
		if attempt >= e.cfg.LeapRetries || tau/2 < e.cfg.MinLeap {
			return negatives, nil
		}
		p.Retries++
		tau /= 2
		e.logger.Debug("leap overdrew species, halving", "t", t0, "tau", tau, "species", negatives)
	}
}

// exactStep fires at most one reaction from set. If the next event falls
// at or after bound, the proposal ends at bound with no change.
func (e *Engine) exactStep(p *Proposal, x dynamo.State, bound float64, set []int) error {
	p.reset()
	p.Mode = ModeExact
	p.End = bound

	a := make([]float64, len(set))
	total, err := e.rates(set, x, p.Start, a)
	if err != nil || total == 0 {
		return err
	}

	wait := e.stream.Exp(total)
	if p.Start+wait >= bound {
		return nil
	}
	j := set[e.stream.Pick(a, total)]
	p.End = p.Start + wait
	p.Firings[j] = 1
	e.model.Reactions[j].Apply(p.Changes, 1)

	if negatives := overdrawn(x, p.Changes); negatives != nil {
		return fmt.Errorf("%w: reaction %q fired with species %v exhausted",
			dynamo.ErrNegativePopulation, e.model.Reactions[j].Name, negatives)
	}
	return nil
}

// demote moves leaping reactions that consume any of the given species to
// the exact set.
func (e *Engine) demote(species []int) (exact, leaping []int) {
	exact = slices.Clone(e.exact)
	for _, j := range e.leaping {
		if consumesAny(&e.model.Reactions[j], species) {
			exact = append(exact, j)
		} else {
			leaping = append(leaping, j)
		}
	}
	slices.Sort(exact)
	return exact, leaping
}

func consumesAny(r *model.Reaction, species []int) bool {
	for _, s := range r.Change {
		if s.Delta < 0 && slices.Contains(species, s.Species) {
			return true
		}
	}
	return false
}

// rates fills dst with the propensities of set and returns their sum.
func (e *Engine) rates(set []int, x dynamo.State, t float64, dst []float64) (float64, error) {
	total := 0.0
	for k, j := range set {
		a := e.model.Reactions[j].Propensity(x, t)
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return 0, fmt.Errorf("%w: reaction %q has propensity %v at t=%v",
				dynamo.ErrInvalidState, e.model.Reactions[j].Name, a, t)
		}
		dst[k] = a
		total += a
	}
	return total, nil
}

func overdrawn(x, delta dynamo.State) []int {
	var out []int
	for i, d := range delta {
		if d < 0 && x[i]+d < -negativeSlack {
			out = append(out, i)
		}
	}
	return out
}
