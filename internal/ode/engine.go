// Package ode is the continuous engine. It integrates the rate equations of
// a model's continuous reactions with an adaptive embedded-pair method,
// subject to flux bounds.
package ode

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/integrators"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/state"
)

// Excursion is a negative value clamped to zero after an accepted step.
type Excursion struct {
	Species int
	Time    float64
	Value   float64
}

type Proposal struct {
	Base       uint64
	Start      float64
	End        float64
	Changes    dynamo.State
	Steps      int
	Rejected   int
	Clamps     []fba.Clamp
	Excursions []Excursion
	// Partial is set when the step budget ran out before the bound.
	Partial bool
}

type Engine struct {
	model     *model.Model
	reactions []int
	cfg       dynamo.Config
	integ     dynamo.AdaptiveIntegrator
	h         float64
	bounds    fba.BoundSet
	clamps    fba.ClampLog
	logger    *slog.Logger
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIntegrator replaces the default Dormand-Prince integrator. The
// engine takes ownership of it.
func WithIntegrator(integ dynamo.AdaptiveIntegrator) Option {
	return func(e *Engine) {
		e.integ = integ
	}
}

// WithStep restores a step suggestion, for resumed runs.
func WithStep(h float64) Option {
	return func(e *Engine) {
		if h > 0 {
			e.h = h
		}
	}
}

func New(m *model.Model, part model.Partition, cfg dynamo.Config, opts ...Option) *Engine {
	e := &Engine{
		model:     m,
		reactions: slices.Clone(part.Continuous),
		cfg:       cfg,
		h:         cfg.InitialODEStep,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.integ == nil {
		e.integ, _ = integrators.ByName("rk45", cfg.ODEAbsTolerance/cfg.ODETolerance)
	}
	return e
}

func (e *Engine) Active() bool { return len(e.reactions) > 0 }

// Horizon is the current step suggestion, or +Inf with nothing to
// integrate.
func (e *Engine) Horizon() float64 {
	if !e.Active() {
		return math.Inf(1)
	}
	return e.h
}

// Step returns the raw step suggestion for checkpoints.
func (e *Engine) Step() float64 { return e.h }

func (e *Engine) Integrator() string { return e.integ.Name() }

// SetBounds installs the flux bounds for the next proposals.
func (e *Engine) SetBounds(b fba.BoundSet) {
	e.bounds = b
}

// Derive evaluates the bounded rate equations. It records clamps.
func (e *Engine) Derive(x dynamo.State, t float64) dynamo.State {
	dx := make(dynamo.State, len(x))
	for _, j := range e.reactions {
		r := &e.model.Reactions[j]
		v := r.Flux(x, t)
		if b, ok := e.bounds[j]; ok {
			if c, clamped := b.Clamp(v); clamped {
				e.clamps.Record(j, t, v, b)
				v = c
			}
		}
		r.Apply(dx, v)
	}
	return dx
}

// Propose integrates from snap to bound. The achieved end is the bound
// unless the step budget ran out first.
func (e *Engine) Propose(snap *state.Snapshot, bound float64) (Proposal, error) {
	t0 := snap.Clock()
	x0 := snap.Values()
	p := Proposal{
		Base:    snap.Version(),
		Start:   t0,
		End:     bound,
		Changes: make(dynamo.State, len(x0)),
	}
	if !e.Active() {
		return p, nil
	}
	if !(bound > t0) {
		return p, fmt.Errorf("%w: bound %v is not after %v", dynamo.ErrInvalidState, bound, t0)
	}

	e.clamps.Reset()
	x := x0.Clone()
	t := t0
	h := math.Max(e.h, e.cfg.MinODEStep)

	for t < bound {
		if p.Steps+p.Rejected >= e.cfg.MaxODESteps {
			p.Partial = true
			break
		}

		dt := h
		truncated := false
		if rest := bound - t; dt >= rest {
			dt, truncated = rest, true
		}

		next, errRatio, hNext := e.integ.StepAdaptive(e, x, t, dt, e.cfg.ODETolerance)
		if !(errRatio <= 1) || !next.IsValid() {
			p.Rejected++
			if dt <= e.cfg.MinODEStep {
				e.h = h
				return p, fmt.Errorf("%w: step %g rejected at t=%g (error ratio %.3g)",
					dynamo.ErrStiffness, dt, t, errRatio)
			}
			h = math.Max(math.Min(hNext, dt/2), e.cfg.MinODEStep)
			continue
		}

		p.Steps++
		e.clampNegatives(&p, x, next, t+dt)
		x = next
		if truncated {
			t = bound
		} else {
			t += dt
			h = math.Max(hNext, e.cfg.MinODEStep)
		}
	}

	e.h = h
	p.End = t
	p.Changes = x.Sub(x0)
	p.Clamps = e.clamps.Clamps()
	if p.Partial {
		e.logger.Debug("ode step budget exhausted", "start", t0, "end", t, "bound", bound, "steps", p.Steps)
	}
	return p, nil
}

func (e *Engine) clampNegatives(p *Proposal, prev, next dynamo.State, t float64) {
	for i, v := range next {
		if v >= 0 {
			continue
		}
		if v < -e.cfg.NegativeTolerance*math.Max(1, math.Abs(prev[i])) {
			p.Excursions = append(p.Excursions, Excursion{Species: i, Time: t, Value: v})
			e.logger.Warn("negative concentration clamped",
				"species", e.model.Species[i].Name, "t", t, "value", v)
		}
		next[i] = 0
	}
}
