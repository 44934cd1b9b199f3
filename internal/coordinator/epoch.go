package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/ode"
	"github.com/san-kum/cellforge/internal/ssa"
	"github.com/san-kum/cellforge/internal/state"
)

// errRejected marks an epoch rolled back by a validator or refused before
// commit.
var errRejected = errors.New("epoch rejected")

// roundingSlack is the relative shortfall of a shared species treated as
// floating-point noise.
const roundingSlack = 1e-12

// Run steps until the run terminates and returns the fatal error, if any.
func (c *Coordinator) Run(ctx context.Context) error {
	for !c.Done() {
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
	return c.Err()
}

// Step runs one epoch, or terminates the run if a stop condition holds.
// It returns the fatal error when the run fails, and dynamo.ErrTerminated
// when called after termination.
func (c *Coordinator) Step(ctx context.Context) error {
	if c.Done() {
		return dynamo.ErrTerminated
	}

	snap := c.store.Snapshot()
	switch {
	case c.terminate.Load():
		c.finish(ReasonTerminated)
		return nil
	case ctx.Err() != nil:
		c.finish(ReasonCanceled)
		return nil
	case snap.Clock() >= c.cfg.EndTime:
		c.finish(ReasonEndTime)
		return nil
	}

	c.setPhase(Stepping)
	if err := c.applyBounds(ctx, snap); err != nil {
		if ctx.Err() != nil {
			c.finish(ReasonCanceled)
			return nil
		}
		return c.fail(snap, err)
	}

	span := c.span(snap)
	for attempt := 0; ; attempt++ {
		last := attempt >= c.cfg.EpochRetries
		committed, err := c.advance(snap, c.bound(snap, span), last)
		if err == nil {
			c.afterCommit(committed, span)
			break
		}
		if !errors.Is(err, errRejected) {
			return c.fail(snap, err)
		}

		c.bump(func(s *Stats) { s.RejectedEpochs++ })
		c.collectors.Rejected()
		if last {
			return c.fail(snap, fmt.Errorf("%w after %d attempts: %w", dynamo.ErrInvalidState, attempt+1, err))
		}
		span /= 2
		c.logger.Warn("epoch rejected, retrying with half the span",
			"epoch", c.Epoch(), "t", snap.Clock(), "span", span, "error", err)
	}
	return nil
}

// span is the epoch length: the smallest of the global max step, both
// engine recommendations and the time left.
func (c *Coordinator) span(snap *state.Snapshot) float64 {
	span := math.Min(c.cfg.MaxStep, c.cfg.EndTime-snap.Clock())
	span = math.Min(span, c.ssa.Horizon(snap, span))
	return math.Min(span, c.ode.Horizon())
}

// bound is the epoch end for span, landing exactly on the end time when the
// span reaches it.
func (c *Coordinator) bound(snap *state.Snapshot, span float64) float64 {
	if span >= c.cfg.EndTime-snap.Clock() {
		return c.cfg.EndTime
	}
	return snap.Clock() + span
}

// applyBounds queries the flux provider once for this epoch. Malformed
// bounds are dropped.
func (c *Coordinator) applyBounds(ctx context.Context, snap *state.Snapshot) error {
	if c.flux == nil {
		return nil
	}
	raw, err := c.flux.Bounds(ctx, snap.Clock(), snap.Values())
	if err != nil {
		return fmt.Errorf("flux bounds: %w", err)
	}
	bounds := make(fba.BoundSet, len(raw))
	for j, b := range raw {
		if j < 0 || j >= len(c.model.Reactions) {
			c.logger.Warn("flux bound for unknown reaction dropped", "reaction", j)
			continue
		}
		if err := b.Validate(); err != nil {
			c.logger.Warn("flux bound dropped", "reaction", c.model.Reactions[j].Name, "error", err)
			continue
		}
		bounds[j] = b
	}
	c.ode.SetBounds(bounds)
	return nil
}

// advance proposes, reconciles and commits one epoch from snap, retrying
// commit conflicts against a fresh snapshot. On the last attempt a
// stochastic proposal that overdraws a shared species is dropped instead of
// rejecting the epoch.
func (c *Coordinator) advance(snap *state.Snapshot, bound float64, last bool) (*state.Snapshot, error) {
	for conflicts := 0; ; conflicts++ {
		sp, op, err := c.propose(snap, bound)
		if err != nil {
			return nil, err
		}

		c.setPhase(Reconciling)
		sp, op, err = c.reconcile(snap, sp, op)
		if err != nil {
			return nil, err
		}

		if short := c.overdrawn(snap, sp, op); len(short) > 0 {
			if !last {
				return nil, fmt.Errorf("%w: shared species %v would go negative at t=%v",
					errRejected, short, sp.End)
			}
			c.logger.Warn("stochastic proposal dropped, shared species overdrawn",
				"epoch", c.Epoch(), "t", snap.Clock(), "end", sp.End, "species", short)
			c.bump(func(s *Stats) { s.Excursions += len(short) })
			c.collectors.Excursions(len(short))
			clear(sp.Changes)
			clear(sp.Firings)
			sp.Fallback, sp.Retries = false, 0
		}

		delta := c.combine(snap, sp, op)
		committed, err := c.store.Commit(delta)
		if errors.Is(err, dynamo.ErrConflict) && conflicts < c.cfg.CommitRetries {
			c.bump(func(s *Stats) { s.Conflicts++ })
			c.collectors.Conflict()
			c.logger.Warn("commit conflict, retrying", "base", delta.Base, "error", err)
			snap = c.store.Snapshot()
			bound = c.bound(snap, c.span(snap))
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := c.validate(committed); err != nil {
			if _, rbErr := c.store.RollbackTo(snap.Version()); rbErr != nil {
				return nil, fmt.Errorf("rollback: %w", rbErr)
			}
			return nil, fmt.Errorf("%w: %w", errRejected, err)
		}

		c.record(sp, op)
		return committed, nil
	}
}

// propose runs both engines concurrently from the same snapshot.
func (c *Coordinator) propose(snap *state.Snapshot, bound float64) (ssa.Proposal, ode.Proposal, error) {
	var (
		sp         ssa.Proposal
		op         ode.Proposal
		errS, errO error
		g          errgroup.Group
	)
	g.Go(func() error {
		sp, errS = c.ssa.Propose(snap, bound)
		return errS
	})
	g.Go(func() error {
		op, errO = c.ode.Propose(snap, bound)
		return errO
	})
	if g.Wait() != nil {
		// report the stochastic error first so failures are deterministic
		return sp, op, cmp.Or(errS, errO)
	}
	return sp, op, nil
}

// reconcile brings both proposals to the same end. The earlier end wins and
// the other engine is re-run up to it.
func (c *Coordinator) reconcile(snap *state.Snapshot, sp ssa.Proposal, op ode.Proposal) (ssa.Proposal, ode.Proposal, error) {
	var err error
	for round := 0; sp.End != op.End; round++ {
		if round >= c.cfg.ReconcileRounds {
			return sp, op, fmt.Errorf("%w: engines did not agree on an epoch end after %d rounds (%v vs %v)",
				dynamo.ErrConflict, round, sp.End, op.End)
		}
		c.bump(func(s *Stats) { s.Truncations++ })
		c.collectors.Truncated()

		if sp.End < op.End {
			c.logger.Debug("epoch truncated by stochastic event", "t", snap.Clock(), "end", sp.End)
			if op, err = c.ode.Propose(snap, sp.End); err != nil {
				return sp, op, err
			}
			continue
		}

		c.logger.Debug("epoch truncated by continuous engine", "t", snap.Clock(), "end", op.End)
		if sp.Mode == ssa.ModeLeaping {
			if sp, err = c.ssa.Propose(snap, op.End); err != nil {
				return sp, op, err
			}
			continue
		}
		// no exact event happens before the engine's own end, so none
		// happens before the earlier one either
		clear(sp.Changes)
		clear(sp.Firings)
		sp.End = op.End
	}
	return sp, op, nil
}

// overdrawn lists the shared species the summed proposals drive below zero
// by more than rounding noise.
func (c *Coordinator) overdrawn(snap *state.Snapshot, sp ssa.Proposal, op ode.Proposal) []string {
	var out []string
	for _, i := range c.part.Shared {
		x := snap.At(i)
		if v := x + sp.Changes[i] + op.Changes[i]; v < -roundingSlack*math.Max(1, math.Abs(x)) {
			out = append(out, c.model.Species[i].Name)
		}
	}
	return out
}

// combine sums both proposals into one delta. Rounding noise that leaves a
// shared species just below zero is snapped to zero.
func (c *Coordinator) combine(snap *state.Snapshot, sp ssa.Proposal, op ode.Proposal) state.Delta {
	changes := sp.Changes.Add(op.Changes)
	for _, i := range c.part.Shared {
		if x := snap.At(i); x+changes[i] < 0 {
			changes[i] = -x
		}
	}

	end := sp.End
	if !(end > snap.Clock()) {
		end = math.Nextafter(snap.Clock(), math.Inf(1))
	}
	return state.Delta{Base: snap.Version(), Clock: end, Changes: changes}
}

func (c *Coordinator) validate(snap *state.Snapshot) error {
	if c.cfg.ValidateState && !snap.Values().IsValid() {
		return fmt.Errorf("%w: non-finite quantity", dynamo.ErrInvalidState)
	}
	for _, v := range c.validators {
		if err := v(snap); err != nil {
			return err
		}
	}
	return nil
}

// record folds the accepted proposals into the run statistics.
func (c *Coordinator) record(sp ssa.Proposal, op ode.Proposal) {
	var fired int64
	for _, n := range sp.Firings {
		fired += n
	}
	c.bump(func(s *Stats) {
		s.Firings += fired
		s.LeapRetries += sp.Retries
		s.Clamps += len(op.Clamps)
		s.Excursions += len(op.Excursions)
		s.ODESteps += op.Steps
		if sp.Fallback {
			s.Fallbacks++
		}
	})

	if sp.Fallback {
		c.collectors.Fallback()
	}
	c.collectors.LeapRetries(sp.Retries)
	c.collectors.Excursions(len(op.Excursions))
	for _, cl := range op.Clamps {
		name := c.model.Reactions[cl.Reaction].Name
		c.collectors.Clamp(name)
		if b, seen := c.clamped[cl.Reaction]; seen && b == cl.Bound {
			c.logger.Debug("flux bound clamped reaction rate", "reaction", name, "error", cl.Err())
			continue
		}
		c.clamped[cl.Reaction] = cl.Bound
		c.logger.Warn("flux bound clamped reaction rate", "reaction", name, "error", cl.Err())
	}
}

func (c *Coordinator) afterCommit(snap *state.Snapshot, span float64) {
	c.mu.Lock()
	c.epoch++
	c.stats.Epochs++
	epoch := c.epoch
	c.mu.Unlock()

	c.collectors.Epoch(c.replicate, snap.Clock(), span)
	c.logger.Debug("epoch committed",
		"epoch", epoch, "version", snap.Version(), "t", snap.Clock(), "span", span)

	for _, m := range c.metrics {
		m.Observe(snap)
	}
	for _, o := range c.observers {
		o.OnCommit(snap)
	}

	switch {
	case snap.Clock() >= c.cfg.EndTime:
		c.finish(ReasonEndTime)
	case c.stop != nil && c.stop(snap):
		c.finish(ReasonEvent)
	}
}

func (c *Coordinator) finish(reason Reason) {
	c.setPhase(Terminating)
	snap := c.store.Snapshot()

	c.mu.Lock()
	c.reason = reason
	c.phase = Terminated
	epoch := c.epoch
	c.mu.Unlock()

	c.collectors.Terminated(reason.String())
	c.logger.Info("run terminated",
		"model", c.model.Name, "replicate", c.replicate, "reason", reason.String(),
		"epoch", epoch, "t", snap.Clock())
}

func (c *Coordinator) fail(snap *state.Snapshot, err error) error {
	c.setPhase(Terminating)
	c.mu.Lock()
	simErr := &dynamo.SimulationError{Epoch: c.epoch, Time: snap.Clock(), Wrapped: err}
	c.err = simErr
	c.reason = ReasonError
	c.phase = Terminated
	c.mu.Unlock()

	c.collectors.Terminated(ReasonError.String())
	c.logger.Error("run failed",
		"model", c.model.Name, "replicate", c.replicate, "kind", dynamo.KindOf(err).String(), "error", simErr)
	return simErr
}

func (c *Coordinator) bump(fn func(s *Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}
