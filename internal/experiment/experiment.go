// Package experiment turns a run configuration into runs: it resolves the
// model, applies overrides and flux windows, and drives single runs with
// periodic checkpoints or whole ensembles.
package experiment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/san-kum/cellforge/internal/checkpoint"
	"github.com/san-kum/cellforge/internal/config"
	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/metrics"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/sim"
	"github.com/san-kum/cellforge/internal/storage"
)

type Experiment struct {
	cfg         *config.Config
	registry    *Registry
	model       *model.Model
	flux        fba.Provider
	runID       string
	logger      *slog.Logger
	collectors  *metrics.Collectors
	checkpoints *checkpoint.Store
	observers   []coordinator.Observer
}

type Option func(*Experiment)

func WithLogger(l *slog.Logger) Option {
	return func(e *Experiment) {
		e.logger = l
	}
}

func WithCollectors(col *metrics.Collectors) Option {
	return func(e *Experiment) {
		e.collectors = col
	}
}

// WithCheckpoints saves single runs to s every checkpoint interval.
func WithCheckpoints(s *checkpoint.Store) Option {
	return func(e *Experiment) {
		e.checkpoints = s
	}
}

func WithRunID(id string) Option {
	return func(e *Experiment) {
		e.runID = id
	}
}

// WithObserver watches single runs. Ensembles ignore it.
func WithObserver(o coordinator.Observer) Option {
	return func(e *Experiment) {
		e.observers = append(e.observers, o)
	}
}

// New validates cfg and resolves its model.
func New(cfg *config.Config, reg *Registry, opts ...Option) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Experiment{cfg: cfg, registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = storage.NewRunID()
	}

	m, err := reg.GetModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	if e.model, err = cfg.Apply(m); err != nil {
		return nil, err
	}
	if e.flux, err = cfg.FluxSchedule(e.model); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Experiment) Model() *model.Model { return e.model }

func (e *Experiment) RunID() string { return e.runID }

func (e *Experiment) Config() *config.Config { return e.cfg }

func (e *Experiment) options(replicate uint64) []coordinator.Option {
	opts := []coordinator.Option{
		coordinator.WithLogger(e.logger),
		coordinator.WithReplicate(replicate),
		coordinator.WithIntegrator(e.cfg.Solver),
		coordinator.WithCollectors(e.collectors),
	}
	if e.flux != nil {
		opts = append(opts, coordinator.WithFluxProvider(e.flux))
	}
	for _, m := range e.registry.DefaultMetrics(e.model) {
		opts = append(opts, coordinator.WithMetric(m))
	}
	return opts
}

// Run performs the configured replicate as a single run.
func (e *Experiment) Run(ctx context.Context) (*sim.Result, error) {
	return e.run(ctx, e.options(e.cfg.Replicate))
}

// Resume continues the run a checkpoint was taken from.
func (e *Experiment) Resume(ctx context.Context, cp checkpoint.Checkpoint) (*sim.Result, error) {
	r, err := cp.Resume(e.model)
	if err != nil {
		return nil, err
	}
	e.runID = cp.RunID
	opts := append(e.options(cp.Replicate), coordinator.WithResume(r))
	return e.run(ctx, opts)
}

// Start creates the configured replicate's run without stepping it, for
// callers that drive the run themselves.
func (e *Experiment) Start() (*sim.Handle, error) {
	return e.start(e.options(e.cfg.Replicate))
}

func (e *Experiment) start(opts []coordinator.Option) (*sim.Handle, error) {
	for _, o := range e.observers {
		opts = append(opts, coordinator.WithObserver(o))
	}
	return sim.CreateRun(e.model, e.cfg.Seed, e.cfg.Engine(), opts...)
}

func (e *Experiment) run(ctx context.Context, opts []coordinator.Option) (*sim.Result, error) {
	h, err := e.start(opts)
	if err != nil {
		return nil, err
	}
	rec := h.Record(e.cfg.OutputInterval)

	e.logger.Info("run started",
		"run", e.runID, "model", e.model.Name, "seed", e.cfg.Seed,
		"replicate", h.Coordinator().Replicate(), "t", h.Snapshot().Clock, "end", e.cfg.EndTime)

	interval := e.cfg.CheckpointInterval
	next := h.Snapshot().Clock + interval
	var st sim.RunStatus
	for {
		st = h.Step(ctx)
		if st.Status == sim.Failed {
			break
		}
		if e.checkpoints != nil && interval > 0 && (st.Clock >= next || st.Status != sim.Running) {
			if err := e.save(h); err != nil {
				e.logger.Warn("checkpoint failed", "run", e.runID, "t", st.Clock, "error", err)
			}
			for next <= st.Clock {
				next += interval
			}
		}
		if st.Status != sim.Running {
			break
		}
	}
	rec.Close()
	return h.Result(rec), st.Err
}

func (e *Experiment) save(h *sim.Handle) error {
	cp := checkpoint.Capture(e.runID, h.Coordinator())
	blob, err := e.cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	cp.Config = string(blob)
	// saved even after the run's context is canceled
	if err := e.checkpoints.Save(context.Background(), cp); err != nil {
		return err
	}
	e.logger.Debug("checkpoint saved", "run", e.runID, "epoch", cp.Epoch, "t", cp.Clock)
	return nil
}

// Ensemble runs cfg.Replicates replicates starting at cfg.Replicate.
func (e *Experiment) Ensemble(ctx context.Context) ([]*sim.Result, error) {
	base := e.cfg.Replicate
	ens := sim.NewEnsemble(e.model, e.cfg.Seed, e.cfg.Engine(), e.cfg.Replicates).
		Workers(e.cfg.Workers).
		Record(e.cfg.OutputInterval).
		Options(func(replicate uint64) []coordinator.Option {
			return e.options(base + replicate)
		})

	e.logger.Info("ensemble started",
		"run", e.runID, "model", e.model.Name, "seed", e.cfg.Seed, "replicates", e.cfg.Replicates)
	return ens.Run(ctx)
}
