// Package coordinator runs one simulation: it owns the state store and both
// engines, asks them for proposals over shared epochs, reconciles the
// proposals and commits the result.
//
// A coordinator moves through Initializing, Stepping, Reconciling,
// Terminating and Terminated. Terminated is absorbing; the last committed
// snapshot stays readable.
package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/integrators"
	"github.com/san-kum/cellforge/internal/metrics"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/ode"
	"github.com/san-kum/cellforge/internal/rng"
	"github.com/san-kum/cellforge/internal/ssa"
	"github.com/san-kum/cellforge/internal/state"
)

type Phase int

const (
	Initializing Phase = iota
	Stepping
	Reconciling
	Terminating
	Terminated
)

var phaseNames = [...]string{"initializing", "stepping", "reconciling", "terminating", "terminated"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type Reason int

const (
	ReasonNone Reason = iota
	ReasonEndTime
	ReasonEvent
	ReasonCanceled
	ReasonTerminated
	ReasonError
)

var reasonNames = [...]string{"none", "end_time", "event", "canceled", "terminated", "error"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Observer is told about every validated commit, in order.
type Observer interface {
	OnCommit(snap *state.Snapshot)
}

type ObserverFunc func(snap *state.Snapshot)

func (f ObserverFunc) OnCommit(snap *state.Snapshot) { f(snap) }

// Validator inspects a fresh commit. A non-nil error rolls the epoch back.
type Validator func(snap *state.Snapshot) error

// Stats are cumulative counters for one run.
type Stats struct {
	Epochs         int
	Firings        int64
	Fallbacks      int
	LeapRetries    int
	Truncations    int
	RejectedEpochs int
	Conflicts      int
	Clamps         int
	Excursions     int
	ODESteps       int
}

// Resume is everything needed to continue a run exactly where it stopped.
type Resume struct {
	Version uint64
	Epoch   int
	Clock   float64
	Values  dynamo.State
	Stream  rng.Position
	ODEStep float64
}

type Coordinator struct {
	model     *model.Model
	part      model.Partition
	cfg       dynamo.Config
	seed      uint64
	replicate uint64

	store *state.Store
	ssa   *ssa.Engine
	ode   *ode.Engine
	flux  fba.Provider

	logger     *slog.Logger
	observers  []Observer
	metrics    []metrics.Metric
	collectors *metrics.Collectors
	validators []Validator
	stop       func(snap *state.Snapshot) bool
	integrator string
	resume     *Resume

	// clamped holds the bound each reaction was last warned about.
	clamped map[int]fba.Bound

	// mu guards the fields below for readers on other goroutines.
	mu     sync.Mutex
	phase  Phase
	reason Reason
	err    error
	epoch  int
	stats  Stats

	terminate atomic.Bool
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithFluxProvider(p fba.Provider) Option {
	return func(c *Coordinator) {
		c.flux = p
	}
}

// WithStopCondition ends the run after the first commit for which stop
// returns true.
func WithStopCondition(stop func(snap *state.Snapshot) bool) Option {
	return func(c *Coordinator) {
		c.stop = stop
	}
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, o)
	}
}

func WithMetric(m metrics.Metric) Option {
	return func(c *Coordinator) {
		c.metrics = append(c.metrics, m)
	}
}

func WithCollectors(col *metrics.Collectors) Option {
	return func(c *Coordinator) {
		c.collectors = col
	}
}

func WithValidator(v Validator) Option {
	return func(c *Coordinator) {
		c.validators = append(c.validators, v)
	}
}

// WithReplicate selects the replicate's independent random stream.
func WithReplicate(n uint64) Option {
	return func(c *Coordinator) {
		c.replicate = n
	}
}

// WithIntegrator selects the continuous engine's method by name.
func WithIntegrator(name string) Option {
	return func(c *Coordinator) {
		c.integrator = name
	}
}

func WithResume(r Resume) Option {
	return func(c *Coordinator) {
		c.resume = &r
	}
}

// New performs the Initializing phase. On success the coordinator is ready
// to step.
func New(m *model.Model, seed uint64, cfg dynamo.Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		model:      m,
		cfg:        cfg,
		seed:       seed,
		logger:     slog.Default(),
		integrator: "rk45",
		phase:      Initializing,
		clamped:    make(map[int]fba.Bound),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	c.part = m.Partition()

	initial, clock := m.Initial(), 0.0
	stream := rng.Derive(seed, c.replicate)
	storeOpts := []state.Option{
		state.WithDiscrete(m.DiscreteMask()),
		state.WithRetention(cfg.RetainSnapshots),
	}
	odeOpts := []ode.Option{ode.WithLogger(c.logger)}

	if r := c.resume; r != nil {
		if len(r.Values) != len(m.Species) {
			return nil, fmt.Errorf("%w: checkpoint has %d species, model %q has %d",
				dynamo.ErrConfiguration, len(r.Values), m.Name, len(m.Species))
		}
		if r.Stream.Seed != seed || r.Stream.Stream != c.replicate {
			return nil, fmt.Errorf("%w: checkpoint stream (%d, %d) does not match seed %d replicate %d",
				dynamo.ErrConfiguration, r.Stream.Seed, r.Stream.Stream, seed, c.replicate)
		}
		initial, clock = r.Values, r.Clock
		stream = rng.Resume(r.Stream)
		storeOpts = append(storeOpts, state.WithVersion(r.Version))
		odeOpts = append(odeOpts, ode.WithStep(r.ODEStep))
		c.epoch = r.Epoch
	}

	integ, err := integrators.ByName(c.integrator, cfg.ODEAbsTolerance/cfg.ODETolerance)
	if err != nil {
		return nil, err
	}
	odeOpts = append(odeOpts, ode.WithIntegrator(integ))

	c.store, err = state.New(initial, clock, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("initial state: %w", err)
	}
	c.ssa = ssa.New(m, c.part, stream, cfg, ssa.WithLogger(c.logger))
	c.ode = ode.New(m, c.part, cfg, odeOpts...)

	for _, mt := range c.metrics {
		mt.Reset()
		mt.Observe(c.store.Snapshot())
	}

	c.logger.Info("run initialized",
		"model", m.Name,
		"seed", seed,
		"replicate", c.replicate,
		"species", len(m.Species),
		"exact", len(c.part.Exact),
		"leaping", len(c.part.Leaping),
		"continuous", len(c.part.Continuous),
		"shared", len(c.part.Shared),
		"integrator", integ.Name(),
		"clock", clock,
	)
	c.setPhase(Stepping)
	return c, nil
}

func (c *Coordinator) Model() *model.Model { return c.model }

func (c *Coordinator) Seed() uint64 { return c.seed }

func (c *Coordinator) Replicate() uint64 { return c.replicate }

func (c *Coordinator) Config() dynamo.Config { return c.cfg }

// Snapshot returns the last committed snapshot. Safe from any goroutine.
func (c *Coordinator) Snapshot() *state.Snapshot {
	return c.store.Snapshot()
}

func (c *Coordinator) History() []*state.Snapshot {
	return c.store.History()
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err returns the fatal error of a failed run, as a *dynamo.SimulationError.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) Done() bool {
	return c.Phase() == Terminated
}

func (c *Coordinator) Epoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Metrics returns the current value of every attached metric. Call it
// between steps or after the run.
func (c *Coordinator) Metrics() map[string]float64 {
	out := make(map[string]float64, len(c.metrics))
	for _, m := range c.metrics {
		out[m.Name()] = m.Value()
	}
	return out
}

// Terminate asks the run to stop before its next epoch. Safe from any
// goroutine.
func (c *Coordinator) Terminate() {
	c.terminate.Store(true)
}

// AddObserver registers o for every later commit. It must not be called
// while the run is stepping.
func (c *Coordinator) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Capture returns the state needed to resume after the last commit.
func (c *Coordinator) Capture() Resume {
	snap := c.store.Snapshot()
	return Resume{
		Version: snap.Version(),
		Epoch:   c.Epoch(),
		Clock:   snap.Clock(),
		Values:  snap.Values(),
		Stream:  c.ssa.Stream().Position(),
		ODEStep: c.ode.Step(),
	}
}

func (c *Coordinator) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}
