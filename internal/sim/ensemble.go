package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/model"
)

// Result is the outcome of one replicate.
type Result struct {
	Replicate  uint64
	Status     RunStatus
	Final      StateView
	Trajectory *Recorder
	Metrics    map[string]float64
	Stats      coordinator.Stats
}

type Ensemble struct {
	model      *model.Model
	cfg        dynamo.Config
	seed       uint64
	replicates int
	workers    int
	interval   float64
	options    func(replicate uint64) []coordinator.Option
}

// NewEnsemble runs replicates of m. Replicate i uses stream i of seed, so
// every replicate is independent and reproducible on its own.
func NewEnsemble(m *model.Model, seed uint64, cfg dynamo.Config, replicates int) *Ensemble {
	return &Ensemble{
		model:      m,
		cfg:        cfg,
		seed:       seed,
		replicates: replicates,
		workers:    runtime.GOMAXPROCS(0),
	}
}

// Workers bounds the replicates running at once.
func (e *Ensemble) Workers(n int) *Ensemble {
	if n > 0 {
		e.workers = n
	}
	return e
}

// Record samples every replicate on the given output interval.
func (e *Ensemble) Record(interval float64) *Ensemble {
	e.interval = interval
	return e
}

// Options supplies per-replicate coordinator options, such as metrics,
// which must not be shared between replicates.
func (e *Ensemble) Options(fn func(replicate uint64) []coordinator.Option) *Ensemble {
	e.options = fn
	return e
}

// Run executes all replicates. Results are indexed by replicate; failed
// replicates are reported in the joined error and still have a result.
func (e *Ensemble) Run(ctx context.Context) ([]*Result, error) {
	if e.replicates < 1 {
		return nil, fmt.Errorf("%w: ensemble needs at least one replicate", dynamo.ErrConfiguration)
	}
	results := make([]*Result, e.replicates)
	errs := make([]error, e.replicates)

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := 0; i < e.replicates; i++ {
		g.Go(func() error {
			results[i], errs[i] = e.runOne(ctx, uint64(i))
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			errs[i] = fmt.Errorf("replicate %d: %w", i, err)
		}
	}
	return results, errors.Join(errs...)
}

func (e *Ensemble) runOne(ctx context.Context, replicate uint64) (*Result, error) {
	opts := []coordinator.Option{coordinator.WithReplicate(replicate)}
	if e.options != nil {
		opts = append(opts, e.options(replicate)...)
	}

	h, err := CreateRun(e.model, e.seed, e.cfg, opts...)
	if err != nil {
		return nil, err
	}
	rec := h.Record(e.interval)

	status := h.Run(ctx)
	rec.Close()
	return h.Result(rec), status.Err
}

// Summary is the across-replicate mean and standard deviation of the final
// quantities.
type Summary struct {
	Species []string
	Mean    []float64
	StdDev  []float64
	N       int
}

func Summarize(results []*Result) Summary {
	var s Summary
	for _, r := range results {
		if r == nil || r.Status.Status == Failed {
			continue
		}
		if s.N == 0 {
			s.Species = r.Final.Species
			s.Mean = make([]float64, len(r.Final.Values))
			s.StdDev = make([]float64, len(r.Final.Values))
		}
		s.N++
		// Welford update, StdDev holds M2 until the end
		for i, v := range r.Final.Values {
			d := v - s.Mean[i]
			s.Mean[i] += d / float64(s.N)
			s.StdDev[i] += d * (v - s.Mean[i])
		}
	}
	for i := range s.StdDev {
		if s.N > 1 {
			s.StdDev[i] = math.Sqrt(s.StdDev[i] / float64(s.N-1))
		} else {
			s.StdDev[i] = 0
		}
	}
	return s
}
