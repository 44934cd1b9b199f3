package sim

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/metrics"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/state"
)

var quiet = coordinator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func isomerization(t *testing.T) *model.Model {
	t.Helper()
	b := model.NewBuilder("iso")
	a := b.Species("A", 200, model.ClassDiscrete)
	bb := b.Species("B", 0, model.ClassDiscrete)
	b.Reaction("forward", model.FormalismExact).Consume(a, 1).Produce(bb, 1).MassAction(1.0)
	b.Reaction("backward", model.FormalismExact).Consume(bb, 1).Produce(a, 1).MassAction(0.5)
	b.Conserve("total", map[int]float64{a: 1, bb: 1})
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func config(end float64) dynamo.Config {
	cfg := dynamo.DefaultConfig()
	cfg.EndTime = end
	cfg.MaxStep = 0.5
	return cfg
}

func TestHandleRunsToEndTime(t *testing.T) {
	h, err := CreateRun(isomerization(t), 1, config(5), quiet)
	require.NoError(t, err)

	st := h.Step(context.Background())
	assert.Equal(t, Running, st.Status)
	assert.Equal(t, 1, st.Epoch)

	st = h.Run(context.Background())
	require.Equal(t, Terminated, st.Status, st.String())
	assert.Equal(t, coordinator.ReasonEndTime, st.Reason)
	assert.Equal(t, 5.0, st.Clock)

	view := h.Snapshot()
	a, ok := view.Get("A")
	require.True(t, ok)
	b, _ := view.Get("B")
	assert.Equal(t, 200.0, a+b)
	_, ok = view.Get("C")
	assert.False(t, ok)

	// stepping a finished run leaves it finished
	again := h.Step(context.Background())
	assert.Equal(t, st.Status, again.Status)
	assert.Equal(t, st.Epoch, again.Epoch)
}

func TestHandleTerminate(t *testing.T) {
	h, err := CreateRun(isomerization(t), 2, config(100), quiet)
	require.NoError(t, err)

	h.Step(context.Background())
	h.Terminate()
	st := h.Step(context.Background())
	assert.Equal(t, Terminated, st.Status)
	assert.Equal(t, coordinator.ReasonTerminated, st.Reason)
	assert.Less(t, st.Clock, 100.0)
}

func TestHandleReportsFailureKind(t *testing.T) {
	b := model.NewBuilder("stiff")
	a := b.Species("A", 1, model.ClassContinuous)
	b.Reaction("decay", model.FormalismContinuous).Consume(a, 1).MassAction(1e9)
	m, err := b.Build()
	require.NoError(t, err)

	cfg := config(1)
	cfg.MinODEStep = 1e-3
	h, err := CreateRun(m, 1, cfg, quiet)
	require.NoError(t, err)

	st := h.Run(context.Background())
	require.Equal(t, Failed, st.Status)
	assert.Equal(t, dynamo.KindStiffness, st.Kind)
	assert.ErrorIs(t, st.Err, dynamo.ErrStiffness)
}

func TestCreateRunRejectsInvalidConfig(t *testing.T) {
	cfg := config(-1)
	_, err := CreateRun(isomerization(t), 1, cfg, quiet)
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)
}

func TestRecorderSamplesOnGrid(t *testing.T) {
	s, err := state.New(dynamo.State{0}, 0, state.WithDiscrete([]bool{true}))
	require.NoError(t, err)

	rec := NewRecorder(1, s.Snapshot())
	commit := func(clock, change float64) {
		snap := s.Snapshot()
		next, err := s.Commit(state.Delta{Base: snap.Version(), Clock: clock, Changes: dynamo.State{change}})
		require.NoError(t, err)
		rec.OnCommit(next)
	}
	commit(0.4, 1) // x=1 from 0.4
	commit(2.5, 1) // x=2 from 2.5, grid points 1 and 2 see x=1
	commit(3, 1)   // lands on the grid
	commit(3.2, 1)
	rec.Close()

	assert.Equal(t, []float64{0, 1, 2, 3, 3.2}, rec.Times)
	assert.Equal(t, []float64{0, 1, 1, 3, 4}, rec.Series(0))
}

func TestRecorderEveryCommit(t *testing.T) {
	s, err := state.New(dynamo.State{1}, 0)
	require.NoError(t, err)
	rec := NewRecorder(0, s.Snapshot())

	next, err := s.Commit(state.Delta{Base: 0, Clock: 0.25, Changes: dynamo.State{1}})
	require.NoError(t, err)
	rec.OnCommit(next)
	rec.Close()

	assert.Equal(t, []float64{0, 0.25}, rec.Times)
	assert.Equal(t, []float64{1, 2}, rec.Series(0))
}

func TestEnsembleReplicatesAreIndependentAndReproducible(t *testing.T) {
	m := isomerization(t)
	run := func(workers int) []*Result {
		res, err := NewEnsemble(m, 42, config(3), 6).
			Workers(workers).
			Record(0.5).
			Options(func(uint64) []coordinator.Option {
				return []coordinator.Option{quiet, coordinator.WithMetric(metrics.NewMean("A", 0))}
			}).
			Run(context.Background())
		require.NoError(t, err)
		return res
	}

	serial, parallel := run(1), run(4)
	require.Len(t, serial, 6)

	distinct := map[float64]bool{}
	for i := range serial {
		assert.Equal(t, uint64(i), serial[i].Replicate)
		assert.Equal(t, serial[i].Final.Values, parallel[i].Final.Values, "replicate %d", i)
		assert.Equal(t, serial[i].Trajectory.Times, parallel[i].Trajectory.Times)
		assert.Len(t, serial[i].Trajectory.Times, 7)
		assert.Contains(t, serial[i].Metrics, "mean_A")
		distinct[serial[i].Final.Values[0]] = true
	}
	assert.Greater(t, len(distinct), 1, "replicates should not share a stream")
}

func TestEnsembleCollectsFailures(t *testing.T) {
	m := isomerization(t)
	res, err := NewEnsemble(m, 7, config(2), 3).
		Options(func(rep uint64) []coordinator.Option {
			opts := []coordinator.Option{quiet}
			if rep == 1 {
				opts = append(opts, coordinator.WithValidator(func(*state.Snapshot) error {
					return assert.AnError
				}))
			}
			return opts
		}).
		Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, dynamo.ErrInvalidState)
	assert.Contains(t, err.Error(), "replicate 1")
	assert.Equal(t, Failed, res[1].Status.Status)
	assert.Equal(t, Terminated, res[0].Status.Status)
	assert.Equal(t, Terminated, res[2].Status.Status)

	sum := Summarize(res)
	assert.Equal(t, 2, sum.N)
	assert.Equal(t, []string{"A", "B"}, sum.Species)
	assert.InDelta(t, 200, sum.Mean[0]+sum.Mean[1], 1e-9)
}

func TestSummarize(t *testing.T) {
	res := []*Result{
		{Final: StateView{Species: []string{"A"}, Values: dynamo.State{1}}},
		{Final: StateView{Species: []string{"A"}, Values: dynamo.State{3}}},
		nil,
	}
	s := Summarize(res)
	assert.Equal(t, 2, s.N)
	assert.InDelta(t, 2, s.Mean[0], 1e-12)
	assert.InDelta(t, math.Sqrt2, s.StdDev[0], 1e-12)
}
