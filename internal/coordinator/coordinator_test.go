package coordinator_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/metrics"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/state"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type commit struct {
	version uint64
	clock   float64
	values  dynamo.State
}

// recorder keeps every commit it sees.
type recorder struct {
	commits []commit
}

func (r *recorder) OnCommit(snap *state.Snapshot) {
	r.commits = append(r.commits, commit{snap.Version(), snap.Clock(), snap.Values()})
}

func mustBuild(b *model.Builder) *model.Model {
	m, err := b.Build()
	Expect(err).NotTo(HaveOccurred())
	return m
}

func isomerization() *model.Model {
	b := model.NewBuilder("isomerization")
	a := b.Species("A", 1000, model.ClassDiscrete)
	bb := b.Species("B", 0, model.ClassDiscrete)
	b.Reaction("forward", model.FormalismExact).Consume(a, 1).Produce(bb, 1).MassAction(1.0)
	b.Reaction("backward", model.FormalismExact).Consume(bb, 1).Produce(a, 1).MassAction(0.5)
	b.Conserve("total", map[int]float64{a: 1, bb: 1})
	return mustBuild(b)
}

func decay() *model.Model {
	b := model.NewBuilder("decay")
	a := b.Species("A", 100, model.ClassContinuous)
	b.Reaction("decay", model.FormalismContinuous).Consume(a, 1).MassAction(0.1)
	return mustBuild(b)
}

// hybrid has all three formalisms and a species shared by both engines.
func hybrid() *model.Model {
	b := model.NewBuilder("hybrid")
	gene := b.Species("gene", 1, model.ClassDiscrete)
	mrna := b.Species("mrna", 0, model.ClassDiscrete)
	protein := b.Species("protein", 0, model.ClassContinuous)
	b.Reaction("transcribe", model.FormalismExact).Catalyst(gene).Produce(mrna, 1).MassAction(2)
	b.Reaction("mrna_decay", model.FormalismExact).Consume(mrna, 1).MassAction(0.2)
	b.Reaction("translate", model.FormalismLeaping).Catalyst(mrna).Produce(protein, 1).MassAction(5)
	b.Reaction("protein_decay", model.FormalismContinuous).Consume(protein, 1).MassAction(0.05)
	return mustBuild(b)
}

func closedChain() *model.Model {
	b := model.NewBuilder("chain")
	x := b.Species("X", 500, model.ClassContinuous)
	y := b.Species("Y", 0, model.ClassContinuous)
	z := b.Species("Z", 0, model.ClassContinuous)
	b.Reaction("x_to_y", model.FormalismLeaping).Consume(x, 1).Produce(y, 1).MassAction(0.3)
	b.Reaction("y_to_z", model.FormalismContinuous).Consume(y, 1).Produce(z, 1).MassAction(0.2)
	b.Reaction("z_to_x", model.FormalismContinuous).Consume(z, 1).Produce(x, 1).MassAction(0.1)
	b.Conserve("total", map[int]float64{x: 1, y: 1, z: 1})
	return mustBuild(b)
}

// drain converts a continuous S into P through a stochastic and a
// continuous reaction at once, so S is shared and often fractional.
func drain(f model.Formalism) *model.Model {
	b := model.NewBuilder("drain")
	s := b.Species("S", 3, model.ClassContinuous)
	p := b.Species("P", 0, model.ClassContinuous)
	b.Reaction("fire", f).Consume(s, 1).Produce(p, 1).MassAction(5)
	b.Reaction("flow", model.FormalismContinuous).Consume(s, 1).Produce(p, 1).MassAction(5)
	b.Conserve("total", map[int]float64{s: 1, p: 1})
	return mustBuild(b)
}

func config(end float64) dynamo.Config {
	cfg := dynamo.DefaultConfig()
	cfg.EndTime = end
	return cfg
}

func newRun(m *model.Model, seed uint64, cfg dynamo.Config, opts ...coordinator.Option) *coordinator.Coordinator {
	opts = append([]coordinator.Option{coordinator.WithLogger(quiet)}, opts...)
	c, err := coordinator.New(m, seed, cfg, opts...)
	Expect(err).NotTo(HaveOccurred())
	return c
}

var _ = Describe("Coordinator", func() {
	ctx := context.Background()

	Describe("initialization", func() {
		It("starts in the stepping phase at the initial state", func() {
			c := newRun(isomerization(), 1, config(1))
			Expect(c.Phase()).To(Equal(coordinator.Stepping))
			Expect(c.Snapshot().Values()).To(Equal(dynamo.State{1000, 0}))
			Expect(c.Snapshot().Clock()).To(BeZero())
		})

		It("rejects an invalid model", func() {
			// a continuous reaction may not change a discrete species
			m := &model.Model{
				Name:    "broken",
				Species: []model.Species{{Name: "A", Initial: 1, Class: model.ClassDiscrete}},
				Reactions: []model.Reaction{{
					Name:      "decay",
					Formalism: model.FormalismContinuous,
					Change:    []model.Stoich{{Species: 0, Delta: -1}},
					Rate:      model.MassAction{K: 1},
				}},
			}

			_, err := coordinator.New(m, 1, config(1), coordinator.WithLogger(quiet))
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})

		It("rejects an invalid configuration", func() {
			cfg := config(1)
			cfg.MaxStep = 0
			_, err := coordinator.New(decay(), 1, cfg, coordinator.WithLogger(quiet))
			Expect(dynamo.KindOf(err)).To(Equal(dynamo.KindConfiguration))
		})

		It("rejects an unknown integrator", func() {
			_, err := coordinator.New(decay(), 1, config(1),
				coordinator.WithLogger(quiet), coordinator.WithIntegrator("verlet"))
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})
	})

	Describe("exact stochastic runs", func() {
		It("settles A<->B at a 1:2 ratio", func() {
			c := newRun(isomerization(), 2024, config(50))
			Expect(c.Run(ctx)).To(Succeed())

			Expect(c.Reason()).To(Equal(coordinator.ReasonEndTime))
			final := c.Snapshot()
			Expect(final.Clock()).To(Equal(50.0))
			Expect(final.At(0) + final.At(1)).To(Equal(1000.0))
			Expect(final.At(0)).To(BeNumerically("~", 1000.0/3, 60))
		})

		It("keeps discrete species non-negative integers with increasing clocks", func() {
			rec := &recorder{}
			c := newRun(hybrid(), 5, config(5), coordinator.WithObserver(rec))
			Expect(c.Run(ctx)).To(Succeed())

			Expect(rec.commits).NotTo(BeEmpty())
			last := 0.0
			for _, cm := range rec.commits {
				Expect(cm.clock).To(BeNumerically(">", last))
				last = cm.clock
				for i, v := range cm.values {
					Expect(v).To(BeNumerically(">=", 0))
					if i < 2 {
						Expect(v).To(Equal(math.Round(v)))
					}
				}
			}
		})
	})

	Describe("continuous runs", func() {
		It("matches the analytic decay", func() {
			c := newRun(decay(), 1, config(10))
			Expect(c.Run(ctx)).To(Succeed())
			Expect(c.Snapshot().At(0)).To(BeNumerically("~", 36.79, 0.01))
		})

		It("matches the analytic decay with step doubling", func() {
			c := newRun(decay(), 1, config(10), coordinator.WithIntegrator("rk4"))
			Expect(c.Run(ctx)).To(Succeed())
			Expect(c.Snapshot().At(0)).To(BeNumerically("~", 36.79, 0.01))
		})

		It("freezes a reaction bounded to zero flux", func() {
			b := model.NewBuilder("uptake")
			ext := b.Species("external", 10, model.ClassContinuous)
			in := b.Species("internal", 0, model.ClassContinuous)
			waste := b.Species("waste", 5, model.ClassContinuous)
			b.Reaction("uptake", model.FormalismContinuous).Consume(ext, 1).Produce(in, 1).MassAction(1)
			b.Reaction("spoil", model.FormalismContinuous).Consume(waste, 1).MassAction(1)
			m := mustBuild(b)

			c := newRun(m, 1, config(2), coordinator.WithFluxProvider(fba.Static{0: {Lower: 0, Upper: 0}}))
			Expect(c.Run(ctx)).To(Succeed())

			final := c.Snapshot()
			Expect(final.At(ext)).To(Equal(10.0))
			Expect(final.At(in)).To(Equal(0.0))
			Expect(final.At(waste)).To(BeNumerically("<", 1))
			Expect(c.Stats().Clamps).To(BeNumerically(">", 0))
		})

		It("warns about a persistent bound once", func() {
			b := model.NewBuilder("uptake")
			ext := b.Species("external", 10, model.ClassContinuous)
			in := b.Species("internal", 0, model.ClassContinuous)
			b.Reaction("uptake", model.FormalismContinuous).Consume(ext, 1).Produce(in, 1).MassAction(1)
			m := mustBuild(b)

			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
			c := newRun(m, 1, config(10), coordinator.WithLogger(logger),
				coordinator.WithFluxProvider(fba.Static{0: {Lower: 0, Upper: 0}}))
			Expect(c.Run(ctx)).To(Succeed())

			Expect(c.Stats().Clamps).To(BeNumerically(">=", 10))
			Expect(strings.Count(logs.String(), "flux bound clamped")).To(Equal(1))
		})

		It("drops inverted bounds", func() {
			c := newRun(decay(), 1, config(10), coordinator.WithFluxProvider(fba.Static{0: {Lower: 1, Upper: 0}}))
			Expect(c.Run(ctx)).To(Succeed())
			Expect(c.Snapshot().At(0)).To(BeNumerically("~", 36.79, 0.01))
		})

		It("fails a stiff system", func() {
			b := model.NewBuilder("stiff")
			a := b.Species("A", 1, model.ClassContinuous)
			b.Reaction("fast", model.FormalismContinuous).Consume(a, 1).MassAction(1e6)
			cfg := config(1)
			cfg.MinODEStep = 1e-3
			cfg.InitialODEStep = 1e-3

			c := newRun(mustBuild(b), 1, cfg)
			err := c.Run(ctx)
			Expect(dynamo.KindOf(err)).To(Equal(dynamo.KindStiffness))

			var simErr *dynamo.SimulationError
			Expect(errors.As(err, &simErr)).To(BeTrue())
			Expect(c.Reason()).To(Equal(coordinator.ReasonError))
			Expect(c.Phase()).To(Equal(coordinator.Terminated))
			Expect(c.Snapshot().Values()).To(Equal(dynamo.State{1}))
		})
	})

	Describe("hybrid runs", func() {
		It("conserves a closed chain across engines", func() {
			drift := metrics.NewConservationDrift(closedChain().Invariants[0])
			c := newRun(closedChain(), 9, config(20), coordinator.WithMetric(drift))
			Expect(c.Run(ctx)).To(Succeed())

			Expect(drift.Value()).To(BeNumerically("<", 1e-6))
			Expect(c.Metrics()).To(HaveKey("drift_total"))
		})

		It("is bit-identical for the same seed", func() {
			run := func(seed uint64) []commit {
				rec := &recorder{}
				c := newRun(hybrid(), seed, config(5), coordinator.WithObserver(rec))
				Expect(c.Run(ctx)).To(Succeed())
				return rec.commits
			}
			first := run(42)
			Expect(run(42)).To(Equal(first))
			Expect(run(43)).NotTo(Equal(first))
		})

		It("gives replicates independent streams", func() {
			a := newRun(hybrid(), 42, config(5), coordinator.WithReplicate(0))
			b := newRun(hybrid(), 42, config(5), coordinator.WithReplicate(1))
			Expect(a.Run(ctx)).To(Succeed())
			Expect(b.Run(ctx)).To(Succeed())
			Expect(a.Snapshot().Values()).NotTo(Equal(b.Snapshot().Values()))
		})

		It("resumes exactly where a run stopped", func() {
			full := &recorder{}
			ref := newRun(hybrid(), 7, config(6), coordinator.WithObserver(full))
			Expect(ref.Run(ctx)).To(Succeed())

			first := newRun(hybrid(), 7, config(6), coordinator.WithStopCondition(func(s *state.Snapshot) bool {
				return s.Clock() >= 3
			}))
			Expect(first.Run(ctx)).To(Succeed())
			Expect(first.Reason()).To(Equal(coordinator.ReasonEvent))
			resume := first.Capture()

			rest := &recorder{}
			second := newRun(hybrid(), 7, config(6), coordinator.WithResume(resume), coordinator.WithObserver(rest))
			Expect(second.Snapshot().Version()).To(Equal(resume.Version))
			Expect(second.Run(ctx)).To(Succeed())

			Expect(rest.commits).NotTo(BeEmpty())
			Expect(rest.commits).To(Equal(full.commits[len(full.commits)-len(rest.commits):]))
			Expect(second.Epoch()).To(Equal(ref.Epoch()))
		})

		DescribeTable("drains a shared continuous species without losing mass",
			func(f model.Formalism, retries bool) {
				rejected := 0
				for seed := uint64(1); seed <= 30; seed++ {
					rec := &recorder{}
					drift := metrics.NewConservationDrift(drain(f).Invariants[0])
					c := newRun(drain(f), seed, config(5), coordinator.WithObserver(rec), coordinator.WithMetric(drift))
					Expect(c.Run(ctx)).To(Succeed(), "seed %d", seed)
					Expect(c.Reason()).To(Equal(coordinator.ReasonEndTime))

					for _, cm := range rec.commits {
						Expect(cm.values[0]).To(BeNumerically(">=", 0), "seed %d t=%v", seed, cm.clock)
						Expect(cm.values[0]+cm.values[1]).To(BeNumerically("~", 3, 1e-6), "seed %d t=%v", seed, cm.clock)
					}
					Expect(drift.Value()).To(BeNumerically("<", 1e-6))
					rejected += c.Stats().RejectedEpochs
				}
				if retries {
					Expect(rejected).To(BeNumerically(">", 0))
				}
			},
			Entry("exact", model.FormalismExact, true),
			Entry("leaping", model.FormalismLeaping, false),
		)

		It("rejects a checkpoint from another stream", func() {
			c := newRun(hybrid(), 7, config(1))
			resume := c.Capture()
			_, err := coordinator.New(hybrid(), 8, config(1), coordinator.WithLogger(quiet), coordinator.WithResume(resume))
			Expect(err).To(MatchError(dynamo.ErrConfiguration))
		})
	})

	Describe("termination", func() {
		It("stops on a predicate", func() {
			c := newRun(isomerization(), 3, config(50), coordinator.WithStopCondition(func(s *state.Snapshot) bool {
				return s.At(1) >= 100
			}))
			Expect(c.Run(ctx)).To(Succeed())
			Expect(c.Reason()).To(Equal(coordinator.ReasonEvent))
			Expect(c.Snapshot().At(1)).To(Equal(100.0))
		})

		It("stops when the host terminates", func() {
			c := newRun(isomerization(), 3, config(50))
			Expect(c.Step(ctx)).To(Succeed())
			c.Terminate()
			Expect(c.Step(ctx)).To(Succeed())

			Expect(c.Reason()).To(Equal(coordinator.ReasonTerminated))
			Expect(c.Epoch()).To(Equal(1))
			Expect(c.Step(ctx)).To(MatchError(dynamo.ErrTerminated))
		})

		It("stops between epochs when cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			c := newRun(isomerization(), 3, config(50))
			Expect(c.Step(cctx)).To(Succeed())
			cancel()
			Expect(c.Run(cctx)).To(Succeed())

			Expect(c.Reason()).To(Equal(coordinator.ReasonCanceled))
			Expect(c.Epoch()).To(Equal(1))
		})
	})

	Describe("validation", func() {
		It("rolls back and retries rejected epochs", func() {
			rejections := 0
			c := newRun(decay(), 1, config(2), coordinator.WithValidator(func(s *state.Snapshot) error {
				if rejections < 2 {
					rejections++
					return errors.New("too early")
				}
				return nil
			}))
			Expect(c.Run(ctx)).To(Succeed())
			Expect(c.Stats().RejectedEpochs).To(Equal(2))
			Expect(c.Snapshot().At(0)).To(BeNumerically("~", 100*math.Exp(-0.2), 1e-3))
		})

		It("fails after too many rejections and keeps the last good state", func() {
			cfg := config(2)
			cfg.EpochRetries = 2
			c := newRun(decay(), 1, cfg, coordinator.WithValidator(func(s *state.Snapshot) error {
				return errors.New("never")
			}))
			err := c.Run(ctx)
			Expect(dynamo.KindOf(err)).To(Equal(dynamo.KindInvalidState))
			Expect(c.Stats().RejectedEpochs).To(Equal(3))
			Expect(c.Snapshot().Version()).To(Equal(uint64(0)))
			Expect(c.History()).To(HaveLen(1))
		})
	})
})
