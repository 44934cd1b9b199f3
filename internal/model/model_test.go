package model

import (
	"errors"
	"math"
	"testing"

	"github.com/san-kum/cellforge/internal/dynamo"
)

func isomerization(t *testing.T) *Model {
	t.Helper()
	b := NewBuilder("iso")
	a := b.Species("A", 1000, ClassDiscrete)
	bb := b.Species("B", 0, ClassDiscrete)
	b.Reaction("forward", FormalismExact).Consume(a, 1).Produce(bb, 1).MassAction(1.0)
	b.Reaction("backward", FormalismExact).Consume(bb, 1).Produce(a, 1).MassAction(0.5)
	b.Conserve("total", map[int]float64{a: 1, bb: 1})
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return m
}

func TestBuilderStoichiometry(t *testing.T) {
	m := isomerization(t)

	fwd := m.Reactions[0]
	want := []Stoich{{Species: 0, Delta: -1}, {Species: 1, Delta: 1}}
	if len(fwd.Change) != len(want) {
		t.Fatalf("expected %d changes, got %d", len(want), len(fwd.Change))
	}
	for i := range want {
		if fwd.Change[i] != want[i] {
			t.Errorf("change %d: expected %+v, got %+v", i, want[i], fwd.Change[i])
		}
	}
	if len(fwd.Depends) != 1 || fwd.Depends[0] != 0 {
		t.Errorf("expected forward to depend on A only, got %v", fwd.Depends)
	}

	delta := make(dynamo.State, 2)
	fwd.Apply(delta, 3)
	if delta[0] != -3 || delta[1] != 3 {
		t.Errorf("unexpected delta %v", delta)
	}
}

func TestMassActionForms(t *testing.T) {
	b := NewBuilder("dimer")
	a := b.Species("A", 10, ClassDiscrete)
	d := b.Species("D", 0, ClassDiscrete)
	b.Reaction("dimerize", FormalismExact).Consume(a, 2).Produce(d, 1).MassAction(0.5)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	r := m.Reactions[0]
	x := dynamo.State{10, 0}
	// 0.5 * C(10, 2)
	if got := r.Propensity(x, 0); math.Abs(got-22.5) > 1e-12 {
		t.Errorf("expected propensity 22.5, got %f", got)
	}
	// 0.5 * 10^2
	if got := r.Flux(x, 0); math.Abs(got-50) > 1e-12 {
		t.Errorf("expected flux 50, got %f", got)
	}
	if got := r.Propensity(dynamo.State{1, 0}, 0); got != 0 {
		t.Errorf("a single molecule cannot dimerize, got %f", got)
	}
}

func TestSaturatingLaws(t *testing.T) {
	x := dynamo.State{2, 0}

	mm := MichaelisMenten{Vmax: 10, Km: 2, Substrate: 0}
	if got := mm.Rate(x, 0); math.Abs(got-5) > 1e-12 {
		t.Errorf("expected half-max rate 5, got %f", got)
	}
	if got := mm.Rate(dynamo.State{0, 0}, 0); got != 0 {
		t.Errorf("expected zero rate without substrate, got %f", got)
	}

	h := Hill{Vmax: 4, K: 2, N: 2, Activator: 0}
	if got := h.Rate(x, 0); math.Abs(got-2) > 1e-12 {
		t.Errorf("expected half-max rate 2, got %f", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
	}{
		{
			name:  "no species",
			build: func(b *Builder) {},
		},
		{
			name: "duplicate species",
			build: func(b *Builder) {
				b.Species("A", 1, ClassDiscrete)
				b.Species("A", 1, ClassDiscrete)
			},
		},
		{
			name: "fractional discrete initial",
			build: func(b *Builder) {
				b.Species("A", 1.5, ClassDiscrete)
			},
		},
		{
			name: "negative initial",
			build: func(b *Builder) {
				b.Species("A", -1, ClassContinuous)
			},
		},
		{
			name: "missing rate law",
			build: func(b *Builder) {
				a := b.Species("A", 1, ClassDiscrete)
				b.Reaction("decay", FormalismExact).Consume(a, 1)
			},
		},
		{
			name: "continuous reaction on discrete species",
			build: func(b *Builder) {
				a := b.Species("A", 1, ClassDiscrete)
				b.Reaction("decay", FormalismContinuous).Consume(a, 1).MassAction(1)
			},
		},
		{
			name: "fractional stochastic change",
			build: func(b *Builder) {
				a := b.Species("A", 1, ClassDiscrete)
				b.Reaction("grow", FormalismExact).Produce(a, 0.5).MassAction(1)
			},
		},
		{
			name: "species out of range",
			build: func(b *Builder) {
				b.Species("A", 1, ClassDiscrete)
				b.Reaction("grow", FormalismExact).Produce(3, 1).MassAction(1)
			},
		},
		{
			name: "reaction with no effect",
			build: func(b *Builder) {
				a := b.Species("A", 1, ClassDiscrete)
				b.Reaction("idle", FormalismExact).Consume(a, 1).Produce(a, 1).MassAction(1)
			},
		},
		{
			name: "duplicate reaction",
			build: func(b *Builder) {
				a := b.Species("A", 1, ClassDiscrete)
				b.Reaction("grow", FormalismExact).Produce(a, 1).MassAction(1)
				b.Reaction("grow", FormalismExact).Produce(a, 1).MassAction(1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.name)
			tt.build(b)
			_, err := b.Build()
			if !errors.Is(err, dynamo.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestPartition(t *testing.T) {
	b := NewBuilder("hybrid")
	g := b.Species("gene", 1, ClassDiscrete)
	p := b.Species("protein", 0, ClassContinuous)
	s := b.Species("substrate", 10, ClassContinuous)
	b.Reaction("translate", FormalismLeaping).Catalyst(g).Produce(p, 1).MassAction(2)
	b.Reaction("flip", FormalismExact).Consume(g, 1).Produce(g, 2).MassAction(0.1)
	b.Reaction("consume", FormalismContinuous).Catalyst(p).Consume(s, 1).Produce(p, 0.1).MassAction(0.01)

	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	part := m.Partition()
	if len(part.Exact) != 1 || part.Exact[0] != 1 {
		t.Errorf("unexpected exact set %v", part.Exact)
	}
	if len(part.Leaping) != 1 || part.Leaping[0] != 0 {
		t.Errorf("unexpected leaping set %v", part.Leaping)
	}
	if len(part.Continuous) != 1 || part.Continuous[0] != 2 {
		t.Errorf("unexpected continuous set %v", part.Continuous)
	}
	if len(part.Stochastic) != 2 || part.Stochastic[0] != 0 || part.Stochastic[1] != 1 {
		t.Errorf("unexpected stochastic set %v", part.Stochastic)
	}
	if !part.IsShared(p) || part.IsShared(g) || part.IsShared(s) {
		t.Errorf("expected only protein to be shared, got %v", part.Shared)
	}
}

func TestOverride(t *testing.T) {
	m := isomerization(t)

	out, err := m.Override(map[string]float64{"A": 50}, map[string]Formalism{"forward": FormalismLeaping})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if out.Species[0].Initial != 50 || out.Reactions[0].Formalism != FormalismLeaping {
		t.Errorf("override not applied: %+v %v", out.Species[0], out.Reactions[0].Formalism)
	}
	if m.Species[0].Initial != 1000 || m.Reactions[0].Formalism != FormalismExact {
		t.Error("override must not modify the original model")
	}

	if _, err := m.Override(map[string]float64{"C": 1}, nil); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error for unknown species, got %v", err)
	}
	if _, err := m.Override(nil, map[string]Formalism{"sideways": FormalismExact}); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error for unknown reaction, got %v", err)
	}
}

func TestParseFormalism(t *testing.T) {
	cases := map[string]Formalism{
		"exact":      FormalismExact,
		"SSA":        FormalismExact,
		"tau":        FormalismLeaping,
		"leaping":    FormalismLeaping,
		" ode ":      FormalismContinuous,
		"continuous": FormalismContinuous,
	}
	for in, want := range cases {
		got, err := ParseFormalism(in)
		if err != nil || got != want {
			t.Errorf("ParseFormalism(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseFormalism("euler"); !errors.Is(err, dynamo.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestInvariantWeights(t *testing.T) {
	m := isomerization(t)
	if len(m.Invariants) != 1 {
		t.Fatalf("expected one invariant, got %d", len(m.Invariants))
	}
	if got := m.Initial().Dot(m.Invariants[0].Weights); got != 1000 {
		t.Errorf("expected conserved total 1000, got %f", got)
	}
}

func TestPropensityCountsWholeMolecules(t *testing.T) {
	b := NewBuilder("fractional")
	s := b.Species("S", 3, ClassContinuous)
	p := b.Species("P", 0, ClassContinuous)
	b.Reaction("convert", FormalismExact).Consume(s, 1).Produce(p, 1).MassAction(5)
	b.Reaction("saturate", FormalismExact).Consume(s, 1).Produce(p, 1).MichaelisMenten(2, 1, s)
	m, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	tests := []struct {
		name     string
		s        float64
		convert  float64
		saturate float64
	}{
		{"fraction below one", 0.3, 0, 0},
		{"fraction above one", 2.7, 10, 2 * 2.7 / 3.7},
		{"rounding noise", 1 - 1e-12, 5, 2 * (1 - 1e-12) / (2 - 1e-12)},
		{"empty", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := dynamo.State{tt.s, 0}
			if got := m.Reactions[0].Propensity(x, 0); math.Abs(got-tt.convert) > 1e-9 {
				t.Errorf("convert: expected %g, got %g", tt.convert, got)
			}
			if got := m.Reactions[1].Propensity(x, 0); math.Abs(got-tt.saturate) > 1e-9 {
				t.Errorf("saturate: expected %g, got %g", tt.saturate, got)
			}
		})
	}
	// the deterministic rate still sees the fraction
	if got := m.Reactions[0].Flux(dynamo.State{0.3, 0}, 0); math.Abs(got-1.5) > 1e-12 {
		t.Errorf("expected flux 1.5, got %g", got)
	}
}
