package config

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "isomerization", cfg.Model)
	assert.Equal(t, DefaultSolver, cfg.Solver)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, dynamo.DefaultConfig(), cfg.Engine())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
model: gene_expression
seed: 7
end_time: 120
solver: rk4
stochastic:
  leap_tolerance: 0.02
continuous:
  tolerance: 1.0e-8
initial:
  glucose: 5
formalisms:
  translation: exact
fluxes:
  - reaction: glucose_uptake
    upper: 0.002
    from: 10
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gene_expression", cfg.Model)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.Equal(t, "rk4", cfg.Solver)
	assert.Equal(t, 0.02, cfg.Stochastic.LeapTolerance)
	// unset fields keep their defaults
	assert.Equal(t, dynamo.DefaultConfig().LeapRetries, cfg.Stochastic.LeapRetries)
	assert.Equal(t, 1e-8, cfg.Engine().ODETolerance)
	assert.Equal(t, 120.0, cfg.Engine().EndTime)

	m, err := models.Build(cfg.Model)
	require.NoError(t, err)
	m, err = cfg.Apply(m)
	require.NoError(t, err)
	glc, _ := m.SpeciesIndex("glucose")
	assert.Equal(t, 5.0, m.Species[glc].Initial)
	tl, _ := m.ReactionIndex("translation")
	assert.Equal(t, "exact", m.Reactions[tl].Formalism.String())

	sched, err := cfg.FluxSchedule(m)
	require.NoError(t, err)
	require.NotNil(t, sched)
	up, _ := m.ReactionIndex("glucose_uptake")
	before, err := sched.Bounds(context.Background(), 5, m.Initial())
	require.NoError(t, err)
	assert.NotContains(t, before, up)
	after, err := sched.Bounds(context.Background(), 50, m.Initial())
	require.NoError(t, err)
	assert.Equal(t, 0.002, after[up].Upper)
	assert.True(t, math.IsInf(after[up].Lower, -1))
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("end_time: [1, 2"), 0644))
	_, err := Load(path)
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := GetPreset("chain", "blocked")
	require.NotNil(t, cfg)
	require.NoError(t, Save(path, cfg))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CELLFORGE_SEED", "99")
	t.Setenv("CELLFORGE_END_TIME", "2.5")
	t.Setenv("CELLFORGE_SOLVER", "rk4")
	t.Setenv("CELLFORGE_STOCHASTIC_LEAP_RETRIES", "2")
	t.Setenv("CELLFORGE_CONTINUOUS_MAX_STEPS", "500")

	cfg := GetPreset("decay", "ode")
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, uint64(99), cfg.Seed)
	assert.Equal(t, 2.5, cfg.EndTime)
	assert.Equal(t, "rk4", cfg.Solver)
	assert.Equal(t, 2, cfg.Stochastic.LeapRetries)
	assert.Equal(t, 500, cfg.Continuous.MaxSteps)
	// untouched by the environment
	assert.Equal(t, "decay", cfg.Model)

	t.Setenv("CELLFORGE_WORKERS", "many")
	assert.ErrorIs(t, cfg.ApplyEnv(), dynamo.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *Config)
	}{
		{"no model", func(c *Config) { c.Model = "" }},
		{"zero end time", func(c *Config) { c.EndTime = 0 }},
		{"negative output interval", func(c *Config) { c.OutputInterval = -1 }},
		{"no replicates", func(c *Config) { c.Replicates = 0 }},
		{"negative workers", func(c *Config) { c.Workers = -2 }},
		{"negative checkpoint interval", func(c *Config) { c.CheckpointInterval = -1 }},
		{"leap tolerance out of range", func(c *Config) { c.Stochastic.LeapTolerance = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(cfg)
			assert.ErrorIs(t, cfg.Validate(), dynamo.ErrConfiguration)
		})
	}
}

func TestApplyRejectsUnknownNames(t *testing.T) {
	m, err := models.Build("isomerization")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Formalisms = map[string]string{"forward": "sideways"}
	_, err = cfg.Apply(m)
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Fluxes = []FluxConfig{{Reaction: "nope"}}
	_, err = cfg.FluxSchedule(m)
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Fluxes = []FluxConfig{{Reaction: "forward", Lower: bound(2), Upper: bound(1)}}
	_, err = cfg.FluxSchedule(m)
	assert.ErrorIs(t, err, dynamo.ErrConfiguration)
}

func TestGetPreset(t *testing.T) {
	cfg := GetPreset("isomerization", "small")
	require.NotNil(t, cfg)
	assert.Equal(t, 20.0, cfg.Initial["A"])

	// presets are copies
	cfg.Initial["A"] = 1
	assert.Equal(t, 20.0, GetPreset("isomerization", "small").Initial["A"])

	assert.Nil(t, GetPreset("isomerization", "nonexistent"))
	assert.Nil(t, GetPreset("nonexistent", "small"))
}

func TestPresetsAreValid(t *testing.T) {
	for model := range Presets {
		for _, name := range ListPresets(model) {
			cfg := GetPreset(model, name)
			require.NoError(t, cfg.Validate(), "%s/%s", model, name)

			m, err := models.Build(model)
			require.NoError(t, err, model)
			m, err = cfg.Apply(m)
			require.NoError(t, err, "%s/%s", model, name)
			_, err = cfg.FluxSchedule(m)
			require.NoError(t, err, "%s/%s", model, name)
		}
	}
	assert.Nil(t, ListPresets("nonexistent"))
	assert.Equal(t, []string{"exact", "leaping", "small"}, ListPresets("isomerization"))
}
