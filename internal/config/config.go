package config

import (
	"fmt"
	"math"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/fba"
	"github.com/san-kum/cellforge/internal/model"
)

const (
	DefaultEndTime        = 10.0
	DefaultMaxStep        = 1.0
	DefaultOutputInterval = 0.1
	DefaultSolver         = "rk45"
	DefaultLogLevel       = "info"

	// EnvPrefix namespaces every environment override.
	EnvPrefix = "CELLFORGE_"
)

type Config struct {
	Model              string  `yaml:"model"               env:"MODEL"`
	Seed               uint64  `yaml:"seed"                env:"SEED"`
	Replicate          uint64  `yaml:"replicate"           env:"REPLICATE"`
	EndTime            float64 `yaml:"end_time"            env:"END_TIME"`
	MaxStep            float64 `yaml:"max_step"            env:"MAX_STEP"`
	OutputInterval     float64 `yaml:"output_interval"     env:"OUTPUT_INTERVAL"`
	Solver             string  `yaml:"solver"              env:"SOLVER"`
	Replicates         int     `yaml:"replicates"          env:"REPLICATES"`
	Workers            int     `yaml:"workers"             env:"WORKERS"`
	RetainSnapshots    int     `yaml:"retain_snapshots"    env:"RETAIN_SNAPSHOTS"`
	CheckpointInterval float64 `yaml:"checkpoint_interval" env:"CHECKPOINT_INTERVAL"`
	CheckpointDB       string  `yaml:"checkpoint_db"       env:"CHECKPOINT_DB"`
	RunsDir            string  `yaml:"runs_dir"            env:"RUNS_DIR"`
	LogLevel           string  `yaml:"log_level"           env:"LOG_LEVEL"`

	Stochastic StochasticConfig `yaml:"stochastic" envPrefix:"STOCHASTIC_"`
	Continuous ContinuousConfig `yaml:"continuous" envPrefix:"CONTINUOUS_"`

	Initial    map[string]float64 `yaml:"initial,omitempty"`
	Formalisms map[string]string  `yaml:"formalisms,omitempty"`
	Fluxes     []FluxConfig       `yaml:"fluxes,omitempty"`
}

type StochasticConfig struct {
	LeapTolerance float64 `yaml:"leap_tolerance" env:"LEAP_TOLERANCE"`
	MinLeap       float64 `yaml:"min_leap"       env:"MIN_LEAP"`
	LeapRetries   int     `yaml:"leap_retries"   env:"LEAP_RETRIES"`
	LeapProbes    int     `yaml:"leap_probes"    env:"LEAP_PROBES"`
}

type ContinuousConfig struct {
	Tolerance         float64 `yaml:"tolerance"          env:"TOLERANCE"`
	AbsTolerance      float64 `yaml:"abs_tolerance"      env:"ABS_TOLERANCE"`
	MinStep           float64 `yaml:"min_step"           env:"MIN_STEP"`
	InitialStep       float64 `yaml:"initial_step"       env:"INITIAL_STEP"`
	MaxSteps          int     `yaml:"max_steps"          env:"MAX_STEPS"`
	NegativeTolerance float64 `yaml:"negative_tolerance" env:"NEGATIVE_TOLERANCE"`
}

// FluxConfig bounds a reaction's rate over [from, until). A missing bound
// is unbounded on that side and a zero until never ends.
type FluxConfig struct {
	Reaction string   `yaml:"reaction"`
	Lower    *float64 `yaml:"lower,omitempty"`
	Upper    *float64 `yaml:"upper,omitempty"`
	From     float64  `yaml:"from,omitempty"`
	Until    float64  `yaml:"until,omitempty"`
}

func DefaultConfig() *Config {
	d := dynamo.DefaultConfig()
	return &Config{
		Model:          "isomerization",
		Seed:           1,
		EndTime:        DefaultEndTime,
		MaxStep:        DefaultMaxStep,
		OutputInterval: DefaultOutputInterval,
		Solver:         DefaultSolver,
		Replicates:     1,
		CheckpointDB:   "cellforge.db",
		RunsDir:        "runs",
		LogLevel:       DefaultLogLevel,
		Stochastic: StochasticConfig{
			LeapTolerance: d.LeapTolerance,
			MinLeap:       d.MinLeap,
			LeapRetries:   d.LeapRetries,
			LeapProbes:    d.LeapProbes,
		},
		Continuous: ContinuousConfig{
			Tolerance:         d.ODETolerance,
			AbsTolerance:      d.ODEAbsTolerance,
			MinStep:           d.MinODEStep,
			InitialStep:       d.InitialODEStep,
			MaxSteps:          d.MaxODESteps,
			NegativeTolerance: d.NegativeTolerance,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", dynamo.ErrConfiguration, path, err)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Parse decodes a YAML document over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", dynamo.ErrConfiguration, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CELLFORGE_* variables. Unset variables
// leave the field as it is.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("%w: parse env: %w", dynamo.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) Clone() *Config {
	out := *c
	if c.Initial != nil {
		out.Initial = make(map[string]float64, len(c.Initial))
		for k, v := range c.Initial {
			out.Initial[k] = v
		}
	}
	if c.Formalisms != nil {
		out.Formalisms = make(map[string]string, len(c.Formalisms))
		for k, v := range c.Formalisms {
			out.Formalisms[k] = v
		}
	}
	out.Fluxes = append([]FluxConfig(nil), c.Fluxes...)
	return &out
}

// Engine maps the run settings to the engine configuration.
func (c *Config) Engine() dynamo.Config {
	d := dynamo.DefaultConfig()
	d.EndTime = c.EndTime
	d.MaxStep = c.MaxStep
	d.RetainSnapshots = c.RetainSnapshots
	d.LeapTolerance = c.Stochastic.LeapTolerance
	d.MinLeap = c.Stochastic.MinLeap
	d.LeapRetries = c.Stochastic.LeapRetries
	d.LeapProbes = c.Stochastic.LeapProbes
	d.ODETolerance = c.Continuous.Tolerance
	d.ODEAbsTolerance = c.Continuous.AbsTolerance
	d.MinODEStep = c.Continuous.MinStep
	d.InitialODEStep = c.Continuous.InitialStep
	d.MaxODESteps = c.Continuous.MaxSteps
	d.NegativeTolerance = c.Continuous.NegativeTolerance
	return d
}

// Validate checks the settings the engine configuration does not cover.
func (c *Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	switch {
	case c.Model == "":
		return fmt.Errorf("%w: model is required", dynamo.ErrConfiguration)
	case c.OutputInterval < 0:
		return fmt.Errorf("%w: output interval must not be negative", dynamo.ErrConfiguration)
	case c.CheckpointInterval < 0:
		return fmt.Errorf("%w: checkpoint interval must not be negative", dynamo.ErrConfiguration)
	case c.Replicates < 1:
		return fmt.Errorf("%w: replicates must be at least 1, got %d", dynamo.ErrConfiguration, c.Replicates)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers must not be negative", dynamo.ErrConfiguration)
	}
	return nil
}

// Apply returns m with the initial-quantity and formalism overrides.
func (c *Config) Apply(m *model.Model) (*model.Model, error) {
	if len(c.Initial) == 0 && len(c.Formalisms) == 0 {
		return m, nil
	}
	formalisms := make(map[string]model.Formalism, len(c.Formalisms))
	for name, tag := range c.Formalisms {
		f, err := model.ParseFormalism(tag)
		if err != nil {
			return nil, fmt.Errorf("reaction %q: %w", name, err)
		}
		formalisms[name] = f
	}
	return m.Override(c.Initial, formalisms)
}

// FluxSchedule resolves the flux windows against m. It returns nil when
// no fluxes are configured.
func (c *Config) FluxSchedule(m *model.Model) (fba.Provider, error) {
	if len(c.Fluxes) == 0 {
		return nil, nil
	}
	windows := make([]fba.Window, 0, len(c.Fluxes))
	for _, f := range c.Fluxes {
		j, ok := m.ReactionIndex(f.Reaction)
		if !ok {
			return nil, fmt.Errorf("%w: flux bound for unknown reaction %q", dynamo.ErrConfiguration, f.Reaction)
		}
		w := fba.Window{Reaction: j, Bound: fba.Unbounded, From: f.From, Until: f.Until}
		if f.Lower != nil {
			w.Bound.Lower = *f.Lower
		}
		if f.Upper != nil {
			w.Bound.Upper = *f.Upper
		}
		if w.Until == 0 {
			w.Until = math.Inf(1)
		}
		windows = append(windows, w)
	}
	sched, err := fba.NewSchedule(windows...)
	if err != nil {
		return nil, err
	}
	return sched, nil
}
