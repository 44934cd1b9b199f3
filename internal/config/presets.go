package config

import (
	"sort"
)

func preset(model string, edit func(c *Config)) *Config {
	c := DefaultConfig()
	c.Model = model
	edit(c)
	return c
}

func bound(v float64) *float64 { return &v }

var Presets = map[string]map[string]*Config{
	"isomerization": {
		"exact": preset("isomerization", func(c *Config) {
			c.EndTime = 50
		}),
		"leaping": preset("isomerization", func(c *Config) {
			c.EndTime = 50
			c.Formalisms = map[string]string{"forward": "leaping", "backward": "leaping"}
		}),
		"small": preset("isomerization", func(c *Config) {
			c.EndTime = 20
			c.Replicates = 50
			c.Initial = map[string]float64{"A": 20}
		}),
	},
	"decay": {
		"ode": preset("decay", func(c *Config) {
			c.EndTime = 10
		}),
		"stochastic": preset("decay", func(c *Config) {
			c.EndTime = 10
			c.Formalisms = map[string]string{"decay": "exact"}
			c.Replicates = 20
		}),
	},
	"chain": {
		"closed": preset("chain", func(c *Config) {
			c.EndTime = 30
			c.Continuous.Tolerance = 1e-8
		}),
		"blocked": preset("chain", func(c *Config) {
			c.EndTime = 30
			c.Fluxes = []FluxConfig{{Reaction: "convert1", Lower: bound(0), Upper: bound(0), From: 10, Until: 20}}
		}),
	},
	"gene_expression": {
		"default": preset("gene_expression", func(c *Config) {
			c.EndTime = 600
			c.MaxStep = 5
			c.OutputInterval = 5
		}),
		"starved": preset("gene_expression", func(c *Config) {
			c.EndTime = 600
			c.MaxStep = 5
			c.OutputInterval = 5
			c.Initial = map[string]float64{"glucose": 0.5, "atp": 0.5}
		}),
		"capped": preset("gene_expression", func(c *Config) {
			c.EndTime = 600
			c.MaxStep = 5
			c.OutputInterval = 5
			c.Fluxes = []FluxConfig{{Reaction: "glucose_uptake", Upper: bound(0.005)}}
		}),
	},
	"enzyme": {
		"exact": preset("enzyme", func(c *Config) {
			c.EndTime = 100
		}),
		"leaping": preset("enzyme", func(c *Config) {
			c.EndTime = 100
			c.Formalisms = map[string]string{"bind": "leaping", "unbind": "leaping", "catalyze": "leaping"}
		}),
	},
}

// GetPreset returns a copy of the named preset, or nil.
func GetPreset(model, preset string) *Config {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	cfg, ok := modelPresets[preset]
	if !ok {
		return nil
	}
	return cfg.Clone()
}

func ListPresets(model string) []string {
	modelPresets, ok := Presets[model]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
