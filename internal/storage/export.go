package storage

import (
	"encoding/json"
	"io"

	"github.com/san-kum/cellforge/internal/sim"
)

type ExportData struct {
	Model   string             `json:"model"`
	Seed    uint64             `json:"seed"`
	Status  string             `json:"status"`
	Species []string           `json:"species"`
	Times   []float64          `json:"times"`
	States  [][]float64        `json:"states"`
	Metrics map[string]float64 `json:"metrics"`
}

// ExportJSON writes a run's trajectory and metrics as one JSON document.
func ExportJSON(w io.Writer, model string, seed uint64, res *sim.Result) error {
	data := ExportData{
		Model:   model,
		Seed:    seed,
		Status:  res.Status.Status.String(),
		Species: res.Final.Species,
		Metrics: res.Metrics,
	}
	if res.Trajectory != nil {
		data.Times = res.Trajectory.Times
		data.States = make([][]float64, len(res.Trajectory.States))
		for i, x := range res.Trajectory.States {
			data.States[i] = x
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// ExportRecord writes a saved run in the same layout as ExportJSON.
func ExportRecord(w io.Writer, meta *RunMetadata, species []string, times []float64, states [][]float64) error {
	data := ExportData{
		Model:   meta.Model,
		Seed:    meta.Seed,
		Status:  meta.Status,
		Species: species,
		Times:   times,
		States:  states,
		Metrics: meta.Metrics,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
