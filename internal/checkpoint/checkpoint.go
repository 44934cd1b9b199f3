// Package checkpoint persists resumable run state.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/rng"
)

var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint is everything needed to continue a run after its last commit:
// the committed state, the stream position and the continuous step size.
type Checkpoint struct {
	RunID     string       `json:"run_id"`
	Model     string       `json:"model"`
	Replicate uint64       `json:"replicate"`
	Version   uint64       `json:"version"`
	Epoch     int          `json:"epoch"`
	Clock     float64      `json:"clock"`
	Species   []string     `json:"species"`
	Values    []float64    `json:"values"`
	Stream    rng.Position `json:"stream"`
	ODEStep   float64      `json:"ode_step"`
	// Config is the YAML run configuration the checkpoint was taken under.
	Config string `json:"config,omitempty"`
}

// Capture takes a checkpoint of c after its last commit.
func Capture(runID string, c *coordinator.Coordinator) Checkpoint {
	r := c.Capture()
	return Checkpoint{
		RunID:     runID,
		Model:     c.Model().Name,
		Replicate: c.Replicate(),
		Version:   r.Version,
		Epoch:     r.Epoch,
		Clock:     r.Clock,
		Species:   c.Model().SpeciesNames(),
		Values:    r.Values,
		Stream:    r.Stream,
		ODEStep:   r.ODEStep,
	}
}

// Resume converts the checkpoint back to coordinator form. The model must
// have the same species, in the same order.
func (cp Checkpoint) Resume(m *model.Model) (coordinator.Resume, error) {
	if cp.Model != m.Name {
		return coordinator.Resume{}, fmt.Errorf("%w: checkpoint is for model %q, not %q",
			dynamo.ErrConfiguration, cp.Model, m.Name)
	}
	if !slices.Equal(cp.Species, m.SpeciesNames()) {
		return coordinator.Resume{}, fmt.Errorf("%w: checkpoint species %v do not match model %v",
			dynamo.ErrConfiguration, cp.Species, m.SpeciesNames())
	}
	return coordinator.Resume{
		Version: cp.Version,
		Epoch:   cp.Epoch,
		Clock:   cp.Clock,
		Values:  dynamo.State(slices.Clone(cp.Values)),
		Stream:  cp.Stream,
		ODEStep: cp.ODEStep,
	}, nil
}

// Encode renders the checkpoint as indented JSON. Floats are written in
// shortest round-trip form so decoding restores them exactly.
func (cp Checkpoint) Encode() ([]byte, error) {
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return append(b, '\n'), nil
}

func Decode(b []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if len(cp.Species) != len(cp.Values) {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint has %d species and %d values",
			dynamo.ErrInvalidState, len(cp.Species), len(cp.Values))
	}
	return cp, nil
}
