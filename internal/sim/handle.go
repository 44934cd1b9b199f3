// Package sim is the host binding: it creates runs, steps them, and runs
// replicate ensembles with bounded concurrency.
package sim

import (
	"context"
	"fmt"

	"github.com/san-kum/cellforge/internal/coordinator"
	"github.com/san-kum/cellforge/internal/dynamo"
	"github.com/san-kum/cellforge/internal/model"
	"github.com/san-kum/cellforge/internal/state"
)

type Status int

const (
	Running Status = iota
	Terminated
	Failed
)

func (s Status) String() string {
	switch s {
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	}
	return "running"
}

// RunStatus reports Running, Terminated with a reason, or Failed with an
// error kind.
type RunStatus struct {
	Status Status
	Reason coordinator.Reason
	Kind   dynamo.ErrorKind
	Err    error
	Epoch  int
	Clock  float64
}

func (s RunStatus) String() string {
	switch s.Status {
	case Terminated:
		return fmt.Sprintf("terminated (%s) at t=%g after %d epochs", s.Reason, s.Clock, s.Epoch)
	case Failed:
		return fmt.Sprintf("failed (%s) at t=%g: %v", s.Kind, s.Clock, s.Err)
	}
	return fmt.Sprintf("running at t=%g, epoch %d", s.Clock, s.Epoch)
}

// StateView is a named, read-only copy of a snapshot.
type StateView struct {
	Version uint64
	Clock   float64
	Species []string
	Values  dynamo.State
}

func (v StateView) Get(name string) (float64, bool) {
	for i, s := range v.Species {
		if s == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

func viewOf(m *model.Model, snap *state.Snapshot) StateView {
	return StateView{
		Version: snap.Version(),
		Clock:   snap.Clock(),
		Species: m.SpeciesNames(),
		Values:  snap.Values(),
	}
}

type Handle struct {
	c *coordinator.Coordinator
}

// CreateRun validates the model and prepares a run ready to step.
func CreateRun(m *model.Model, seed uint64, cfg dynamo.Config, opts ...coordinator.Option) (*Handle, error) {
	c, err := coordinator.New(m, seed, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Handle{c: c}, nil
}

// Step advances one epoch.
func (h *Handle) Step(ctx context.Context) RunStatus {
	// the error is carried by the status; stepping a finished run is a no-op
	_ = h.c.Step(ctx)
	return h.Status()
}

// Run steps until the run terminates.
func (h *Handle) Run(ctx context.Context) RunStatus {
	_ = h.c.Run(ctx)
	return h.Status()
}

func (h *Handle) Status() RunStatus {
	snap := h.c.Snapshot()
	st := RunStatus{Epoch: h.c.Epoch(), Clock: snap.Clock()}
	switch {
	case h.c.Err() != nil:
		st.Status = Failed
		st.Err = h.c.Err()
		st.Kind = dynamo.KindOf(st.Err)
		st.Reason = coordinator.ReasonError
	case h.c.Done():
		st.Status = Terminated
		st.Reason = h.c.Reason()
	}
	return st
}

func (h *Handle) Snapshot() StateView {
	return viewOf(h.c.Model(), h.c.Snapshot())
}

// Terminate stops the run before its next epoch. Safe from any goroutine.
func (h *Handle) Terminate() {
	h.c.Terminate()
}

// Record attaches a recorder sampling from the current state onward.
func (h *Handle) Record(interval float64) *Recorder {
	rec := NewRecorder(interval, h.c.Snapshot())
	h.c.AddObserver(rec)
	return rec
}

// Result collects the run's outcome. traj may be nil.
func (h *Handle) Result(traj *Recorder) *Result {
	return &Result{
		Replicate:  h.c.Replicate(),
		Status:     h.Status(),
		Final:      h.Snapshot(),
		Trajectory: traj,
		Metrics:    h.c.Metrics(),
		Stats:      h.c.Stats(),
	}
}

func (h *Handle) Coordinator() *coordinator.Coordinator {
	return h.c
}
