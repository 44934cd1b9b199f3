package dynamo

import (
	"context"
	"errors"
	"fmt"
)

// Domain errors for simulation operations.
var (
	// ErrConflict indicates a commit against a snapshot that is no longer current.
	ErrConflict = errors.New("dynamo: stale commit (base version is not current)")

	// ErrClockRegression indicates a commit whose clock does not move forward.
	ErrClockRegression = errors.New("dynamo: commit clock does not advance")

	// ErrNegativePopulation indicates a proposed change drives a quantity below zero.
	ErrNegativePopulation = errors.New("dynamo: negative population")

	// ErrStiffness indicates the adaptive ODE step fell below its floor.
	ErrStiffness = errors.New("dynamo: adaptive timestep below minimum (stiff system)")

	// ErrConstraintViolation indicates a rate outside its flux bounds.
	ErrConstraintViolation = errors.New("dynamo: flux bound violated")

	// ErrConfiguration indicates malformed model or run configuration.
	ErrConfiguration = errors.New("dynamo: invalid configuration")

	// ErrInvalidState indicates a state vector with invalid dimensions or values.
	ErrInvalidState = errors.New("dynamo: invalid state")

	// ErrTerminated indicates an operation on a run that has already terminated.
	ErrTerminated = errors.New("dynamo: run terminated")
)

// ErrorKind classifies fatal errors for the host binding layer.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindConflict
	KindNegativePopulation
	KindStiffness
	KindConstraintViolation
	KindConfiguration
	KindInvalidState
	KindCanceled
	KindInternal
)

var kindNames = map[ErrorKind]string{
	KindNone:                "none",
	KindConflict:            "conflict",
	KindNegativePopulation:  "negative_population",
	KindStiffness:           "stiffness",
	KindConstraintViolation: "constraint_violation",
	KindConfiguration:       "configuration",
	KindInvalidState:        "invalid_state",
	KindCanceled:            "canceled",
	KindInternal:            "internal",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf maps an error chain onto its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConflict), errors.Is(err, ErrClockRegression):
		return KindConflict
	case errors.Is(err, ErrNegativePopulation):
		return KindNegativePopulation
	case errors.Is(err, ErrStiffness):
		return KindStiffness
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrTerminated), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindInternal
}

// SimulationError wraps an error with simulation context.
type SimulationError struct {
	Epoch   int
	Time    float64
	Wrapped error
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("epoch %d (t=%.6g): %v", e.Epoch, e.Time, e.Wrapped)
}

func (e *SimulationError) Unwrap() error {
	return e.Wrapped
}
