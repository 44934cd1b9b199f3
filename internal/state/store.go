// Package state holds the canonical species vector of a run.
//
// The [Store] publishes immutable, versioned [Snapshot] values. It has a
// single writer (the coordinator); any goroutine may read the current
// snapshot and keep it for as long as it likes.
package state

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/san-kum/cellforge/internal/dynamo"
)

// integralSlack is how far a discrete quantity may sit from an integer
// before it is treated as corrupt instead of rounding noise.
const integralSlack = 1e-9

type Snapshot struct {
	version uint64
	clock   float64
	values  dynamo.State
}

func (s *Snapshot) Version() uint64 { return s.version }
func (s *Snapshot) Clock() float64  { return s.clock }
func (s *Snapshot) Len() int        { return len(s.values) }
func (s *Snapshot) At(i int) float64 {
	return s.values[i]
}

// Values returns a private copy of the species vector.
func (s *Snapshot) Values() dynamo.State {
	return s.values.Clone()
}

// Delta is an additive change proposed against the snapshot at Base,
// ending at Clock.
type Delta struct {
	Base    uint64
	Clock   float64
	Changes dynamo.State
}

type Store struct {
	mu       sync.Mutex
	current  atomic.Pointer[Snapshot]
	history  []*Snapshot
	next     uint64
	discrete []bool
	retain   int
}

type Option func(*Store)

// WithDiscrete marks the species that must stay non-negative integers.
func WithDiscrete(mask []bool) Option {
	return func(s *Store) {
		s.discrete = append([]bool(nil), mask...)
	}
}

// WithRetention keeps at most n snapshots in history (0 keeps all).
// Current and previous are always kept.
func WithRetention(n int) Option {
	return func(s *Store) {
		s.retain = n
	}
}

// WithVersion starts the store at the given version, for resumed runs.
func WithVersion(v uint64) Option {
	return func(s *Store) {
		s.next = v
	}
}

// New creates a store whose first snapshot holds initial at clock.
func New(initial dynamo.State, clock float64, opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.discrete != nil && len(s.discrete) != len(initial) {
		return nil, fmt.Errorf("%w: discrete mask has %d entries for %d species",
			dynamo.ErrConfiguration, len(s.discrete), len(initial))
	}
	if math.IsNaN(clock) || math.IsInf(clock, 0) {
		return nil, fmt.Errorf("%w: initial clock %v", dynamo.ErrInvalidState, clock)
	}

	values := initial.Clone()
	if err := s.check(values); err != nil {
		return nil, err
	}

	snap := &Snapshot{version: s.next, clock: clock, values: values}
	s.next++
	s.history = []*Snapshot{snap}
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the current snapshot. Safe from any goroutine.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Commit applies d to the current snapshot and publishes the result.
func (s *Store) Commit(d Delta) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	if d.Base != cur.version {
		return nil, fmt.Errorf("%w: base %d, current %d", dynamo.ErrConflict, d.Base, cur.version)
	}
	if !(d.Clock > cur.clock) {
		return nil, fmt.Errorf("%w: %v after %v", dynamo.ErrClockRegression, d.Clock, cur.clock)
	}
	if len(d.Changes) != len(cur.values) {
		return nil, fmt.Errorf("%w: delta has %d entries, state has %d",
			dynamo.ErrInvalidState, len(d.Changes), len(cur.values))
	}

	values := cur.values.Add(d.Changes)
	if err := s.check(values); err != nil {
		return nil, err
	}

	snap := &Snapshot{version: s.next, clock: d.Clock, values: values}
	s.next++
	s.history = append(s.history, snap)
	s.current.Store(snap)
	s.pruneLocked(s.retain)
	return snap, nil
}

// RollbackTo makes a retained snapshot current again and drops everything
// committed after it. Version numbers are not reused.
func (s *Store) RollbackTo(version uint64) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, snap := range s.history {
		if snap.version == version {
			s.history = s.history[:i+1]
			s.current.Store(snap)
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: version %d is not retained", dynamo.ErrInvalidState, version)
}

func (s *Store) Get(version uint64) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range s.history {
		if snap.version == version {
			return snap, true
		}
	}
	return nil, false
}

// History returns the retained snapshots, oldest first.
func (s *Store) History() []*Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Snapshot(nil), s.history...)
}

// Prune drops all but the newest keep snapshots (never fewer than two).
func (s *Store) Prune(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(keep)
}

func (s *Store) pruneLocked(keep int) {
	if keep <= 0 {
		return
	}
	if keep < 2 {
		keep = 2
	}
	if extra := len(s.history) - keep; extra > 0 {
		s.history = append([]*Snapshot(nil), s.history[extra:]...)
	}
}

// check enforces quantity invariants in place, snapping discrete values
// that carry rounding noise back onto integers.
func (s *Store) check(values dynamo.State) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: species %d is %v", dynamo.ErrInvalidState, i, v)
		}
		if s.discrete != nil && s.discrete[i] {
			r := math.Round(v)
			if math.Abs(v-r) > integralSlack {
				return fmt.Errorf("%w: discrete species %d has fractional quantity %v",
					dynamo.ErrInvalidState, i, v)
			}
			v = r
			values[i] = r
		}
		if v < 0 {
			return fmt.Errorf("%w: species %d would be %v", dynamo.ErrNegativePopulation, i, v)
		}
	}
	return nil
}
