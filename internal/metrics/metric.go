// Package metrics summarizes runs: per-run metrics observed at every
// commit, and prometheus collectors shared by all runs of a process.
package metrics

import "github.com/san-kum/cellforge/internal/state"

type Metric interface {
	Name() string
	Observe(snap *state.Snapshot)
	Value() float64
	Reset()
}
