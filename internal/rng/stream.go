// Package rng provides the deterministic random streams used by the
// stochastic engine.
//
// Every stream is a PCG generator keyed by (seed, stream index). Streams
// derived from the same run seed with different replicate indices are
// independent, and a stream can be reconstructed mid-run from its
// [Position] alone. A seed and call sequence give the same variates, bit
// for bit, on every architecture.
package rng

import (
	"math"
	"math/rand/v2"
)

// Position identifies a point in a stream: the generator key plus the
// number of 64-bit words drawn so far.
type Position struct {
	Seed   uint64 `json:"seed"`
	Stream uint64 `json:"stream"`
	Draws  uint64 `json:"draws"`
}

type countingSource struct {
	pcg   *rand.PCG
	draws uint64
}

func (c *countingSource) Uint64() uint64 {
	c.draws++
	return c.pcg.Uint64()
}

// Stream is not safe for concurrent use. Each engine owns its own.
type Stream struct {
	seed   uint64
	stream uint64
	src    *countingSource
	r      *rand.Rand
}

// Seeded returns stream 0 of seed.
func Seeded(seed uint64) *Stream {
	return Derive(seed, 0)
}

// Derive returns the stream for a replicate (or any other sub-run) of a
// run seeded with seed.
func Derive(seed, stream uint64) *Stream {
	src := &countingSource{pcg: rand.NewPCG(seed, stream)}
	return &Stream{
		seed:   seed,
		stream: stream,
		src:    src,
		r:      rand.New(src),
	}
}

// Resume reconstructs a stream at p by replaying its draws.
func Resume(p Position) *Stream {
	s := Derive(p.Seed, p.Stream)
	for i := uint64(0); i < p.Draws; i++ {
		s.src.Uint64()
	}
	return s
}

func (s *Stream) Position() Position {
	return Position{Seed: s.seed, Stream: s.stream, Draws: s.src.draws}
}

// Uniform returns a variate in the open interval (0, 1).
func (s *Stream) Uniform() float64 {
	for {
		if u := s.r.Float64(); u > 0 {
			return u
		}
	}
}

// Exp returns an exponential variate with the given rate. A non-positive
// rate means the event never happens.
func (s *Stream) Exp(rate float64) float64 {
	if !(rate > 0) {
		return math.Inf(1)
	}
	return -ln(s.Uniform()) / rate
}

// Pick returns index i with probability weights[i]/total. total must be the
// sum of weights; zero weights are never picked.
func (s *Stream) Pick(weights []float64, total float64) int {
	target := s.Uniform() * total
	last := -1
	acc := 0.0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		acc += w
		last = i
		if target < acc {
			return i
		}
	}
	// rounding can leave target marginally above the running sum
	return last
}
