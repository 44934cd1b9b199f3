package rng

import "math"

const poissonSmallMean = 30.0

// Poisson returns a Poisson variate with the given mean.
//
// Means below 30 use Knuth's product-of-uniforms method; larger means use
// Hörmann's transformed rejection (PTRS), which stays exact without the
// normal approximation.
func (s *Stream) Poisson(mean float64) int64 {
	switch {
	case !(mean > 0):
		return 0
	case mean < poissonSmallMean:
		return s.poissonKnuth(mean)
	default:
		return s.poissonPTRS(mean)
	}
}

func (s *Stream) poissonKnuth(mean float64) int64 {
	limit := exp(-mean)
	k := int64(0)
	p := s.Uniform()
	for p > limit {
		k++
		p *= s.Uniform()
	}
	return k
}

func (s *Stream) poissonPTRS(mean float64) int64 {
	slam := math.Sqrt(mean)
	logLam := ln(mean)
	b := 0.931 + float64(2.53*slam)
	a := -0.059 + float64(0.02483*b)
	invAlpha := 1.1239 + 1.1328/(b-3.4)
	vr := 0.9277 - 3.6224/(b-2)

	for {
		u := s.Uniform() - 0.5
		v := s.Uniform()
		us := 0.5 - math.Abs(u)
		k := math.Floor(float64((float64(2*a)/us+b)*u) + mean + 0.43)

		if us >= 0.07 && v <= vr {
			return int64(k)
		}
		if k < 0 || (us < 0.013 && v > us) {
			continue
		}
		accept := -mean + float64(k*logLam) - logFactorial(k)
		if ln(v)+ln(invAlpha)-ln(a/float64(us*us)+b) <= accept {
			return int64(k)
		}
	}
}
