package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are process-wide run counters. A nil *Collectors is valid and
// records nothing.
type Collectors struct {
	epochs       prometheus.Counter
	epochSpan    prometheus.Histogram
	fallbacks    prometheus.Counter
	leapRetries  prometheus.Counter
	truncations  prometheus.Counter
	rejected     prometheus.Counter
	conflicts    prometheus.Counter
	excursions   prometheus.Counter
	clamps       *prometheus.CounterVec
	clock        *prometheus.GaugeVec
	terminations *prometheus.CounterVec
}

func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "epochs_total",
			Help: "Committed epochs.",
		}),
		epochSpan: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellforge", Name: "epoch_span",
			Help:    "Simulated time covered by committed epochs.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 10, 8),
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "leap_fallbacks_total",
			Help: "Epochs where leaping reactions were simulated exactly.",
		}),
		leapRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "leap_retries_total",
			Help: "Leaps halved and redrawn after overdrawing a species.",
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "epoch_truncations_total",
			Help: "Reconciliation rounds that shortened an epoch.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "epochs_rejected_total",
			Help: "Epochs rolled back by a validator.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "commit_conflicts_total",
			Help: "Commits retried against a fresh snapshot.",
		}),
		excursions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "negative_excursions_total",
			Help: "Continuous species clamped from a significant negative value.",
		}),
		clamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "flux_clamps_total",
			Help: "Epochs where a flux bound overrode a reaction rate.",
		}, []string{"reaction"}),
		clock: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cellforge", Name: "clock",
			Help: "Simulated time of the last commit.",
		}, []string{"replicate"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellforge", Name: "terminations_total",
			Help: "Finished runs by reason.",
		}, []string{"reason"}),
	}

	for _, col := range []prometheus.Collector{
		c.epochs, c.epochSpan, c.fallbacks, c.leapRetries, c.truncations,
		c.rejected, c.conflicts, c.excursions, c.clamps, c.clock, c.terminations,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) Epoch(replicate uint64, clock, span float64) {
	if c == nil {
		return
	}
	c.epochs.Inc()
	c.epochSpan.Observe(span)
	c.clock.WithLabelValues(strconv.FormatUint(replicate, 10)).Set(clock)
}

func (c *Collectors) Fallback() {
	if c == nil {
		return
	}
	c.fallbacks.Inc()
}

func (c *Collectors) LeapRetries(n int) {
	if c == nil || n == 0 {
		return
	}
	c.leapRetries.Add(float64(n))
}

func (c *Collectors) Truncated() {
	if c == nil {
		return
	}
	c.truncations.Inc()
}

func (c *Collectors) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}

func (c *Collectors) Conflict() {
	if c == nil {
		return
	}
	c.conflicts.Inc()
}

func (c *Collectors) Excursions(n int) {
	if c == nil || n == 0 {
		return
	}
	c.excursions.Add(float64(n))
}

func (c *Collectors) Clamp(reaction string) {
	if c == nil {
		return
	}
	c.clamps.WithLabelValues(reaction).Inc()
}

func (c *Collectors) Terminated(reason string) {
	if c == nil {
		return
	}
	c.terminations.WithLabelValues(reason).Inc()
}
