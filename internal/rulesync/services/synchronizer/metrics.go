package synchronizer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sweep collectors.
type Metrics struct {
	sweeps   *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
	applied  *prometheus.GaugeVec
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and embedders usually want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesync_sweeps_total",
				Help: "Sweeps by result (ok, error, skipped).",
			},
			[]string{"result"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rulesync_sweep_outcomes_total",
				Help: "Per-domain sweep outcomes by backend.",
			},
			[]string{"backend", "outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rulesync_sweep_duration_seconds",
				Help:    "Wall time of completed sweeps.",
				Buckets: prometheus.DefBuckets,
			},
		),
		applied: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rulesync_applied_domains",
				Help: "Domains currently recorded as applied, by backend.",
			},
			[]string{"backend"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.sweeps, m.outcomes, m.duration, m.applied} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(r Report) {
	switch {
	case r.Skipped:
		m.sweeps.WithLabelValues("skipped").Inc()
		return
	case r.Err != nil:
		m.sweeps.WithLabelValues("error").Inc()
	default:
		m.sweeps.WithLabelValues("ok").Inc()
	}
	m.duration.Observe(r.Duration().Seconds())
	for _, e := range r.Entries {
		m.outcomes.WithLabelValues(e.Backend, string(e.Outcome)).Inc()
	}
}

func (m *Metrics) setApplied(backend string, n int) {
	m.applied.WithLabelValues(backend).Set(float64(n))
}
