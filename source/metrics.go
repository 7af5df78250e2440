package source

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/metric"
)

type sourceMetrics struct {
	fetches       *prometheus.CounterVec // by outcome
	fetchDuration prometheus.Histogram
	activeRules   prometheus.Gauge
}

func newSourceMetrics(registry *metric.MetricsRegistry) (*sourceMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &sourceMetrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Rule fetches by outcome",
		}, []string{"outcome"}), // ok, transport, status, parse

		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of rule fetches in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "active_rules",
			Help:      "Active rules returned by the last successful fetch",
		}),
	}

	if err := registry.RegisterCounterVec("source", "fetches", m.fetches); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("source", "fetch_duration", m.fetchDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("source", "active_rules", m.activeRules); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *sourceMetrics) recordFetch(outcome string, seconds float64) {
	if m != nil {
		m.fetches.WithLabelValues(outcome).Inc()
		m.fetchDuration.Observe(seconds)
	}
}

func (m *sourceMetrics) recordActive(n int) {
	if m != nil {
		m.activeRules.Set(float64(n))
	}
}
