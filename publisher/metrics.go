package publisher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/metric"
)

// Publish outcomes used as metric labels.
const (
	outcomeOK       = "ok"
	outcomeContract = "contract"
	outcomeEncode   = "encode"
	outcomeStaging  = "staging"
	outcomeUpload   = "upload"
)

type publisherMetrics struct {
	publishes     *prometheus.CounterVec // by outcome
	duration      prometheus.Histogram
	artifactBytes prometheus.Gauge
	rules         prometheus.Gauge
}

func newPublisherMetrics(registry *metric.MetricsRegistry) (*publisherMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &publisherMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "publishes_total",
			Help:      "Publish attempts by outcome",
		}, []string{"outcome"}),

		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "publish_duration_seconds",
			Help:      "Time to compile, stage and upload the reference data",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		artifactBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "artifact_bytes",
			Help:      "Size of the last published artifact",
		}),

		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "publisher",
			Name:      "published_rules",
			Help:      "Compiled rules in the last published artifact",
		}),
	}

	if err := registry.RegisterCounterVec("publisher", "publishes", m.publishes); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("publisher", "duration", m.duration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("publisher", "artifact_bytes", m.artifactBytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("publisher", "rules", m.rules); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *publisherMetrics) recordOutcome(outcome string, seconds float64) {
	if m != nil {
		m.publishes.WithLabelValues(outcome).Inc()
		m.duration.Observe(seconds)
	}
}

func (m *publisherMetrics) recordArtifact(bytes, rules int) {
	if m != nil {
		m.artifactBytes.Set(float64(bytes))
		m.rules.Set(float64(rules))
	}
}
