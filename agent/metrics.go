package agent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
)

type agentMetrics struct {
	iterations     prometheus.Counter
	changes        prometheus.Counter
	failures       *prometheus.CounterVec // by stage and class
	publishPending prometheus.Gauge
	phase          prometheus.Gauge
	lastSuccess    prometheus.Gauge
	core           *metric.Metrics
}

func newAgentMetrics(registry *metric.MetricsRegistry, name string) (*agentMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"agent": name}
	m := &agentMetrics{
		core: registry.CoreMetrics(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "iterations_total",
			Help:        "Completed polling iterations",
			ConstLabels: labels,
		}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "changes_detected_total",
			Help:        "Fetches whose rule set differed from the last known set",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "failures_total",
			Help:        "Failed fetches and publishes by fault class",
			ConstLabels: labels,
		}, []string{"stage", "class"}),
		publishPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "publish_pending",
			Help:        "1 while a rule set is waiting to be published",
			ConstLabels: labels,
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "phase",
			Help:        "Current phase (0=idle 1=fetching 2=diffing 3=publishing 4=sleeping 5=stopped)",
			ConstLabels: labels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "agent",
			Name:        "last_publish_timestamp_seconds",
			Help:        "Unix time of the last successful publish",
			ConstLabels: labels,
		}),
	}

	owner := "agent_" + name
	if err := registry.RegisterCounter(owner, "iterations", m.iterations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "changes", m.changes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "publish_pending", m.publishPending); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "phase", m.phase); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "last_publish", m.lastSuccess); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *agentMetrics) recordIteration() {
	if m != nil {
		m.iterations.Inc()
	}
}

func (m *agentMetrics) recordChange() {
	if m != nil {
		m.changes.Inc()
	}
}

func (m *agentMetrics) recordFailure(stage string, err error) {
	if m != nil {
		m.failures.WithLabelValues(stage, errors.Classify(err).String()).Inc()
		m.core.RecordError("agent", err)
	}
}

func (m *agentMetrics) setPending(pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.publishPending.Set(1)
	} else {
		m.publishPending.Set(0)
	}
}

func (m *agentMetrics) setPhase(p Phase) {
	if m != nil {
		m.phase.Set(float64(p))
	}
}

func (m *agentMetrics) recordPublish(unixSeconds float64) {
	if m != nil {
		m.lastSuccess.Set(unixSeconds)
	}
}
