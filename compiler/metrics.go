package compiler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/metric"
)

type compilerMetrics struct {
	compiled prometheus.Counter
	faults   *prometheus.CounterVec // by kind
}

func newCompilerMetrics(registry *metric.MetricsRegistry) (*compilerMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &compilerMetrics{
		compiled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "compiler",
			Name:      "rules_compiled_total",
			Help:      "Total number of rules compiled into reference data records",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "compiler",
			Name:      "contract_faults_total",
			Help:      "Rules rejected because a calculation, operator or time period has no mapping",
		}, []string{"kind"}),
	}

	if err := registry.RegisterCounter("compiler", "rules_compiled", m.compiled); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("compiler", "contract_faults", m.faults); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *compilerMetrics) recordCompiled() {
	if m != nil {
		m.compiled.Inc()
	}
}

func (m *compilerMetrics) recordFault(kind string) {
	if m != nil {
		m.faults.WithLabelValues(kind).Inc()
	}
}
