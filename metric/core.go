package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/errors"
)

// Namespace prefixes every metric exported by the process.
const Namespace = "refdata"

// Metrics contains process-wide metrics shared by all components
type Metrics struct {
	BuildInfo *prometheus.GaugeVec
	Errors    *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "build_info",
				Help:      "Build information, always 1",
			},
			[]string{"version"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and fault class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BuildInfo,
		c.Errors,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordBuildInfo publishes the running version
func (c *Metrics) RecordBuildInfo(version string) {
	c.BuildInfo.WithLabelValues(version).Set(1)
}

// RecordError counts err against component, labelled with its fault class
func (c *Metrics) RecordError(component string, err error) {
	if err == nil {
		return
	}
	c.Errors.WithLabelValues(component, errors.Classify(err).String()).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	c.NATSCircuitBreaker.Set(value)
}
