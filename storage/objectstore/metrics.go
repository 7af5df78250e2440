package objectstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/refdata/metric"
)

// storeMetrics holds Prometheus metrics for object store operations.
type storeMetrics struct {
	operations    *prometheus.CounterVec   // by operation
	latency       *prometheus.HistogramVec // by operation
	errors        *prometheus.CounterVec   // by operation
	uploadedBytes prometheus.Counter
	objectCount   prometheus.Gauge
}

func newStoreMetrics(registry *metric.MetricsRegistry, bucket string) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	labels := prometheus.Labels{"bucket": bucket}
	m := &storeMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operations_total",
			Help:        "Total number of object store operations",
			ConstLabels: labels,
		}, []string{"operation"}), // put_file, put, get, list, delete

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_duration_seconds",
			Help:        "Object store operation duration in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"operation"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "operation_errors_total",
			Help:        "Total number of failed object store operations",
			ConstLabels: labels,
		}, []string{"operation"}),

		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "uploaded_bytes_total",
			Help:        "Total bytes written to the bucket",
			ConstLabels: labels,
		}),

		objectCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "objectstore",
			Name:        "object_count",
			Help:        "Number of objects seen by the last unfiltered list",
			ConstLabels: labels,
		}),
	}

	owner := "objectstore_" + bucket
	if err := registry.RegisterCounterVec(owner, "operations", m.operations); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec(owner, "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(owner, "errors", m.errors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "uploaded_bytes", m.uploadedBytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(owner, "object_count", m.objectCount); err != nil {
		return nil, err
	}

	return m, nil
}

// observe records one operation and its outcome.
func (m *storeMetrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

func (m *storeMetrics) recordUpload(bytes uint64) {
	if m != nil {
		m.uploadedBytes.Add(float64(bytes))
	}
}

func (m *storeMetrics) updateObjectCount(count int) {
	if m != nil {
		m.objectCount.Set(float64(count))
	}
}
