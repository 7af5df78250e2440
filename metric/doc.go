// Package metric provides the Prometheus registry shared by every component
// and the HTTP server that exposes it.
//
// Components never register with the global Prometheus registry. They take a
// *MetricsRegistry through a WithMetrics option and register their collectors
// under an owner name; registering the same owner and name twice is rejected
// as an invalid error rather than a panic. A nil registry disables metrics.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordBuildInfo(version)
//
//	srv := metric.NewServer(":9090", registry,
//	    metric.WithHandler("/healthz", monitor.Handler("refdata")))
//	g.Go(func() error { return srv.Run(ctx) })
//
// All metric names start with the "refdata" namespace. The core set covers
// build info, errors by component and fault class, and the NATS connection.
package metric
