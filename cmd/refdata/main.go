// Package main implements the refdata publisher: it polls the rule management
// API and publishes compiled alert rules as reference data.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/c360/refdata/agent"
	"github.com/c360/refdata/compiler"
	"github.com/c360/refdata/config"
	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/health"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/natsclient"
	"github.com/c360/refdata/pkg/retry"
	"github.com/c360/refdata/publisher"
	"github.com/c360/refdata/source"
	"github.com/c360/refdata/storage"
	"github.com/c360/refdata/storage/filestore"
	"github.com/c360/refdata/storage/objectstore"
)

// Build information, overridden with -ldflags at release time
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "refdata"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "fault_class", errors.Classify(err).String(), "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting refdata publisher",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"source", cfg.Source.BaseURL,
		"storage", cfg.Storage.Backend,
		"interval", cfg.Agent.Interval)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordBuildInfo(Version)

	a, err := buildApp(ctx, cfg, logger, registry, afero.NewOsFs())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Close failed", "error", err)
		}
	}()

	if cliCfg.Once {
		return a.runOnce(ctx)
	}
	return a.serve(ctx, cfg.HTTP.Addr, cliCfg.ShutdownTimeout)
}

// app wires the pipeline's collaborators together. fs is shared by the
// publisher's staging area and the store that reads staged files back.
type app struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	fs       afero.Fs
	monitor  *health.Monitor
	nats     *natsclient.Client
	store    storage.Store
	agent    *agent.Agent
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry, fs afero.Fs) (*app, error) {
	a := &app{
		logger:   logger,
		registry: registry,
		fs:       fs,
		monitor:  health.NewMonitor(),
	}

	store, err := a.setupStorage(ctx, cfg)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.store = store

	comp, err := compiler.New(
		compiler.WithAggregatePrefix(cfg.Compiler.AggregatePrefix),
		compiler.WithLogger(logger),
		compiler.WithMetrics(registry))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create compiler: %w", err))
	}

	pub, err := publisher.New(store, comp, cfg.Publisher,
		publisher.WithFs(a.fs),
		publisher.WithLogger(logger),
		publisher.WithMetrics(registry))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create publisher: %w", err))
	}

	src, err := source.New(cfg.Source,
		source.WithLogger(logger),
		source.WithMetrics(registry))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create source client: %w", err))
	}

	ag, err := agent.New(src, pub, cfg.Agent,
		agent.WithLogger(logger),
		agent.WithMetrics(registry))
	if err != nil {
		return nil, a.fail(fmt.Errorf("create agent: %w", err))
	}
	a.agent = ag
	a.monitor.Register("agent", ag.Health)

	return a, nil
}

func (a *app) fail(err error) error {
	_ = a.Close(context.Background())
	return err
}

func (a *app) setupStorage(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendFile:
		a.logger.Info("Using file storage", "dir", cfg.Storage.Dir)
		return filestore.New(a.fs, cfg.Storage.Dir,
			filestore.WithLocalFs(a.fs),
			filestore.WithLogger(a.logger))

	case config.StorageBackendNATS:
		client, err := connectToNATS(ctx, cfg.NATS, a.logger, a.registry)
		if err != nil {
			return nil, err
		}
		a.nats = client
		a.monitor.Register("nats", natsHealth(client))

		return objectstore.NewStore(ctx, client, cfg.Storage.ObjectStore,
			objectstore.WithLocalFs(a.fs),
			objectstore.WithLogger(a.logger),
			objectstore.WithMetrics(a.registry))

	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "main", "setupStorage", "unknown backend "+cfg.Storage.Backend)
	}
}

// connectToNATS establishes the NATS connection, retrying while the server comes up
func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithName(cfg.Name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithHealthChangeCallback(logNATSHealth(logger)),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	err = retry.Do(ctx, retry.Startup(), func() error {
		return client.Connect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

// logNATSHealth reports connection transitions; the health endpoint polls status separately
func logNATSHealth(logger *slog.Logger) func(healthy bool) {
	return func(healthy bool) {
		if healthy {
			logger.Info("NATS connection healthy")
			return
		}
		logger.Warn("NATS connection lost, reconnecting")
	}
}

func natsHealth(client *natsclient.Client) func() health.Status {
	return func() health.Status {
		status := client.Status()
		switch status {
		case natsclient.StatusConnected:
			return health.NewHealthy("nats", status.String())
		case natsclient.StatusReconnecting:
			return health.NewDegraded("nats", status.String())
		default:
			return health.NewUnhealthy("nats", status.String())
		}
	}
}

// runOnce performs a single step. Any fetch or publish failure fails the run.
func (a *app) runOnce(ctx context.Context) error {
	res := a.agent.Step(ctx)
	if err := res.Err(); err != nil {
		return fmt.Errorf("cycle %s: %w", res.CycleID, err)
	}
	a.logger.Info("Single run complete",
		"cycle_id", res.CycleID,
		"changed", res.Changed,
		"published", res.Published())
	return nil
}

// serve runs the agent and the metrics server until ctx is cancelled. After
// cancellation the agent gets shutdownTimeout to finish its iteration.
func (a *app) serve(ctx context.Context, httpAddr string, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.agent.Run(gctx)
	})

	if httpAddr != "" {
		srv := metric.NewServer(httpAddr, a.registry,
			metric.WithHandler("/healthz", a.monitor.Handler(appName)),
			metric.WithServerLogger(a.logger),
			metric.WithShutdownTimeout(shutdownTimeout))
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	}

	select {
	case err := <-done:
		if err == nil {
			a.logger.Info("Shutdown complete")
		}
		return err
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %v", shutdownTimeout)
	}
}

// Close releases the NATS connection, if any
func (a *app) Close(ctx context.Context) error {
	if a.nats == nil {
		return nil
	}
	return a.nats.Close(ctx)
}
