// Package agent runs the polling loop: fetch the active rules, compare them
// with the last known set, and publish reference data when they changed or a
// previous publish has not yet succeeded.
package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/health"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
)

// Interval bounds. The interval must not be finer than the publisher's
// minute-granularity time bucket or intermediate rule sets could be overwritten.
const (
	DefaultInterval = 60 * time.Second
	MinInterval     = time.Minute
	DefaultName     = "default"
)

// Config configures an Agent.
type Config struct {
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Name labels logs and metrics when several agents share a process
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Name: DefaultName}
}

// Validate enforces the minimum polling interval.
func (c Config) Validate() error {
	if c.Interval < MinInterval {
		return errors.WrapInvalid(
			fmt.Errorf("%w: interval %v is below the %v bucket granularity", errors.ErrInvalidConfig, c.Interval, MinInterval),
			"Config", "Validate", "check interval")
	}
	return nil
}

// RuleFetcher returns the active rules in ascending ID order.
type RuleFetcher interface {
	FetchActiveRulesSortedByID(ctx context.Context) ([]rules.Rule, error)
}

// ReferencePublisher compiles and uploads a rule set as of at.
type ReferencePublisher interface {
	Publish(ctx context.Context, rs []rules.Rule, at time.Time) error
}

// State is the only mutable state of the pipeline. Each Agent owns its own.
type State struct {
	LastKnownRules []rules.Rule
	PublishPending bool
}

// StepResult reports what one iteration did.
type StepResult struct {
	CycleID          string
	FetchErr         error
	Changed          bool
	PublishAttempted bool
	PublishErr       error
}

// Published reports whether this step uploaded a new artifact.
func (r StepResult) Published() bool {
	return r.PublishAttempted && r.PublishErr == nil
}

// Err joins the fetch and publish failures of the step, if any.
func (r StepResult) Err() error {
	return stderrors.Join(r.FetchErr, r.PublishErr)
}

// Snapshot is a consistent copy of the agent's state for health reporting.
type Snapshot struct {
	Name                string
	Phase               Phase
	State               State
	Iterations          uint64
	ConsecutiveFailures int
	LastStep            time.Time
	LastFetch           time.Time
	LastPublish         time.Time
	LastError           error
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics enables agent metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *Agent) {
		a.registry = registry
	}
}

// WithClock replaces time.Now as the source of publish timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBaseline seeds LastKnownRules, e.g. with the set known to be published
// already, so an unchanged first fetch does not republish it.
func WithBaseline(rs []rules.Rule) Option {
	return func(a *Agent) {
		a.state.LastKnownRules = append([]rules.Rule(nil), rs...)
	}
}

// Agent is the polling state machine.
type Agent struct {
	name      string
	fetcher   RuleFetcher
	publisher ReferencePublisher
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *agentMetrics

	phase   atomic.Int32
	running atomic.Bool

	// Guards state and the bookkeeping below. Step itself is not concurrent;
	// the lock makes Snapshot safe from other goroutines.
	mu                  sync.Mutex
	state               State
	iterations          uint64
	consecutiveFailures int
	lastStep            time.Time
	lastFetch           time.Time
	lastPublish         time.Time
	lastError           error
}

// New creates an Agent. Config.Validate is not applied here so that tests can
// use sub-minute intervals; config loading validates production settings.
func New(fetcher RuleFetcher, publisher ReferencePublisher, cfg Config, opts ...Option) (*Agent, error) {
	if fetcher == nil || publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Agent", "New", "fetcher and publisher are required")
	}
	if cfg.Interval < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Agent", "New", "negative interval")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	a := &Agent{
		name:      cfg.Name,
		fetcher:   fetcher,
		publisher: publisher,
		interval:  cfg.Interval,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent", "agent", a.name)

	m, err := newAgentMetrics(a.registry, a.name)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Agent", "New", "register metrics")
	}
	a.metrics = m

	return a, nil
}

// Phase returns the current phase. Safe for concurrent use.
func (a *Agent) Phase() Phase {
	return Phase(a.phase.Load())
}

func (a *Agent) setPhase(p Phase) {
	a.phase.Store(int32(p))
	a.metrics.setPhase(p)
}

// Run loops until ctx is cancelled. Cancellation is observed at the top of
// each iteration and during the sleep; an iteration in flight always
// completes. Returns nil once stopped.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Agent", "Run", "start loop")
	}
	defer a.running.Store(false)

	a.logger.Info("Polling agent started", "interval", a.interval)

	for {
		if ctx.Err() != nil {
			a.stop()
			return nil
		}

		a.Step(ctx)

		a.setPhase(PhaseSleeping)
		if !a.sleep(ctx) {
			a.stop()
			return nil
		}
	}
}

func (a *Agent) stop() {
	a.setPhase(PhaseStopped)
	a.logger.Info("Polling agent stopped")
}

// sleep waits one interval. Returns false if ctx ended first.
func (a *Agent) sleep(ctx context.Context) bool {
	timer := time.NewTimer(a.interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Step runs one fetch, diff and conditional publish. Collaborators run with a
// context detached from ctx's cancellation so shutdown never interrupts a
// fetch or upload halfway; their own timeouts bound the step.
func (a *Agent) Step(ctx context.Context) StepResult {
	stepCtx := context.WithoutCancel(ctx)
	res := StepResult{CycleID: uuid.NewString()}
	log := a.logger.With("cycle_id", res.CycleID)

	a.setPhase(PhaseFetching)
	fetched, err := a.fetcher.FetchActiveRulesSortedByID(stepCtx)
	if err != nil {
		res.FetchErr = err
		a.metrics.recordFailure("fetch", err)
		log.Warn("Rule fetch failed, treating as no change",
			"error", err,
			"fault_class", errors.Classify(err).String())
	} else {
		a.setPhase(PhaseDiffing)
		res.Changed = a.diff(log, fetched)
	}

	pending, current := a.pending()
	if pending {
		a.setPhase(PhasePublishing)
		res.PublishAttempted = true
		res.PublishErr = a.publish(stepCtx, log, current)
	}

	a.finishStep(res)
	return res
}

func (a *Agent) diff(log *slog.Logger, fetched []rules.Rule) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastFetch = a.now()
	if rules.Equivalent(a.state.LastKnownRules, fetched) {
		return false
	}

	previous := a.state.LastKnownRules
	a.state.LastKnownRules = fetched
	a.state.PublishPending = true
	a.metrics.recordChange()
	a.metrics.setPending(true)

	log.Info("Rule set changed",
		"previous_count", len(previous),
		"current_count", len(fetched),
		"rule_ids", rules.IDs(fetched))
	if log.Enabled(context.Background(), slog.LevelDebug) {
		log.Debug("Rule set diff", "diff", rules.Diff(previous, fetched))
	}
	return true
}

func (a *Agent) pending() (bool, []rules.Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.PublishPending, append([]rules.Rule(nil), a.state.LastKnownRules...)
}

func (a *Agent) publish(ctx context.Context, log *slog.Logger, current []rules.Rule) error {
	at := a.now()
	err := a.publisher.Publish(ctx, current, at)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		a.metrics.recordFailure("publish", err)
		class := errors.Classify(err)
		if class == errors.ErrorFatal {
			// Retrying reproduces the fault until the rule data or the code changes
			log.Error("Publish aborted by contract violation, will retry next cycle",
				"error", err,
				"fault_class", class.String(),
				"rule_count", len(current))
		} else {
			log.Warn("Publish failed, will retry next cycle",
				"error", err,
				"fault_class", class.String())
		}
		return err
	}

	a.state.PublishPending = false
	a.lastPublish = at
	a.metrics.setPending(false)
	a.metrics.recordPublish(float64(at.Unix()))
	log.Info("Reference data published", "rule_count", len(current), "at", at.UTC())
	return nil
}

func (a *Agent) finishStep(res StepResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.iterations++
	a.lastStep = a.now()
	if err := res.Err(); err != nil {
		a.lastError = err
		a.consecutiveFailures++
	} else {
		a.lastError = nil
		a.consecutiveFailures = 0
	}
	a.metrics.recordIteration()
}

// Snapshot returns a copy of the agent's state and bookkeeping.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Snapshot{
		Name:  a.name,
		Phase: a.Phase(),
		State: State{
			LastKnownRules: append([]rules.Rule(nil), a.state.LastKnownRules...),
			PublishPending: a.state.PublishPending,
		},
		Iterations:          a.iterations,
		ConsecutiveFailures: a.consecutiveFailures,
		LastStep:            a.lastStep,
		LastFetch:           a.lastFetch,
		LastPublish:         a.lastPublish,
		LastError:           a.lastError,
	}
}

// Health reports the agent's health. A contract violation makes the agent
// unhealthy since it will not clear without intervention; transient failures
// only degrade it.
func (a *Agent) Health() health.Status {
	snap := a.Snapshot()
	component := "agent/" + snap.Name

	var status health.Status
	switch {
	case snap.LastError != nil && errors.IsFatal(snap.LastError):
		status = health.FromError(component, snap.LastError, true)
	case snap.LastError != nil:
		status = health.FromError(component, snap.LastError, false)
	case snap.Phase == PhaseStopped:
		status = health.NewUnhealthy(component, "stopped")
	default:
		status = health.NewHealthy(component, snap.Phase.String())
	}

	return status.WithMetrics(&health.Metrics{
		ErrorCount:   snap.ConsecutiveFailures,
		LastActivity: snap.LastStep,
		LastSuccess:  snap.LastPublish,
	})
}
