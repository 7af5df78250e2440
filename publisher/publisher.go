// Package publisher compiles a rule set into reference data and uploads it to
// the object store under a date/time partitioned key.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/c360/refdata/compiler"
	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
	"github.com/c360/refdata/storage"
)

const stagingPattern = "refdata-*.json"

// Result describes one successful publish.
type Result struct {
	Key   string
	Rules int
	Bytes int
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithFs sets the filesystem used for staging. Defaults to the OS filesystem.
func WithFs(fs afero.Fs) Option {
	return func(p *Publisher) {
		if fs != nil {
			p.fs = fs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics enables publish metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(p *Publisher) {
		p.registry = registry
	}
}

// Publisher turns rule sets into uploaded reference data artifacts.
type Publisher struct {
	compiler *compiler.Compiler
	store    storage.Store
	cfg      Config
	fs       afero.Fs
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *publisherMetrics
}

// New creates a Publisher.
func New(store storage.Store, comp *compiler.Compiler, cfg Config, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrStorageUnavailable, "Publisher", "New", "check store")
	}
	if comp == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Publisher", "New", "check compiler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		compiler: comp,
		store:    store,
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher")

	if p.cfg.StagingDir == "" {
		p.cfg.StagingDir = os.TempDir()
	}
	if exists, _ := afero.DirExists(p.fs, p.cfg.StagingDir); !exists {
		if err := p.fs.MkdirAll(p.cfg.StagingDir, 0o700); err != nil {
			return nil, errors.WrapInvalid(err, "Publisher", "New", "create staging dir "+p.cfg.StagingDir)
		}
	}

	m, err := newPublisherMetrics(p.registry)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Publisher", "New", "register metrics")
	}
	p.metrics = m

	return p, nil
}

// Key returns the destination key for a publish at the given instant.
// The instant is converted to UTC first.
func (p *Publisher) Key(at time.Time) string {
	at = at.UTC()
	return path.Join(at.Format(p.cfg.DateLayout), at.Format(p.cfg.TimeLayout), p.cfg.FileName)
}

// Publish satisfies the agent's publisher contract.
func (p *Publisher) Publish(ctx context.Context, rs []rules.Rule, at time.Time) error {
	_, err := p.PublishResult(ctx, rs, at)
	return err
}

// PublishResult compiles rs, stages the JSON array in a temp file and uploads
// it. A contract fault from the compiler is returned unchanged so it stays
// classified fatal; staging and upload failures are transient.
func (p *Publisher) PublishResult(ctx context.Context, rs []rules.Rule, at time.Time) (Result, error) {
	start := time.Now()

	compiled, err := p.compiler.CompileAll(rs)
	if err != nil {
		p.metrics.recordOutcome(outcomeContract, time.Since(start).Seconds())
		return Result{}, err
	}

	data, err := encode(compiled)
	if err != nil {
		p.metrics.recordOutcome(outcomeEncode, time.Since(start).Seconds())
		return Result{}, errors.WrapFatal(err, "Publisher", "Publish", "encode reference data")
	}

	key := p.Key(at)
	if err := p.stageAndUpload(ctx, key, data); err != nil {
		outcome := outcomeUpload
		if stderrors.Is(err, errors.ErrStagingFailed) {
			outcome = outcomeStaging
		}
		p.metrics.recordOutcome(outcome, time.Since(start).Seconds())
		return Result{}, err
	}

	res := Result{Key: key, Rules: len(compiled), Bytes: len(data)}
	p.metrics.recordOutcome(outcomeOK, time.Since(start).Seconds())
	p.metrics.recordArtifact(res.Bytes, res.Rules)
	p.logger.Info("Published reference data", "key", key, "rules", res.Rules, "bytes", res.Bytes)

	return res, nil
}

// encode renders the records as an indented JSON array. HTML escaping is off
// so comparison operators in filter expressions stay readable.
func encode(compiled []compiler.CompiledRule) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(compiled); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// stageAndUpload writes data to a temp file and hands its path to the store.
// The temp file is removed on every path out of this function.
func (p *Publisher) stageAndUpload(ctx context.Context, key string, data []byte) error {
	f, err := afero.TempFile(p.fs, p.cfg.StagingDir, stagingPattern)
	if err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrStagingFailed, err), "Publisher", "Publish", "create staging file")
	}
	name := f.Name()
	defer func() {
		if rmErr := p.fs.Remove(name); rmErr != nil {
			p.logger.Warn("Failed to remove staging file", "path", name, "error", rmErr)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.WrapTransient(stderrors.Join(errors.ErrStagingFailed, err), "Publisher", "Publish", "write staging file")
	}
	if err := f.Close(); err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrStagingFailed, err), "Publisher", "Publish", "close staging file")
	}

	if err := p.store.PutFile(ctx, key, name); err != nil {
		var ce *errors.ClassifiedError
		if stderrors.As(err, &ce) {
			return errors.Wrap(err, "Publisher", "Publish", "upload "+key)
		}
		return errors.WrapTransient(stderrors.Join(errors.ErrUploadFailed, err), "Publisher", "Publish", "upload "+key)
	}
	return nil
}
