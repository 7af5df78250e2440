package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/afero"

	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/natsclient"
	"github.com/c360/refdata/pkg/retry"
	"github.com/c360/refdata/storage"
)

// Store implements storage.Store on a JetStream object store bucket.
type Store struct {
	bucket  jetstream.ObjectStore
	name    string
	localFs afero.Fs
	logger  *slog.Logger
	metrics *storeMetrics
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	retry    retry.Config
	localFs  afero.Fs
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables per-operation metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithLocalFs sets the filesystem PutFile reads staged files from.
func WithLocalFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.localFs = fs
		}
	}
}

// WithRetry overrides the backoff used while ensuring the bucket exists.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		retry:   retry.Startup(),
		localFs: afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewStore gets or creates the configured bucket through client and wraps it.
// Bucket setup is retried with backoff since NATS may still be starting.
func NewStore(ctx context.Context, client *natsclient.Client, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Store", "NewStore", "check client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	bucket, err := retry.DoWithResult(ctx, o.retry, func() (jetstream.ObjectStore, error) {
		return client.CreateObjectStore(ctx, cfg.objectStoreConfig())
	})
	if err != nil {
		return nil, errors.Wrap(err, "Store", "NewStore", "ensure bucket "+cfg.BucketName)
	}

	return newStore(bucket, cfg.BucketName, o)
}

// NewStoreFromBucket wraps an already opened bucket.
func NewStoreFromBucket(bucket jetstream.ObjectStore, name string, opts ...Option) (*Store, error) {
	if bucket == nil {
		return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Store", "NewStoreFromBucket", "check bucket")
	}
	return newStore(bucket, name, buildOptions(opts))
}

func newStore(bucket jetstream.ObjectStore, name string, o options) (*Store, error) {
	m, err := newStoreMetrics(o.registry, name)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "New", "register metrics")
	}
	return &Store{
		bucket:  bucket,
		name:    name,
		localFs: o.localFs,
		logger:  o.logger.With("component", "objectstore", "bucket", name),
		metrics: m,
	}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.name
}

// PutFile streams the local file into the bucket under key, replacing any
// existing object of that name.
func (s *Store) PutFile(ctx context.Context, key, localPath string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("put_file", start, err) }()

	f, err := s.localFs.Open(localPath)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStagingFailed, err),
			"Store", "PutFile", "open staged file")
	}
	defer f.Close()

	return s.put(ctx, "PutFile", key, f)
}

// Put stores data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("put", start, err) }()

	return s.put(ctx, "Put", key, bytes.NewReader(data))
}

func (s *Store) put(ctx context.Context, method, key string, r io.Reader) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", method, "empty key")
	}

	info, err := s.bucket.Put(ctx, jetstream.ObjectMeta{Name: key}, r)
	if err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrUploadFailed, err), "Store", method, "put object "+key)
	}

	s.metrics.recordUpload(info.Size)
	s.logger.Debug("Stored object", "key", key, "size", info.Size)
	return nil
}

// Get returns the object stored under key.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("get", start, err) }()

	data, err := s.bucket.GetBytes(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "Store", "Get", "lookup "+key)
		}
		return nil, errors.WrapTransient(err, "Store", "Get", "get object "+key)
	}
	return data, nil
}

// List returns the keys that start with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) (_ []string, err error) {
	start := time.Now()
	defer func() { s.metrics.observe("list", start, err) }()

	infos, err := s.bucket.List(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoObjectsFound) {
			if prefix == "" {
				s.metrics.updateObjectCount(0)
			}
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "Store", "List", "list objects")
	}

	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Deleted {
			continue
		}
		if strings.HasPrefix(info.Name, prefix) {
			keys = append(keys, info.Name)
		}
	}
	sort.Strings(keys)

	if prefix == "" {
		s.metrics.updateObjectCount(len(keys))
	}
	return keys, nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.metrics.observe("delete", start, err) }()

	if err := s.bucket.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Store", "Delete", "delete object "+key)
	}
	return nil
}
