// Package objectstore implements storage.Store on a NATS JetStream object store bucket.
package objectstore

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/refdata/errors"
)

// Config holds the bucket settings used when the bucket has to be created.
type Config struct {
	// BucketName is the JetStream object store bucket
	BucketName string `json:"bucket_name" yaml:"bucket_name"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// MaxBytes caps the bucket size; 0 means unlimited
	MaxBytes int64 `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`

	// TTL expires objects after the given age; 0 keeps them forever
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	Replicas int `json:"replicas,omitempty" yaml:"replicas,omitempty"`

	// MemoryStorage keeps the bucket in memory instead of on disk
	MemoryStorage bool `json:"memory_storage,omitempty" yaml:"memory_storage,omitempty"`

	Compression bool `json:"compression,omitempty" yaml:"compression,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BucketName:  "REFDATA",
		Description: "Compiled alert rules for stream reference data",
		Replicas:    1,
	}
}

// Validate checks the configuration before a bucket is touched.
func (c Config) Validate() error {
	if c.BucketName == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "bucket_name is required")
	}
	if c.MaxBytes < 0 || c.TTL < 0 || c.Replicas < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative limit", errors.ErrInvalidConfig),
			"Config", "Validate", "check limits")
	}
	return nil
}

func (c Config) objectStoreConfig() jetstream.ObjectStoreConfig {
	cfg := jetstream.ObjectStoreConfig{
		Bucket:      c.BucketName,
		Description: c.Description,
		MaxBytes:    c.MaxBytes,
		TTL:         c.TTL,
		Replicas:    c.Replicas,
		Storage:     jetstream.FileStorage,
		Compression: c.Compression,
	}
	if c.MaxBytes == 0 {
		cfg.MaxBytes = -1
	}
	if c.MemoryStorage {
		cfg.Storage = jetstream.MemoryStorage
	}
	return cfg
}
