package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/c360/refdata/agent"
	"github.com/c360/refdata/compiler"
	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/publisher"
	"github.com/c360/refdata/source"
	"github.com/c360/refdata/storage/objectstore"
)

// Storage backends
const (
	StorageBackendNATS = "nats" // JetStream object store (production)
	StorageBackendFile = "file" // Local directory (development, tests)
)

const redacted = "***"

// Config represents the complete application configuration
type Config struct {
	Source    source.Config    `json:"source"`
	Agent     agent.Config     `json:"agent"`
	Compiler  CompilerConfig   `json:"compiler"`
	Publisher publisher.Config `json:"publisher"`
	Storage   StorageConfig    `json:"storage"`
	NATS      NATSConfig       `json:"nats"`
	HTTP      HTTPConfig       `json:"http"`
}

// CompilerConfig configures filter expression generation
type CompilerConfig struct {
	// AggregatePrefix must match the namespace the stream processor uses
	AggregatePrefix string `json:"aggregate_prefix"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Backend     string             `json:"backend"`
	Dir         string             `json:"dir,omitempty"` // file backend root
	ObjectStore objectstore.Config `json:"object_store"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	Name          string        `json:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	DrainTimeout  time.Duration `json:"drain_timeout,omitempty"`
	PingInterval  time.Duration `json:"ping_interval,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// HTTPConfig configures the metrics and health listener. An empty Addr
// disables it.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// Default returns the configuration every file layer is merged over.
// The source URL has no default.
func Default() *Config {
	return &Config{
		Source:    source.DefaultConfig(),
		Agent:     agent.DefaultConfig(),
		Compiler:  CompilerConfig{AggregatePrefix: compiler.DefaultAggregatePrefix},
		Publisher: publisher.DefaultConfig(),
		Storage: StorageConfig{
			Backend:     StorageBackendNATS,
			ObjectStore: objectstore.DefaultConfig(),
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "refdata",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
			DrainTimeout:  30 * time.Second,
			PingInterval:  30 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":9090"},
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}
	if err := c.Agent.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}
	if strings.TrimSpace(c.Compiler.AggregatePrefix) == "" {
		errs = append(errs, fmt.Errorf("compiler: %w: aggregate_prefix is required", errors.ErrMissingConfig))
	}
	if err := c.Publisher.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	errs = append(errs, c.validateStorage()...)
	if err := c.validateHTTP(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Config", "Validate", "validate configuration")
	}
	return nil
}

func (c *Config) validateStorage() []error {
	switch c.Storage.Backend {
	case StorageBackendFile:
		if c.Storage.Dir == "" {
			return []error{fmt.Errorf("storage: %w: dir is required for the file backend", errors.ErrMissingConfig)}
		}
		return nil
	case StorageBackendNATS:
		var errs []error
		if err := c.Storage.ObjectStore.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.object_store: %w", err))
		}
		if len(c.NATS.URLs) == 0 {
			errs = append(errs, fmt.Errorf("nats: %w: urls are required for the nats backend", errors.ErrMissingConfig))
		}
		if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
			errs = append(errs, fmt.Errorf("nats.tls: %w: cert_file and key_file must be set together", errors.ErrInvalidConfig))
		}
		return errs
	default:
		return []error{fmt.Errorf("storage: %w: unknown backend %q", errors.ErrInvalidConfig, c.Storage.Backend)}
	}
}

func (c *Config) validateHTTP() error {
	if c.HTTP.Addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
		return fmt.Errorf("http: %w: addr %q: %v", errors.ErrInvalidConfig, c.HTTP.Addr, err)
	}
	return nil
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	if cp.NATS.Password != "" {
		cp.NATS.Password = redacted
	}
	if cp.NATS.Token != "" {
		cp.NATS.Token = redacted
	}
	if len(c.Source.Headers) > 0 {
		cp.Source.Headers = make(map[string]string, len(c.Source.Headers))
		for k := range c.Source.Headers {
			cp.Source.Headers[k] = redacted
		}
	}
	return &cp
}

// String returns the redacted configuration as indented JSON
func (c *Config) String() string {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
