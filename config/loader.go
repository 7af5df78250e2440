package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/c360/refdata/errors"
)

// DefaultEnvPrefix prefixes every environment override, e.g. REFDATA_SOURCE_URL.
const DefaultEnvPrefix = "REFDATA"

// durationPaths lists the keys that accept duration strings such as "60s".
var durationPaths = [][]string{
	{"source", "timeout"},
	{"agent", "interval"},
	{"nats", "reconnect_wait"},
	{"nats", "timeout"},
	{"nats", "drain_timeout"},
	{"nats", "ping_interval"},
	{"storage", "object_store", "ttl"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	fs         afero.Fs
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		fs:        afero.NewOsFs(),
		layers:    []string{},
		envPrefix: DefaultEnvPrefix,
	}
}

// Load reads a single file, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	l := NewLoader()
	l.EnableValidation(true)
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// SetFs reads layers from fs instead of the OS filesystem
func (l *Loader) SetFs(fs afero.Fs) {
	if fs != nil {
		l.fs = fs
	}
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a map, chosen by extension
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(l.fs, path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling.
// Numbers are taken as nanoseconds already.
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		parent := data
		for _, key := range path[:len(path)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		leaf := path[len(path)-1]
		s, ok := parent[leaf].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, strings.Join(path, "."), err)
		}
		parent[leaf] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false, nil
		}
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, true, nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"SOURCE_URL", &cfg.Source.BaseURL},
		{"AGENT_NAME", &cfg.Agent.Name},
		{"COMPILER_AGGREGATE_PREFIX", &cfg.Compiler.AggregatePrefix},
		{"PUBLISHER_FILE_NAME", &cfg.Publisher.FileName},
		{"PUBLISHER_STAGING_DIR", &cfg.Publisher.StagingDir},
		{"STORAGE_BACKEND", &cfg.Storage.Backend},
		{"STORAGE_DIR", &cfg.Storage.Dir},
		{"STORAGE_BUCKET", &cfg.Storage.ObjectStore.BucketName},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"HTTP_ADDR", &cfg.HTTP.Addr},
	}
	for _, s := range strs {
		val, ok, err := env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"SOURCE_TIMEOUT", &cfg.Source.Timeout},
		{"AGENT_INTERVAL", &cfg.Agent.Interval},
	}
	for _, d := range durations {
		val, ok, err := env(d.name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, d.name, err)
		}
		*d.dst = parsed
	}

	val, ok, err := env("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		urls := strings.Split(val, ",")
		for i := range urls {
			urls[i] = strings.TrimSpace(urls[i])
		}
		cfg.NATS.URLs = urls
	}

	return nil
}
