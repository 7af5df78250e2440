package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refdata/config"
	"github.com/c360/refdata/metric"
)

const upstreamRules = `{"Items": [
  {"Id": "r2", "Name": "down", "Enabled": true, "Deleted": false, "Calculation": "instant",
   "Conditions": [{"Field": "status", "Operator": "Equals", "Value": "'down'"}]},
  {"Id": "r1", "Name": "hot", "Enabled": true, "Deleted": false, "Calculation": "Average", "TimePeriod": 300000,
   "Conditions": [{"Field": "temp", "Operator": "GreaterThan", "Value": "75"}]},
  {"Id": "r3", "Name": "off", "Enabled": false, "Deleted": false}
]}`

func fileConfig(t *testing.T, sourceURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Source.BaseURL = sourceURL
	cfg.Storage.Backend = config.StorageBackendFile
	cfg.Storage.Dir = t.TempDir()
	cfg.Publisher.StagingDir = t.TempDir()
	cfg.HTTP.Addr = ""
	require.NoError(t, cfg.Validate())
	return cfg
}

func upstream(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func publishedFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(root, path)
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlags(t *testing.T) {
	t.Setenv("REFDATA_LOG_LEVEL", "debug")
	t.Setenv("REFDATA_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := parseFlags([]string{"-c", "config.yaml", "--once", "--log-format=text"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "config.yaml", cfg.ConfigPath)
	assert.True(t, cfg.Once)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.Validate)
}

func TestParseFlags_Unknown(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"--bogus"}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "Usage:")
}

func TestParseFlags_Help(t *testing.T) {
	var out bytes.Buffer
	cfg, err := parseFlags([]string{"-h"}, &out)
	require.NoError(t, err)
	require.True(t, cfg.ShowHelp)

	cfg.usage()
	assert.Contains(t, out.String(), "--once")
	assert.Contains(t, out.String(), "REFDATA_SOURCE_URL")
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}

	assert.NoError(t, validateFlags(valid()))

	c := valid()
	c.LogLevel = "trace"
	assert.Error(t, validateFlags(c))

	c = valid()
	c.LogFormat = "xml"
	assert.Error(t, validateFlags(c))

	c = valid()
	c.ConfigPath = filepath.Join(t.TempDir(), "missing.json")
	assert.Error(t, validateFlags(c))

	c = valid()
	c.ShutdownTimeout = 0
	assert.Error(t, validateFlags(c))

	c = valid()
	c.LogLevel = "nonsense"
	c.ShowVersion = true
	assert.NoError(t, validateFlags(c))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger("warn", "json", &buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, appName, entry["service"])
	assert.Equal(t, Version, entry["version"])
	assert.NotNil(t, entry["pid"])

	buf.Reset()
	setupLogger("info", "text", &buf).Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestLogNATSHealth(t *testing.T) {
	var buf bytes.Buffer
	notify := logNATSHealth(setupLogger("info", "text", &buf))

	notify(false)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "NATS connection lost")

	buf.Reset()
	notify(true)
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "NATS connection healthy")
}

func TestRunOnce_PublishesToFileStore(t *testing.T) {
	src := upstream(t, http.StatusOK, upstreamRules)
	cfg := fileConfig(t, src.URL)

	a, err := buildApp(context.Background(), cfg, discardLogger(), metric.NewMetricsRegistry(), afero.NewOsFs())
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NoError(t, a.runOnce(context.Background()))

	files := publishedFiles(t, cfg.Storage.Dir)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], "/rules.json"), files[0])

	data, err := os.ReadFile(filepath.Join(cfg.Storage.Dir, files[0]))
	require.NoError(t, err)

	var published []map[string]any
	require.NoError(t, json.Unmarshal(data, &published))
	require.Len(t, published, 2)
	assert.Equal(t, "r1", published[0]["Id"])
	assert.Equal(t, "window-5m", published[0]["AggregationWindow"])
	assert.Equal(t, "return (aggregates.temp.avg > 75) ? true : false;", published[0]["FilterExpression"])
	assert.Equal(t, "r2", published[1]["Id"])

	// Nothing left behind in the staging area
	entries, err := os.ReadDir(cfg.Publisher.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunOnce_SharesFilesystem(t *testing.T) {
	src := upstream(t, http.StatusOK, upstreamRules)
	cfg := config.Default()
	cfg.Source.BaseURL = src.URL
	cfg.Storage.Backend = config.StorageBackendFile
	cfg.Storage.Dir = "/srv/refdata"
	cfg.Publisher.StagingDir = "/srv/staging"
	cfg.HTTP.Addr = ""
	require.NoError(t, cfg.Validate())

	fs := afero.NewMemMapFs()
	a, err := buildApp(context.Background(), cfg, discardLogger(), metric.NewMetricsRegistry(), fs)
	require.NoError(t, err)
	require.NoError(t, a.runOnce(context.Background()))

	// Staged and stored on the same in-memory filesystem, nothing on disk
	var stored []string
	require.NoError(t, afero.Walk(fs, "/srv/refdata", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			stored = append(stored, path)
		}
		return err
	}))
	require.Len(t, stored, 1)
	assert.True(t, strings.HasSuffix(stored[0], "/rules.json"), stored[0])

	staged, err := afero.ReadDir(fs, "/srv/staging")
	require.NoError(t, err)
	assert.Empty(t, staged)

	_, err = os.Stat("/srv/refdata")
	assert.True(t, os.IsNotExist(err))
}

func TestRunOnce_UpstreamFailure(t *testing.T) {
	src := upstream(t, http.StatusBadGateway, "")
	cfg := fileConfig(t, src.URL)

	a, err := buildApp(context.Background(), cfg, discardLogger(), metric.NewMetricsRegistry(), afero.NewOsFs())
	require.NoError(t, err)

	err = a.runOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, publishedFiles(t, cfg.Storage.Dir))
}

func TestServe_HealthAndShutdown(t *testing.T) {
	src := upstream(t, http.StatusOK, upstreamRules)
	cfg := fileConfig(t, src.URL)

	registry := metric.NewMetricsRegistry()
	a, err := buildApp(context.Background(), cfg, discardLogger(), registry, afero.NewOsFs())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, "", 5*time.Second) }()

	require.Eventually(t, func() bool {
		return len(publishedFiles(t, cfg.Storage.Dir)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	status, ok := a.monitor.Get("agent")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	rec := httptest.NewRecorder()
	a.monitor.Handler(appName).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agent")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestBuildApp_InvalidStorage(t *testing.T) {
	cfg := config.Default()
	cfg.Source.BaseURL = "http://localhost"
	cfg.Storage.Backend = "s3"

	_, err := buildApp(context.Background(), cfg, discardLogger(), metric.NewMetricsRegistry(), afero.NewOsFs())
	require.Error(t, err)
}
