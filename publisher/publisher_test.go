package publisher

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refdata/compiler"
	"github.com/c360/refdata/errors"
	"github.com/c360/refdata/metric"
	"github.com/c360/refdata/rules"
	"github.com/c360/refdata/storage/filestore"
	fixtures "github.com/c360/refdata/testutil"
)

const stagingDir = "/staging"

var publishAt = time.Date(2024, 5, 1, 10, 30, 45, 0, time.UTC)

type env struct {
	fs    afero.Fs
	store *fixtures.MockStore
	pub   *Publisher
}

func newEnv(t *testing.T, opts ...Option) env {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := fixtures.NewMockStore(fs)

	comp, err := compiler.New()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.StagingDir = stagingDir
	pub, err := New(store, comp, cfg, append([]Option{WithFs(fs)}, opts...)...)
	require.NoError(t, err)

	return env{fs: fs, store: store, pub: pub}
}

func stagingFiles(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, stagingDir)
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func TestKey(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, "2024-05-01/10-30/rules.json", e.pub.Key(publishAt))

	// Non-UTC instants are converted first
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2024-05-01/10-30/rules.json", e.pub.Key(publishAt.In(est)))

	// Same minute, same key
	assert.Equal(t, e.pub.Key(publishAt), e.pub.Key(publishAt.Add(10*time.Second)))
}

func TestPublish_Scenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.pub.PublishResult(ctx, []rules.Rule{fixtures.HighTemperature()}, publishAt)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01/10-30/rules.json", res.Key)
	assert.Equal(t, 1, res.Rules)

	data, err := e.store.Get(ctx, res.Key)
	require.NoError(t, err)
	assert.Equal(t, res.Bytes, len(data))

	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "rule-temp", records[0]["Id"])
	assert.Equal(t, "window-5m", records[0]["AggregationWindow"])
	assert.Equal(t, []any{"temp"}, records[0]["Fields"])
	assert.Equal(t, "return (aggregates.temp.avg > 75) ? true : false;", records[0]["FilterExpression"])

	// Indented with two spaces, operators not HTML-escaped
	assert.Contains(t, string(data), "\n  {\n    \"Id\": \"rule-temp\"")
	assert.Contains(t, string(data), "aggregates.temp.avg > 75")
	assert.Empty(t, stagingFiles(t, e.fs))
}

func TestPublish_EmptyRuleSetWritesEmptyArray(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, rs := range [][]rules.Rule{nil, {}} {
		require.NoError(t, e.pub.Publish(ctx, rs, publishAt))

		data, err := e.store.Get(ctx, "2024-05-01/10-30/rules.json")
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))
	}
}

func TestPublish_SameBucketLastWriteWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.pub.Publish(ctx, []rules.Rule{fixtures.HighTemperature()}, publishAt))
	require.NoError(t, e.pub.Publish(ctx, fixtures.ActiveRuleSet(), publishAt.Add(5*time.Second)))

	keys, err := e.store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-05-01/10-30/rules.json"}, keys)

	data, err := e.store.Get(ctx, keys[0])
	require.NoError(t, err)
	var records []compiler.CompiledRule
	require.NoError(t, json.Unmarshal(data, &records))
	assert.Len(t, records, len(fixtures.ActiveRuleSet()))
}

func TestPublish_ContractFaultIsFatalAndUploadsNothing(t *testing.T) {
	e := newEnv(t)
	bad := fixtures.Rule("rule-bad", rules.CalculationInstant, 0, fixtures.Cond("temp", "Between", "1"))

	err := e.pub.Publish(context.Background(), []rules.Rule{fixtures.HighTemperature(), bad}, publishAt)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.False(t, errors.IsTransient(err))

	ce, ok := compiler.AsContractError(err)
	require.True(t, ok)
	assert.Equal(t, "rule-bad", ce.RuleID)

	assert.Equal(t, 0, e.store.Puts())
	assert.Empty(t, stagingFiles(t, e.fs))
}

func TestPublish_UploadFailureIsTransientAndCleansUp(t *testing.T) {
	e := newEnv(t)
	e.store.PutErr = stderrors.New("object store unreachable")

	err := e.pub.Publish(context.Background(), fixtures.ActiveRuleSet(), publishAt)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrUploadFailed)
	assert.Empty(t, stagingFiles(t, e.fs))
}

func TestPublish_ClassifiedUploadErrorKeepsClass(t *testing.T) {
	e := newEnv(t)
	e.store.PutErr = errors.WrapInvalid(errors.ErrInvalidData, "Store", "Put", "validate key")

	err := e.pub.Publish(context.Background(), nil, publishAt)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Empty(t, stagingFiles(t, e.fs))
}

func TestPublish_StagingFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(stagingDir, 0o700))
	comp, err := compiler.New()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.StagingDir = stagingDir
	pub, err := New(fixtures.NewMockStore(fs), comp, cfg, WithFs(afero.NewReadOnlyFs(fs)))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), nil, publishAt)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrStagingFailed)
}

func TestPublish_WithFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := filestore.New(fs, "/bucket")
	require.NoError(t, err)
	comp, err := compiler.New(compiler.WithAggregatePrefix("agg"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.StagingDir = stagingDir
	pub, err := New(store, comp, cfg, WithFs(fs))
	require.NoError(t, err)

	res, err := pub.PublishResult(context.Background(), []rules.Rule{fixtures.BurstCount()}, publishAt)
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, "/bucket/"+res.Key)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FilterExpression": "return (agg.events.count > 10) ? true : false;"`)
	assert.Empty(t, stagingFiles(t, fs))
}

func TestPublish_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	e := newEnv(t, WithMetrics(registry))
	ctx := context.Background()

	require.NoError(t, e.pub.Publish(ctx, fixtures.ActiveRuleSet(), publishAt))
	_ = e.pub.Publish(ctx, []rules.Rule{fixtures.Rule("x", "median", 0)}, publishAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.pub.metrics.publishes.WithLabelValues(outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.pub.metrics.publishes.WithLabelValues(outcomeContract)))
	assert.Equal(t, float64(len(fixtures.ActiveRuleSet())), testutil.ToFloat64(e.pub.metrics.rules))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"hour only time layout", func(c *Config) { c.TimeLayout = "15" }, true},
		{"minute with seconds", func(c *Config) { c.TimeLayout = "15-04-05" }, false},
		{"empty date layout", func(c *Config) { c.DateLayout = "" }, true},
		{"empty file name", func(c *Config) { c.FileName = "" }, true},
		{"file name with slash", func(c *Config) { c.FileName = "a/rules.json" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	comp, err := compiler.New()
	require.NoError(t, err)

	_, err = New(nil, comp, DefaultConfig())
	assert.Error(t, err)

	_, err = New(fixtures.NewMockStore(nil), nil, DefaultConfig())
	assert.Error(t, err)
}
