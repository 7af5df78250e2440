package metric

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/refdata/errors"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordBuildInfo("test")

	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
	})
	s := NewServer(":0", registry, WithHandler("/healthz", health))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `refdata_build_info{version="test"} 1`)

	code, body = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "unhealthy")

	code, body = get(t, ts.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `href="/metrics"`)
	assert.Contains(t, body, `href="/healthz"`)

	code, _ = get(t, ts.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestServer_CustomPath(t *testing.T) {
	s := NewServer(":0", NewMetricsRegistry(), WithPath("/prom"))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	code, body := get(t, ts.URL+"/prom")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_RunAndShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewMetricsRegistry(), WithShutdownTimeout(time.Second))
	require.NoError(t, s.Listen())
	addr := s.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err := http.Get("http://" + addr + "/metrics")
	assert.Error(t, err)
}

func TestServer_ListenErrors(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil)
	err := s.Listen()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	s = NewServer("127.0.0.1:0", NewMetricsRegistry())
	require.NoError(t, s.Listen())
	err = s.Listen()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	other := NewServer("127.0.0.1:0", NewMetricsRegistry())
	require.NoError(t, other.Listen())
	defer func() { _ = other.Run(ctx) }()

	err = NewServer(other.Addr(), NewMetricsRegistry()).Run(context.Background())
	require.Error(t, err, "address already in use")
	assert.True(t, errors.IsInvalid(err))
}
