package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	m.Update("nats", NewHealthy("ignored", "connected"))

	status, ok := m.Get("nats")
	require.True(t, ok)
	assert.Equal(t, "nats", status.Component)
	assert.True(t, status.IsHealthy())

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMonitor_RegisterPullsOnRead(t *testing.T) {
	m := NewMonitor()
	state := StateHealthy
	m.Register("agent", func() Status {
		return newStatus("", state, "")
	})

	status, ok := m.Get("agent")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "agent", status.Component)

	state = StateUnhealthy
	assert.True(t, m.AggregateHealth("refdata").IsUnhealthy())
}

func TestMonitor_AggregateHealthSorted(t *testing.T) {
	m := NewMonitor()
	m.Update("nats", NewDegraded("", "reconnecting"))
	m.Register("agent", func() Status { return NewHealthy("", "") })

	status := m.AggregateHealth("refdata")
	assert.True(t, status.IsDegraded())
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "agent", status.SubStatuses[0].Component)
	assert.Equal(t, "nats", status.SubStatuses[1].Component)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.Update("nats", NewHealthy("", "connected"))

	rec := httptest.NewRecorder()
	m.Handler("refdata").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "refdata", body.Component)

	m.Update("nats", NewUnhealthy("", "closed"))
	rec = httptest.NewRecorder()
	m.Handler("refdata").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Update("nats", NewHealthy("", ""))
		}()
		go func() {
			defer wg.Done()
			_ = m.AggregateHealth("refdata")
		}()
	}
	wg.Wait()

	_, ok := m.Get("nats")
	assert.True(t, ok)
}
