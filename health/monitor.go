package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	sources  map[string]func() Status
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		sources:  make(map[string]func() Status),
	}
}

// Update records a pushed status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Register adds a component whose status is pulled on every read.
func (m *Monitor) Register(name string, source func() Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources[name] = source
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	source, pulled := m.sources[name]
	status, pushed := m.statuses[name]
	m.mu.RUnlock()

	if pulled {
		s := source()
		s.Component = name
		return s, true
	}
	return status, pushed
}

// AggregateHealth returns an aggregated health status, components sorted by name
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses)+len(m.sources))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.sources {
		if _, dup := m.statuses[name]; !dup {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)
	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, s)
		}
	}
	return Aggregate(systemName, subStatuses)
}

// Handler serves the aggregated status as JSON; 503 when unhealthy.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
