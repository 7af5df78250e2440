package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStatusHelpers(t *testing.T) {
	h := NewHealthy("agent", "ok")
	assert.True(t, h.Healthy)
	assert.True(t, h.IsHealthy())
	assert.False(t, h.Timestamp.IsZero())

	d := NewDegraded("agent", "publish pending")
	assert.False(t, d.Healthy)
	assert.True(t, d.IsDegraded())

	u := NewUnhealthy("agent", "contract violation")
	assert.False(t, u.Healthy)
	assert.True(t, u.IsUnhealthy())
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := Aggregate("refdata", tt.subs)
			assert.Equal(t, tt.expected, status.Status)
			assert.Len(t, status.SubStatuses, len(tt.subs))
		})
	}
}

func TestAggregate_DoesNotShareInput(t *testing.T) {
	subs := []Status{NewHealthy("a", "")}
	status := Aggregate("refdata", subs)
	subs[0].Message = "mutated"
	assert.NotEqual(t, "mutated", status.SubStatuses[0].Message)
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("nats", nil, true).IsHealthy())

	err := fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed, token=abc123")
	degraded := FromError("nats", err, false)
	assert.True(t, degraded.IsDegraded())
	assert.NotContains(t, degraded.Message, "10.0.0.5")
	assert.NotContains(t, degraded.Message, "abc123")

	assert.True(t, FromError("agent", err, true).IsUnhealthy())
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		in       string
		contains string
		missing  string
	}{
		{"GET https://rules.internal/rules: EOF", "[URL]", "rules.internal"},
		{"open /var/tmp/refdata/staging-1.json: no space", "[PATH]", "/var/tmp"},
		{"connect 192.168.1.20 refused", "[IP]", "192.168.1.20"},
		{"auth failed password=hunter2", "[REDACTED]", "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out := sanitizeErrorMessage(tt.in)
			assert.Contains(t, out, tt.contains)
			assert.NotContains(t, out, tt.missing)
		})
	}

	assert.Equal(t, "", sanitizeErrorMessage(""))
}
