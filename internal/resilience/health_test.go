package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitorAggregates(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("sqlite", PingHealthCheck(func(context.Context) error { return nil }, 0))
	m.RegisterComponent("redis", PingHealthCheck(func(context.Context) error { return errors.New("refused") }, 0))

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "redis", h.Components[0].Name)
	assert.Contains(t, h.Components[0].Message, "refused")
	assert.Equal(t, HealthStatusHealthy, h.Components[1].Status)
}

func TestHealthMonitorDegradedBreaker(t *testing.T) {
	cb, _ := newBreaker(1, time.Hour)
	_ = cb.Execute(context.Background(), failing)

	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("prices", BreakerHealthCheck(cb))

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	assert.Contains(t, h.Components[0].Message, "OPEN")
}

func TestHealthMonitorRecoversPanickingCheck(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("boom", func(context.Context) ComponentHealth { panic("nil client") })

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, "boom", h.Components[0].Name)
}

func TestFreshnessHealthCheck(t *testing.T) {
	var last time.Time
	check := FreshnessHealthCheck(func() time.Time { return last }, 10*time.Minute)

	assert.Equal(t, HealthStatusUnknown, check(context.Background()).Status)

	last = time.Now().Add(-time.Hour)
	assert.Equal(t, HealthStatusDegraded, check(context.Background()).Status)

	last = time.Now()
	assert.Equal(t, HealthStatusHealthy, check(context.Background()).Status)
}

func TestHealthHTTPHandler(t *testing.T) {
	m := NewHealthMonitor(time.Second)
	m.RegisterComponent("sqlite", PingHealthCheck(func(context.Context) error { return errors.New("locked") }, 0))

	rec := httptest.NewRecorder()
	m.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusUnhealthy, body.Status)

	rec = httptest.NewRecorder()
	m.LivenessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
