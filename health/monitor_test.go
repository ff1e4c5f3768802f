package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.Update("registry", NewHealthy("registry", "4 clients connected"))

	status, exists := m.Get("registry")
	require.True(t, exists)
	assert.Equal(t, "registry", status.Component)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "4 clients connected", status.Message)
	assert.False(t, status.Timestamp.IsZero())
}

func TestMonitorUpdateOverridesComponentName(t *testing.T) {
	m := NewMonitor()

	// Status carries the wrong component name; the monitor key wins.
	m.Update("publisher", NewHealthy("other", "ok"))

	status, exists := m.Get("publisher")
	require.True(t, exists)
	assert.Equal(t, "publisher", status.Component)
}

func TestMonitorConvenienceUpdates(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("a", "fine")
	m.UpdateDegraded("b", "slow")
	m.UpdateUnhealthy("c", "down")

	a, _ := m.Get("a")
	b, _ := m.Get("b")
	c, _ := m.Get("c")

	assert.True(t, a.IsHealthy())
	assert.True(t, b.IsDegraded())
	assert.True(t, c.IsUnhealthy())
}

func TestMonitorGetMissing(t *testing.T) {
	m := NewMonitor()

	_, exists := m.Get("nope")
	assert.False(t, exists)
}

func TestMonitorGetAllReturnsCopy(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")

	all := m.GetAll()
	require.Len(t, all, 1)

	// Mutating the returned map must not affect the monitor.
	delete(all, "a")
	assert.Equal(t, 1, m.Count())
}

func TestMonitorRemove(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")
	m.Remove("a")

	_, exists := m.Get("a")
	assert.False(t, exists)
	assert.Equal(t, 0, m.Count())
}

func TestMonitorAggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("registry", "ok")
	m.UpdateHealthy("publisher", "ok")

	agg := m.AggregateHealth("stream-service")
	assert.True(t, agg.IsHealthy())
	assert.Equal(t, "stream-service", agg.Component)
	assert.Len(t, agg.SubStatuses, 2)

	m.UpdateDegraded("publisher", "queue pressure")
	agg = m.AggregateHealth("stream-service")
	assert.True(t, agg.IsDegraded())

	m.UpdateUnhealthy("registry", "transport down")
	agg = m.AggregateHealth("stream-service")
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitorAggregateEmpty(t *testing.T) {
	m := NewMonitor()

	agg := m.AggregateHealth("stream-service")
	assert.True(t, agg.IsUnhealthy())
}

func TestMonitorListComponents(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "ok")
	m.UpdateHealthy("b", "ok")

	names := m.ListComponents()
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestMonitorHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("registry", "ok")

	srv := httptest.NewServer(m.Handler("stream-service"))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "stream-service", status.Component)
	assert.True(t, status.Healthy)
}

func TestMonitorHandlerUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("registry", "transport down")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	m.Handler("stream-service").ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitorUpdatePreservesTimestamp(t *testing.T) {
	m := NewMonitor()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.Update("a", Status{Healthy: true, Status: "healthy", Timestamp: ts})

	status, _ := m.Get("a")
	assert.Equal(t, ts, status.Timestamp)
}
