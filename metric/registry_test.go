package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("stream", "test_counter", counter)
	require.NoError(t, err)

	// Duplicate key is rejected
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_other_total",
		Help: "other",
	})
	err = registry.RegisterCounter("stream", "test_counter", other)
	assert.Error(t, err)
}

func TestMetricsRegistry_RegisterGauge(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("stream", "test_gauge", gauge))
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "same_name_total", Help: "a"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Name: "same_name_total", Help: "a"})

	require.NoError(t, registry.RegisterCounter("svc", "a", a))

	// Same fully-qualified name under a different key still conflicts in Prometheus
	err := registry.RegisterCounter("svc", "b", b)
	assert.Error(t, err)
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unregister_test_total",
		Help: "test",
	})

	require.NoError(t, registry.RegisterCounter("stream", "unregister_test", counter))
	assert.True(t, registry.Unregister("stream", "unregister_test"))
	assert.False(t, registry.Unregister("stream", "unregister_test"))
	assert.False(t, registry.Unregister("stream", "never_registered"))

	// Can re-register after unregistering
	require.NoError(t, registry.RegisterCounter("stream", "unregister_test", counter))
}

func TestCoreMetrics_Recorders(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// Recorders should not panic and should round-trip through the registry
	core.RecordServiceStatus("stream", 2)
	core.RecordMessageReceived("stream", "pong")
	core.RecordMessageDelivered("stream", "event")
	core.RecordError("stream", "send")
	core.RecordHealthStatus("stream", true)
	core.RecordNATSStatus(true)
	core.RecordNATSReconnect()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
