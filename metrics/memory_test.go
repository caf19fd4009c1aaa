package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/utils"
)

func newMemoryBackend(t *testing.T, maxMetrics int) types.MetricsManager {
	t.Helper()

	config := &types.MetricsConfig{Type: "memory"}
	if maxMetrics > 0 {
		config.Config = map[string]interface{}{"max_metrics": maxMetrics}
	}

	m, err := NewMemoryMetrics(logger.NewZapWrapper(zap.NewNop()), config)
	require.NoError(t, err)
	return m
}

func TestMemoryCounter(t *testing.T) {
	m := newMemoryBackend(t, 0)

	counter := m.Counter("parse_tasks_total", map[string]string{"result": "success"})
	counter.Inc()
	counter.Add(2.5)

	assert.Equal(t, 3.5, counter.Get())

	// Same name and labels return the same counter.
	again := m.Counter("parse_tasks_total", map[string]string{"result": "success"})
	again.Inc()
	assert.Equal(t, 4.5, counter.Get())

	// Different labels are a different series.
	other := m.Counter("parse_tasks_total", map[string]string{"result": "error"})
	assert.Equal(t, 0.0, other.Get())
}

func TestMemoryGauge(t *testing.T) {
	m := newMemoryBackend(t, 0)

	gauge := m.Gauge("queue_length", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Dec()
	gauge.Dec()

	assert.Equal(t, 9.0, gauge.Get())
}

func TestMemoryHistogram(t *testing.T) {
	m := newMemoryBackend(t, 0)

	histogram := m.Histogram("task_duration_seconds", []float64{0.1, 1, 10}, nil)
	histogram.Observe(0.05)
	histogram.Observe(0.5)
	histogram.Observe(5)

	assert.Equal(t, uint64(3), histogram.GetCount())
	assert.InDelta(t, 5.55, histogram.GetSum(), 0.0001)

	histogram.ObserveDuration(time.Now().Add(-time.Millisecond))
	assert.Equal(t, uint64(4), histogram.GetCount())
}

func TestMemoryMetricKeyIsLabelOrderIndependent(t *testing.T) {
	m := newMemoryBackend(t, 0)

	first := m.Counter("c", map[string]string{"a": "1", "b": "2"})
	second := m.Counter("c", map[string]string{"b": "2", "a": "1"})

	first.Inc()
	assert.Equal(t, 1.0, second.Get())
}

func TestMemoryMetricBudget(t *testing.T) {
	m := newMemoryBackend(t, 2)

	m.Counter("a", nil).Inc()
	m.Gauge("b", nil).Set(1)

	// Budget exhausted: further series are silently dropped.
	dropped := m.Counter("c", nil)
	dropped.Inc()
	assert.Equal(t, 0.0, dropped.Get())
}

func TestMemoryGetMetricsExport(t *testing.T) {
	m := newMemoryBackend(t, 0)

	m.Counter("b_counter", nil).Inc()
	m.Gauge("a_gauge", nil).Set(2)

	data, err := m.GetMetrics()
	require.NoError(t, err)

	var values []MetricValue
	require.NoError(t, utils.Unmarshal(data, &values))
	require.Len(t, values, 2)

	// Export is sorted by name.
	assert.Equal(t, "a_gauge", values[0].Name)
	assert.Equal(t, "gauge", values[0].Type)
	assert.Equal(t, 2.0, values[0].Value)
	assert.Equal(t, "b_counter", values[1].Name)
	assert.Equal(t, 1.0, values[1].Value)
}

func TestMemoryLifecycle(t *testing.T) {
	m := newMemoryBackend(t, 0)

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), types.ErrAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrNotRunning)
}
