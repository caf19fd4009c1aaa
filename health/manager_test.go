package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
)

func newTestHealthManager(t *testing.T) *Manager {
	t.Helper()

	hm, err := NewManager(context.Background(), logger.NewZapWrapper(zap.NewNop()), types.ServiceInfo{
		Name:    "sai-parse",
		Version: "test",
	})
	require.NoError(t, err)
	require.NoError(t, hm.Start())
	t.Cleanup(func() { _ = hm.Stop() })
	return hm
}

func healthyChecker(ctx context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestCheckAggregatesResults(t *testing.T) {
	hm := newTestHealthManager(t)

	hm.RegisterChecker("cache", healthyChecker)
	hm.RegisterChecker("workers", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "pool stopped"}
	})

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "sai-parse", report.Service.Name)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, report.Summary.Healthy)
	assert.Equal(t, 1, report.Summary.Unhealthy)
	assert.Equal(t, "pool stopped", report.Checks["workers"].Message)
	assert.Equal(t, "workers", report.Checks["workers"].Name)
}

func TestCheckAllHealthy(t *testing.T) {
	hm := newTestHealthManager(t)

	hm.RegisterChecker("cache", healthyChecker)
	hm.RegisterChecker("events", healthyChecker)

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, 2, report.Summary.Healthy)
	assert.GreaterOrEqual(t, report.Uptime, time.Duration(0))
}

func TestUnknownStatusPrecedence(t *testing.T) {
	hm := newTestHealthManager(t)

	hm.RegisterChecker("cache", healthyChecker)
	hm.RegisterChecker("bridge", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnknown, report.Status)
}

func TestCheckRecoversFromPanic(t *testing.T) {
	hm := newTestHealthManager(t)

	hm.RegisterChecker("broken", func(ctx context.Context) types.HealthCheck {
		panic("checker exploded")
	})

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["broken"].Message, "panicked")
}

func TestCheckTimesOutSlowChecker(t *testing.T) {
	hm := newTestHealthManager(t)
	hm.checkTimeout = 50 * time.Millisecond

	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		time.Sleep(time.Second)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := hm.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestStopClearsCheckers(t *testing.T) {
	hm := newTestHealthManager(t)

	hm.RegisterChecker("cache", healthyChecker)
	require.NoError(t, hm.Stop())

	report := hm.Check(context.Background())
	assert.Equal(t, 0, report.Summary.Total)
	assert.ErrorIs(t, hm.Stop(), types.ErrNotRunning)
}
