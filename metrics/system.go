package metrics

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-parse/types"
)

type SystemState int32

const (
	SystemStateStopped SystemState = iota
	SystemStateStarting
	SystemStateRunning
	SystemStateStopping
)

// SystemMetricsCollector samples runtime memory, goroutine and GC figures
// into whatever metrics backend is active. Heavy ReadMemStats samples are
// throttled separately from the cheap per-tick gauges.
type SystemMetricsCollector struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         types.Logger
	metrics        types.MetricsManager
	state          atomic.Value
	startTime      time.Time
	lastMemStats   runtime.MemStats
	lastMemUpdate  int64
	memStatsMu     sync.RWMutex
	lastGoroutines int
	lastGCTime     int64
	lastGCCount    uint32
	stopChan       chan struct{}
}

func NewSystemMetricsCollector(ctx context.Context, logger types.Logger, metricsManager types.MetricsManager) *SystemMetricsCollector {
	systemCtx, cancel := context.WithCancel(ctx)

	collector := &SystemMetricsCollector{
		ctx:      systemCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metricsManager,
		stopChan: make(chan struct{}),
	}

	collector.state.Store(SystemStateStopped)

	return collector
}

func (smc *SystemMetricsCollector) Start() error {
	if !smc.transitionState(SystemStateStopped, SystemStateStarting) {
		smc.logger.Warn("System metrics is already running")
		return types.ErrAlreadyRunning
	}

	smc.startTime = time.Now()
	smc.setState(SystemStateRunning)

	go smc.collectLoop()

	smc.logger.Info("System metrics collection started")
	return nil
}

func (smc *SystemMetricsCollector) Stop() error {
	if !smc.transitionState(SystemStateRunning, SystemStateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		smc.setState(SystemStateStopped)
		smc.cancel()
	}()

	close(smc.stopChan)

	smc.logger.Info("System metrics collection stopped")
	return nil
}

func (smc *SystemMetricsCollector) IsRunning() bool {
	return smc.getState() == SystemStateRunning
}

func (smc *SystemMetricsCollector) getState() SystemState {
	return smc.state.Load().(SystemState)
}

func (smc *SystemMetricsCollector) setState(newState SystemState) bool {
	currentState := smc.getState()
	return smc.state.CompareAndSwap(currentState, newState)
}

func (smc *SystemMetricsCollector) transitionState(from, to SystemState) bool {
	return smc.state.CompareAndSwap(from, to)
}

func (smc *SystemMetricsCollector) collectLoop() {
	heavyTicker := time.NewTicker(15 * time.Second)
	lightTicker := time.NewTicker(5 * time.Second)
	defer heavyTicker.Stop()
	defer lightTicker.Stop()

	smc.collectHeavyMetrics()
	smc.collectLightMetrics()

	for {
		select {
		case <-heavyTicker.C:
			if !smc.IsRunning() {
				return
			}
			smc.collectHeavyMetrics()

		case <-lightTicker.C:
			if !smc.IsRunning() {
				return
			}
			smc.collectLightMetrics()

		case <-smc.stopChan:
			return
		case <-smc.ctx.Done():
			return
		}
	}
}

func (smc *SystemMetricsCollector) collectHeavyMetrics() {
	if smc.metrics == nil {
		return
	}

	now := time.Now().UnixNano()

	smc.memStatsMu.Lock()
	if now-atomic.LoadInt64(&smc.lastMemUpdate) > 10*int64(time.Second) {
		runtime.ReadMemStats(&smc.lastMemStats)
		atomic.StoreInt64(&smc.lastMemUpdate, now)
	}
	m := smc.lastMemStats
	smc.memStatsMu.Unlock()

	smc.updateMemoryMetrics(&m)
	smc.updateGCMetrics(&m)
}

func (smc *SystemMetricsCollector) collectLightMetrics() {
	if smc.metrics == nil {
		return
	}

	currentGoroutines := runtime.NumGoroutine()
	if currentGoroutines != smc.lastGoroutines {
		smc.metrics.Gauge("system_goroutines_count", nil).Set(float64(currentGoroutines))
		smc.lastGoroutines = currentGoroutines
	}

	uptime := time.Since(smc.startTime)
	smc.metrics.Gauge("system_uptime_seconds", nil).Set(uptime.Seconds())
}

func (smc *SystemMetricsCollector) updateMemoryMetrics(m *runtime.MemStats) {
	metrics := []struct {
		name   string
		labels map[string]string
		value  float64
	}{
		{"system_memory_usage_bytes", map[string]string{"type": "heap_inuse"}, float64(m.HeapInuse)},
		{"system_memory_usage_bytes", map[string]string{"type": "heap_alloc"}, float64(m.HeapAlloc)},
		{"system_memory_usage_bytes", map[string]string{"type": "sys"}, float64(m.Sys)},
		{"system_memory_usage_bytes", map[string]string{"type": "stack_inuse"}, float64(m.StackInuse)},
		{"system_heap_objects_count", nil, float64(m.HeapObjects)},
		{"system_next_gc_bytes", nil, float64(m.NextGC)},
	}

	for _, metric := range metrics {
		smc.metrics.Gauge(metric.name, metric.labels).Set(metric.value)
	}
}

func (smc *SystemMetricsCollector) updateGCMetrics(m *runtime.MemStats) {
	if m.NumGC == smc.lastGCCount {
		return
	}

	smc.metrics.Gauge("system_gc_cycles_total", nil).Set(float64(m.NumGC))
	smc.metrics.Gauge("system_gc_cpu_percent", nil).Set(m.GCCPUFraction * 100)
	smc.lastGCCount = m.NumGC

	if m.NumGC > 0 {
		smc.metrics.Gauge("system_last_gc_timestamp", nil).Set(float64(m.LastGC) / 1e9)

		lastPauseIndex := (m.NumGC + 255) % 256
		lastPause := m.PauseNs[lastPauseIndex]

		if lastPause > 0 && int64(lastPause) != smc.lastGCTime {
			smc.metrics.Histogram("system_gc_duration_seconds",
				[]float64{0.001, 0.01, 0.1, 1.0},
				nil,
			).Observe(float64(lastPause) / 1e9)
			smc.lastGCTime = int64(lastPause)
		}
	}
}
