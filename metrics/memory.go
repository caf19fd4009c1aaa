package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/utils"
)

type MemoryConfig struct {
	MaxMetrics int `yaml:"max_metrics" json:"max_metrics"`
}

// MemoryMetrics is the zero-dependency metrics backend: plain atomics behind
// the Counter/Gauge/Histogram interfaces, exported as JSON.
type MemoryMetrics struct {
	logger     types.Logger
	config     *MemoryConfig
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	mu         sync.RWMutex
	running    int32
}

type MetricValue struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func NewMemoryMetrics(logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	memConfig := &MemoryConfig{
		MaxMetrics: 10000,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory metrics config")
		}
	}

	return &MemoryMetrics{
		logger:     logger,
		config:     memConfig,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrAlreadyRunning
	}
	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrNotRunning
	}
	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildMetricKey(name, labels)

	m.mu.RLock()
	counter, exists := m.counters[key]
	m.mu.RUnlock()
	if exists {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, exists = m.counters[key]; exists {
		return counter
	}
	if m.totalLocked() >= m.config.MaxMetrics {
		m.logger.Warn("Metric budget exhausted, dropping counter", zap.String("name", name))
		return &emptyCounter{}
	}
	counter = &MemoryCounter{name: name, labels: labels}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildMetricKey(name, labels)

	m.mu.RLock()
	gauge, exists := m.gauges[key]
	m.mu.RUnlock()
	if exists {
		return gauge
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gauge, exists = m.gauges[key]; exists {
		return gauge
	}
	if m.totalLocked() >= m.config.MaxMetrics {
		m.logger.Warn("Metric budget exhausted, dropping gauge", zap.String("name", name))
		return &emptyGauge{}
	}
	gauge = &MemoryGauge{name: name, labels: labels}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildMetricKey(name, labels)

	m.mu.RLock()
	histogram, exists := m.histograms[key]
	m.mu.RUnlock()
	if exists {
		return histogram
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if histogram, exists = m.histograms[key]; exists {
		return histogram
	}
	if m.totalLocked() >= m.config.MaxMetrics {
		m.logger.Warn("Metric budget exhausted, dropping histogram", zap.String("name", name))
		return &emptyHistogram{}
	}
	if len(buckets) == 0 {
		buckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}
	}
	histogram = NewMemoryHistogram(name, buckets, labels)
	m.histograms[key] = histogram
	return histogram
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	values := make([]MetricValue, 0, m.totalLocked())

	for _, c := range m.counters {
		values = append(values, MetricValue{
			Name: c.name, Type: "counter", Value: c.Get(), Labels: c.labels, Timestamp: now,
		})
	}
	for _, g := range m.gauges {
		values = append(values, MetricValue{
			Name: g.name, Type: "gauge", Value: g.Get(), Labels: g.labels, Timestamp: now,
		})
	}
	for _, h := range m.histograms {
		values = append(values, MetricValue{
			Name: h.name, Type: "histogram", Value: h.GetSum(), Labels: h.labels, Timestamp: now,
		})
	}

	sort.Slice(values, func(i, j int) bool { return values[i].Name < values[j].Name })

	return utils.Marshal(values)
}

func (m *MemoryMetrics) totalLocked() int {
	return len(m.counters) + len(m.gauges) + len(m.histograms)
}

func buildMetricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	bits   uint64
}

func (c *MemoryCounter) Inc() { c.Add(1) }

func (c *MemoryCounter) Add(value float64) {
	for {
		old := atomic.LoadUint64(&c.bits)
		next := floatToBits(bitsToFloat(old) + value)
		if atomic.CompareAndSwapUint64(&c.bits, old, next) {
			return
		}
	}
}

func (c *MemoryCounter) Get() float64 {
	return bitsToFloat(atomic.LoadUint64(&c.bits))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	bits   uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.bits, floatToBits(value))
}

func (g *MemoryGauge) Inc() { g.add(1) }
func (g *MemoryGauge) Dec() { g.add(-1) }

func (g *MemoryGauge) add(value float64) {
	for {
		old := atomic.LoadUint64(&g.bits)
		next := floatToBits(bitsToFloat(old) + value)
		if atomic.CompareAndSwapUint64(&g.bits, old, next) {
			return
		}
	}
}

func (g *MemoryGauge) Get() float64 {
	return bitsToFloat(atomic.LoadUint64(&g.bits))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	count   uint64
	sumBits uint64
	mu      sync.Mutex
}

func NewMemoryHistogram(name string, buckets []float64, labels map[string]string) *MemoryHistogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &MemoryHistogram{
		name:    name,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)),
	}
}

func (h *MemoryHistogram) Observe(value float64) {
	h.mu.Lock()
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
	h.count++
	h.sumBits = floatToBits(bitsToFloat(h.sumBits) + value)
	h.mu.Unlock()
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *MemoryHistogram) GetSum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bitsToFloat(h.sumBits)
}

func floatToBits(f float64) uint64 {
	return math.Float64bits(f)
}

func bitsToFloat(b uint64) float64 {
	return math.Float64frombits(b)
}
