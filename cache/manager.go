package cache

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultMaxSize           = 1000
	DefaultTTL               = 5 * time.Minute
	DefaultCompressThreshold = 64 * 1024
	DefaultPressureThreshold = 0.85
)

type store struct {
	entries   map[string]*types.CacheEntry
	strategy  types.EvictionStrategy
	maxSize   int
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// UnifiedManager owns one bounded store per cache type, each with its own
// eviction strategy: TTL-oriented types evict strictly by elapsed time, all
// others use the adaptive LRU policy. All entry containers come from a shared
// pool to limit allocation churn under high turnover.
type UnifiedManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.CacheConfig
	logger          types.Logger
	stores          map[types.CacheType]*store
	pathIndex       map[string]map[string]types.CacheType
	mu              sync.RWMutex
	events          atomic.Pointer[types.EventManager]
	metrics         types.MetricsManager
	entryPool       sync.Pool
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	state           atomic.Value
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	shutdownTimeout time.Duration
}

func NewUnifiedManager(ctx context.Context, logger types.Logger, config *types.CacheConfig, metrics types.MetricsManager) (*UnifiedManager, error) {
	if config == nil {
		config = &types.CacheConfig{}
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	if config.MemoryPressureThreshold <= 0 {
		config.MemoryPressureThreshold = DefaultPressureThreshold
	}
	if config.CompressThreshold <= 0 {
		config.CompressThreshold = DefaultCompressThreshold
	}

	defaultTTL := DefaultTTL
	if config.DefaultTTLMs > 0 {
		defaultTTL = time.Duration(config.DefaultTTLMs) * time.Millisecond
	}

	cleanupInterval := 5 * time.Minute
	if config.CleanupInterval != "" {
		parsed, err := time.ParseDuration(config.CleanupInterval)
		if err != nil {
			logger.Error("Invalid cleanup interval, using default 5m",
				zap.String("interval", config.CleanupInterval),
				zap.Error(err))
		} else {
			cleanupInterval = parsed
		}
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	m := &UnifiedManager{
		ctx:             cacheCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		stores:          make(map[types.CacheType]*store),
		pathIndex:       make(map[string]map[string]types.CacheType),
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
		entryPool: sync.Pool{
			New: func() interface{} {
				return &types.CacheEntry{}
			},
		},
	}

	lru := NewLRUStrategy()
	ttl := NewTTLStrategy(defaultTTL)

	for _, ct := range types.AllCacheTypes() {
		strategy := lru
		if ct.TTLOriented() || !config.EnableLRU {
			strategy = ttl
		}
		m.stores[ct] = &store{
			entries:  make(map[string]*types.CacheEntry),
			strategy: strategy,
			maxSize:  config.MaxSize,
		}
	}

	m.state.Store(StateStopped)

	return m, nil
}

// AttachEventManager wires cache notifications. Optional: without it the
// cache stays silent.
func (m *UnifiedManager) AttachEventManager(events types.EventManager) {
	m.events.Store(&events)
}

func (m *UnifiedManager) Get(key string, cacheType types.CacheType) (interface{}, bool) {
	now := time.Now()

	m.mu.Lock()
	st, ok := m.stores[cacheType]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}

	entry, exists := st.entries[key]
	if !exists {
		st.misses++
		m.mu.Unlock()
		m.notify(types.EventCacheMiss, key)
		return nil, false
	}

	if entry.Expired(now) {
		m.removeEntryLocked(st, key, entry)
		st.expired++
		st.misses++
		m.mu.Unlock()
		m.notify(types.EventCacheMiss, key)
		return nil, false
	}

	st.strategy.OnAccess(entry, now)
	st.hits++
	value := entry.Value
	compressed := entry.Compressed
	m.mu.Unlock()

	if compressed {
		raw, err := decompressValue(value)
		if err != nil {
			m.logger.Error("Failed to decompress cache entry",
				zap.String("key", key),
				zap.Error(err))
			m.Delete(key, cacheType)
			return nil, false
		}
		value = raw
	}

	m.notify(types.EventCacheHit, key)
	return value, true
}

func (m *UnifiedManager) Set(key string, value interface{}, cacheType types.CacheType, opts *types.SetOptions) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stores[cacheType]
	if !ok {
		return nil
	}

	now := time.Now()
	size := estimateSize(value)

	compressed := false
	if raw, isBytes := value.([]byte); isBytes && size > m.config.CompressThreshold {
		packed, err := compressValue(raw)
		if err == nil && len(packed) < size {
			value = packed
			compressed = true
		}
	}

	entry := m.entryPool.Get().(*types.CacheEntry)
	entry.Key = key
	entry.Value = value
	entry.CreatedAt = now
	entry.LastAccess = now
	entry.AccessCount = 0
	entry.Size = size
	entry.Compressed = compressed
	entry.Mtime = time.Time{}
	entry.TTL = 0
	entry.Dependencies = nil
	entry.AccessHistory = entry.AccessHistory[:0]

	if opts != nil {
		entry.Mtime = opts.Mtime
		entry.TTL = opts.TTL
		if len(opts.Dependencies) > 0 {
			entry.Dependencies = append(entry.Dependencies, opts.Dependencies...)
		}
	}
	if entry.TTL <= 0 && cacheType.TTLOriented() {
		entry.TTL = m.defaultTTL
	}

	if old, exists := st.entries[key]; exists {
		m.removeEntryLocked(st, key, old)
	} else if len(st.entries) >= st.maxSize {
		m.evictOneLocked(st)
	}

	st.entries[key] = entry
	m.indexDependenciesLocked(key, cacheType, entry.Dependencies)

	return nil
}

func (m *UnifiedManager) Delete(key string, cacheType types.CacheType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.stores[cacheType]
	if !ok {
		return false
	}

	entry, exists := st.entries[key]
	if !exists {
		return false
	}

	m.removeEntryLocked(st, key, entry)
	return true
}

func (m *UnifiedManager) Has(key string, cacheType types.CacheType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stores[cacheType]
	if !ok {
		return false
	}

	entry, exists := st.entries[key]
	return exists && !entry.Expired(time.Now())
}

// ValidateMtime reports true when mtime validation is globally disabled, the
// entry carries no mtime, or the stored mtime matches exactly.
func (m *UnifiedManager) ValidateMtime(key string, cacheType types.CacheType, mtime time.Time) bool {
	if !m.config.EnableMtimeValidation {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.stores[cacheType]
	if !ok {
		return false
	}

	entry, exists := st.entries[key]
	if !exists {
		return false
	}

	if entry.Mtime.IsZero() {
		return true
	}

	return entry.Mtime.Equal(mtime)
}

func (m *UnifiedManager) Clear(cacheTypes ...types.CacheType) {
	if len(cacheTypes) == 0 {
		cacheTypes = types.AllCacheTypes()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ct := range cacheTypes {
		st, ok := m.stores[ct]
		if !ok {
			continue
		}
		for key, entry := range st.entries {
			m.removeEntryLocked(st, key, entry)
		}
	}
}

// InvalidateByPath removes every entry registered against path, either as a
// declared dependency or through a path-bearing key.
func (m *UnifiedManager) InvalidateByPath(path string) int {
	return m.invalidatePath(path, types.InvalidationFileModified)
}

func (m *UnifiedManager) BatchInvalidate(paths []string) int {
	count := 0
	for _, path := range paths {
		count += m.invalidatePath(path, types.InvalidationBatch)
	}
	return count
}

func (m *UnifiedManager) invalidatePath(path string, reason types.InvalidationReason) int {
	m.mu.Lock()

	removed := make([]string, 0, 8)

	if dependents, ok := m.pathIndex[path]; ok {
		for key, ct := range dependents {
			if st, exists := m.stores[ct]; exists {
				if entry, found := st.entries[key]; found {
					m.removeEntryLocked(st, key, entry)
					removed = append(removed, key)
				}
			}
		}
	}

	for _, st := range m.stores {
		for key, entry := range st.entries {
			if strings.Contains(key, path) {
				m.removeEntryLocked(st, key, entry)
				removed = append(removed, key)
			}
		}
	}

	m.mu.Unlock()

	if len(removed) > 0 {
		m.notifyInvalidated(removed, reason)
	}

	return len(removed)
}

func (m *UnifiedManager) InvalidateByPattern(pattern *regexp.Regexp) int {
	if pattern == nil {
		return 0
	}

	m.mu.Lock()

	removed := make([]string, 0, 8)
	for _, st := range m.stores {
		for key, entry := range st.entries {
			if pattern.MatchString(key) {
				m.removeEntryLocked(st, key, entry)
				removed = append(removed, key)
			}
		}
	}

	m.mu.Unlock()

	if len(removed) > 0 {
		m.notifyInvalidated(removed, types.InvalidationPatternMatch)
	}

	return len(removed)
}

// BuildKey digests the composite (filePath, parserType, mtime) into a stable
// cache key. The raw path is kept as a prefix so path invalidation can match
// keys textually.
func (m *UnifiedManager) BuildKey(filePath string, parserType types.ParserType, mtime time.Time) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(filePath)
	_, _ = digest.WriteString("|")
	_, _ = digest.WriteString(string(parserType))
	_, _ = digest.WriteString("|")
	_, _ = digest.WriteString(strconv.FormatInt(mtime.UnixNano(), 10))

	var b strings.Builder
	b.Grow(len(filePath) + len(parserType) + 20)
	b.WriteString(filePath)
	b.WriteString("|")
	b.WriteString(string(parserType))
	b.WriteString("|")
	b.WriteString(strconv.FormatUint(digest.Sum64(), 16))

	return b.String()
}

// Cleanup sweeps expired entries and, under memory pressure, entries the
// active strategy marks evictable. Returns the number removed.
func (m *UnifiedManager) Cleanup() int {
	now := time.Now()
	pressure := m.memoryPressure()

	m.mu.Lock()

	removed := 0
	for _, st := range m.stores {
		for key, entry := range st.entries {
			if entry.Expired(now) {
				m.removeEntryLocked(st, key, entry)
				st.expired++
				removed++
				continue
			}
			if pressure > m.config.MemoryPressureThreshold && st.strategy.Evictable(entry, now, pressure) {
				m.removeEntryLocked(st, key, entry)
				st.evictions++
				removed++
			}
		}
	}

	m.mu.Unlock()

	if removed > 0 {
		m.logger.Debug("Cache cleanup completed", zap.Int("removed", removed))
		m.notify(types.EventCacheOptimized, removed)
	}

	return removed
}

func (m *UnifiedManager) Stats() map[types.CacheType]types.CacheStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[types.CacheType]types.CacheStats, len(m.stores))
	for ct, st := range m.stores {
		stats[ct] = types.CacheStats{
			Hits:      st.hits,
			Misses:    st.misses,
			Evictions: st.evictions,
			Expired:   st.expired,
			Entries:   len(st.entries),
			MaxSize:   st.maxSize,
		}
	}
	return stats
}

func (m *UnifiedManager) HealthStatus() types.CacheHealth {
	m.mu.RLock()

	var hits, misses uint64
	total := 0
	for _, st := range m.stores {
		hits += st.hits
		misses += st.misses
		total += len(st.entries)
	}
	capacity := len(m.stores) * m.config.MaxSize

	m.mu.RUnlock()

	pressure := 0.0
	if capacity > 0 {
		pressure = float64(total) / float64(capacity)
	}

	hitRatio := 1.0
	if hits+misses > 0 {
		hitRatio = float64(hits) / float64(hits+misses)
	}

	return types.CacheHealth{
		Healthy:        pressure < m.config.MemoryPressureThreshold && hitRatio > 0.5,
		MemoryPressure: pressure,
		HitRatio:       hitRatio,
		TotalEntries:   total,
	}
}

// OnModify implements types.FileChangeHandler.
func (m *UnifiedManager) OnModify(path string, mtime time.Time) {
	m.InvalidateByPath(path)
}

// OnDelete implements types.FileChangeHandler.
func (m *UnifiedManager) OnDelete(path string) {
	m.InvalidateByPath(path)
}

// OnRename implements types.FileChangeHandler.
func (m *UnifiedManager) OnRename(oldPath, newPath string) {
	m.InvalidateByPath(oldPath)
	m.InvalidateByPath(newPath)
}

func (m *UnifiedManager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		m.logger.Warn("Cache manager is already running")
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	go m.cleanupRoutine()

	m.logger.Info("Unified cache manager started",
		zap.Int("max_size", m.config.MaxSize),
		zap.Int("cache_types", len(m.stores)))
	return nil
}

func (m *UnifiedManager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		m.logger.Warn("Cache manager is not running")
		return types.ErrNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case m.stopCleanup <- struct{}{}:
		case <-time.After(time.Second):
		}

		select {
		case <-m.cleanupDone:
			m.logger.Debug("Cleanup routine stopped")
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cleanup routine stop timeout")
		}
		return nil
	})

	g.Go(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		cleared := 0
		for _, st := range m.stores {
			cleared += len(st.entries)
			for key, entry := range st.entries {
				m.removeEntryLocked(st, key, entry)
			}
		}
		m.pathIndex = make(map[string]map[string]types.CacheType)

		m.logger.Info("Cache cleared", zap.Int("cleared_entries", cleared))
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			m.logger.Warn("Cache manager stop timeout, some components may not have stopped gracefully")
		default:
			m.logger.Error("Error during cache manager shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Cache manager stopped gracefully")
	}

	return nil
}

func (m *UnifiedManager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *UnifiedManager) getState() State {
	return m.state.Load().(State)
}

func (m *UnifiedManager) setState(newState State) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *UnifiedManager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *UnifiedManager) cleanupRoutine() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// evictOneLocked removes the single highest-score entry. Exactly one entry is
// evicted per insertion at capacity; batch removal only happens in Cleanup.
func (m *UnifiedManager) evictOneLocked(st *store) {
	if len(st.entries) == 0 {
		return
	}

	now := time.Now()

	var victimKey string
	var victim *types.CacheEntry
	best := -1.0

	for key, entry := range st.entries {
		score := st.strategy.Score(entry, now)
		if score > best {
			best = score
			victimKey = key
			victim = entry
		}
	}

	if victim != nil {
		m.removeEntryLocked(st, victimKey, victim)
		st.evictions++

		if m.metrics != nil {
			m.metrics.Counter("cache_evictions_total", map[string]string{
				"strategy": st.strategy.Name(),
			}).Inc()
		}
	}
}

func (m *UnifiedManager) removeEntryLocked(st *store, key string, entry *types.CacheEntry) {
	for _, dep := range entry.Dependencies {
		if dependents, ok := m.pathIndex[dep]; ok {
			delete(dependents, key)
			if len(dependents) == 0 {
				delete(m.pathIndex, dep)
			}
		}
	}

	delete(st.entries, key)
	m.returnEntryToPool(entry)
}

func (m *UnifiedManager) indexDependenciesLocked(key string, cacheType types.CacheType, dependencies []string) {
	for _, dep := range dependencies {
		if m.pathIndex[dep] == nil {
			m.pathIndex[dep] = make(map[string]types.CacheType, 4)
		}
		m.pathIndex[dep][key] = cacheType
	}
}

func (m *UnifiedManager) returnEntryToPool(entry *types.CacheEntry) {
	if entry == nil {
		return
	}

	entry.Key = ""
	entry.Value = nil
	entry.CreatedAt = time.Time{}
	entry.LastAccess = time.Time{}
	entry.AccessCount = 0
	entry.Mtime = time.Time{}
	entry.TTL = 0
	entry.Dependencies = nil
	entry.AccessHistory = entry.AccessHistory[:0]
	entry.Compressed = false
	entry.Size = 0

	m.entryPool.Put(entry)
}

func (m *UnifiedManager) memoryPressure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, st := range m.stores {
		total += len(st.entries)
	}

	capacity := len(m.stores) * m.config.MaxSize
	if capacity == 0 {
		return 0
	}
	return float64(total) / float64(capacity)
}

func (m *UnifiedManager) notify(eventType types.EventType, data interface{}) {
	if ptr := m.events.Load(); ptr != nil {
		(*ptr).Emit(eventType, data)
	}
}

func (m *UnifiedManager) notifyInvalidated(keys []string, reason types.InvalidationReason) {
	if ptr := m.events.Load(); ptr != nil {
		(*ptr).Emit(types.EventCacheInvalidated, &types.CacheInvalidatedPayload{
			Keys:   keys,
			Reason: reason,
		})
	}
}

func estimateSize(value interface{}) int {
	switch v := value.(type) {
	case []byte:
		return len(v)
	case string:
		return len(v)
	default:
		data, err := utils.Marshal(value)
		if err != nil {
			return 0
		}
		return len(data)
	}
}

func compressValue(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestSpeed)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressValue(value interface{}) ([]byte, error) {
	packed, ok := value.([]byte)
	if !ok {
		return nil, types.ErrCacheOperationFailed
	}
	return io.ReadAll(brotli.NewReader(bytes.NewReader(packed)))
}
