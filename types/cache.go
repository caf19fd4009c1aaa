package types

import (
	"regexp"
	"time"
)

// CacheType is a closed enumeration of the logical cache partitions. Each
// partition owns its own size bound and eviction strategy.
type CacheType int

const (
	CacheTaskParse CacheType = iota
	CacheFileMeta
	CacheProjectConfig
	CacheWorkflow
)

var cacheTypeNames = map[CacheType]string{
	CacheTaskParse:     "task_parse",
	CacheFileMeta:      "file_meta",
	CacheProjectConfig: "project_config",
	CacheWorkflow:      "workflow",
}

func (ct CacheType) String() string {
	if name, ok := cacheTypeNames[ct]; ok {
		return name
	}
	return "unknown"
}

func (ct CacheType) Valid() bool {
	_, ok := cacheTypeNames[ct]
	return ok
}

// TTLOriented reports whether entries of this type are evicted strictly by
// elapsed time since creation rather than by recency of use.
func (ct CacheType) TTLOriented() bool {
	return ct == CacheFileMeta || ct == CacheProjectConfig
}

func AllCacheTypes() []CacheType {
	return []CacheType{CacheTaskParse, CacheFileMeta, CacheProjectConfig, CacheWorkflow}
}

type CacheEntry struct {
	Key           string
	Value         interface{}
	CreatedAt     time.Time
	LastAccess    time.Time
	AccessCount   uint32
	Mtime         time.Time
	TTL           time.Duration
	Dependencies  []string
	AccessHistory []time.Time
	Compressed    bool
	Size          int
}

// Expired reports whether the entry must be treated as absent. An entry with
// TTL set expires once now-CreatedAt exceeds it, regardless of access pattern.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

type SetOptions struct {
	Mtime        time.Time
	TTL          time.Duration
	Dependencies []string
}

type InvalidationReason string

const (
	InvalidationFileModified InvalidationReason = "file_modified"
	InvalidationPatternMatch InvalidationReason = "pattern_match"
	InvalidationBatch        InvalidationReason = "batch_invalidation"
	InvalidationManual       InvalidationReason = "manual"
)

// EvictionStrategy scores and selects entries for removal under a size or
// memory-pressure constraint. Higher score means evict first.
type EvictionStrategy interface {
	Name() string
	OnAccess(entry *CacheEntry, now time.Time)
	Evictable(entry *CacheEntry, now time.Time, pressure float64) bool
	Score(entry *CacheEntry, now time.Time) float64
}

type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Entries   int    `json:"entries"`
	MaxSize   int    `json:"max_size"`
}

type CacheHealth struct {
	Healthy        bool    `json:"healthy"`
	MemoryPressure float64 `json:"memory_pressure"`
	HitRatio       float64 `json:"hit_ratio"`
	TotalEntries   int     `json:"total_entries"`
}

type CacheManager interface {
	LifecycleManager
	Get(key string, cacheType CacheType) (interface{}, bool)
	Set(key string, value interface{}, cacheType CacheType, opts *SetOptions) error
	Delete(key string, cacheType CacheType) bool
	Has(key string, cacheType CacheType) bool
	ValidateMtime(key string, cacheType CacheType, mtime time.Time) bool
	Clear(cacheTypes ...CacheType)
	InvalidateByPath(path string) int
	InvalidateByPattern(pattern *regexp.Regexp) int
	BatchInvalidate(paths []string) int
	BuildKey(filePath string, parserType ParserType, mtime time.Time) string
	Cleanup() int
	Stats() map[CacheType]CacheStats
	HealthStatus() CacheHealth
}
