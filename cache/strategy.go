package cache

import (
	"math"
	"time"

	"github.com/saiset-co/sai-parse/types"
)

const accessHistorySize = 16

// LRU idle thresholds by memory pressure band. Aggressiveness scales with
// pressure: the fuller the caches, the shorter an entry may sit unused.
const (
	idleCritical = 10 * time.Second
	idleHigh     = 30 * time.Second
	idleMedium   = 120 * time.Second
	idleLow      = 600 * time.Second

	minAccessFrequency = 0.001
)

type lruStrategy struct{}

// NewLRUStrategy returns the adaptive LRU policy: eviction eligibility scales
// with memory pressure, and victim selection uses a weighted score of recency,
// inverse access frequency, age and estimated serialized size.
func NewLRUStrategy() types.EvictionStrategy {
	return &lruStrategy{}
}

func (s *lruStrategy) Name() string {
	return "lru_adaptive"
}

func (s *lruStrategy) OnAccess(entry *types.CacheEntry, now time.Time) {
	entry.LastAccess = now
	entry.AccessCount++

	if len(entry.AccessHistory) < accessHistorySize {
		entry.AccessHistory = append(entry.AccessHistory, now)
		return
	}

	copy(entry.AccessHistory, entry.AccessHistory[1:])
	entry.AccessHistory[accessHistorySize-1] = now
}

func (s *lruStrategy) Evictable(entry *types.CacheEntry, now time.Time, pressure float64) bool {
	idle := now.Sub(entry.LastAccess)

	switch {
	case pressure > 0.9:
		return idle > idleCritical || accessFrequency(entry, now) < minAccessFrequency
	case pressure > 0.8:
		return idle > idleHigh
	case pressure > 0.6:
		return idle > idleMedium
	default:
		return idle > idleLow
	}
}

// Score is a weighted sum: 40% recency, 30% inverse access frequency,
// 20% total age, 10% estimated serialized size. Higher means evict first.
func (s *lruStrategy) Score(entry *types.CacheEntry, now time.Time) float64 {
	idle := now.Sub(entry.LastAccess).Seconds()
	age := now.Sub(entry.CreatedAt).Seconds()

	recency := clamp01(idle / idleLow.Seconds())
	inverseFreq := clamp01(1 - accessFrequency(entry, now)/0.1)
	ageScore := clamp01(age / 3600)
	sizeScore := clamp01(float64(entry.Size) / float64(1<<20))

	return 0.4*recency + 0.3*inverseFreq + 0.2*ageScore + 0.1*sizeScore
}

// accessFrequency is accesses per second over the entry lifetime.
func accessFrequency(entry *types.CacheEntry, now time.Time) float64 {
	age := now.Sub(entry.CreatedAt).Seconds()
	if age <= 0 {
		return math.Inf(1)
	}
	return float64(entry.AccessCount) / age
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type ttlStrategy struct {
	defaultTTL time.Duration
}

// NewTTLStrategy returns the time-to-live policy: entries are scored strictly
// by elapsed time since creation, lower remaining time meaning higher eviction
// priority. Expired entries are treated as absent regardless of access
// pattern.
func NewTTLStrategy(defaultTTL time.Duration) types.EvictionStrategy {
	return &ttlStrategy{defaultTTL: defaultTTL}
}

func (s *ttlStrategy) Name() string {
	return "ttl"
}

func (s *ttlStrategy) OnAccess(entry *types.CacheEntry, now time.Time) {
	entry.LastAccess = now
	entry.AccessCount++
}

func (s *ttlStrategy) Evictable(entry *types.CacheEntry, now time.Time, pressure float64) bool {
	return s.remaining(entry, now) <= 0
}

func (s *ttlStrategy) Score(entry *types.CacheEntry, now time.Time) float64 {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		return 0
	}

	remaining := s.remaining(entry, now)
	if remaining <= 0 {
		return 2
	}

	return 1 - clamp01(remaining.Seconds()/ttl.Seconds())
}

func (s *ttlStrategy) remaining(entry *types.CacheEntry, now time.Time) time.Duration {
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return ttl - now.Sub(entry.CreatedAt)
}
