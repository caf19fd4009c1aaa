package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/saiset-co/sai-parse/types"
)

func TestLRUOnAccessHistoryBounded(t *testing.T) {
	strategy := NewLRUStrategy()
	entry := &types.CacheEntry{CreatedAt: time.Now()}

	now := time.Now()
	for i := 0; i < accessHistorySize*2; i++ {
		now = now.Add(time.Second)
		strategy.OnAccess(entry, now)
	}

	assert.Len(t, entry.AccessHistory, accessHistorySize)
	assert.Equal(t, uint32(accessHistorySize*2), entry.AccessCount)
	assert.Equal(t, now, entry.LastAccess)
	assert.Equal(t, now, entry.AccessHistory[accessHistorySize-1])
}

func TestLRUEvictableScalesWithPressure(t *testing.T) {
	strategy := NewLRUStrategy()
	now := time.Now()

	entry := &types.CacheEntry{
		CreatedAt:   now.Add(-10 * time.Minute),
		LastAccess:  now.Add(-time.Minute),
		AccessCount: 100,
	}

	// Idle one minute: safe at low pressure, evictable above the high bands.
	assert.False(t, strategy.Evictable(entry, now, 0.5))
	assert.True(t, strategy.Evictable(entry, now, 0.85))
	assert.True(t, strategy.Evictable(entry, now, 0.95))

	fresh := &types.CacheEntry{
		CreatedAt:   now.Add(-time.Minute),
		LastAccess:  now.Add(-time.Second),
		AccessCount: 100,
	}
	assert.False(t, strategy.Evictable(fresh, now, 0.95))
}

func TestLRUScorePrefersColdEntries(t *testing.T) {
	strategy := NewLRUStrategy()
	now := time.Now()

	cold := &types.CacheEntry{
		CreatedAt:   now.Add(-2 * time.Hour),
		LastAccess:  now.Add(-time.Hour),
		AccessCount: 1,
		Size:        1 << 20,
	}
	hot := &types.CacheEntry{
		CreatedAt:   now.Add(-time.Minute),
		LastAccess:  now.Add(-time.Second),
		AccessCount: 500,
		Size:        128,
	}

	assert.Greater(t, strategy.Score(cold, now), strategy.Score(hot, now))
}

func TestTTLStrategyExpiry(t *testing.T) {
	strategy := NewTTLStrategy(time.Minute)
	now := time.Now()

	live := &types.CacheEntry{CreatedAt: now.Add(-10 * time.Second), TTL: time.Minute}
	expired := &types.CacheEntry{CreatedAt: now.Add(-2 * time.Minute), TTL: time.Minute}

	assert.False(t, strategy.Evictable(live, now, 0))
	assert.True(t, strategy.Evictable(expired, now, 0))

	// Expired entries outrank any live entry regardless of pressure.
	assert.Greater(t, strategy.Score(expired, now), strategy.Score(live, now))
	assert.Equal(t, 2.0, strategy.Score(expired, now))
}

func TestTTLStrategyDefaultTTLFallback(t *testing.T) {
	strategy := NewTTLStrategy(time.Minute)
	now := time.Now()

	// No per-entry TTL: the strategy default applies.
	entry := &types.CacheEntry{CreatedAt: now.Add(-90 * time.Second)}
	assert.True(t, strategy.Evictable(entry, now, 0))

	// No TTL anywhere: never evictable by time.
	eternal := NewTTLStrategy(0)
	assert.False(t, eternal.Evictable(entry, now, 0))
}
