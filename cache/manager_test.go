package cache

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
)

func newTestCache(t *testing.T, config *types.CacheConfig) *UnifiedManager {
	t.Helper()

	if config == nil {
		config = &types.CacheConfig{
			MaxSize:               100,
			EnableLRU:             true,
			EnableMtimeValidation: true,
		}
	}

	m, err := NewUnifiedManager(context.Background(), logger.NewZapWrapper(zap.NewNop()), config, nil)
	require.NoError(t, err)
	return m
}

func TestCacheSetGet(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("notes/a.md|markdown|1", "parsed", types.CacheTaskParse, nil))

	value, ok := m.Get("notes/a.md|markdown|1", types.CacheTaskParse)
	require.True(t, ok)
	assert.Equal(t, "parsed", value)

	_, ok = m.Get("missing", types.CacheTaskParse)
	assert.False(t, ok)

	stats := m.Stats()[types.CacheTaskParse]
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheEmptyKeyRejected(t *testing.T) {
	m := newTestCache(t, nil)

	err := m.Set("", "value", types.CacheTaskParse, nil)
	assert.ErrorIs(t, err, types.ErrCacheKeyEmpty)
}

func TestCacheTTLExpiry(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("meta", "stat", types.CacheFileMeta, &types.SetOptions{
		TTL: 10 * time.Millisecond,
	}))

	_, ok := m.Get("meta", types.CacheFileMeta)
	require.True(t, ok)

	time.Sleep(25 * time.Millisecond)

	_, ok = m.Get("meta", types.CacheFileMeta)
	assert.False(t, ok)
	assert.False(t, m.Has("meta", types.CacheFileMeta))

	stats := m.Stats()[types.CacheFileMeta]
	assert.Equal(t, uint64(1), stats.Expired)
}

func TestCacheValidateMtime(t *testing.T) {
	mtime := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		validation bool
		setOpts    *types.SetOptions
		key        string
		checkMtime time.Time
		want       bool
	}{
		{"disabled validation always passes", false, &types.SetOptions{Mtime: mtime}, "k", mtime.Add(time.Hour), true},
		{"exact match", true, &types.SetOptions{Mtime: mtime}, "k", mtime, true},
		{"mismatch", true, &types.SetOptions{Mtime: mtime}, "k", mtime.Add(time.Second), false},
		{"no stored mtime passes", true, nil, "k", mtime, true},
		{"missing key fails", true, &types.SetOptions{Mtime: mtime}, "other", mtime, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestCache(t, &types.CacheConfig{
				MaxSize:               10,
				EnableMtimeValidation: tt.validation,
			})

			require.NoError(t, m.Set("k", "v", types.CacheTaskParse, tt.setOpts))
			assert.Equal(t, tt.want, m.ValidateMtime(tt.key, types.CacheTaskParse, tt.checkMtime))
		})
	}
}

func TestCacheEvictsOneAtCapacity(t *testing.T) {
	m := newTestCache(t, &types.CacheConfig{MaxSize: 2, EnableLRU: true})

	require.NoError(t, m.Set("a", 1, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("b", 2, types.CacheTaskParse, nil))

	// Touch "b" so "a" is the colder victim.
	_, ok := m.Get("b", types.CacheTaskParse)
	require.True(t, ok)

	require.NoError(t, m.Set("c", 3, types.CacheTaskParse, nil))

	stats := m.Stats()[types.CacheTaskParse]
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.True(t, m.Has("c", types.CacheTaskParse))
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	m := newTestCache(t, &types.CacheConfig{MaxSize: 2, EnableLRU: true})

	require.NoError(t, m.Set("a", 1, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("b", 2, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("a", 10, types.CacheTaskParse, nil))

	stats := m.Stats()[types.CacheTaskParse]
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(0), stats.Evictions)

	value, ok := m.Get("a", types.CacheTaskParse)
	require.True(t, ok)
	assert.Equal(t, 10, value)
}

func TestCacheInvalidateByPath(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("result-1", "r1", types.CacheTaskParse, &types.SetOptions{
		Dependencies: []string{"notes/a.md"},
	}))
	require.NoError(t, m.Set("notes/b.md|markdown|ff", "r2", types.CacheTaskParse, nil))
	require.NoError(t, m.Set("unrelated", "r3", types.CacheTaskParse, nil))

	// Dependency hit.
	assert.Equal(t, 1, m.InvalidateByPath("notes/a.md"))
	assert.False(t, m.Has("result-1", types.CacheTaskParse))

	// Key substring hit.
	assert.Equal(t, 1, m.InvalidateByPath("notes/b.md"))
	assert.False(t, m.Has("notes/b.md|markdown|ff", types.CacheTaskParse))

	assert.True(t, m.Has("unrelated", types.CacheTaskParse))
	assert.Equal(t, 0, m.InvalidateByPath("notes/a.md"))
}

func TestCacheBatchInvalidate(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("x|1", 1, types.CacheTaskParse, &types.SetOptions{Dependencies: []string{"x"}}))
	require.NoError(t, m.Set("y|1", 2, types.CacheTaskParse, &types.SetOptions{Dependencies: []string{"y"}}))

	assert.Equal(t, 2, m.BatchInvalidate([]string{"x", "y", "z"}))
}

func TestCacheInvalidateByPattern(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("daily/2026-08-20.md|markdown|a", 1, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("daily/2026-08-21.md|markdown|b", 2, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("board.canvas|canvas|c", 3, types.CacheTaskParse, nil))

	removed := m.InvalidateByPattern(regexp.MustCompile(`^daily/`))
	assert.Equal(t, 2, removed)
	assert.True(t, m.Has("board.canvas|canvas|c", types.CacheTaskParse))

	assert.Equal(t, 0, m.InvalidateByPattern(nil))
}

func TestCacheDeleteIdempotent(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("k", "v", types.CacheTaskParse, nil))

	assert.True(t, m.Delete("k", types.CacheTaskParse))
	assert.False(t, m.Delete("k", types.CacheTaskParse))
}

func TestCacheClear(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("a", 1, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("b", 2, types.CacheWorkflow, nil))

	m.Clear(types.CacheTaskParse)
	assert.False(t, m.Has("a", types.CacheTaskParse))
	assert.True(t, m.Has("b", types.CacheWorkflow))

	m.Clear()
	assert.False(t, m.Has("b", types.CacheWorkflow))
}

func TestCacheCompressionRoundTrip(t *testing.T) {
	m := newTestCache(t, &types.CacheConfig{
		MaxSize:           10,
		CompressThreshold: 64,
	})

	payload := bytes.Repeat([]byte("frontmatter: value\n"), 100)
	require.NoError(t, m.Set("big", payload, types.CacheTaskParse, nil))

	value, ok := m.Get("big", types.CacheTaskParse)
	require.True(t, ok)
	assert.Equal(t, payload, value)
}

func TestCacheBuildKey(t *testing.T) {
	m := newTestCache(t, nil)
	mtime := time.Now()

	key := m.BuildKey("notes/a.md", types.ParserMarkdown, mtime)

	assert.True(t, strings.HasPrefix(key, "notes/a.md|markdown|"))
	assert.Equal(t, key, m.BuildKey("notes/a.md", types.ParserMarkdown, mtime))
	assert.NotEqual(t, key, m.BuildKey("notes/a.md", types.ParserMarkdown, mtime.Add(time.Second)))
	assert.NotEqual(t, key, m.BuildKey("notes/a.md", types.ParserCanvas, mtime))
}

func TestCacheCleanupRemovesExpired(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("short", 1, types.CacheTaskParse, &types.SetOptions{TTL: 5 * time.Millisecond}))
	require.NoError(t, m.Set("long", 2, types.CacheTaskParse, &types.SetOptions{TTL: time.Hour}))

	time.Sleep(15 * time.Millisecond)

	assert.Equal(t, 1, m.Cleanup())
	assert.True(t, m.Has("long", types.CacheTaskParse))
}

func TestCacheLifecycle(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrAlreadyRunning)

	require.NoError(t, m.Set("k", "v", types.CacheTaskParse, nil))

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), types.ErrNotRunning)

	// Stop clears all stores.
	assert.False(t, m.Has("k", types.CacheTaskParse))
}

func TestCacheFileChangeHandler(t *testing.T) {
	m := newTestCache(t, nil)

	require.NoError(t, m.Set("notes/a.md|markdown|1", 1, types.CacheTaskParse, nil))
	require.NoError(t, m.Set("notes/b.md|markdown|1", 2, types.CacheTaskParse, nil))

	m.OnModify("notes/a.md", time.Now())
	assert.False(t, m.Has("notes/a.md|markdown|1", types.CacheTaskParse))

	m.OnRename("notes/b.md", "notes/c.md")
	assert.False(t, m.Has("notes/b.md|markdown|1", types.CacheTaskParse))
}
