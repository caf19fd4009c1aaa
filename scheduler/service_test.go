package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/cache"
	"github.com/saiset-co/sai-parse/event"
	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/worker"
)

type harness struct {
	scheduler *TaskParsingService
	cache     *cache.UnifiedManager
	events    *event.Manager
	attempts  int32
}

// newHarness wires a scheduler over a real cache, event manager and worker
// pool. The executor fails as long as failures returns true for the path.
func newHarness(t *testing.T, config *types.SchedulerConfig, failures func(path string, attempt int32) error) *harness {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())
	ctx := context.Background()

	cacheManager, err := cache.NewUnifiedManager(ctx, log, &types.CacheConfig{
		MaxSize:               100,
		EnableLRU:             true,
		EnableMtimeValidation: true,
	}, nil)
	require.NoError(t, err)

	eventManager, err := event.NewManager(ctx, log, nil, nil)
	require.NoError(t, err)
	require.NoError(t, eventManager.Start())
	t.Cleanup(func() { _ = eventManager.Stop() })

	h := &harness{cache: cacheManager, events: eventManager}

	pool, err := worker.NewPool(ctx, log, &types.WorkerConfig{MaxWorkers: 4, MinWorkers: 1},
		func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
			attempt := atomic.AddInt32(&h.attempts, 1)
			if failures != nil {
				if err := failures(msg.Request.FilePath, attempt); err != nil {
					return nil, err
				}
			}
			return &types.ParseResult{
				FilePath:   msg.Request.FilePath,
				ParserType: types.ParserMarkdown,
				Data:       "parsed",
				Mtime:      msg.Request.Mtime,
				ParsedAt:   time.Now(),
			}, nil
		}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop() })

	if config == nil {
		config = &types.SchedulerConfig{BatchTimeoutMs: 20}
	}

	s, err := NewTaskParsingService(ctx, log, config, cacheManager, eventManager, pool, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	h.scheduler = s
	return h
}

func TestParseTaskValidation(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.scheduler.ParseTask(context.Background(), nil).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = h.scheduler.ParseTask(context.Background(), &types.ParseRequest{}).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestParseTaskExecutesAndCaches(t *testing.T) {
	h := newHarness(t, nil, nil)

	req := &types.ParseRequest{
		FilePath:   "notes/a.md",
		ParserType: types.ParserMarkdown,
		Mtime:      time.Now(),
	}

	result, err := h.scheduler.ParseTask(context.Background(), req).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", result.FilePath)
	assert.False(t, result.FromCache)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.attempts))

	// Second request with the same path, parser and mtime is answered from the
	// cache without touching the pool.
	cached, err := h.scheduler.ParseTask(context.Background(), req).Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.attempts))

	stats := h.scheduler.Stats()
	assert.Equal(t, uint64(2), stats.TotalTasks)
	assert.Equal(t, uint64(2), stats.CompletedTasks)
	assert.Greater(t, stats.CacheHitRate, 0.0)
}

func TestParseTaskStaleMtimeBypassesCache(t *testing.T) {
	h := newHarness(t, nil, nil)

	mtime := time.Now()
	first := &types.ParseRequest{FilePath: "notes/a.md", ParserType: types.ParserMarkdown, Mtime: mtime}

	_, err := h.scheduler.ParseTask(context.Background(), first).Wait(context.Background())
	require.NoError(t, err)

	// A newer mtime builds a different key, so the stale entry cannot answer.
	changed := &types.ParseRequest{FilePath: "notes/a.md", ParserType: types.ParserMarkdown, Mtime: mtime.Add(time.Second)}

	result, err := h.scheduler.ParseTask(context.Background(), changed).Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.attempts))
}

func TestParseTaskRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, &types.SchedulerConfig{BatchTimeoutMs: 20, MaxRetries: 2},
		func(path string, attempt int32) error {
			if attempt == 1 {
				return errors.New("transient parser error")
			}
			return nil
		})

	retried := make(chan struct{}, 4)
	h.events.Subscribe(types.EventParseRetried, func(event *types.Event) error {
		retried <- struct{}{}
		return nil
	})

	result, err := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{
		FilePath: "notes/flaky.md",
	}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "notes/flaky.md", result.FilePath)

	select {
	case <-retried:
	case <-time.After(time.Second):
		t.Fatal("retry event never emitted")
	}

	stats := h.scheduler.Stats()
	assert.Equal(t, uint64(1), stats.RetriedTasks)
	assert.Equal(t, uint64(1), stats.CompletedTasks)
}

func TestParseTaskRetriesExhausted(t *testing.T) {
	h := newHarness(t, &types.SchedulerConfig{BatchTimeoutMs: 20, MaxRetries: 1},
		func(path string, attempt int32) error {
			return errors.New("permanent parser error")
		})

	_, err := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{
		FilePath: "notes/broken.md",
	}).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrRetriesExhausted)

	stats := h.scheduler.Stats()
	assert.Equal(t, uint64(1), stats.FailedTasks)
	assert.Equal(t, uint64(1), stats.RetriedTasks)
}

func TestParseBatchAggregates(t *testing.T) {
	h := newHarness(t, &types.SchedulerConfig{BatchTimeoutMs: 20, MaxRetries: 1},
		func(path string, attempt int32) error {
			if path == "bad.md" {
				return errors.New("unparseable")
			}
			return nil
		})

	result, err := h.scheduler.ParseBatch(context.Background(), []*types.ParseRequest{
		{FilePath: "a.md"},
		{FilePath: "bad.md"},
		{FilePath: "b.md"},
	}).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Results, 2)
	assert.Contains(t, result.Errors, "bad.md")
}

func TestFullBatchLaunchesImmediately(t *testing.T) {
	// Batch timeout far beyond the test: only the full-batch path can launch.
	h := newHarness(t, &types.SchedulerConfig{MaxBatchSize: 2, BatchTimeoutMs: 60000}, nil)

	first := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "a.md"})
	second := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "b.md"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := first.Wait(ctx)
	require.NoError(t, err)
	_, err = second.Wait(ctx)
	require.NoError(t, err)
}

func TestClearQueue(t *testing.T) {
	h := newHarness(t, &types.SchedulerConfig{MaxBatchSize: 50, BatchTimeoutMs: 60000}, nil)

	first := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "a.md"})
	second := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "b.md"})

	assert.Equal(t, 2, h.scheduler.ClearQueue())
	assert.Equal(t, 0, h.scheduler.ClearQueue())

	_, err := first.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrQueueCleared)
	_, err = second.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrQueueCleared)
}

func TestStopDrainsPending(t *testing.T) {
	h := newHarness(t, &types.SchedulerConfig{MaxBatchSize: 50, BatchTimeoutMs: 60000}, nil)

	pending := h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "a.md"})

	require.NoError(t, h.scheduler.Stop())

	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrSchedulerStopped)

	_, err = h.scheduler.ParseTask(context.Background(), &types.ParseRequest{FilePath: "b.md"}).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrSchedulerStopped)

	assert.ErrorIs(t, h.scheduler.Stop(), types.ErrNotRunning)
}
