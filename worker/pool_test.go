package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/async"
	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
)

func newTestPool(t *testing.T, config *types.WorkerConfig, executor ExecutorFunc) *Pool {
	t.Helper()

	if config == nil {
		config = &types.WorkerConfig{MaxWorkers: 2, MinWorkers: 1}
	}

	p, err := NewPool(context.Background(), logger.NewZapWrapper(zap.NewNop()), config, executor, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		_ = p.Stop()
	})
	return p
}

func parseMsg(path string) *types.TaskMessage {
	return &types.TaskMessage{
		Type:     types.TaskMessageParse,
		Request:  &types.ParseRequest{FilePath: path},
		Priority: types.PriorityNormal,
	}
}

func TestPoolRequiresExecutor(t *testing.T) {
	_, err := NewPool(context.Background(), logger.NewZapWrapper(zap.NewNop()), nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrExecutorIsNil)
}

func TestPoolExecutesTask(t *testing.T) {
	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		return &types.ParseResult{
			FilePath:   msg.Request.FilePath,
			ParserType: types.ParserMarkdown,
		}, nil
	})

	resp, err := p.ExecuteTask(parseMsg("notes/a.md"), time.Second).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "notes/a.md", resp.Result.FilePath)
	assert.NotZero(t, resp.TaskID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Completed)
}

func TestPoolRejectsNilAndStopped(t *testing.T) {
	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		return nil, nil
	})

	_, err := p.ExecuteTask(nil, time.Second).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrTaskIsNil)

	require.NoError(t, p.Stop())

	_, err = p.ExecuteTask(parseMsg("a.md"), time.Second).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolShuttingDown)
}

func TestPoolTaskTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	_, err := p.ExecuteTask(parseMsg("slow.md"), 50*time.Millisecond).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrTaskTimeout)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.TimedOut)
}

func TestPoolExecutorFailure(t *testing.T) {
	wantErr := errors.New("parser crashed")
	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		return nil, wantErr
	})

	msg := parseMsg("bad.md")
	_, err := p.ExecuteTask(msg, time.Second).Wait(context.Background())
	assert.ErrorIs(t, err, wantErr)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPoolRetryableTaskRequeued(t *testing.T) {
	var attempts int32
	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("transient")
		}
		return &types.ParseResult{FilePath: msg.Request.FilePath}, nil
	})

	msg := parseMsg("flaky.md")
	msg.Retryable = true

	resp, err := p.ExecuteTask(msg, time.Second).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "flaky.md", resp.Result.FilePath)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestPoolScalesToMaxWorkers(t *testing.T) {
	var running int32
	var peak int32
	release := make(chan struct{})

	p := newTestPool(t, &types.WorkerConfig{MaxWorkers: 3, MinWorkers: 1}, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return &types.ParseResult{}, nil
	})

	var futures []*async.Deferred[*types.TaskResponse]
	for i := 0; i < 6; i++ {
		futures = append(futures, p.ExecuteTask(parseMsg("f.md"), 5*time.Second))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&running) == 3
	}, 2*time.Second, 10*time.Millisecond)

	close(release)

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&peak))
}

func TestPoolPriorityOrdering(t *testing.T) {
	var order []string
	var orderMu sync.Mutex
	gate := make(chan struct{})

	p := newTestPool(t, &types.WorkerConfig{MaxWorkers: 1, MinWorkers: 1}, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		if msg.Request.FilePath == "gate.md" {
			<-gate
			return &types.ParseResult{}, nil
		}
		orderMu.Lock()
		order = append(order, msg.Request.FilePath)
		orderMu.Unlock()
		return &types.ParseResult{}, nil
	})

	// Occupy the single worker so the rest queue up.
	gateFuture := p.ExecuteTask(parseMsg("gate.md"), 5*time.Second)
	time.Sleep(50 * time.Millisecond)

	low := parseMsg("low.md")
	low.Priority = types.PriorityLow
	high := parseMsg("high.md")
	high.Priority = types.PriorityHigh

	lowFuture := p.ExecuteTask(low, 5*time.Second)
	highFuture := p.ExecuteTask(high, 5*time.Second)

	close(gate)

	ctx := context.Background()
	_, err := gateFuture.Wait(ctx)
	require.NoError(t, err)
	_, err = lowFuture.Wait(ctx)
	require.NoError(t, err)
	_, err = highFuture.Wait(ctx)
	require.NoError(t, err)

	orderMu.Lock()
	defer orderMu.Unlock()
	assert.Equal(t, []string{"high.md", "low.md"}, order)
}

func TestPoolStopRejectsPending(t *testing.T) {
	block := make(chan struct{})

	p := newTestPool(t, &types.WorkerConfig{MaxWorkers: 1, MinWorkers: 1, TerminationTimeoutMs: 100}, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	inflight := p.ExecuteTask(parseMsg("busy.md"), 10*time.Second)
	time.Sleep(50 * time.Millisecond)
	queued := p.ExecuteTask(parseMsg("queued.md"), 10*time.Second)

	require.NoError(t, p.Stop())
	close(block)

	_, err := inflight.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolShuttingDown)

	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolShuttingDown)
}

func TestPoolStopIdempotent(t *testing.T) {
	p := newTestPool(t, nil, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		return &types.ParseResult{}, nil
	})

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

func TestPoolWorkerRecycledAfterTaskBudget(t *testing.T) {
	p := newTestPool(t, &types.WorkerConfig{MaxWorkers: 1, MinWorkers: 1, MaxTasksPerWorker: 2}, func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
		return &types.ParseResult{}, nil
	})

	for i := 0; i < 4; i++ {
		_, err := p.ExecuteTask(parseMsg("n.md"), time.Second).Wait(context.Background())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Completed == 4 && stats.Replaced >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
