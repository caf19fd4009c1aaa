package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/types"
)

func newTestManager(t *testing.T, config *types.EventsConfig) *Manager {
	t.Helper()

	m, err := NewManager(context.Background(), logger.NewZapWrapper(zap.NewNop()), config, nil)
	require.NoError(t, err)
	return m
}

func startedManager(t *testing.T, config *types.EventsConfig) *Manager {
	t.Helper()

	m := newTestManager(t, config)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		_ = m.Stop()
	})
	return m
}

func TestEmitDeliversToSubscribers(t *testing.T) {
	m := startedManager(t, nil)

	received := make(chan interface{}, 1)
	m.Subscribe(types.EventParseCompleted, func(event *types.Event) error {
		received <- event.Data
		return nil
	})

	_, err := m.Emit(types.EventParseCompleted, "notes/a.md").Wait(context.Background())
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, "notes/a.md", data)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestEmitValidation(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Emit("", nil).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrEventTypeEmpty)

	// Not started yet.
	_, err = m.Emit(types.EventParseStarted, nil).Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrEventManagerStopped)
}

func TestEmitDropsOnOverflow(t *testing.T) {
	m := newTestManager(t, &types.EventsConfig{MaxQueueSize: 2, BatchSize: 1})

	// Running state without the batch loop, so nothing drains the queue.
	m.state.Store(StateRunning)

	m.Emit(types.EventCacheHit, 1)
	m.Emit(types.EventCacheHit, 2)

	overflow := m.Emit(types.EventCacheHit, 3)

	// Dropped events resolve immediately so emitters are never blocked.
	assert.True(t, overflow.Settled())
	assert.Equal(t, uint64(1), m.DroppedEvents())
}

func TestEmitSyncPropagatesListenerError(t *testing.T) {
	m := startedManager(t, nil)

	wantErr := errors.New("listener failed")
	var calls int32

	m.Subscribe(types.EventParseFailed, func(event *types.Event) error {
		atomic.AddInt32(&calls, 1)
		return wantErr
	})
	m.Subscribe(types.EventParseFailed, func(event *types.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	err := m.EmitSync(types.EventParseFailed, nil)
	assert.ErrorIs(t, err, wantErr)

	// All listeners run even when one fails.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestUnsubscribe(t *testing.T) {
	m := startedManager(t, nil)

	var calls int32
	sub := m.Subscribe(types.EventCacheHit, func(event *types.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, m.Unsubscribe(sub))
	assert.ErrorIs(t, m.Unsubscribe(sub), types.ErrSubscriptionNotFound)

	require.NoError(t, m.EmitSync(types.EventCacheHit, nil))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestForwarderSeesDispatchedEvents(t *testing.T) {
	m := startedManager(t, nil)

	forwarded := make(chan types.EventType, 1)
	m.SetForwarder(func(event *types.Event) {
		select {
		case forwarded <- event.Type:
		default:
		}
	})

	require.NoError(t, m.EmitSync(types.EventBatchStarted, nil))

	select {
	case eventType := <-forwarded:
		assert.Equal(t, types.EventBatchStarted, eventType)
	case <-time.After(time.Second):
		t.Fatal("forwarder never invoked")
	}
}

func TestStopRejectsPendingEvents(t *testing.T) {
	m := newTestManager(t, &types.EventsConfig{MaxQueueSize: 4, BatchSize: 1})

	// Running state without the batch loop so the event stays queued.
	m.state.Store(StateRunning)
	close(m.batchDone)

	pending := m.Emit(types.EventCacheMiss, nil)

	require.NoError(t, m.Stop())

	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, types.ErrEventManagerStopped)
	assert.False(t, m.IsRunning())
}

func TestLifecycleTransitions(t *testing.T) {
	m := newTestManager(t, nil)

	assert.ErrorIs(t, m.Stop(), types.ErrNotRunning)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrAlreadyRunning)

	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrNotRunning)
}

func TestMonitorHealthCountsProcessed(t *testing.T) {
	m := startedManager(t, nil)

	m.Subscribe(types.EventCacheHit, func(event *types.Event) error { return nil })

	for i := 0; i < 5; i++ {
		require.NoError(t, m.EmitSync(types.EventCacheHit, i))
	}

	health := m.MonitorHealth()
	assert.Equal(t, uint64(5), health.ProcessedEvents)
	assert.Zero(t, health.ErrorRate)
}
