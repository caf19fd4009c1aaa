// Package event implements the typed pub/sub layer: a bounded queue with
// drop-on-overflow backpressure, concurrent batch dispatch, workflow
// orchestration and queue health monitoring.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/async"
	"github.com/saiset-co/sai-parse/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultMaxQueueSize = 1000
	DefaultBatchSize    = 10
	DefaultYieldDelay   = 5 * time.Millisecond
)

type queuedEvent struct {
	event      *types.Event
	completion *async.Deferred[struct{}]
}

// WorkflowRunner executes the body of a named workflow against one file path.
// The engine wires it to the task parsing service.
type WorkflowRunner func(ctx context.Context, workflow types.WorkflowType, filePath string) error

type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  *types.EventsConfig
	logger  types.Logger
	metrics types.MetricsManager

	subs   map[types.EventType]map[uuid.UUID]types.EventHandler
	subsMu sync.RWMutex

	queue      chan *queuedEvent
	yieldDelay time.Duration

	runner    atomic.Pointer[WorkflowRunner]
	forwarder atomic.Pointer[func(*types.Event)]

	dropped     uint64
	processed   uint64
	failures    uint64
	procTimeNs  int64
	activeFlows int64

	state     atomic.Value
	batchDone chan struct{}
}

func NewManager(ctx context.Context, logger types.Logger, config *types.EventsConfig, metrics types.MetricsManager) (*Manager, error) {
	if config == nil {
		config = &types.EventsConfig{}
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultMaxQueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}

	yieldDelay := DefaultYieldDelay
	if config.YieldDelayMs > 0 {
		yieldDelay = time.Duration(config.YieldDelayMs) * time.Millisecond
	}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:        managerCtx,
		cancel:     cancel,
		config:     config,
		logger:     logger,
		metrics:    metrics,
		subs:       make(map[types.EventType]map[uuid.UUID]types.EventHandler),
		queue:      make(chan *queuedEvent, config.MaxQueueSize),
		yieldDelay: yieldDelay,
		batchDone:  make(chan struct{}),
	}

	m.state.Store(StateStopped)

	return m, nil
}

// SetWorkflowRunner installs the workflow body executor.
func (m *Manager) SetWorkflowRunner(runner WorkflowRunner) {
	m.runner.Store(&runner)
}

// SetForwarder installs a hook invoked for every dispatched event, used by
// the websocket bridge to mirror events to a host collaborator.
func (m *Manager) SetForwarder(forward func(*types.Event)) {
	m.forwarder.Store(&forward)
}

func (m *Manager) Subscribe(eventType types.EventType, handler types.EventHandler) types.Subscription {
	sub := types.Subscription{ID: uuid.New(), Type: eventType}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	if m.subs[eventType] == nil {
		m.subs[eventType] = make(map[uuid.UUID]types.EventHandler, 4)
	}
	m.subs[eventType][sub.ID] = handler

	if m.config.Debug {
		m.logger.Debug("Listener subscribed",
			zap.String("event_type", string(eventType)),
			zap.String("subscription", sub.ID.String()))
	}

	return sub
}

func (m *Manager) Unsubscribe(sub types.Subscription) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	handlers, ok := m.subs[sub.Type]
	if !ok {
		return types.ErrSubscriptionNotFound
	}
	if _, ok := handlers[sub.ID]; !ok {
		return types.ErrSubscriptionNotFound
	}

	delete(handlers, sub.ID)
	if len(handlers) == 0 {
		delete(m.subs, sub.Type)
	}

	return nil
}

// Emit queues an event for batched dispatch. At capacity the event is dropped
// and counted; the caller is never blocked and never sees the drop as an
// error.
func (m *Manager) Emit(eventType types.EventType, data interface{}) *async.Deferred[struct{}] {
	if eventType == "" {
		return async.Rejected[struct{}](types.ErrEventTypeEmpty)
	}
	if !m.IsRunning() {
		return async.Rejected[struct{}](types.ErrEventManagerStopped)
	}

	qe := &queuedEvent{
		event: &types.Event{
			ID:         uuid.New(),
			Type:       eventType,
			Data:       data,
			EnqueuedAt: time.Now(),
		},
		completion: async.NewDeferred[struct{}](),
	}

	select {
	case m.queue <- qe:
		return qe.completion
	default:
		atomic.AddUint64(&m.dropped, 1)
		if m.config.Debug {
			m.logger.Warn("Event queue full, dropping event",
				zap.String("event_type", string(eventType)))
		}
		return async.Resolved(struct{}{})
	}
}

// EmitSync dispatches immediately on the caller's goroutine. Listener errors
// propagate to the caller; there is no queueing and no backpressure.
func (m *Manager) EmitSync(eventType types.EventType, data interface{}) error {
	if eventType == "" {
		return types.ErrEventTypeEmpty
	}

	event := &types.Event{
		ID:         uuid.New(),
		Type:       eventType,
		Data:       data,
		EnqueuedAt: time.Now(),
	}

	return m.dispatch(event)
}

func (m *Manager) DroppedEvents() uint64 {
	return atomic.LoadUint64(&m.dropped)
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		m.logger.Warn("Event manager is already running")
		return types.ErrAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	go m.batchLoop()

	m.logger.Info("Event manager started",
		zap.Int("max_queue_size", m.config.MaxQueueSize),
		zap.Int("batch_size", m.config.BatchSize))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		m.logger.Warn("Event manager is not running")
		return types.ErrNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.cancel()

	select {
	case <-m.batchDone:
		m.logger.Debug("Batch loop stopped")
	case <-time.After(5 * time.Second):
		m.logger.Warn("Batch loop stop timeout")
	}

	// Pending events are rejected so no caller waits forever.
	for {
		select {
		case qe := <-m.queue:
			qe.completion.Reject(types.ErrEventManagerStopped)
		default:
			m.logger.Info("Event manager stopped")
			return nil
		}
	}
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// batchLoop repeatedly drains up to batchSize events, dispatches them
// concurrently, then yields briefly so queued scheduler work is not starved.
func (m *Manager) batchLoop() {
	defer close(m.batchDone)

	for {
		batch := m.collectBatch()
		if batch == nil {
			return
		}

		var wg sync.WaitGroup
		for _, qe := range batch {
			wg.Add(1)
			go func(qe *queuedEvent) {
				defer wg.Done()
				if err := m.dispatch(qe.event); err != nil {
					qe.completion.Reject(err)
					return
				}
				qe.completion.Resolve(struct{}{})
			}(qe)
		}
		wg.Wait()

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(m.yieldDelay):
		}
	}
}

// collectBatch blocks for the first event, then greedily takes up to
// batchSize-1 more without blocking. Returns nil on shutdown.
func (m *Manager) collectBatch() []*queuedEvent {
	var first *queuedEvent

	select {
	case <-m.ctx.Done():
		return nil
	case first = <-m.queue:
	}

	batch := make([]*queuedEvent, 0, m.config.BatchSize)
	batch = append(batch, first)

	for len(batch) < m.config.BatchSize {
		select {
		case qe := <-m.queue:
			batch = append(batch, qe)
		default:
			return batch
		}
	}

	return batch
}

// dispatch runs every listener for the event's type. The first listener error
// is returned; remaining listeners still run.
func (m *Manager) dispatch(event *types.Event) error {
	start := time.Now()

	m.subsMu.RLock()
	handlers := make([]types.EventHandler, 0, len(m.subs[event.Type]))
	for _, handler := range m.subs[event.Type] {
		handlers = append(handlers, handler)
	}
	m.subsMu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			m.logger.Error("Event listener failed",
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}

	if fwd := m.forwarder.Load(); fwd != nil {
		(*fwd)(event)
	}

	duration := time.Since(start)
	atomic.AddUint64(&m.processed, 1)
	atomic.AddInt64(&m.procTimeNs, duration.Nanoseconds())
	if firstErr != nil {
		atomic.AddUint64(&m.failures, 1)
	}

	if m.config.EnableProfiling && m.metrics != nil {
		m.metrics.Histogram("event_dispatch_duration_seconds",
			[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
			map[string]string{"event_type": string(event.Type)},
		).Observe(duration.Seconds())
	}

	return firstErr
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	return m.state.CompareAndSwap(m.getState(), newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}
