// Package worker manages a bounded set of isolated parse workers. Each
// worker executes one task at a time; the pool scales up to maxWorkers on
// demand, scales idle workers down to minWorkers, health-checks every worker
// on an interval and enforces per-task timeouts.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/async"
	"github.com/saiset-co/sai-parse/queue"
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
	DefaultMaxWorkers          = 4
	DefaultMinWorkers          = 1
	DefaultIdleTimeout         = 60 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultTerminationTimeout  = 5 * time.Second
	DefaultTaskTimeout         = 30 * time.Second

	healthCheckTimeout = 2 * time.Second
	maxMessageRetries  = 3
)

type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	metrics types.MetricsManager

	executor ExecutorFunc

	minWorkers          int
	maxWorkers          int
	idleTimeout         time.Duration
	healthCheckInterval time.Duration
	terminationTimeout  time.Duration
	maxTasksPerWorker   int

	workers map[uuid.UUID]*instance
	mu      sync.Mutex

	pending  *queue.Priority[*assignment]
	inflight map[uuid.UUID]*assignment
	wakeCh   chan struct{}

	completed uint64
	failed    uint64
	timedOut  uint64
	replaced  uint64

	state        atomic.Value
	dispatchDone chan struct{}
}

func NewPool(ctx context.Context, logger types.Logger, config *types.WorkerConfig, executor ExecutorFunc, metrics types.MetricsManager) (*Pool, error) {
	if executor == nil {
		return nil, types.ErrExecutorIsNil
	}
	if config == nil {
		config = &types.WorkerConfig{}
	}

	maxWorkers := config.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	minWorkers := config.MinWorkers
	if minWorkers <= 0 {
		minWorkers = DefaultMinWorkers
	}
	if minWorkers > maxWorkers {
		minWorkers = maxWorkers
	}

	idleTimeout := DefaultIdleTimeout
	if config.IdleTimeoutMs > 0 {
		idleTimeout = time.Duration(config.IdleTimeoutMs) * time.Millisecond
	}
	healthInterval := DefaultHealthCheckInterval
	if config.HealthCheckIntervalMs > 0 {
		healthInterval = time.Duration(config.HealthCheckIntervalMs) * time.Millisecond
	}
	terminationTimeout := DefaultTerminationTimeout
	if config.TerminationTimeoutMs > 0 {
		terminationTimeout = time.Duration(config.TerminationTimeoutMs) * time.Millisecond
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		ctx:                 poolCtx,
		cancel:              cancel,
		logger:              logger,
		metrics:             metrics,
		executor:            executor,
		minWorkers:          minWorkers,
		maxWorkers:          maxWorkers,
		idleTimeout:         idleTimeout,
		healthCheckInterval: healthInterval,
		terminationTimeout:  terminationTimeout,
		maxTasksPerWorker:   config.MaxTasksPerWorker,
		workers:             make(map[uuid.UUID]*instance),
		pending:             queue.NewPriority[*assignment](),
		inflight:            make(map[uuid.UUID]*assignment),
		wakeCh:              make(chan struct{}, 1),
		dispatchDone:        make(chan struct{}),
	}

	p.state.Store(StateStopped)

	return p, nil
}

// ExecuteTask queues a message for execution and returns its future. The
// per-task timeout unconditionally rejects the future; the pool does not
// retry timed-out tasks. Messages marked retryable are re-enqueued on
// executor failure up to a small fixed budget.
func (p *Pool) ExecuteTask(msg *types.TaskMessage, timeout time.Duration) *async.Deferred[*types.TaskResponse] {
	deferred := async.NewDeferred[*types.TaskResponse]()

	if msg == nil {
		deferred.Reject(types.ErrTaskIsNil)
		return deferred
	}
	if !p.IsRunning() {
		deferred.Reject(types.ErrPoolShuttingDown)
		return deferred
	}

	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	a := &assignment{
		msg:      msg,
		timeout:  timeout,
		deferred: deferred,
	}

	p.pending.Push(a, msg.Priority, msg.EnqueuedAt)
	p.wake()

	return deferred
}

func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := types.PoolStats{
		Workers:     len(p.workers),
		QueueLength: p.pending.Len(),
		Completed:   atomic.LoadUint64(&p.completed),
		Failed:      atomic.LoadUint64(&p.failed),
		TimedOut:    atomic.LoadUint64(&p.timedOut),
		Replaced:    atomic.LoadUint64(&p.replaced),
		PerWorker:   make([]types.WorkerStats, 0, len(p.workers)),
	}

	for _, w := range p.workers {
		if w.isIdle {
			stats.IdleWorkers++
		}
		stats.PerWorker = append(stats.PerWorker, types.WorkerStats{
			ID:             w.id,
			IsIdle:         w.isIdle,
			CurrentTaskID:  w.currentTaskID,
			CreatedAt:      w.createdAt,
			LastUsed:       w.lastUsed,
			TasksProcessed: w.tasksProcessed,
			TotalBusyTime:  w.busyTime,
		})
	}

	return stats
}

func (p *Pool) Start() error {
	if !p.transitionState(StateStopped, StateStarting) {
		p.logger.Warn("Worker pool is already running")
		return types.ErrAlreadyRunning
	}

	p.mu.Lock()
	for i := 0; i < p.minWorkers; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	go p.dispatchLoop()

	p.setState(StateRunning)

	p.logger.Info("Worker pool started",
		zap.Int("min_workers", p.minWorkers),
		zap.Int("max_workers", p.maxWorkers))
	return nil
}

// Stop rejects every queued and in-flight task, terminates all workers with a
// bounded grace timeout and clears internal state. Safe to call repeatedly.
func (p *Pool) Stop() error {
	if !p.transitionState(StateRunning, StateStopping) {
		return nil
	}

	defer func() {
		p.setState(StateStopped)
	}()

	p.cancel()

	select {
	case <-p.dispatchDone:
	case <-time.After(time.Second):
		p.logger.Warn("Dispatch loop stop timeout")
	}

	for _, a := range p.pending.Drain() {
		a.deferred.Reject(types.ErrPoolShuttingDown)
	}

	p.mu.Lock()
	for _, a := range p.inflight {
		a.deferred.Reject(types.ErrPoolShuttingDown)
	}
	p.inflight = make(map[uuid.UUID]*assignment)
	workers := make([]*instance, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[uuid.UUID]*instance)
	p.mu.Unlock()

	deadline := time.After(p.terminationTimeout)
	for _, w := range workers {
		w.cancel()
		select {
		case <-w.done:
		case <-deadline:
			p.logger.Warn("Worker termination grace timeout",
				zap.String("worker_id", w.id.String()))
		}
	}

	p.logger.Info("Worker pool stopped", zap.Int("terminated", len(workers)))
	return nil
}

func (p *Pool) IsRunning() bool {
	return p.getState() == StateRunning
}

func (p *Pool) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatchLoop() {
	defer close(p.dispatchDone)

	healthTicker := time.NewTicker(p.healthCheckInterval)
	defer healthTicker.Stop()

	idleTicker := time.NewTicker(p.idleTimeout / 2)
	defer idleTicker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.wakeCh:
			p.drainQueue()
		case <-healthTicker.C:
			p.checkWorkerHealth()
		case <-idleTicker.C:
			p.reapIdleWorkers()
		}
	}
}

// drainQueue assigns queued tasks to idle workers, spawning new workers up to
// maxWorkers. When the pool is saturated, tasks stay queued until a worker
// frees up.
func (p *Pool) drainQueue() {
	for {
		p.mu.Lock()

		if p.pending.Len() == 0 {
			p.mu.Unlock()
			return
		}

		w := p.idleWorkerLocked()
		if w == nil {
			if len(p.workers) >= p.maxWorkers {
				p.mu.Unlock()
				return
			}
			w = p.spawnWorkerLocked()
		}

		a, ok := p.pending.Pop()
		if !ok {
			p.mu.Unlock()
			return
		}

		w.isIdle = false
		w.currentTaskID = a.msg.ID
		p.inflight[a.msg.ID] = a
		p.mu.Unlock()

		w.inbox <- a
	}
}

func (p *Pool) idleWorkerLocked() *instance {
	for _, w := range p.workers {
		if w.isIdle {
			return w
		}
	}
	return nil
}

func (p *Pool) requeue(a *assignment) {
	p.mu.Lock()
	delete(p.inflight, a.msg.ID)
	p.mu.Unlock()

	a.retries++
	p.pending.Push(a, a.msg.Priority, time.Now())
	p.wake()
}

func (p *Pool) onTaskTimeout(w *instance, a *assignment) {
	atomic.AddUint64(&p.timedOut, 1)

	p.mu.Lock()
	delete(p.inflight, a.msg.ID)
	p.mu.Unlock()

	p.logger.Warn("Task timed out",
		zap.String("task_id", a.msg.ID.String()),
		zap.String("worker_id", w.id.String()),
		zap.Duration("timeout", a.timeout))

	a.deferred.Reject(types.ErrTaskTimeout)
}

func (p *Pool) recordCompletion() {
	atomic.AddUint64(&p.completed, 1)
	if p.metrics != nil {
		p.metrics.Counter("worker_tasks_total", map[string]string{"result": "success"}).Inc()
	}
}

func (p *Pool) recordFailure() {
	atomic.AddUint64(&p.failed, 1)
	if p.metrics != nil {
		p.metrics.Counter("worker_tasks_total", map[string]string{"result": "error"}).Inc()
	}
}

// checkWorkerHealth pings every idle worker. A worker that cannot answer
// within the check timeout is terminated and, if the pool fell below
// minWorkers, replaced.
func (p *Pool) checkWorkerHealth() {
	p.mu.Lock()
	idle := make([]*instance, 0, len(p.workers))
	for _, w := range p.workers {
		if w.isIdle {
			idle = append(idle, w)
		}
	}
	p.mu.Unlock()

	for _, w := range idle {
		ping := &assignment{
			msg: &types.TaskMessage{
				ID:         uuid.New(),
				Type:       types.TaskMessageHealthCheck,
				Priority:   types.PriorityCritical,
				EnqueuedAt: time.Now(),
			},
			timeout:  healthCheckTimeout,
			deferred: async.NewDeferred[*types.TaskResponse](),
		}

		select {
		case w.inbox <- ping:
		default:
			// Inbox occupied while marked idle means the worker is wedged.
			p.logger.Warn("Worker unresponsive, terminating",
				zap.String("worker_id", w.id.String()))
			p.terminateWorker(w.id, true)
			continue
		}

		waitCtx, cancel := context.WithTimeout(p.ctx, healthCheckTimeout)
		_, err := ping.deferred.Wait(waitCtx)
		cancel()

		if err != nil && p.ctx.Err() == nil {
			p.logger.Warn("Worker failed health check, terminating",
				zap.String("worker_id", w.id.String()),
				zap.Error(err))
			p.terminateWorker(w.id, true)
		}
	}
}

// reapIdleWorkers terminates workers idle longer than idleTimeout, never
// dropping below minWorkers.
func (p *Pool) reapIdleWorkers() {
	now := time.Now()

	p.mu.Lock()
	victims := make([]uuid.UUID, 0, 2)
	alive := len(p.workers)
	for id, w := range p.workers {
		if alive-len(victims) <= p.minWorkers {
			break
		}
		if w.isIdle && now.Sub(w.lastUsed) > p.idleTimeout {
			victims = append(victims, id)
		}
	}
	p.mu.Unlock()

	for _, id := range victims {
		p.logger.Debug("Terminating idle worker", zap.String("worker_id", id.String()))
		p.terminateWorker(id, false)
	}
}

// terminateWorker removes and cancels a worker. With replace set, a
// replacement is spawned when the pool fell below minWorkers.
func (p *Pool) terminateWorker(id uuid.UUID, replace bool) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, id)

	var orphan *assignment
	if w.currentTaskID != uuid.Nil {
		orphan = p.inflight[w.currentTaskID]
		delete(p.inflight, w.currentTaskID)
	}

	needReplacement := replace && len(p.workers) < p.minWorkers && p.getState() == StateRunning
	if needReplacement {
		p.spawnWorkerLocked()
		atomic.AddUint64(&p.replaced, 1)
	}
	p.mu.Unlock()

	w.cancel()

	if orphan != nil {
		orphan.deferred.Reject(types.ErrWorkerTerminated)
	}

	p.wake()
}

func (p *Pool) getState() State {
	return p.state.Load().(State)
}

func (p *Pool) setState(newState State) bool {
	return p.state.CompareAndSwap(p.getState(), newState)
}

func (p *Pool) transitionState(from, to State) bool {
	return p.state.CompareAndSwap(from, to)
}
