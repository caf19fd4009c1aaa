package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/async"
	"github.com/saiset-co/sai-parse/types"
)

// ExecutorFunc performs the actual parse work for one task message. The pool
// never shares state with it; the message goes in, the result comes out.
type ExecutorFunc func(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error)

type assignment struct {
	msg      *types.TaskMessage
	timeout  time.Duration
	deferred *async.Deferred[*types.TaskResponse]
	retries  int
}

type execOutcome struct {
	result *types.ParseResult
	err    error
}

// instance is one isolated execution unit. It owns a single-slot inbox and
// processes one assignment at a time; all communication with the pool is
// message passing over channels.
type instance struct {
	id             uuid.UUID
	inbox          chan *assignment
	cancel         context.CancelFunc
	done           chan struct{}
	createdAt      time.Time
	lastUsed       time.Time
	isIdle         bool
	currentTaskID  uuid.UUID
	tasksProcessed uint64
	busyTime       time.Duration
}

func (p *Pool) spawnWorkerLocked() *instance {
	workerCtx, cancel := context.WithCancel(p.ctx)

	w := &instance{
		id:        uuid.New(),
		inbox:     make(chan *assignment, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		isIdle:    true,
	}

	p.workers[w.id] = w
	go p.runWorker(workerCtx, w)

	p.logger.Debug("Worker spawned",
		zap.String("worker_id", w.id.String()),
		zap.Int("pool_size", len(p.workers)))

	return w
}

func (p *Pool) runWorker(ctx context.Context, w *instance) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-w.inbox:
			if !ok {
				return
			}
			p.executeAssignment(ctx, w, a)
		}
	}
}

// executeAssignment runs one task under its timeout. On timeout the deferred
// is rejected and the in-flight executor goroutine is abandoned; its result
// lands in a buffered channel and is discarded.
func (p *Pool) executeAssignment(ctx context.Context, w *instance, a *assignment) {
	start := time.Now()

	if a.msg.Type == types.TaskMessageHealthCheck {
		a.deferred.Resolve(&types.TaskResponse{TaskID: a.msg.ID, Duration: time.Since(start)})
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, a.timeout)
	outcome := make(chan execOutcome, 1)

	go func() {
		result, err := p.executor(taskCtx, a.msg)
		outcome <- execOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		cancel()
		p.finishAssignment(w, a, out, start)
	case <-taskCtx.Done():
		cancel()
		if ctx.Err() != nil {
			a.deferred.Reject(types.ErrPoolShuttingDown)
			return
		}
		p.onTaskTimeout(w, a)
		p.markIdle(w, start)
	}
}

func (p *Pool) finishAssignment(w *instance, a *assignment, out execOutcome, start time.Time) {
	duration := time.Since(start)

	if out.err != nil {
		if a.msg.Retryable && a.retries < maxMessageRetries {
			p.logger.Debug("Retryable task failed, re-enqueueing",
				zap.String("task_id", a.msg.ID.String()),
				zap.Int("retries", a.retries+1),
				zap.Error(out.err))
			p.requeue(a)
			p.markIdle(w, start)
			return
		}

		p.recordFailure()
		a.deferred.Reject(out.err)
		p.markIdle(w, start)
		return
	}

	p.recordCompletion()
	a.deferred.Resolve(&types.TaskResponse{
		TaskID:   a.msg.ID,
		Result:   out.result,
		Duration: duration,
	})
	p.markIdle(w, start)
}

// markIdle returns the worker to the idle set and wakes the dispatcher.
// Workers past their task budget are recycled instead.
func (p *Pool) markIdle(w *instance, start time.Time) {
	recycle := false

	p.mu.Lock()
	if w.currentTaskID != uuid.Nil {
		delete(p.inflight, w.currentTaskID)
	}
	w.isIdle = true
	w.currentTaskID = uuid.Nil
	w.lastUsed = time.Now()
	w.tasksProcessed++
	w.busyTime += time.Since(start)
	if p.maxTasksPerWorker > 0 && w.tasksProcessed >= uint64(p.maxTasksPerWorker) {
		recycle = true
	}
	p.mu.Unlock()

	if recycle {
		p.logger.Debug("Worker reached task budget, recycling",
			zap.String("worker_id", w.id.String()))
		p.terminateWorker(w.id, true)
	}

	p.wake()
}
