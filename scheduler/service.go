// Package scheduler turns parse requests into cache lookups and pooled work.
// Requests are answered from the unified cache when a fresh entry exists;
// misses are queued by priority, collected into debounced batches and executed
// on the worker pool with bounded retries.
package scheduler

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
	DefaultMaxBatchSize         = 50
	DefaultBatchTimeout         = 100 * time.Millisecond
	DefaultMaxConcurrentBatches = 3
	DefaultMaxRetries           = 3
	DefaultTaskTimeout          = 30 * time.Second

	latencyWindow = 100
	emaAlpha      = 0.2
)

type scheduledTask struct {
	id         uuid.UUID
	req        *types.ParseRequest
	enqueuedAt time.Time
	retryCount int
	completion *async.Deferred[*types.ParseResult]
}

type parseLifecyclePayload struct {
	FilePath   string             `json:"file_path"`
	ParserType types.ParserType   `json:"parser_type"`
	Priority   types.TaskPriority `json:"priority"`
	Attempt    int                `json:"attempt,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type batchPayload struct {
	Size      int           `json:"size"`
	Succeeded int           `json:"succeeded,omitempty"`
	Failed    int           `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// TaskParsingService is the scheduling front of the engine. All parse traffic
// funnels through it so that the cache, the event stream and the worker pool
// observe a single consistent ordering.
type TaskParsingService struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	metrics types.MetricsManager

	cache  types.CacheManager
	events types.EventManager
	pool   types.WorkerPool

	maxBatchSize         int
	batchTimeout         time.Duration
	maxConcurrentBatches int
	maxRetries           int
	taskTimeout          time.Duration

	pending *queue.Priority[*scheduledTask]
	wakeCh  chan struct{}
	slots   chan struct{}

	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	retriedTasks   uint64

	statMu          sync.Mutex
	latencies       [latencyWindow]time.Duration
	latencyIdx      int
	latencyCount    int
	batchEfficiency float64
	cacheHitRate    float64

	batchWG      sync.WaitGroup
	state        atomic.Value
	dispatchDone chan struct{}
}

func NewTaskParsingService(
	ctx context.Context,
	logger types.Logger,
	config *types.SchedulerConfig,
	cache types.CacheManager,
	events types.EventManager,
	pool types.WorkerPool,
	metrics types.MetricsManager,
) (*TaskParsingService, error) {
	if cache == nil || events == nil || pool == nil {
		return nil, types.ErrInvalidParameter
	}
	if config == nil {
		config = &types.SchedulerConfig{}
	}

	maxBatchSize := config.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	batchTimeout := DefaultBatchTimeout
	if config.BatchTimeoutMs > 0 {
		batchTimeout = time.Duration(config.BatchTimeoutMs) * time.Millisecond
	}
	maxConcurrent := config.MaxConcurrentBatches
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentBatches
	}
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	taskTimeout := DefaultTaskTimeout
	if config.TaskTimeoutMs > 0 {
		taskTimeout = time.Duration(config.TaskTimeoutMs) * time.Millisecond
	}

	schedulerCtx, cancel := context.WithCancel(ctx)

	s := &TaskParsingService{
		ctx:                  schedulerCtx,
		cancel:               cancel,
		logger:               logger,
		metrics:              metrics,
		cache:                cache,
		events:               events,
		pool:                 pool,
		maxBatchSize:         maxBatchSize,
		batchTimeout:         batchTimeout,
		maxConcurrentBatches: maxConcurrent,
		maxRetries:           maxRetries,
		taskTimeout:          taskTimeout,
		pending:              queue.NewPriority[*scheduledTask](),
		wakeCh:               make(chan struct{}, 1),
		slots:                make(chan struct{}, maxConcurrent),
		dispatchDone:         make(chan struct{}),
	}

	s.state.Store(StateStopped)

	return s, nil
}

// ParseTask answers from the cache when a fresh entry exists for the request's
// path, parser and mtime; otherwise the task is queued for batched execution
// and the returned future settles when the parse finishes or its retries are
// exhausted.
func (s *TaskParsingService) ParseTask(ctx context.Context, req *types.ParseRequest) *async.Deferred[*types.ParseResult] {
	deferred := async.NewDeferred[*types.ParseResult]()

	if req == nil || req.FilePath == "" {
		deferred.Reject(types.Errorf(types.ErrInvalidParameter, "parse request needs a file path"))
		return deferred
	}
	if !s.IsRunning() {
		deferred.Reject(types.ErrSchedulerStopped)
		return deferred
	}

	atomic.AddUint64(&s.totalTasks, 1)

	if cached, ok := s.lookupCache(req); ok {
		s.recordCacheLookup(true)
		atomic.AddUint64(&s.completedTasks, 1)
		deferred.Resolve(cached)
		return deferred
	}
	s.recordCacheLookup(false)

	task := &scheduledTask{
		id:         uuid.New(),
		req:        req,
		enqueuedAt: time.Now(),
		completion: deferred,
	}

	s.pending.Push(task, req.Priority, task.enqueuedAt)
	s.wake()

	return deferred
}

// ParseBatch queues every request and settles once all of them have. The batch
// future never rejects; per-file failures are reported in the result.
func (s *TaskParsingService) ParseBatch(ctx context.Context, reqs []*types.ParseRequest) *async.Deferred[*types.BatchResult] {
	deferred := async.NewDeferred[*types.BatchResult]()

	if !s.IsRunning() {
		deferred.Reject(types.ErrSchedulerStopped)
		return deferred
	}

	start := time.Now()
	s.events.Emit(types.EventBatchStarted, &batchPayload{Size: len(reqs)})

	futures := make([]*async.Deferred[*types.ParseResult], len(reqs))
	for i, req := range reqs {
		futures[i] = s.ParseTask(ctx, req)
	}

	go func() {
		result := &types.BatchResult{
			Total:   len(reqs),
			Results: make([]*types.ParseResult, 0, len(reqs)),
			Errors:  make(map[string]string),
		}

		for i, future := range futures {
			parsed, err := future.Wait(ctx)
			if err != nil {
				result.Failed++
				result.Errors[reqs[i].FilePath] = err.Error()
				continue
			}
			result.Succeeded++
			result.Results = append(result.Results, parsed)
		}

		s.events.Emit(types.EventBatchCompleted, &batchPayload{
			Size:      result.Total,
			Succeeded: result.Succeeded,
			Failed:    result.Failed,
			Duration:  time.Since(start),
		})

		deferred.Resolve(result)
	}()

	return deferred
}

// ClearQueue rejects every queued task and returns how many were dropped.
// In-flight tasks are not affected.
func (s *TaskParsingService) ClearQueue() int {
	dropped := s.pending.Drain()
	for _, task := range dropped {
		task.completion.Reject(types.ErrQueueCleared)
	}

	if len(dropped) > 0 {
		s.logger.Info("Scheduler queue cleared", zap.Int("dropped", len(dropped)))
	}

	return len(dropped)
}

func (s *TaskParsingService) Stats() types.SchedulerStats {
	s.statMu.Lock()
	var total time.Duration
	for i := 0; i < s.latencyCount; i++ {
		total += s.latencies[i]
	}
	avg := time.Duration(0)
	if s.latencyCount > 0 {
		avg = total / time.Duration(s.latencyCount)
	}
	efficiency := s.batchEfficiency
	hitRate := s.cacheHitRate
	s.statMu.Unlock()

	return types.SchedulerStats{
		TotalTasks:      atomic.LoadUint64(&s.totalTasks),
		CompletedTasks:  atomic.LoadUint64(&s.completedTasks),
		FailedTasks:     atomic.LoadUint64(&s.failedTasks),
		RetriedTasks:    atomic.LoadUint64(&s.retriedTasks),
		QueueLength:     s.pending.Len(),
		AvgLatency:      avg,
		BatchEfficiency: efficiency,
		CacheHitRate:    hitRate,
	}
}

func (s *TaskParsingService) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Scheduler is already running")
		return types.ErrAlreadyRunning
	}

	go s.scheduleLoop()

	s.setState(StateRunning)

	s.logger.Info("Scheduler started",
		zap.Int("max_batch_size", s.maxBatchSize),
		zap.Duration("batch_timeout", s.batchTimeout),
		zap.Int("max_concurrent_batches", s.maxConcurrentBatches))
	return nil
}

func (s *TaskParsingService) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrNotRunning
	}

	defer func() {
		s.setState(StateStopped)
	}()

	s.cancel()

	select {
	case <-s.dispatchDone:
	case <-time.After(time.Second):
		s.logger.Warn("Schedule loop stop timeout")
	}

	s.batchWG.Wait()

	for _, task := range s.pending.Drain() {
		task.completion.Reject(types.ErrSchedulerStopped)
	}

	s.logger.Info("Scheduler stopped")
	return nil
}

func (s *TaskParsingService) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *TaskParsingService) lookupCache(req *types.ParseRequest) (*types.ParseResult, bool) {
	key := s.cache.BuildKey(req.FilePath, req.ParserType, req.Mtime)

	value, ok := s.cache.Get(key, types.CacheTaskParse)
	if !ok {
		return nil, false
	}
	if !s.cache.ValidateMtime(key, types.CacheTaskParse, req.Mtime) {
		return nil, false
	}

	cached, ok := value.(*types.ParseResult)
	if !ok {
		return nil, false
	}

	fromCache := *cached
	fromCache.FromCache = true
	return &fromCache, true
}

func (s *TaskParsingService) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// scheduleLoop debounces incoming tasks into batches: the first queued task
// arms the timer, and the batch launches when the timer fires or the queue
// reaches a full batch, whichever comes first.
func (s *TaskParsingService) scheduleLoop() {
	defer close(s.dispatchDone)

	timer := time.NewTimer(s.batchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerActive := false

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wakeCh:
			if s.pending.Len() >= s.maxBatchSize {
				if timerActive && !timer.Stop() {
					<-timer.C
				}
				timerActive = false
				s.launchBatches()
				continue
			}
			if !timerActive && s.pending.Len() > 0 {
				timer.Reset(s.batchTimeout)
				timerActive = true
			}
		case <-timer.C:
			timerActive = false
			s.launchBatches()
		}
	}
}

// launchBatches drains the queue in batch-sized slices, each slice running on
// its own goroutine behind the concurrency gate.
func (s *TaskParsingService) launchBatches() {
	for {
		tasks := s.pending.PopN(s.maxBatchSize)
		if len(tasks) == 0 {
			return
		}

		select {
		case s.slots <- struct{}{}:
		case <-s.ctx.Done():
			for _, task := range tasks {
				task.completion.Reject(types.ErrSchedulerStopped)
			}
			return
		}

		s.batchWG.Add(1)
		go func(batch []*scheduledTask) {
			defer s.batchWG.Done()
			defer func() { <-s.slots }()
			s.runBatch(batch)
		}(tasks)
	}
}

func (s *TaskParsingService) runBatch(batch []*scheduledTask) {
	start := time.Now()
	s.events.Emit(types.EventBatchStarted, &batchPayload{Size: len(batch)})
	s.recordBatchEfficiency(len(batch))

	var wg sync.WaitGroup
	var succeeded, failed uint64

	for _, task := range batch {
		wg.Add(1)
		go func(task *scheduledTask) {
			defer wg.Done()
			if s.executeTask(task) {
				atomic.AddUint64(&succeeded, 1)
			} else {
				atomic.AddUint64(&failed, 1)
			}
		}(task)
	}
	wg.Wait()

	s.events.Emit(types.EventBatchCompleted, &batchPayload{
		Size:      len(batch),
		Succeeded: int(atomic.LoadUint64(&succeeded)),
		Failed:    int(atomic.LoadUint64(&failed)),
		Duration:  time.Since(start),
	})

	if s.metrics != nil {
		s.metrics.Histogram("scheduler_batch_size", nil, nil).Observe(float64(len(batch)))
	}
}

// executeTask runs one task on the pool. Returns true when the task settled
// successfully; a retried task counts as neither until its final attempt.
func (s *TaskParsingService) executeTask(task *scheduledTask) bool {
	start := time.Now()

	s.events.Emit(types.EventParseStarted, &parseLifecyclePayload{
		FilePath:   task.req.FilePath,
		ParserType: task.req.ParserType,
		Priority:   task.req.Priority,
		Attempt:    task.retryCount + 1,
	})

	msg := &types.TaskMessage{
		ID:       task.id,
		Type:     types.TaskMessageParse,
		Request:  task.req,
		Priority: task.req.Priority,
	}

	resp, err := s.pool.ExecuteTask(msg, s.taskTimeout).Wait(s.ctx)
	if err != nil {
		s.handleFailure(task, err)
		return false
	}

	result := resp.Result
	if result == nil {
		result = &types.ParseResult{
			FilePath:   task.req.FilePath,
			ParserType: task.req.ParserType,
			Mtime:      task.req.Mtime,
			ParsedAt:   time.Now(),
		}
	}
	result.Duration = time.Since(start)

	key := s.cache.BuildKey(task.req.FilePath, task.req.ParserType, task.req.Mtime)
	if cacheErr := s.cache.Set(key, result, types.CacheTaskParse, &types.SetOptions{
		Mtime:        task.req.Mtime,
		Dependencies: []string{task.req.FilePath},
	}); cacheErr != nil {
		s.logger.Warn("Failed to cache parse result",
			zap.String("file_path", task.req.FilePath),
			zap.Error(cacheErr))
	}

	s.recordLatency(result.Duration)
	atomic.AddUint64(&s.completedTasks, 1)
	if s.metrics != nil {
		s.metrics.Counter("scheduler_tasks_total", map[string]string{"result": "success"}).Inc()
		s.metrics.Histogram("scheduler_task_duration_seconds", nil, nil).ObserveDuration(start)
	}

	s.events.Emit(types.EventParseCompleted, &parseLifecyclePayload{
		FilePath:   task.req.FilePath,
		ParserType: task.req.ParserType,
		Priority:   task.req.Priority,
		Attempt:    task.retryCount + 1,
	})

	task.completion.Resolve(result)
	return true
}

// handleFailure retries a failed task with exponential backoff, re-enqueueing
// it at the back of its priority band, or settles the failure once the retry
// budget is spent.
func (s *TaskParsingService) handleFailure(task *scheduledTask, err error) {
	if task.retryCount < s.maxRetries && s.ctx.Err() == nil {
		task.retryCount++
		atomic.AddUint64(&s.retriedTasks, 1)

		backoff := time.Duration(1<<(task.retryCount-1)) * time.Second

		s.logger.Warn("Parse task failed, retrying",
			zap.String("file_path", task.req.FilePath),
			zap.Int("retry", task.retryCount),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		s.events.Emit(types.EventParseRetried, &parseLifecyclePayload{
			FilePath:   task.req.FilePath,
			ParserType: task.req.ParserType,
			Priority:   task.req.Priority,
			Attempt:    task.retryCount,
			Error:      err.Error(),
		})

		time.AfterFunc(backoff, func() {
			if !s.IsRunning() {
				task.completion.Reject(types.ErrSchedulerStopped)
				return
			}
			s.pending.Push(task, task.req.Priority, time.Now())
			s.wake()
		})
		return
	}

	atomic.AddUint64(&s.failedTasks, 1)
	if s.metrics != nil {
		s.metrics.Counter("scheduler_tasks_total", map[string]string{"result": "error"}).Inc()
	}

	s.events.Emit(types.EventParseFailed, &parseLifecyclePayload{
		FilePath:   task.req.FilePath,
		ParserType: task.req.ParserType,
		Priority:   task.req.Priority,
		Attempt:    task.retryCount + 1,
		Error:      err.Error(),
	})

	task.completion.Reject(types.Errorf(types.ErrRetriesExhausted,
		"file: %s, attempts: %d, last error: %v", task.req.FilePath, task.retryCount+1, err))
}

func (s *TaskParsingService) recordLatency(d time.Duration) {
	s.statMu.Lock()
	s.latencies[s.latencyIdx] = d
	s.latencyIdx = (s.latencyIdx + 1) % latencyWindow
	if s.latencyCount < latencyWindow {
		s.latencyCount++
	}
	s.statMu.Unlock()
}

func (s *TaskParsingService) recordBatchEfficiency(size int) {
	sample := float64(size) / float64(s.maxBatchSize)

	s.statMu.Lock()
	if s.batchEfficiency == 0 {
		s.batchEfficiency = sample
	} else {
		s.batchEfficiency = emaAlpha*sample + (1-emaAlpha)*s.batchEfficiency
	}
	s.statMu.Unlock()
}

func (s *TaskParsingService) recordCacheLookup(hit bool) {
	sample := 0.0
	if hit {
		sample = 1.0
	}

	s.statMu.Lock()
	s.cacheHitRate = emaAlpha*sample + (1-emaAlpha)*s.cacheHitRate
	s.statMu.Unlock()

	if s.metrics != nil {
		label := "miss"
		if hit {
			label = "hit"
		}
		s.metrics.Counter("scheduler_cache_lookups_total", map[string]string{"result": label}).Inc()
	}
}

func (s *TaskParsingService) getState() State {
	return s.state.Load().(State)
}

func (s *TaskParsingService) setState(newState State) bool {
	return s.state.CompareAndSwap(s.getState(), newState)
}

func (s *TaskParsingService) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
