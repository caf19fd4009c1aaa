package event

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-parse/types"
)

const (
	DefaultDependencyTimeout = 5 * time.Second
	DefaultOrchConcurrency   = 3

	workflowRetryBackoff = time.Second
)

type workflowStartedPayload struct {
	Workflow types.WorkflowType `json:"workflow"`
	FilePath string             `json:"file_path"`
}

type workflowFinishedPayload struct {
	Workflow types.WorkflowType `json:"workflow"`
	FilePath string             `json:"file_path"`
	Attempts int                `json:"attempts"`
	Duration time.Duration      `json:"duration"`
	Error    string             `json:"error,omitempty"`
}

// ProcessTaskFlow executes a named workflow against one file path: waits for
// declared dependency events, runs the workflow body with bounded retries at
// a fixed backoff, and emits the lifecycle events. With ChainEvents set, a
// successful run also emits the cache/index/UI follow-ups.
func (m *Manager) ProcessTaskFlow(ctx context.Context, workflow types.WorkflowType, filePath string, opts *types.WorkflowOptions) types.WorkflowResult {
	start := time.Now()
	result := types.WorkflowResult{
		Workflow: workflow,
		FilePath: filePath,
	}

	if !workflow.Valid() {
		result.Err = types.Errorf(types.ErrWorkflowTypeUnknown, "workflow: %s", workflow)
		return result
	}

	if opts == nil {
		opts = &types.WorkflowOptions{}
	}

	atomic.AddInt64(&m.activeFlows, 1)
	defer atomic.AddInt64(&m.activeFlows, -1)

	m.Emit(types.EventWorkflowStarted, &workflowStartedPayload{Workflow: workflow, FilePath: filePath})

	if err := m.awaitDependencies(ctx, opts); err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		m.emitWorkflowFailed(workflow, filePath, result.Attempts, result.Duration, err)
		return result
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(workflowRetryBackoff):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		lastErr = m.runWorkflowBody(ctx, workflow, filePath)
		if lastErr == nil {
			break
		}

		m.logger.Warn("Workflow attempt failed",
			zap.String("workflow", string(workflow)),
			zap.String("file_path", filePath),
			zap.Int("attempt", result.Attempts),
			zap.Error(lastErr))
	}

	result.Duration = time.Since(start)

	if lastErr != nil {
		result.Err = types.WrapError(lastErr, "workflow failed")
		m.emitWorkflowFailed(workflow, filePath, result.Attempts, result.Duration, lastErr)
		return result
	}

	result.Succeeded = true
	m.Emit(types.EventWorkflowCompleted, &workflowFinishedPayload{
		Workflow: workflow,
		FilePath: filePath,
		Attempts: result.Attempts,
		Duration: result.Duration,
	})

	if opts.ChainEvents {
		m.Emit(types.EventCacheUpdateRequested, filePath)
		m.Emit(types.EventIndexUpdateRequested, filePath)
		m.Emit(types.EventUIRefreshRequested, filePath)
	}

	return result
}

// OrchestrateWorkflows runs multiple workflows sorted by priority in
// concurrency-limited batches, optionally emitting progress events and
// aborting remaining batches on first failure.
func (m *Manager) OrchestrateWorkflows(ctx context.Context, specs []types.WorkflowSpec, opts *types.OrchestrationOptions) types.OrchestrationResult {
	if opts == nil {
		opts = &types.OrchestrationOptions{}
	}

	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultOrchConcurrency
	}

	ordered := make([]types.WorkflowSpec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	result := types.OrchestrationResult{
		Total:   len(ordered),
		Results: make(map[string]types.WorkflowResult, len(ordered)),
	}

	m.Emit(types.EventOrchestrationStarted, len(ordered))

	var resultMu sync.Mutex

	for offset := 0; offset < len(ordered); offset += concurrency {
		end := offset + concurrency
		if end > len(ordered) {
			end = len(ordered)
		}

		g, gCtx := errgroup.WithContext(ctx)
		for _, spec := range ordered[offset:end] {
			spec := spec
			g.Go(func() error {
				wfResult := m.ProcessTaskFlow(gCtx, spec.Workflow, spec.FilePath, spec.Options)

				resultMu.Lock()
				result.Results[spec.FilePath] = wfResult
				if wfResult.Succeeded {
					result.Succeeded++
				} else {
					result.Failed++
				}
				resultMu.Unlock()

				if !wfResult.Succeeded && opts.FailFast {
					return wfResult.Err
				}
				return nil
			})
		}

		batchErr := g.Wait()

		if opts.EmitProgress {
			m.Emit(types.EventOrchestrationProgress, map[string]interface{}{
				"completed": result.Succeeded + result.Failed,
				"total":     result.Total,
			})
		}

		if batchErr != nil && opts.FailFast {
			result.Aborted = true
			m.logger.Warn("Orchestration aborted on first failure",
				zap.Int("remaining", len(ordered)-end),
				zap.Error(batchErr))
			break
		}
	}

	m.Emit(types.EventOrchestrationCompleted, &result)

	return result
}

// awaitDependencies blocks until each declared dependency event type arrives,
// or fails the workflow after the configured timeout.
func (m *Manager) awaitDependencies(ctx context.Context, opts *types.WorkflowOptions) error {
	if len(opts.Dependencies) == 0 {
		return nil
	}

	timeout := opts.DependencyTimeout
	if timeout <= 0 {
		timeout = DefaultDependencyTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(waitCtx)

	for _, dep := range opts.Dependencies {
		dep := dep
		g.Go(func() error {
			arrived := make(chan struct{}, 1)
			sub := m.Subscribe(dep, func(event *types.Event) error {
				select {
				case arrived <- struct{}{}:
				default:
				}
				return nil
			})
			defer func() {
				_ = m.Unsubscribe(sub)
			}()

			select {
			case <-arrived:
				return nil
			case <-gCtx.Done():
				return types.Errorf(types.ErrWorkflowDependencyTimeout, "dependency: %s", dep)
			}
		})
	}

	return g.Wait()
}

func (m *Manager) runWorkflowBody(ctx context.Context, workflow types.WorkflowType, filePath string) error {
	if runner := m.runner.Load(); runner != nil {
		return (*runner)(ctx, workflow, filePath)
	}

	// Without an installed runner the workflow degrades to a notification:
	// collaborators listening for the request event perform the work.
	return m.EmitSync(types.EventCacheUpdateRequested, filePath)
}

func (m *Manager) emitWorkflowFailed(workflow types.WorkflowType, filePath string, attempts int, duration time.Duration, err error) {
	m.Emit(types.EventWorkflowFailed, &workflowFinishedPayload{
		Workflow: workflow,
		FilePath: filePath,
		Attempts: attempts,
		Duration: duration,
		Error:    err.Error(),
	})
}
