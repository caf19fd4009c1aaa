package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-parse/types"
)

func TestProcessTaskFlowSuccess(t *testing.T) {
	m := startedManager(t, nil)

	var calls int32
	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, types.WorkflowParse, workflow)
		assert.Equal(t, "notes/a.md", filePath)
		return nil
	})

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowParse, "notes/a.md", nil)

	assert.True(t, result.Succeeded)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.Err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestProcessTaskFlowUnknownWorkflow(t *testing.T) {
	m := startedManager(t, nil)

	result := m.ProcessTaskFlow(context.Background(), "compact", "notes/a.md", nil)

	assert.False(t, result.Succeeded)
	assert.ErrorIs(t, result.Err, types.ErrWorkflowTypeUnknown)
}

func TestProcessTaskFlowRetries(t *testing.T) {
	m := startedManager(t, nil)

	var calls int32
	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowReparse, "notes/a.md", &types.WorkflowOptions{
		MaxRetries: 3,
	})

	assert.True(t, result.Succeeded)
	assert.Equal(t, 3, result.Attempts)
}

func TestProcessTaskFlowRetriesExhausted(t *testing.T) {
	m := startedManager(t, nil)

	wantErr := errors.New("permanent")
	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		return wantErr
	})

	failed := make(chan struct{}, 1)
	m.Subscribe(types.EventWorkflowFailed, func(event *types.Event) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return nil
	})

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowParse, "notes/a.md", &types.WorkflowOptions{
		MaxRetries: 1,
	})

	assert.False(t, result.Succeeded)
	assert.ErrorIs(t, result.Err, wantErr)
	assert.Equal(t, 2, result.Attempts)

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("workflow failed event never emitted")
	}
}

func TestProcessTaskFlowDependencyTimeout(t *testing.T) {
	m := startedManager(t, nil)

	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		t.Fatal("body must not run when dependencies time out")
		return nil
	})

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowParse, "notes/a.md", &types.WorkflowOptions{
		Dependencies:      []types.EventType{types.EventCacheOptimized},
		DependencyTimeout: 30 * time.Millisecond,
	})

	assert.False(t, result.Succeeded)
	assert.ErrorIs(t, result.Err, types.ErrWorkflowDependencyTimeout)
}

func TestProcessTaskFlowDependencySatisfied(t *testing.T) {
	m := startedManager(t, nil)

	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		return nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.EmitSync(types.EventCacheOptimized, nil)
	}()

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowUpdate, "notes/a.md", &types.WorkflowOptions{
		Dependencies:      []types.EventType{types.EventCacheOptimized},
		DependencyTimeout: 2 * time.Second,
	})

	assert.True(t, result.Succeeded)
}

func TestProcessTaskFlowChainEvents(t *testing.T) {
	m := startedManager(t, nil)

	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		return nil
	})

	chained := make(chan types.EventType, 3)
	for _, eventType := range []types.EventType{
		types.EventCacheUpdateRequested,
		types.EventIndexUpdateRequested,
		types.EventUIRefreshRequested,
	} {
		m.Subscribe(eventType, func(event *types.Event) error {
			chained <- event.Type
			return nil
		})
	}

	result := m.ProcessTaskFlow(context.Background(), types.WorkflowParse, "notes/a.md", &types.WorkflowOptions{
		ChainEvents: true,
	})
	require.True(t, result.Succeeded)

	seen := make(map[types.EventType]bool)
	for i := 0; i < 3; i++ {
		select {
		case eventType := <-chained:
			seen[eventType] = true
		case <-time.After(time.Second):
			t.Fatalf("chained events missing, got %d of 3", i)
		}
	}
	assert.Len(t, seen, 3)
}

func TestOrchestrateWorkflows(t *testing.T) {
	m := startedManager(t, nil)

	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		if filePath == "bad.md" {
			return errors.New("parse error")
		}
		return nil
	})

	specs := []types.WorkflowSpec{
		{Workflow: types.WorkflowParse, FilePath: "a.md", Priority: types.PriorityNormal},
		{Workflow: types.WorkflowParse, FilePath: "bad.md", Priority: types.PriorityLow},
		{Workflow: types.WorkflowParse, FilePath: "b.md", Priority: types.PriorityHigh},
	}

	result := m.OrchestrateWorkflows(context.Background(), specs, nil)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.False(t, result.Aborted)
	assert.True(t, result.Results["a.md"].Succeeded)
	assert.False(t, result.Results["bad.md"].Succeeded)
}

func TestOrchestrateWorkflowsFailFast(t *testing.T) {
	m := startedManager(t, nil)

	var calls int32
	m.SetWorkflowRunner(func(ctx context.Context, workflow types.WorkflowType, filePath string) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	})

	specs := []types.WorkflowSpec{
		{Workflow: types.WorkflowParse, FilePath: "a.md"},
		{Workflow: types.WorkflowParse, FilePath: "b.md"},
		{Workflow: types.WorkflowParse, FilePath: "c.md"},
		{Workflow: types.WorkflowParse, FilePath: "d.md"},
	}

	result := m.OrchestrateWorkflows(context.Background(), specs, &types.OrchestrationOptions{
		MaxConcurrency: 2,
		FailFast:       true,
	})

	assert.True(t, result.Aborted)
	assert.Equal(t, 4, result.Total)
	// Only the first batch runs.
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
	assert.Less(t, result.Failed+result.Succeeded, 4)
}
