package types

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/saiset-co/sai-parse/async"
)

type EventType string

const (
	EventParseStarted   EventType = "PARSE_STARTED"
	EventParseCompleted EventType = "PARSE_COMPLETED"
	EventParseFailed    EventType = "PARSE_FAILED"
	EventParseRetried   EventType = "PARSE_RETRIED"

	EventCacheHit         EventType = "CACHE_HIT"
	EventCacheMiss        EventType = "CACHE_MISS"
	EventCacheInvalidated EventType = "CACHE_INVALIDATED"
	EventCacheOptimized   EventType = "CACHE_OPTIMIZED"

	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"

	EventBatchStarted   EventType = "BATCH_STARTED"
	EventBatchCompleted EventType = "BATCH_COMPLETED"

	EventOrchestrationStarted   EventType = "ORCHESTRATION_STARTED"
	EventOrchestrationProgress  EventType = "ORCHESTRATION_PROGRESS"
	EventOrchestrationCompleted EventType = "ORCHESTRATION_COMPLETED"

	EventSystemHealthCheck EventType = "SYSTEM_HEALTH_CHECK"

	EventCacheUpdateRequested EventType = "CACHE_UPDATE_REQUESTED"
	EventIndexUpdateRequested EventType = "INDEX_UPDATE_REQUESTED"
	EventUIRefreshRequested   EventType = "UI_REFRESH_REQUESTED"
)

type Event struct {
	ID         uuid.UUID   `json:"id"`
	Type       EventType   `json:"type"`
	Data       interface{} `json:"data"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

type EventHandler func(event *Event) error

type Subscription struct {
	ID   uuid.UUID
	Type EventType
}

type CacheInvalidatedPayload struct {
	Keys   []string           `json:"keys"`
	Reason InvalidationReason `json:"reason"`
}

type WorkflowType string

const (
	WorkflowParse    WorkflowType = "parse"
	WorkflowReparse  WorkflowType = "reparse"
	WorkflowValidate WorkflowType = "validate"
	WorkflowUpdate   WorkflowType = "update"
)

func (wt WorkflowType) Valid() bool {
	switch wt {
	case WorkflowParse, WorkflowReparse, WorkflowValidate, WorkflowUpdate:
		return true
	}
	return false
}

type WorkflowOptions struct {
	// Dependencies are event types that must be observed before the workflow
	// body runs. Each must arrive within DependencyTimeout.
	Dependencies      []EventType
	DependencyTimeout time.Duration
	ChainEvents       bool
	MaxRetries        int
}

type WorkflowResult struct {
	Workflow  WorkflowType  `json:"workflow"`
	FilePath  string        `json:"file_path"`
	Succeeded bool          `json:"succeeded"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

type WorkflowSpec struct {
	Workflow WorkflowType
	FilePath string
	Priority TaskPriority
	Options  *WorkflowOptions
}

type OrchestrationOptions struct {
	MaxConcurrency int
	FailFast       bool
	EmitProgress   bool
}

type OrchestrationResult struct {
	Total     int                       `json:"total"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	Aborted   bool                      `json:"aborted"`
	Results   map[string]WorkflowResult `json:"results"`
}

type QueueHealth struct {
	QueueLength       int           `json:"queue_length"`
	QueueUtilization  float64       `json:"queue_utilization"`
	DroppedEvents     uint64        `json:"dropped_events"`
	ProcessedEvents   uint64        `json:"processed_events"`
	ErrorRate         float64       `json:"error_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	Recommendations   []string      `json:"recommendations"`
}

type EventManager interface {
	LifecycleManager
	Subscribe(eventType EventType, handler EventHandler) Subscription
	Unsubscribe(sub Subscription) error
	Emit(eventType EventType, data interface{}) *async.Deferred[struct{}]
	EmitSync(eventType EventType, data interface{}) error
	ProcessTaskFlow(ctx context.Context, workflow WorkflowType, filePath string, opts *WorkflowOptions) WorkflowResult
	OrchestrateWorkflows(ctx context.Context, specs []WorkflowSpec, opts *OrchestrationOptions) OrchestrationResult
	MonitorHealth() QueueHealth
	DroppedEvents() uint64
}
