package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/saiset-co/sai-parse/async"
)

// TaskPriority orders queued work. Higher values dispatch first; equal
// priorities dispatch FIFO by enqueue time.
type TaskPriority int

const (
	PriorityBulk TaskPriority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[TaskPriority]string{
	PriorityBulk:     "bulk",
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

func ParsePriority(s string) TaskPriority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

type TaskMessageType string

const (
	TaskMessageParse       TaskMessageType = "parse"
	TaskMessageHealthCheck TaskMessageType = "health_check"
)

type TaskMessage struct {
	ID         uuid.UUID
	Type       TaskMessageType
	Request    *ParseRequest
	Priority   TaskPriority
	Retryable  bool
	EnqueuedAt time.Time
}

type TaskResponse struct {
	TaskID   uuid.UUID
	Result   *ParseResult
	Duration time.Duration
}

type WorkerStats struct {
	ID             uuid.UUID     `json:"id"`
	IsIdle         bool          `json:"is_idle"`
	CurrentTaskID  uuid.UUID     `json:"current_task_id"`
	CreatedAt      time.Time     `json:"created_at"`
	LastUsed       time.Time     `json:"last_used"`
	TasksProcessed uint64        `json:"tasks_processed"`
	TotalBusyTime  time.Duration `json:"total_busy_time"`
}

type PoolStats struct {
	Workers     int           `json:"workers"`
	IdleWorkers int           `json:"idle_workers"`
	QueueLength int           `json:"queue_length"`
	Completed   uint64        `json:"completed"`
	Failed      uint64        `json:"failed"`
	TimedOut    uint64        `json:"timed_out"`
	Replaced    uint64        `json:"replaced"`
	PerWorker   []WorkerStats `json:"per_worker"`
}

type WorkerPool interface {
	LifecycleManager
	ExecuteTask(msg *TaskMessage, timeout time.Duration) *async.Deferred[*TaskResponse]
	Stats() PoolStats
}
