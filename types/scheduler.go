package types

import (
	"context"
	"time"

	"github.com/saiset-co/sai-parse/async"
)

type ParserType string

const (
	ParserMarkdown ParserType = "markdown"
	ParserCanvas   ParserType = "canvas"
	ParserICS      ParserType = "ics"
	ParserProject  ParserType = "project"
)

type ParseRequest struct {
	FilePath   string                 `json:"file_path"`
	ParserType ParserType             `json:"parser_type"`
	Priority   TaskPriority           `json:"priority"`
	Mtime      time.Time              `json:"mtime"`
	Options    map[string]interface{} `json:"options,omitempty"`
}

type ParseResult struct {
	FilePath   string        `json:"file_path"`
	ParserType ParserType    `json:"parser_type"`
	Data       interface{}   `json:"data"`
	Mtime      time.Time     `json:"mtime"`
	ParsedAt   time.Time     `json:"parsed_at"`
	FromCache  bool          `json:"from_cache"`
	Duration   time.Duration `json:"duration"`
}

type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []*ParseResult    `json:"results"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// DetectionSource names the strategy that produced a parse context. A single
// strategy chain serves both in-process and pooled execution.
type DetectionSource string

const (
	DetectionPath     DetectionSource = "path"
	DetectionMetadata DetectionSource = "metadata"
	DetectionConfig   DetectionSource = "config"
	DetectionDefault  DetectionSource = "default"
)

type ParseContext struct {
	FilePath    string            `json:"file_path"`
	ProjectRoot string            `json:"project_root"`
	Source      DetectionSource   `json:"source"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PluginExecutor runs the actual content parsers. The concrete
// Markdown/Canvas/ICS implementations live in the host application.
type PluginExecutor interface {
	Execute(ctx context.Context, parserType ParserType, pctx *ParseContext, priority TaskPriority) (*ParseResult, error)
}

type SchedulerStats struct {
	TotalTasks      uint64        `json:"total_tasks"`
	CompletedTasks  uint64        `json:"completed_tasks"`
	FailedTasks     uint64        `json:"failed_tasks"`
	RetriedTasks    uint64        `json:"retried_tasks"`
	QueueLength     int           `json:"queue_length"`
	AvgLatency      time.Duration `json:"avg_latency"`
	BatchEfficiency float64       `json:"batch_efficiency"`
	CacheHitRate    float64       `json:"cache_hit_rate"`
}

type Scheduler interface {
	LifecycleManager
	ParseTask(ctx context.Context, req *ParseRequest) *async.Deferred[*ParseResult]
	ParseBatch(ctx context.Context, reqs []*ParseRequest) *async.Deferred[*BatchResult]
	ClearQueue() int
	Stats() SchedulerStats
}

type FileChangeHandler interface {
	OnModify(path string, mtime time.Time)
	OnDelete(path string)
	OnRename(oldPath, newPath string)
}

// FileChangeSource abstracts the host's file and metadata notifications. Any
// concrete host, or a local filesystem watcher, can implement it.
type FileChangeSource interface {
	LifecycleManager
	Attach(handler FileChangeHandler)
}
