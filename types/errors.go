package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrAlreadyRunning = errors.New("component already running")
	ErrNotRunning     = errors.New("component not running")
	ErrStartFailed    = errors.New("component start failed")
	ErrStopFailed     = errors.New("component stop failed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheTypeUnknown     = errors.New("cache type unknown")
	ErrCacheValueTooLarge   = errors.New("cache value too large")
	ErrCachePatternInvalid  = errors.New("cache pattern invalid")
	ErrCacheOperationFailed = errors.New("cache operation failed")
)

var (
	ErrEventManagerStopped       = errors.New("event manager stopped")
	ErrEventTypeEmpty            = errors.New("event type empty")
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrWorkflowTypeUnknown       = errors.New("workflow type unknown")
	ErrWorkflowDependencyTimeout = errors.New("workflow dependency timeout")
	ErrWorkflowFailed            = errors.New("workflow failed")
	ErrOrchestrationAborted      = errors.New("orchestration aborted")
)

var (
	ErrPoolShuttingDown   = errors.New("pool shutting down")
	ErrTaskTimeout        = errors.New("task timeout")
	ErrWorkerTerminated   = errors.New("worker terminated")
	ErrWorkerUnresponsive = errors.New("worker unresponsive")
	ErrTaskIsNil          = errors.New("task is nil")
)

var (
	ErrQueueCleared     = errors.New("queue cleared")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrParserTypeEmpty  = errors.New("parser type empty")
	ErrExecutorIsNil    = errors.New("executor is nil")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
)

var (
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
	ErrBridgeDisconnected = errors.New("bridge disconnected")
	ErrWatcherClosed      = errors.New("watcher closed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidState     = errors.New("invalid state")
	ErrContextCancelled = errors.New("context cancelled")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
