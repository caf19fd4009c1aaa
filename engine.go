// Package saiparse assembles the parsing cache and task scheduling engine:
// configuration, logging, metrics, the unified cache, the event system, the
// worker pool, the batching scheduler and the operational surface. Hosts embed
// the engine and supply a PluginExecutor for the actual content parsers.
package saiparse

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-parse/cache"
	"github.com/saiset-co/sai-parse/config"
	"github.com/saiset-co/sai-parse/cron"
	"github.com/saiset-co/sai-parse/event"
	"github.com/saiset-co/sai-parse/health"
	"github.com/saiset-co/sai-parse/logger"
	"github.com/saiset-co/sai-parse/metrics"
	"github.com/saiset-co/sai-parse/scheduler"
	"github.com/saiset-co/sai-parse/server"
	"github.com/saiset-co/sai-parse/types"
	"github.com/saiset-co/sai-parse/watcher"
	"github.com/saiset-co/sai-parse/worker"
)

const (
	cleanupJobName     = "cache_cleanup"
	healthCheckJobName = "health_check"
)

type component struct {
	name    string
	manager types.LifecycleManager
}

// Engine wires the subsystems together and drives their lifecycle. Start
// brings components up in dependency order; Stop tears them down in reverse.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	configManager *config.ConfigurationManager
	loggerManager types.LoggerManager
	metrics       types.MetricsManager
	health        types.HealthManager
	cache         types.CacheManager
	events        types.EventManager
	bridge        *event.Bridge
	detector      *scheduler.Detector
	pool          types.WorkerPool
	scheduler     types.Scheduler
	cron          types.CronManager
	server        *server.OpsServer
	source        types.FileChangeSource

	executor types.PluginExecutor
	started  []component
}

// New builds an engine from a YAML config file.
func New(ctx context.Context, configPath string, executor types.PluginExecutor) (*Engine, error) {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return build(ctx, configManager, executor)
}

// NewWithConfig builds an engine from a programmatic configuration.
func NewWithConfig(ctx context.Context, cfg *types.EngineConfig, executor types.PluginExecutor) (*Engine, error) {
	configManager, err := config.NewStaticManager(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return build(ctx, configManager, executor)
}

func build(ctx context.Context, configManager *config.ConfigurationManager, executor types.PluginExecutor) (*Engine, error) {
	if executor == nil {
		return nil, types.ErrExecutorIsNil
	}

	engineCtx, cancel := context.WithCancel(ctx)
	cfg := configManager.GetConfig()

	e := &Engine{
		ctx:           engineCtx,
		cancel:        cancel,
		configManager: configManager,
		executor:      executor,
	}

	if err := e.assemble(cfg); err != nil {
		cancel()
		return nil, err
	}

	return e, nil
}

func (e *Engine) assemble(cfg *types.EngineConfig) error {
	loggerManager, err := logger.NewManager(e.ctx, cfg.Logger)
	if err != nil {
		return types.WrapError(err, "failed to build logger")
	}
	e.loggerManager = loggerManager

	metricsManager, err := metrics.NewManager(e.ctx, loggerManager, cfg.Metrics)
	if err != nil {
		return types.WrapError(err, "failed to build metrics")
	}
	e.metrics = metricsManager

	healthManager, err := health.NewManager(e.ctx, loggerManager, types.ServiceInfo{
		Name:    cfg.Name,
		Version: cfg.Version,
	})
	if err != nil {
		return types.WrapError(err, "failed to build health manager")
	}
	e.health = healthManager

	cacheManager, err := cache.NewUnifiedManager(e.ctx, loggerManager, cfg.Cache, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to build cache")
	}
	e.cache = cacheManager

	eventManager, err := event.NewManager(e.ctx, loggerManager, cfg.Events, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to build event manager")
	}
	e.events = eventManager
	cacheManager.AttachEventManager(eventManager)

	if cfg.Bridge != nil && cfg.Bridge.Enabled {
		bridge, err := event.NewBridge(e.ctx, loggerManager, cfg.Bridge)
		if err != nil {
			return types.WrapError(err, "failed to build event bridge")
		}
		e.bridge = bridge
		eventManager.SetForwarder(bridge.Forward)
	}

	e.detector = scheduler.NewDetector(e.projectRoot(cfg), cacheManager)

	pool, err := worker.NewPool(e.ctx, loggerManager, cfg.Workers, e.executeTask, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to build worker pool")
	}
	e.pool = pool

	parsingService, err := scheduler.NewTaskParsingService(e.ctx, loggerManager, cfg.Scheduler, cacheManager, eventManager, pool, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to build scheduler")
	}
	e.scheduler = parsingService
	eventManager.SetWorkflowRunner(e.runWorkflow)

	if cfg.Cron != nil && cfg.Cron.Enabled {
		cronManager, err := cron.NewManager(e.ctx, loggerManager, cfg.Cron, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to build cron manager")
		}
		e.cron = cronManager
	}

	if cfg.Server != nil && cfg.Server.Enabled {
		opsServer, err := server.NewOpsServer(e.ctx, loggerManager, cfg.Server, healthManager, metricsManager, e.statsSnapshot, cfg.Version)
		if err != nil {
			return types.WrapError(err, "failed to build ops server")
		}
		e.server = opsServer
	}

	if cfg.Watcher != nil && cfg.Watcher.Enabled {
		source, err := watcher.NewFilesystemSource(e.ctx, loggerManager, cfg.Watcher)
		if err != nil {
			return types.WrapError(err, "failed to build filesystem watcher")
		}
		source.Attach(cacheManager)
		e.source = source
	}

	e.registerHealthCheckers()

	return nil
}

// AttachFileChangeSource lets an embedding host feed its own change
// notifications into the cache instead of the local filesystem watcher.
func (e *Engine) AttachFileChangeSource(source types.FileChangeSource) {
	source.Attach(e.cache.(*cache.UnifiedManager))
	e.source = source
}

func (e *Engine) Start() error {
	e.loggerManager.Info("Engine starting")

	components := []component{
		{"config", e.configManager},
		{"logger", e.loggerManager},
		{"metrics", e.metrics},
		{"health", e.health},
		{"cache", e.cache},
		{"events", e.events},
	}
	if e.bridge != nil {
		components = append(components, component{"bridge", e.bridge})
	}
	components = append(components,
		component{"workers", e.pool},
		component{"scheduler", e.scheduler},
	)
	if e.cron != nil {
		components = append(components, component{"cron", e.cron})
	}
	if e.server != nil {
		components = append(components, component{"server", e.server})
	}
	if e.source != nil {
		components = append(components, component{"watcher", e.source})
	}

	for _, c := range components {
		if err := c.manager.Start(); err != nil {
			e.loggerManager.Error("Component failed to start",
				zap.String("component", c.name),
				zap.Error(err))
			e.stopStarted()
			return types.WrapError(err, fmt.Sprintf("failed to start %s", c.name))
		}
		e.started = append(e.started, c)
	}

	if e.cron != nil {
		if err := e.registerCronJobs(); err != nil {
			e.stopStarted()
			return err
		}
	}

	e.loggerManager.Info("Engine started", zap.Int("components", len(e.started)))
	return nil
}

func (e *Engine) Stop() error {
	e.loggerManager.Info("Engine stopping")

	e.stopStarted()
	e.cancel()

	e.loggerManager.Info("Engine stopped")
	return nil
}

func (e *Engine) IsRunning() bool {
	return len(e.started) > 0
}

// Scheduler exposes the parse scheduling API to the host.
func (e *Engine) Scheduler() types.Scheduler { return e.scheduler }

// Cache exposes the unified cache to the host.
func (e *Engine) Cache() types.CacheManager { return e.cache }

// Events exposes the event system to the host.
func (e *Engine) Events() types.EventManager { return e.events }

// Health exposes health checking to the host.
func (e *Engine) Health() types.HealthManager { return e.health }

func (e *Engine) stopStarted() {
	for i := len(e.started) - 1; i >= 0; i-- {
		c := e.started[i]
		if err := c.manager.Stop(); err != nil && !types.IsError(err, types.ErrNotRunning) {
			e.loggerManager.Error("Component failed to stop",
				zap.String("component", c.name),
				zap.Error(err))
		}
	}
	e.started = nil
}

// executeTask is the worker pool executor: it resolves the parse context for
// the request and hands it to the host's plugin executor.
func (e *Engine) executeTask(ctx context.Context, msg *types.TaskMessage) (*types.ParseResult, error) {
	if msg.Request == nil {
		return nil, types.ErrInvalidParameter
	}

	pctx, parserType := e.detector.Resolve(msg.Request)

	return e.executor.Execute(ctx, parserType, pctx, msg.Priority)
}

// runWorkflow backs the event system's task flows with the scheduler.
func (e *Engine) runWorkflow(ctx context.Context, workflow types.WorkflowType, filePath string) error {
	req := &types.ParseRequest{
		FilePath: filePath,
		Priority: types.PriorityNormal,
	}

	if info, err := os.Stat(filePath); err == nil {
		req.Mtime = info.ModTime()
	}

	switch workflow {
	case types.WorkflowReparse:
		e.cache.InvalidateByPath(filePath)
	case types.WorkflowValidate:
		// Validation only confirms cache freshness; a stale or missing entry
		// is repaired by the parse below.
		key := e.cache.BuildKey(filePath, req.ParserType, req.Mtime)
		if e.cache.ValidateMtime(key, types.CacheTaskParse, req.Mtime) {
			return nil
		}
	}

	_, err := e.scheduler.ParseTask(ctx, req).Wait(ctx)
	return err
}

func (e *Engine) registerCronJobs() error {
	cfg := e.configManager.GetConfig()

	if cfg.Cron.CleanupSchedule != "" {
		err := e.cron.Add(cleanupJobName, cfg.Cron.CleanupSchedule, func() {
			removed := e.cache.Cleanup()
			if removed > 0 {
				e.loggerManager.Debug("Cache cleanup completed", zap.Int("removed", removed))
			}
		})
		if err != nil {
			return types.WrapError(err, "failed to register cleanup job")
		}
	}

	if cfg.Cron.HealthCheckSchedule != "" {
		err := e.cron.Add(healthCheckJobName, cfg.Cron.HealthCheckSchedule, func() {
			report := e.health.Check(e.ctx)
			e.events.Emit(types.EventSystemHealthCheck, report)
		})
		if err != nil {
			return types.WrapError(err, "failed to register health check job")
		}
	}

	return nil
}

func (e *Engine) registerHealthCheckers() {
	e.health.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Name:      "cache",
			Status:    types.StatusHealthy,
			LastCheck: time.Now(),
		}
		if !e.cache.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "cache not running"
		}
		return check
	})

	e.health.RegisterChecker("events", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Name:      "events",
			Status:    types.StatusHealthy,
			LastCheck: time.Now(),
		}
		queueHealth := e.events.MonitorHealth()
		check.Details = map[string]interface{}{
			"queue_length":   queueHealth.QueueLength,
			"dropped_events": queueHealth.DroppedEvents,
		}
		if !e.events.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "event manager not running"
		} else if queueHealth.QueueUtilization >= 1.0 {
			check.Status = types.StatusUnhealthy
			check.Message = "event queue saturated"
		}
		return check
	})

	e.health.RegisterChecker("workers", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Name:      "workers",
			Status:    types.StatusHealthy,
			LastCheck: time.Now(),
		}
		stats := e.pool.Stats()
		check.Details = map[string]interface{}{
			"workers":      stats.Workers,
			"idle_workers": stats.IdleWorkers,
			"queue_length": stats.QueueLength,
		}
		if !e.pool.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "worker pool not running"
		}
		return check
	})

	e.health.RegisterChecker("scheduler", func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Name:      "scheduler",
			Status:    types.StatusHealthy,
			LastCheck: time.Now(),
		}
		stats := e.scheduler.Stats()
		check.Details = map[string]interface{}{
			"queue_length":   stats.QueueLength,
			"cache_hit_rate": stats.CacheHitRate,
		}
		if !e.scheduler.IsRunning() {
			check.Status = types.StatusUnhealthy
			check.Message = "scheduler not running"
		}
		return check
	})
}

func (e *Engine) statsSnapshot() (interface{}, error) {
	return map[string]interface{}{
		"cache":     e.cache.Stats(),
		"events":    e.events.MonitorHealth(),
		"workers":   e.pool.Stats(),
		"scheduler": e.scheduler.Stats(),
	}, nil
}

func (e *Engine) projectRoot(cfg *types.EngineConfig) string {
	if cfg.Watcher != nil && len(cfg.Watcher.Paths) > 0 {
		return cfg.Watcher.Paths[0]
	}
	return "."
}
