package config

import (
	"context"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-parse/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.EngineConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

func (l *Loader) Validate(config *types.EngineConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}
	return types.WrapError(l.validator.Struct(config), "config validation failed")
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

// Defaults returns a config that starts a usable engine without a config
// file: a small cache per partition, a four-worker pool and debounced
// batching.
func (l *Loader) Defaults() *types.EngineConfig {
	return &types.EngineConfig{
		Name:    "sai-parse",
		Version: "0.1.0",
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Cache: &types.CacheConfig{
			MaxSize:                 1000,
			DefaultTTLMs:            int(5 * 60 * 1000),
			EnableLRU:               true,
			EnableMtimeValidation:   true,
			MemoryPressureThreshold: 0.8,
			BatchSize:               50,
			CleanupInterval:         "1m",
			CompressThreshold:       4096,
		},
		Events: &types.EventsConfig{
			MaxQueueSize: 1000,
			BatchSize:    10,
			YieldDelayMs: 5,
		},
		Workers: &types.WorkerConfig{
			MaxWorkers:            4,
			MinWorkers:            1,
			IdleTimeoutMs:         60000,
			HealthCheckIntervalMs: 30000,
			TerminationTimeoutMs:  5000,
		},
		Scheduler: &types.SchedulerConfig{
			MaxBatchSize:         50,
			BatchTimeoutMs:       100,
			MaxConcurrentBatches: 3,
			MaxRetries:           3,
			TaskTimeoutMs:        30000,
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: false,
		},
		Cron: &types.CronConfig{
			Enabled:             false,
			Timezone:            "UTC",
			CleanupSchedule:     "@every 1m",
			HealthCheckSchedule: "@every 30s",
		},
		Server: &types.ServerConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8080,
		},
		Bridge: &types.BridgeConfig{
			Enabled: false,
		},
		Watcher: &types.WatcherConfig{
			Enabled: false,
		},
	}
}
