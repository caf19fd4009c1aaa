package types

type ConfigManager interface {
	Load() error
	GetConfig() *EngineConfig
}

type EngineConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version" validate:"required"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Cache     *CacheConfig     `yaml:"cache" json:"cache"`
	Events    *EventsConfig    `yaml:"events" json:"events"`
	Workers   *WorkerConfig    `yaml:"workers" json:"workers"`
	Scheduler *SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
	Cron      *CronConfig      `yaml:"cron" json:"cron"`
	Server    *ServerConfig    `yaml:"server" json:"server"`
	Bridge    *BridgeConfig    `yaml:"bridge" json:"bridge"`
	Watcher   *WatcherConfig   `yaml:"watcher" json:"watcher"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	MaxSize                 int     `yaml:"max_size" json:"max_size" validate:"min=1"`
	DefaultTTLMs            int     `yaml:"default_ttl_ms" json:"default_ttl_ms" validate:"min=0"`
	EnableLRU               bool    `yaml:"enable_lru" json:"enable_lru"`
	EnableMtimeValidation   bool    `yaml:"enable_mtime_validation" json:"enable_mtime_validation"`
	MemoryPressureThreshold float64 `yaml:"memory_pressure_threshold" json:"memory_pressure_threshold" validate:"min=0,max=1"`
	BatchSize               int     `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	CleanupInterval         string  `yaml:"cleanup_interval" json:"cleanup_interval"`
	CompressThreshold       int     `yaml:"compress_threshold" json:"compress_threshold" validate:"min=0"`
}

type EventsConfig struct {
	EnableProfiling bool `yaml:"enable_profiling" json:"enable_profiling"`
	MaxQueueSize    int  `yaml:"max_queue_size" json:"max_queue_size" validate:"min=1"`
	BatchSize       int  `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	Debug           bool `yaml:"debug" json:"debug"`
	YieldDelayMs    int  `yaml:"yield_delay_ms" json:"yield_delay_ms" validate:"min=0"`
}

type WorkerConfig struct {
	MaxWorkers            int `yaml:"max_workers" json:"max_workers" validate:"min=1"`
	MinWorkers            int `yaml:"min_workers" json:"min_workers" validate:"min=0"`
	IdleTimeoutMs         int `yaml:"idle_timeout_ms" json:"idle_timeout_ms" validate:"min=0"`
	HealthCheckIntervalMs int `yaml:"health_check_interval_ms" json:"health_check_interval_ms" validate:"min=0"`
	MaxTasksPerWorker     int `yaml:"max_tasks_per_worker" json:"max_tasks_per_worker" validate:"min=0"`
	TerminationTimeoutMs  int `yaml:"termination_timeout_ms" json:"termination_timeout_ms" validate:"min=0"`
}

type SchedulerConfig struct {
	MaxBatchSize         int `yaml:"max_batch_size" json:"max_batch_size" validate:"min=1"`
	BatchTimeoutMs       int `yaml:"batch_timeout_ms" json:"batch_timeout_ms" validate:"min=1"`
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches" validate:"min=1"`
	MaxRetries           int `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	TaskTimeoutMs        int `yaml:"task_timeout_ms" json:"task_timeout_ms" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type"`
	Prefix  string      `yaml:"prefix" json:"prefix"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type CronConfig struct {
	Enabled             bool   `yaml:"enabled" json:"enabled"`
	Timezone            string `yaml:"timezone" json:"timezone"`
	CleanupSchedule     string `yaml:"cleanup_schedule" json:"cleanup_schedule"`
	HealthCheckSchedule string `yaml:"health_check_schedule" json:"health_check_schedule"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
}

type BridgeConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	URL              string `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms" json:"reconnect_delay_ms" validate:"min=0"`
	MaxRetries       int    `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	PingIntervalMs   int    `yaml:"ping_interval_ms" json:"ping_interval_ms" validate:"min=0"`
}

type WatcherConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Paths   []string `yaml:"paths" json:"paths"`
}
