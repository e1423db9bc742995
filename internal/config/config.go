package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfiguration is returned when a configuration value is out of range
var ErrInvalidConfiguration = errors.New("invalid configuration")

const (
	MinWorkers = 1
	MaxWorkers = 16

	MinMemoryPerWorkerMB = 128
	MaxMemoryPerWorkerMB = 2048

	MinTaskTimeoutMs = 30_000
	MaxTaskTimeoutMs = 1_800_000

	envPrefix = "TRAINPOOL"
)

// PoolConfig holds the worker pool settings. It is read-only once the pool is built.
type PoolConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	MaxWorkers           int  `mapstructure:"max_workers"`
	MaxMemoryPerWorkerMB int  `mapstructure:"max_memory_per_worker_mb"`
	TaskTimeoutMs        int  `mapstructure:"task_timeout_ms"`
}

// TaskTimeout returns the per-task timeout as a duration
func (c PoolConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// Validate checks every field against its allowed range
func (c PoolConfig) Validate() error {
	if c.MaxWorkers < MinWorkers || c.MaxWorkers > MaxWorkers {
		return fmt.Errorf("%w: max_workers %d not in [%d, %d]",
			ErrInvalidConfiguration, c.MaxWorkers, MinWorkers, MaxWorkers)
	}
	if c.MaxMemoryPerWorkerMB < MinMemoryPerWorkerMB || c.MaxMemoryPerWorkerMB > MaxMemoryPerWorkerMB {
		return fmt.Errorf("%w: max_memory_per_worker_mb %d not in [%d, %d]",
			ErrInvalidConfiguration, c.MaxMemoryPerWorkerMB, MinMemoryPerWorkerMB, MaxMemoryPerWorkerMB)
	}
	if c.TaskTimeoutMs < MinTaskTimeoutMs || c.TaskTimeoutMs > MaxTaskTimeoutMs {
		return fmt.Errorf("%w: task_timeout_ms %d not in [%d, %d]",
			ErrInvalidConfiguration, c.TaskTimeoutMs, MinTaskTimeoutMs, MaxTaskTimeoutMs)
	}
	return nil
}

// DefaultPoolConfig returns a pool configuration that passes validation
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:              true,
		MaxWorkers:           4,
		MaxMemoryPerWorkerMB: 512,
		TaskTimeoutMs:        300_000,
	}
}

// MonitorConfig controls the performance monitor
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ExecutorConfig selects and configures the task executor handlers
type ExecutorConfig struct {
	// Mode is "command" or "container"
	Mode       string   `mapstructure:"mode"`
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`
	WorkingDir string   `mapstructure:"working_dir"`
	Image      string   `mapstructure:"image"`
	PredictURL string   `mapstructure:"predict_url"`
}

// NATSConfig configures the JetStream notification sink
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// StorageConfig configures task history persistence
type StorageConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// MaintenanceConfig holds cron expressions for housekeeping jobs
type MaintenanceConfig struct {
	CleanupSchedule   string `mapstructure:"cleanup_schedule"`
	RetentionSchedule string `mapstructure:"retention_schedule"`
}

// Config is the full application configuration
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
}

func setDefaults(v *viper.Viper) {
	pool := DefaultPoolConfig()
	v.SetDefault("app.name", "trainpool")
	v.SetDefault("pool.enabled", pool.Enabled)
	v.SetDefault("pool.max_workers", pool.MaxWorkers)
	v.SetDefault("pool.max_memory_per_worker_mb", pool.MaxMemoryPerWorkerMB)
	v.SetDefault("pool.task_timeout_ms", pool.TaskTimeoutMs)
	v.SetDefault("monitor.interval", 5*time.Second)
	v.SetDefault("executor.mode", "command")
	v.SetDefault("executor.command", "python3")
	v.SetDefault("nats.subject_prefix", "trainpool")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("storage.path", "task_history.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("maintenance.cleanup_schedule", "0 */30 * * * *")
	v.SetDefault("maintenance.retention_schedule", "0 0 3 * * *")
	v.SetDefault("metrics_addr", ":9090")
}

// Load reads configuration from the given file (optional) and TRAINPOOL_* environment
// variables, then validates the pool section.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Pool.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
