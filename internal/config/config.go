package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete keyforge configuration
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Resources   ResourcesConfig   `mapstructure:"resources"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Estimator   EstimatorConfig   `mapstructure:"estimator"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Store       StoreConfig       `mapstructure:"store"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// CoordinatorConfig controls the work-stealing coordinator
type CoordinatorConfig struct {
	// MinWorkers is the pool floor kept through scale-down (default: max(1, cpus/2))
	MinWorkers int `mapstructure:"min_workers"`
	// MaxWorkers is the pool ceiling for scale-up (default: cpus)
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxQueueSize bounds the global backlog; Submit fails once reached (default: 10000)
	MaxQueueSize int `mapstructure:"max_queue_size"`
	// StealThreshold is the queue-length gap that triggers work stealing (default: 5)
	StealThreshold int `mapstructure:"steal_threshold"`
	// MaxAttempts is how many times a task may run before it fails permanently (default: 3)
	MaxAttempts int `mapstructure:"max_attempts"`
	// IdleTimeoutMs is how long a worker must stay idle before scale-down may remove it
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms"`
	// BalanceIntervalMs is the load balancing period (0 disables the loop)
	BalanceIntervalMs int `mapstructure:"balance_interval_ms"`
	// ScaleCheckIntervalMs is the scale-down period (0 disables the loop)
	ScaleCheckIntervalMs int `mapstructure:"scale_check_interval_ms"`
	// ScaleCooldownMs is the minimum time between two pool size changes (0 disables it)
	ScaleCooldownMs int `mapstructure:"scale_cooldown_ms"`
	// CleanupIntervalMs is how often finished task records are purged
	CleanupIntervalMs int `mapstructure:"cleanup_interval_ms"`
	// RecordRetentionMinutes is how long completed/failed records are kept (default: 60)
	RecordRetentionMinutes int `mapstructure:"record_retention_minutes"`
	// TaskTimeoutMs is the per-task execution timeout (0 disables it)
	TaskTimeoutMs int `mapstructure:"task_timeout_ms"`
	// RetryBackoffMs is the base retry delay; attempt n waits n * base
	RetryBackoffMs int `mapstructure:"retry_backoff_ms"`
	// EnableStealing turns periodic work stealing on or off (default: true)
	EnableStealing bool `mapstructure:"enable_stealing"`
	// EnableDynamicScaling turns pool scale-up/scale-down on or off (default: true)
	EnableDynamicScaling bool `mapstructure:"enable_dynamic_scaling"`
	// EventBuffer is the capacity of the observer event queue (default: 1024)
	EventBuffer int `mapstructure:"event_buffer"`
}

// ResourcesConfig controls hardware probing
type ResourcesConfig struct {
	// ProbeTimeoutMs bounds each external probe command (nvidia-smi, numactl)
	ProbeTimeoutMs int `mapstructure:"probe_timeout_ms"`
	// DisableGPU skips GPU probing entirely
	DisableGPU bool `mapstructure:"disable_gpu"`
}

// StrategyConfig controls strategy planning
type StrategyConfig struct {
	// DefaultMode is used when no preferences file exists
	// Options: "AUTO", "SPEED_PRIORITY", "THOROUGHNESS_PRIORITY", "BALANCED_ADAPTIVE" or a custom name
	DefaultMode string `mapstructure:"default_mode"`
	// PatternsPerKey caps remembered success patterns per feature key (default: 10)
	PatternsPerKey int `mapstructure:"patterns_per_key"`
	// WatchPreferences reloads the preferences file when it changes on disk
	WatchPreferences bool `mapstructure:"watch_preferences"`
}

// EstimatorConfig controls the success probability estimator
type EstimatorConfig struct {
	// MinSampleSize is the similar-record count required before history is trusted (default: 5)
	MinSampleSize int `mapstructure:"min_sample_size"`
	// TimeDecayFactor is the per-day weight decay of historical records (default: 0.95)
	TimeDecayFactor float64 `mapstructure:"time_decay_factor"`
	// FeatureLearningRate is the EMA rate for feature weights (default: 0.1)
	FeatureLearningRate float64 `mapstructure:"feature_learning_rate"`
	// MaxRecordsPerKey caps historical records per feature key (default: 100)
	MaxRecordsPerKey int `mapstructure:"max_records_per_key"`
	// PhaseRateCap halves a phase's counters once attempts exceed it (default: 1000)
	PhaseRateCap int `mapstructure:"phase_rate_cap"`
	// PriorSamples is the number of virtual trials seeding each phase's rate (default: 10)
	PriorSamples int `mapstructure:"prior_samples"`
}

// EngineConfig controls how a recovery session feeds the coordinator
type EngineConfig struct {
	// BatchSize is the number of candidates per scheduled task (default: 1000)
	BatchSize int `mapstructure:"batch_size"`
	// MonitorIntervalMs is how often a running phase is checked for realtime adjustments (0 disables it)
	MonitorIntervalMs int `mapstructure:"monitor_interval_ms"`
}

// StoreConfig controls where persistent state is kept
type StoreConfig struct {
	// Dir holds preferences, success patterns and estimator statistics.
	// Empty means DataDir().
	Dir string `mapstructure:"dir"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty logs to stderr
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// TelemetryConfig controls OpenTelemetry export
type TelemetryConfig struct {
	// Enabled installs stdout trace/metric/log exporters (default: false)
	Enabled bool `mapstructure:"enabled"`
	// ExportIntervalMs is the metric export period (default: 10000)
	ExportIntervalMs int `mapstructure:"export_interval_ms"`
	// BridgeLogs routes application logs through the OpenTelemetry log pipeline
	BridgeLogs bool `mapstructure:"bridge_logs"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	cpus := runtime.NumCPU()
	return &Config{
		Coordinator: CoordinatorConfig{
			MinWorkers:             max(1, cpus/2),
			MaxWorkers:             max(1, cpus),
			MaxQueueSize:           10000,
			StealThreshold:         5,
			MaxAttempts:            3,
			IdleTimeoutMs:          30000,
			BalanceIntervalMs:      1000,
			ScaleCheckIntervalMs:   5000,
			ScaleCooldownMs:        0,
			CleanupIntervalMs:      60000,
			RecordRetentionMinutes: 60,
			TaskTimeoutMs:          60000,
			RetryBackoffMs:         1000,
			EnableStealing:         true,
			EnableDynamicScaling:   true,
			EventBuffer:            1024,
		},
		Resources: ResourcesConfig{
			ProbeTimeoutMs: 5000,
			DisableGPU:     false,
		},
		Strategy: StrategyConfig{
			DefaultMode:      "BALANCED_ADAPTIVE",
			PatternsPerKey:   10,
			WatchPreferences: false,
		},
		Estimator: EstimatorConfig{
			MinSampleSize:       5,
			TimeDecayFactor:     0.95,
			FeatureLearningRate: 0.1,
			MaxRecordsPerKey:    100,
			PhaseRateCap:        1000,
			PriorSamples:        10,
		},
		Engine: EngineConfig{
			BatchSize:         1000,
			MonitorIntervalMs: 5000,
		},
		Store: StoreConfig{
			Dir: "", // Empty means DataDir()
		},
		Logging: LoggingConfig{
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Telemetry: TelemetryConfig{
			Enabled:          false,
			ExportIntervalMs: 10000,
			BridgeLogs:       false,
		},
	}
}

// IdleTimeout returns the idle timeout as a time.Duration
func (c *CoordinatorConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// BalanceInterval returns the balance interval as a time.Duration (0 means disabled)
func (c *CoordinatorConfig) BalanceInterval() time.Duration {
	return time.Duration(c.BalanceIntervalMs) * time.Millisecond
}

// ScaleCheckInterval returns the scale-down interval as a time.Duration (0 means disabled)
func (c *CoordinatorConfig) ScaleCheckInterval() time.Duration {
	return time.Duration(c.ScaleCheckIntervalMs) * time.Millisecond
}

// ScaleCooldown returns the scaling cooldown as a time.Duration (0 means none)
func (c *CoordinatorConfig) ScaleCooldown() time.Duration {
	return time.Duration(c.ScaleCooldownMs) * time.Millisecond
}

// CleanupInterval returns the cleanup interval as a time.Duration (0 means disabled)
func (c *CoordinatorConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

// RecordRetention returns how long finished task records are kept
func (c *CoordinatorConfig) RecordRetention() time.Duration {
	return time.Duration(c.RecordRetentionMinutes) * time.Minute
}

// TaskTimeout returns the per-task timeout as a time.Duration (0 means disabled)
func (c *CoordinatorConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// RetryBackoff returns the base retry delay as a time.Duration
func (c *CoordinatorConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// ProbeTimeout returns the probe timeout as a time.Duration
func (c *ResourcesConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// ExportInterval returns the metric export interval as a time.Duration
func (c *TelemetryConfig) ExportInterval() time.Duration {
	return time.Duration(c.ExportIntervalMs) * time.Millisecond
}

// MonitorInterval returns the realtime check period as a time.Duration (0 means disabled)
func (c *EngineConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMs) * time.Millisecond
}

// ResolveDir returns the configured store directory or the default data dir
func (c *StoreConfig) ResolveDir() string {
	if c.Dir != "" {
		return expandHome(c.Dir)
	}
	return DataDir()
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Coordinator defaults
	viper.SetDefault("coordinator.min_workers", defaults.Coordinator.MinWorkers)
	viper.SetDefault("coordinator.max_workers", defaults.Coordinator.MaxWorkers)
	viper.SetDefault("coordinator.max_queue_size", defaults.Coordinator.MaxQueueSize)
	viper.SetDefault("coordinator.steal_threshold", defaults.Coordinator.StealThreshold)
	viper.SetDefault("coordinator.max_attempts", defaults.Coordinator.MaxAttempts)
	viper.SetDefault("coordinator.idle_timeout_ms", defaults.Coordinator.IdleTimeoutMs)
	viper.SetDefault("coordinator.balance_interval_ms", defaults.Coordinator.BalanceIntervalMs)
	viper.SetDefault("coordinator.scale_check_interval_ms", defaults.Coordinator.ScaleCheckIntervalMs)
	viper.SetDefault("coordinator.scale_cooldown_ms", defaults.Coordinator.ScaleCooldownMs)
	viper.SetDefault("coordinator.cleanup_interval_ms", defaults.Coordinator.CleanupIntervalMs)
	viper.SetDefault("coordinator.record_retention_minutes", defaults.Coordinator.RecordRetentionMinutes)
	viper.SetDefault("coordinator.task_timeout_ms", defaults.Coordinator.TaskTimeoutMs)
	viper.SetDefault("coordinator.retry_backoff_ms", defaults.Coordinator.RetryBackoffMs)
	viper.SetDefault("coordinator.enable_stealing", defaults.Coordinator.EnableStealing)
	viper.SetDefault("coordinator.enable_dynamic_scaling", defaults.Coordinator.EnableDynamicScaling)
	viper.SetDefault("coordinator.event_buffer", defaults.Coordinator.EventBuffer)

	// Resource defaults
	viper.SetDefault("resources.probe_timeout_ms", defaults.Resources.ProbeTimeoutMs)
	viper.SetDefault("resources.disable_gpu", defaults.Resources.DisableGPU)

	// Strategy defaults
	viper.SetDefault("strategy.default_mode", defaults.Strategy.DefaultMode)
	viper.SetDefault("strategy.patterns_per_key", defaults.Strategy.PatternsPerKey)
	viper.SetDefault("strategy.watch_preferences", defaults.Strategy.WatchPreferences)

	// Estimator defaults
	viper.SetDefault("estimator.min_sample_size", defaults.Estimator.MinSampleSize)
	viper.SetDefault("estimator.time_decay_factor", defaults.Estimator.TimeDecayFactor)
	viper.SetDefault("estimator.feature_learning_rate", defaults.Estimator.FeatureLearningRate)
	viper.SetDefault("estimator.max_records_per_key", defaults.Estimator.MaxRecordsPerKey)
	viper.SetDefault("estimator.phase_rate_cap", defaults.Estimator.PhaseRateCap)
	viper.SetDefault("estimator.prior_samples", defaults.Estimator.PriorSamples)

	// Engine defaults
	viper.SetDefault("engine.batch_size", defaults.Engine.BatchSize)
	viper.SetDefault("engine.monitor_interval_ms", defaults.Engine.MonitorIntervalMs)

	// Store defaults
	viper.SetDefault("store.dir", defaults.Store.Dir)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	viper.SetDefault("telemetry.export_interval_ms", defaults.Telemetry.ExportIntervalMs)
	viper.SetDefault("telemetry.bridge_logs", defaults.Telemetry.BridgeLogs)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyforge"
	}
	return filepath.Join(home, ".config", "keyforge")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for persisted state documents
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "keyforge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyforge"
	}
	return filepath.Join(home, ".local", "share", "keyforge")
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
