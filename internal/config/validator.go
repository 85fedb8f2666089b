package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "coordinator.max_workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// strategyNameRegex matches built-in and custom strategy names, which are stored upper-cased
var strategyNameRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateCoordinator()...)
	errors = append(errors, c.validateResources()...)
	errors = append(errors, c.validateStrategy()...)
	errors = append(errors, c.validateEstimator()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateTelemetry()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
}

func nonNegative(field string, v int) []ValidationError {
	if v >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
}

// validateCoordinator validates the CoordinatorConfig
func (c *Config) validateCoordinator() []ValidationError {
	var errors []ValidationError
	cc := c.Coordinator

	errors = append(errors, positive("coordinator.min_workers", cc.MinWorkers)...)
	errors = append(errors, positive("coordinator.max_workers", cc.MaxWorkers)...)
	if cc.MinWorkers > 0 && cc.MaxWorkers > 0 && cc.MinWorkers > cc.MaxWorkers {
		errors = append(errors, ValidationError{
			Field:   "coordinator.min_workers",
			Value:   cc.MinWorkers,
			Message: fmt.Sprintf("must not exceed max_workers (%d)", cc.MaxWorkers),
		})
	}

	errors = append(errors, positive("coordinator.max_queue_size", cc.MaxQueueSize)...)
	errors = append(errors, positive("coordinator.steal_threshold", cc.StealThreshold)...)
	errors = append(errors, positive("coordinator.max_attempts", cc.MaxAttempts)...)
	errors = append(errors, positive("coordinator.event_buffer", cc.EventBuffer)...)

	// Intervals of zero disable their loops
	errors = append(errors, nonNegative("coordinator.idle_timeout_ms", cc.IdleTimeoutMs)...)
	errors = append(errors, nonNegative("coordinator.balance_interval_ms", cc.BalanceIntervalMs)...)
	errors = append(errors, nonNegative("coordinator.scale_check_interval_ms", cc.ScaleCheckIntervalMs)...)
	errors = append(errors, nonNegative("coordinator.scale_cooldown_ms", cc.ScaleCooldownMs)...)
	errors = append(errors, nonNegative("coordinator.cleanup_interval_ms", cc.CleanupIntervalMs)...)
	errors = append(errors, nonNegative("coordinator.record_retention_minutes", cc.RecordRetentionMinutes)...)
	errors = append(errors, nonNegative("coordinator.task_timeout_ms", cc.TaskTimeoutMs)...)
	errors = append(errors, nonNegative("coordinator.retry_backoff_ms", cc.RetryBackoffMs)...)

	return errors
}

// validateResources validates the ResourcesConfig
func (c *Config) validateResources() []ValidationError {
	return positive("resources.probe_timeout_ms", c.Resources.ProbeTimeoutMs)
}

// validateStrategy validates the StrategyConfig
func (c *Config) validateStrategy() []ValidationError {
	var errors []ValidationError

	if c.Strategy.DefaultMode != "" && !strategyNameRegex.MatchString(c.Strategy.DefaultMode) {
		errors = append(errors, ValidationError{
			Field:   "strategy.default_mode",
			Value:   c.Strategy.DefaultMode,
			Message: "must be an upper-case strategy name (e.g. BALANCED_ADAPTIVE)",
		})
	}
	errors = append(errors, positive("strategy.patterns_per_key", c.Strategy.PatternsPerKey)...)

	return errors
}

// validateEngine validates the EngineConfig
func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError
	errors = append(errors, positive("engine.batch_size", c.Engine.BatchSize)...)
	errors = append(errors, nonNegative("engine.monitor_interval_ms", c.Engine.MonitorIntervalMs)...)
	return errors
}

// validateEstimator validates the EstimatorConfig
func (c *Config) validateEstimator() []ValidationError {
	var errors []ValidationError
	ec := c.Estimator

	errors = append(errors, positive("estimator.min_sample_size", ec.MinSampleSize)...)
	errors = append(errors, positive("estimator.max_records_per_key", ec.MaxRecordsPerKey)...)
	errors = append(errors, positive("estimator.phase_rate_cap", ec.PhaseRateCap)...)
	errors = append(errors, nonNegative("estimator.prior_samples", ec.PriorSamples)...)

	if ec.TimeDecayFactor <= 0 || ec.TimeDecayFactor > 1 {
		errors = append(errors, ValidationError{
			Field:   "estimator.time_decay_factor",
			Value:   ec.TimeDecayFactor,
			Message: "must be in (0, 1]",
		})
	}
	if ec.FeatureLearningRate <= 0 || ec.FeatureLearningRate > 1 {
		errors = append(errors, ValidationError{
			Field:   "estimator.feature_learning_rate",
			Value:   ec.FeatureLearningRate,
			Message: "must be in (0, 1]",
		})
	}

	return errors
}

// validateStore validates the StoreConfig
func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if c.Store.Dir != "" {
		if strings.ContainsRune(c.Store.Dir, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "store.dir",
				Value:   c.Store.Dir,
				Message: "path contains invalid null character",
			})
		}

		const maxPathLength = 4096
		if len(c.Store.Dir) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "store.dir",
				Value:   c.Store.Dir,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	errors = append(errors, positive("logging.max_size_mb", c.Logging.MaxSizeMB)...)

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}

// validateTelemetry validates the TelemetryConfig
func (c *Config) validateTelemetry() []ValidationError {
	if !c.Telemetry.Enabled {
		return nil
	}
	return positive("telemetry.export_interval_ms", c.Telemetry.ExportIntervalMs)
}
