package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.max_concurrent_tasks")
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
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateQueue()...)
	errors = append(errors, c.validateDetector()...)
	errors = append(errors, c.validateSpawn()...)
	errors = append(errors, c.validateLimits()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)
	return errors
}

func (c *Config) validateQueue() []ValidationError {
	var errors []ValidationError
	q := c.Queue

	if q.MaxConcurrentTasks < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_concurrent_tasks",
			Value:   q.MaxConcurrentTasks,
			Message: "must be at least 1",
		})
	}
	if q.IntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.interval_seconds",
			Value:   q.IntervalSeconds,
			Message: "must be at least 1",
		})
	}
	if q.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_retries",
			Value:   q.MaxRetries,
			Message: "must be non-negative",
		})
	}
	if q.DefaultTimeoutMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.default_timeout_minutes",
			Value:   q.DefaultTimeoutMinutes,
			Message: "must be at least 1",
		})
	}
	if q.SpawnRatePerSecond < 0 {
		errors = append(errors, ValidationError{
			Field:   "queue.spawn_rate_per_second",
			Value:   q.SpawnRatePerSecond,
			Message: "must be non-negative (0 disables throttling)",
		})
	}
	if q.SpawnRatePerSecond > 0 && q.SpawnBurst < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.spawn_burst",
			Value:   q.SpawnBurst,
			Message: "must be at least 1 when spawn throttling is enabled",
		})
	}
	return errors
}

func (c *Config) validateDetector() []ValidationError {
	var errors []ValidationError
	d := c.Detector

	if d.GracePeriodSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "detector.grace_period_seconds",
			Value:   d.GracePeriodSeconds,
			Message: "must be non-negative",
		})
	}
	if d.MaxScanFiles < 1 {
		errors = append(errors, ValidationError{
			Field:   "detector.max_scan_files",
			Value:   d.MaxScanFiles,
			Message: "must be at least 1",
		})
	}
	for i, pattern := range d.RelevantPatterns {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("detector.relevant_patterns[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}
	for i, kw := range d.CompletionKeywords {
		if strings.TrimSpace(kw) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("detector.completion_keywords[%d]", i),
				Value:   kw,
				Message: "must not be empty",
			})
		}
	}
	return errors
}

func (c *Config) validateSpawn() []ValidationError {
	var errors []ValidationError
	s := c.Spawn

	if !slices.Contains(ValidBackends(), s.Backend) {
		errors = append(errors, ValidationError{
			Field:   "spawn.backend",
			Value:   s.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}
	if strings.TrimSpace(s.Command) == "" {
		errors = append(errors, ValidationError{
			Field:   "spawn.command",
			Value:   s.Command,
			Message: "must not be empty",
		})
	}
	if s.Backend == "tmux" {
		if s.TmuxWidth < 20 {
			errors = append(errors, ValidationError{
				Field:   "spawn.tmux_width",
				Value:   s.TmuxWidth,
				Message: "must be at least 20",
			})
		}
		if s.TmuxHeight < 10 {
			errors = append(errors, ValidationError{
				Field:   "spawn.tmux_height",
				Value:   s.TmuxHeight,
				Message: "must be at least 10",
			})
		}
	}
	return errors
}

// validateLimits covers the small sections that each hold a single bound.
func (c *Config) validateLimits() []ValidationError {
	var errors []ValidationError

	if c.Status.LogCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "status.log_cap",
			Value:   c.Status.LogCap,
			Message: "must be at least 1",
		})
	}
	if c.Pipeline.MaxAgentsPerStep < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_agents_per_step",
			Value:   c.Pipeline.MaxAgentsPerStep,
			Message: "must be at least 1",
		})
	}
	if c.Pool.MaxWorkers < 1 {
		errors = append(errors, ValidationError{
			Field:   "pool.max_workers",
			Value:   c.Pool.MaxWorkers,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	} else if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errors
}

func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	path := c.Paths.DataDir
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "paths.data_dir",
			Value:   path,
			Message: "path contains invalid null character",
		})
	}
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   "paths.data_dir",
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}
	return errors
}
