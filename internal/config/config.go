package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete relay configuration
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Detector DetectorConfig `mapstructure:"detector"`
	Spawn    SpawnConfig    `mapstructure:"spawn"`
	Status   StatusConfig   `mapstructure:"status"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// QueueConfig controls admission, scheduling cadence and the retry budget.
type QueueConfig struct {
	// MaxConcurrentTasks caps how many schedulable tasks may be active or
	// processing at once (default: 3)
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	// IntervalSeconds is the tick period of the queue loop (default: 10)
	IntervalSeconds int `mapstructure:"interval_seconds"`
	// MaxRetries is the retry budget given to new tasks that don't set one (default: 2)
	MaxRetries int `mapstructure:"max_retries"`
	// DefaultTimeoutMinutes applies to tasks created without a timeout (default: 60)
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes"`
	// SpawnRatePerSecond throttles worker launches. 0 disables throttling.
	SpawnRatePerSecond float64 `mapstructure:"spawn_rate_per_second"`
	// SpawnBurst is the token bucket size used with SpawnRatePerSecond (default: 1)
	SpawnBurst int `mapstructure:"spawn_burst"`
}

// DetectorConfig tunes the completion and zombie heuristics.
type DetectorConfig struct {
	// GracePeriodSeconds is how long a freshly created pipeline or pool
	// tracker is left alone by the sweep (default: 30)
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
	// CompletionKeywords are matched case-insensitively against the worker's
	// status log once its process is gone.
	CompletionKeywords []string `mapstructure:"completion_keywords"`
	// RelevantPatterns are glob patterns (relative to the project directory)
	// for files that count as evidence of finished work when a task doesn't
	// declare its own output files.
	RelevantPatterns []string `mapstructure:"relevant_patterns"`
	// IgnoreDirs are directory names skipped by the project scan.
	IgnoreDirs []string `mapstructure:"ignore_dirs"`
	// MaxScanFiles bounds the number of files examined per scan (default: 5000)
	MaxScanFiles int `mapstructure:"max_scan_files"`
}

// SpawnConfig selects the worker backend and the command it runs.
type SpawnConfig struct {
	// Backend is "exec" (child process) or "tmux" (detached session) (default: "exec")
	Backend string `mapstructure:"backend"`
	// Command is the worker executable (default: "claude")
	Command string `mapstructure:"command"`
	// Args are passed before the rendered prompt.
	Args []string `mapstructure:"args"`
	// TmuxWidth and TmuxHeight size detached sessions for the tmux backend.
	TmuxWidth  int `mapstructure:"tmux_width"`
	TmuxHeight int `mapstructure:"tmux_height"`
}

// StatusConfig controls the per-task status side files.
type StatusConfig struct {
	// LogCap is the number of lines kept in a task's log.jsonl (default: 500)
	LogCap int `mapstructure:"log_cap"`
}

// PipelineConfig bounds pipeline definitions.
type PipelineConfig struct {
	// MaxAgentsPerStep is the upper bound for a step's count (default: 10)
	MaxAgentsPerStep int `mapstructure:"max_agents_per_step"`
}

// PoolConfig bounds worker pools.
type PoolConfig struct {
	// MaxWorkers is the upper bound for a pool's worker count (default: 10)
	MaxWorkers int `mapstructure:"max_workers"`
}

// PathsConfig controls where relay keeps its state.
type PathsConfig struct {
	// DataDir holds tasks.json, per-task status directories and relay.log.
	// Empty means $XDG_DATA_HOME/relay (or ~/.local/share/relay).
	// Supports ~ expansion.
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls relay.log
type LoggingConfig struct {
	// Enabled writes orchestrator logs to relay.log (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is one of debug, info, warn, error (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the rotation threshold (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// MetricsConfig controls the HTTP endpoint started by `relay serve`.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint (default: "127.0.0.1:9464")
	Addr string `mapstructure:"addr"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxConcurrentTasks:    3,
			IntervalSeconds:       10,
			MaxRetries:            2,
			DefaultTimeoutMinutes: 60,
			SpawnRatePerSecond:    0,
			SpawnBurst:            1,
		},
		Detector: DetectorConfig{
			GracePeriodSeconds: 30,
			CompletionKeywords: []string{
				"task complete",
				"task completed",
				"completed successfully",
				"all done",
			},
			RelevantPatterns: []string{"**"},
			IgnoreDirs:       []string{".git", "node_modules", ".relay", "vendor"},
			MaxScanFiles:     5000,
		},
		Spawn: SpawnConfig{
			Backend:    "exec",
			Command:    "claude",
			Args:       []string{"--dangerously-skip-permissions", "-p"},
			TmuxWidth:  200,
			TmuxHeight: 50,
		},
		Status: StatusConfig{
			LogCap: 500,
		},
		Pipeline: PipelineConfig{
			MaxAgentsPerStep: 10,
		},
		Pool: PoolConfig{
			MaxWorkers: 10,
		},
		Paths: PathsConfig{
			DataDir: "",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Interval returns the queue tick period.
func (c *QueueConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// DefaultTimeout returns the default worker timeout.
func (c *QueueConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}

// GracePeriod returns the tracker grace window.
func (c *DetectorConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// ResolveDataDir returns the absolute data directory.
// An empty DataDir resolves under XDG_DATA_HOME. A leading ~ expands to
// the user's home directory and relative paths resolve against the
// working directory.
func (p *PathsConfig) ResolveDataDir() string {
	path := p.DataDir
	if path == "" {
		return defaultDataDir()
	}

	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}

	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".local", "share", "relay")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Queue defaults
	viper.SetDefault("queue.max_concurrent_tasks", defaults.Queue.MaxConcurrentTasks)
	viper.SetDefault("queue.interval_seconds", defaults.Queue.IntervalSeconds)
	viper.SetDefault("queue.max_retries", defaults.Queue.MaxRetries)
	viper.SetDefault("queue.default_timeout_minutes", defaults.Queue.DefaultTimeoutMinutes)
	viper.SetDefault("queue.spawn_rate_per_second", defaults.Queue.SpawnRatePerSecond)
	viper.SetDefault("queue.spawn_burst", defaults.Queue.SpawnBurst)

	// Detector defaults
	viper.SetDefault("detector.grace_period_seconds", defaults.Detector.GracePeriodSeconds)
	viper.SetDefault("detector.completion_keywords", defaults.Detector.CompletionKeywords)
	viper.SetDefault("detector.relevant_patterns", defaults.Detector.RelevantPatterns)
	viper.SetDefault("detector.ignore_dirs", defaults.Detector.IgnoreDirs)
	viper.SetDefault("detector.max_scan_files", defaults.Detector.MaxScanFiles)

	// Spawn defaults
	viper.SetDefault("spawn.backend", defaults.Spawn.Backend)
	viper.SetDefault("spawn.command", defaults.Spawn.Command)
	viper.SetDefault("spawn.args", defaults.Spawn.Args)
	viper.SetDefault("spawn.tmux_width", defaults.Spawn.TmuxWidth)
	viper.SetDefault("spawn.tmux_height", defaults.Spawn.TmuxHeight)

	viper.SetDefault("status.log_cap", defaults.Status.LogCap)
	viper.SetDefault("pipeline.max_agents_per_step", defaults.Pipeline.MaxAgentsPerStep)
	viper.SetDefault("pool.max_workers", defaults.Pool.MaxWorkers)
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
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

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".config", "relay")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidBackends returns the worker backends relay can spawn with
func ValidBackends() []string {
	return []string{"exec", "tmux"}
}
