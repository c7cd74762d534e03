// Package config provides CLI commands for managing relay configuration.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	appconfig "github.com/Iron-Ham/relay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify relay configuration",
	Long: `View or modify relay configuration.

Settings are read from the config file, then overridden by RELAY_*
environment variables and command-line flags.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  relay config set queue.max_concurrent_tasks 5
  relay config set spawn.backend tmux
  relay config set detector.completion_keywords "all done,task complete"

List values are comma separated. Run 'relay config show' for every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at $XDG_CONFIG_HOME/relay/config.yaml with the commonly tuned options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in your editor",
	Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
	Args: cobra.NoArgs,
	RunE: runConfigEdit,
}

var configResetCmd = &cobra.Command{
	Use:   "reset [key]",
	Short: "Reset configuration to defaults",
	Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  relay config reset                       # Reset all to defaults
  relay config reset queue.interval_seconds`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigReset,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configResetCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

// defaultValues flattens appconfig.Default into viper keys.
func defaultValues() map[string]any {
	d := appconfig.Default()
	return map[string]any{
		"queue.max_concurrent_tasks":    d.Queue.MaxConcurrentTasks,
		"queue.interval_seconds":        d.Queue.IntervalSeconds,
		"queue.max_retries":             d.Queue.MaxRetries,
		"queue.default_timeout_minutes": d.Queue.DefaultTimeoutMinutes,
		"queue.spawn_rate_per_second":   d.Queue.SpawnRatePerSecond,
		"queue.spawn_burst":             d.Queue.SpawnBurst,
		"detector.grace_period_seconds": d.Detector.GracePeriodSeconds,
		"detector.completion_keywords":  d.Detector.CompletionKeywords,
		"detector.relevant_patterns":    d.Detector.RelevantPatterns,
		"detector.ignore_dirs":          d.Detector.IgnoreDirs,
		"detector.max_scan_files":       d.Detector.MaxScanFiles,
		"spawn.backend":                 d.Spawn.Backend,
		"spawn.command":                 d.Spawn.Command,
		"spawn.args":                    d.Spawn.Args,
		"spawn.tmux_width":              d.Spawn.TmuxWidth,
		"spawn.tmux_height":             d.Spawn.TmuxHeight,
		"status.log_cap":                d.Status.LogCap,
		"pipeline.max_agents_per_step":  d.Pipeline.MaxAgentsPerStep,
		"pool.max_workers":              d.Pool.MaxWorkers,
		"paths.data_dir":                d.Paths.DataDir,
		"logging.enabled":               d.Logging.Enabled,
		"logging.level":                 d.Logging.Level,
		"logging.max_size_mb":           d.Logging.MaxSizeMB,
		"logging.max_backups":           d.Logging.MaxBackups,
		"metrics.addr":                  d.Metrics.Addr,
	}
}

// parseValue converts a command-line value to the type of the key's default.
func parseValue(key, value string, def any) (any, error) {
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	case []string:
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	default:
		return value, nil
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(out, "# Data directory: %s\n", cfg.Paths.ResolveDataDir())
	fmt.Fprintln(out)

	settings := make(map[string]any)
	for key := range defaultValues() {
		settings[key] = viper.Get(key)
	}
	data, err := yaml.Marshal(nest(settings))
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// nest turns dotted keys into nested maps for rendering.
func nest(flat map[string]any) map[string]any {
	tree := make(map[string]any)
	for key, value := range flat {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			tree[key] = value
			continue
		}
		sub, _ := tree[section].(map[string]any)
		if sub == nil {
			sub = make(map[string]any)
			tree[section] = sub
		}
		sub[name] = value
	}
	return tree
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	defaults := defaultValues()
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'relay config show' to see valid keys", key)
	}

	typedValue, err := parseValue(key, value, def)
	if err != nil {
		return err
	}
	if key == "spawn.backend" && !slices.Contains(appconfig.ValidBackends(), value) {
		return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
			key, value, strings.Join(appconfig.ValidBackends(), ", "))
	}

	prev := viper.Get(key)
	viper.Set(key, typedValue)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, prev)
		return err
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

// writeConfig persists viper's settings to the user's config file.
func writeConfig() (string, error) {
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := appconfig.ConfigFile()
	if used := viper.ConfigFileUsed(); used != "" {
		configFile = used
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

const defaultConfigContent = `# Relay Configuration

# Task queue
queue:
  # Workers allowed to run at once
  max_concurrent_tasks: 3
  # Seconds between queue passes
  interval_seconds: 10
  # Retries given to tasks that don't set their own
  max_retries: 2
  # Minutes before a running worker is timed out
  default_timeout_minutes: 60
  # Worker launches per second; 0 disables throttling
  spawn_rate_per_second: 0
  spawn_burst: 1

# Completion and zombie detection
detector:
  # Seconds a new pipeline or pool is left alone by the sweep
  grace_period_seconds: 30
  # Phrases in a worker log that count as completion
  completion_keywords:
    - task complete
    - task completed
    - completed successfully
    - all done
  ignore_dirs: [.git, node_modules, .relay, vendor]

# Worker launch
spawn:
  # exec (child process) or tmux (detached session)
  backend: exec
  command: claude
  args: [--dangerously-skip-permissions, -p]

# Where tasks.json, status directories and relay.log live
# (default: $XDG_DATA_HOME/relay)
paths:
  data_dir: ""

logging:
  enabled: true
  # debug, info, warn or error
  level: info

# Prometheus endpoint served by 'relay serve'; empty disables it
metrics:
  addr: 127.0.0.1:9464
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'relay config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: RELAY_* (e.g., RELAY_QUEUE_MAX_CONCURRENT_TASKS)")
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := defaultValues()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		for key, value := range defaults {
			viper.Set(key, value)
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
	} else {
		key := args[0]
		value, ok := defaults[key]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s\nRun 'relay config show' to see valid keys", key)
		}
		viper.Set(key, value)
		fmt.Fprintf(out, "Reset %s to default: %v\n", key, value)
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}
