package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Iron-Ham/relay/internal/config"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/orchestrator"
	"github.com/Iron-Ham/relay/internal/spawn"
	"github.com/Iron-Ham/relay/internal/task"
)

// loadConfig reads and validates the configuration assembled by viper.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openLogger opens relay.log in the data directory, or a no-op logger
// when logging is disabled.
func openLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(cfg.Paths.ResolveDataDir(), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
}

// openOrchestrator builds an orchestrator from the current configuration.
// The returned func releases it.
func openOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := openLogger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log: %w", err)
	}

	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if exe, err := os.Executable(); err == nil {
		opts = append(opts, orchestrator.WithBinary(exe))
	}
	orc, err := orchestrator.New(cfg, opts...)
	if err != nil {
		_ = logger.Close()
		return nil, nil, fmt.Errorf("failed to start relay: %w", err)
	}
	return orc, func() {
		orc.Close()
		_ = logger.Close()
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTask writes the detail view of t.
func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "Task: %s\n", t.Title)
	fmt.Fprintf(w, "ID: %s\n", t.ID)
	fmt.Fprintf(w, "Kind: %s\n", t.Kind)
	fmt.Fprintf(w, "Status: %s\n", t.Status)
	fmt.Fprintf(w, "Priority: %s\n", t.Priority)
	fmt.Fprintf(w, "Created: %s\n", t.CreatedAt.Local().Format(time.DateTime))
	if t.StartedAt != nil {
		fmt.Fprintf(w, "Started: %s\n", t.StartedAt.Local().Format(time.DateTime))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", t.CompletedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Attempts: %d (retries used %d of %d)\n", t.Attempts(), t.RetryCount, t.MaxRetries)
	fmt.Fprintf(w, "Timeout: %dm\n", t.TimeoutMinutes)
	if t.ProjectDir != "" {
		fmt.Fprintf(w, "Project: %s\n", t.ProjectDir)
	}
	if t.ParentTaskID != "" {
		fmt.Fprintf(w, "Parent: %s\n", t.ParentTaskID)
	}
	if t.StepID != "" {
		fmt.Fprintf(w, "Step: %s (#%d)\n", t.StepID, t.StepIndex+1)
	}
	if t.WorkerIndex > 0 {
		fmt.Fprintf(w, "Worker: %d of %d\n", t.WorkerIndex, t.TotalWorkers)
	}
	if t.ContextFile != "" {
		fmt.Fprintf(w, "Context: %s\n", t.ContextFile)
	}
	if !t.Handle.IsZero() {
		fmt.Fprintf(w, "Worker handle: %s pid=%d session=%s\n", t.Handle.Backend, t.Handle.PID, t.Handle.Session)
		if attach := spawn.AttachCommand(t.Handle); attach != "" {
			fmt.Fprintf(w, "Attach: %s\n", attach)
		}
	}
	if t.Progress > 0 || t.CurrentStep != "" {
		fmt.Fprintf(w, "Progress: %d%% %s\n", t.Progress, t.CurrentStep)
	}
	if t.Result != "" {
		fmt.Fprintf(w, "Result: %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", t.Error)
	}
	if len(t.Artifacts) > 0 {
		fmt.Fprintf(w, "Artifacts: %s\n", strings.Join(t.Artifacts, ", "))
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", t.Description)
	}
}

// printTaskLine writes the one-line list view of t.
func printTaskLine(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "%-36s  %-10s  %-8s  %-6s  %s\n", t.ID, t.Status, t.Kind, t.Priority, t.Title)
}
