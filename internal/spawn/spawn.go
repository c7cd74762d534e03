// Package spawn launches worker processes for tasks and checks whether
// they are still alive.
//
// Two backends exist: exec starts the worker as a child process in its own
// process group, and tmux runs it inside a detached tmux session so an
// operator can attach to it. Both hand the worker its task id, status
// directory and coordination document through environment variables and
// return a task.Handle that is persisted with the task, so liveness can be
// checked by a later relay process.
package spawn

import (
	"context"
	"fmt"
	"os"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/task"
)

// Backend names.
const (
	BackendExec = "exec"
	BackendTmux = "tmux"
)

// Spawner launches workers and reports their liveness.
type Spawner interface {
	// Spawn starts a worker for t. Failures are returned as *errors.SpawnError.
	Spawn(ctx context.Context, t *task.Task) (task.Handle, error)
	// IsAlive reports whether the worker behind h is still running.
	IsAlive(h task.Handle) bool
}

// Stopper is implemented by spawners that can terminate a worker.
type Stopper interface {
	Stop(h task.Handle) error
}

// PromptFunc renders the instructions handed to a worker.
type PromptFunc func(t *task.Task) (string, error)

// Config holds what every backend needs.
type Config struct {
	// Command and Args form the worker invocation; the rendered prompt is
	// appended as the final argument.
	Command string
	Args    []string
	// Layout locates per-task status directories.
	Layout status.Layout
	// Prompt renders the worker prompt. Required.
	Prompt PromptFunc
	// Logger receives spawn diagnostics.
	Logger *logging.Logger
	// TmuxWidth and TmuxHeight size tmux sessions.
	TmuxWidth  int
	TmuxHeight int
}

// New builds the spawner for backend.
func New(backend string, cfg Config) (Spawner, error) {
	switch backend {
	case "", BackendExec:
		return NewExec(cfg), nil
	case BackendTmux:
		return NewTmux(cfg), nil
	default:
		return nil, errors.NewConfigError("unknown spawn backend").WithField("spawn.backend").WithValue(backend)
	}
}

// launch is the per-task invocation shared by the backends.
type launch struct {
	dir       string
	statusDir string
	prompt    string
	env       []string
}

// prepare resolves the working directory, resets the status directory and
// renders the prompt.
func (c Config) prepare(backend string, t *task.Task) (launch, error) {
	fail := func(err error) (launch, error) {
		return launch{}, errors.NewSpawnError(backend, err).WithTaskID(t.ID)
	}
	if c.Command == "" {
		return fail(fmt.Errorf("no worker command configured"))
	}
	if c.Prompt == nil {
		return fail(fmt.Errorf("no prompt renderer configured"))
	}

	dir := t.ProjectDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(err)
		}
		dir = wd
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fail(fmt.Errorf("project directory %q is not accessible", dir))
	}

	statusDir, err := c.Layout.Ensure(t.ID)
	if err != nil {
		return fail(fmt.Errorf("create status directory: %w", err))
	}
	if err := c.Layout.Reset(t.ID); err != nil {
		return fail(fmt.Errorf("reset status directory: %w", err))
	}

	prompt, err := c.Prompt(t)
	if err != nil {
		return fail(fmt.Errorf("render prompt: %w", err))
	}

	return launch{
		dir:       dir,
		statusDir: statusDir,
		prompt:    prompt,
		env:       workerEnv(t, statusDir),
	}, nil
}

func workerEnv(t *task.Task, statusDir string) []string {
	env := []string{
		status.EnvTaskID + "=" + t.ID,
		status.EnvStatusDir + "=" + statusDir,
	}
	if t.ContextFile != "" {
		env = append(env, status.EnvContextFile+"="+t.ContextFile)
	}
	if t.ParentTaskID != "" {
		env = append(env, status.EnvParentTaskID+"="+t.ParentTaskID)
	}
	return env
}

func (c Config) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.NopLogger()
	}
	return c.Logger
}
