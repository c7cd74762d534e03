package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/task"
)

// promptFileName holds the rendered prompt for tmux workers so it never
// passes through shell quoting.
const promptFileName = "prompt.md"

// runner executes an external command and returns its stdout.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
	}
	return out, err
}

// TmuxSpawner runs each worker in a detached tmux session named after the
// task. The session lives exactly as long as the worker command.
type TmuxSpawner struct {
	cfg    Config
	run    runner
	logger *logging.Logger
}

// NewTmux returns a TmuxSpawner.
func NewTmux(cfg Config) *TmuxSpawner {
	return &TmuxSpawner{cfg: cfg, run: execRunner, logger: cfg.logger().WithComponent("spawn-tmux")}
}

// SessionName returns the tmux session used for taskID.
func SessionName(taskID string) string {
	name := strings.NewReplacer(".", "-", ":", "-").Replace(taskID)
	return "relay-" + name
}

// Spawn creates the session and starts the worker inside it.
func (s *TmuxSpawner) Spawn(ctx context.Context, t *task.Task) (task.Handle, error) {
	if err := ctx.Err(); err != nil {
		return task.Handle{}, errors.NewSpawnError(BackendTmux, err).WithTaskID(t.ID)
	}
	l, err := s.cfg.prepare(BackendTmux, t)
	if err != nil {
		return task.Handle{}, err
	}
	fail := func(err error) (task.Handle, error) {
		return task.Handle{}, errors.NewSpawnError(BackendTmux, err).WithTaskID(t.ID)
	}

	promptPath := filepath.Join(l.statusDir, promptFileName)
	if err := os.WriteFile(promptPath, []byte(l.prompt), 0600); err != nil {
		return fail(fmt.Errorf("write prompt file: %w", err))
	}

	session := SessionName(t.ID)
	// A leftover session from an earlier attempt would make new-session fail.
	_, _ = s.run(ctx, "tmux", "kill-session", "-t", session)

	width, height := s.cfg.TmuxWidth, s.cfg.TmuxHeight
	if width <= 0 {
		width = 200
	}
	if height <= 0 {
		height = 50
	}

	args := []string{
		"new-session", "-d",
		"-s", session,
		"-x", strconv.Itoa(width),
		"-y", strconv.Itoa(height),
		"-c", l.dir,
	}
	for _, kv := range l.env {
		args = append(args, "-e", kv)
	}
	args = append(args, s.shellCommand(promptPath, filepath.Join(l.statusDir, status.OutputFile)))

	if _, err := s.run(ctx, "tmux", args...); err != nil {
		return fail(fmt.Errorf("create tmux session: %w", err))
	}

	h := task.Handle{Backend: BackendTmux, Session: session}
	if out, err := s.run(ctx, "tmux", "display-message", "-t", session, "-p", "#{pane_pid}"); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			h.PID = pid
			if err := status.NewReporter(l.statusDir).PID(pid); err != nil {
				s.logger.WithTask(t.ID).Warn("failed to write pid marker", "error", err)
			}
		}
	}

	s.logger.WithTask(t.ID).Info("worker started", "session", session, "pid", h.PID)
	return h, nil
}

// shellCommand builds the command line run inside the session. Output is
// mirrored into output.log.
func (s *TmuxSpawner) shellCommand(promptPath, outputPath string) string {
	parts := []string{shellQuote(s.cfg.Command)}
	for _, a := range s.cfg.Args {
		parts = append(parts, shellQuote(a))
	}
	parts = append(parts, fmt.Sprintf(`"$(cat %s)"`, shellQuote(promptPath)))
	return fmt.Sprintf("%s 2>&1 | tee -a %s", strings.Join(parts, " "), shellQuote(outputPath))
}

// IsAlive reports whether the task's tmux session still exists.
func (s *TmuxSpawner) IsAlive(h task.Handle) bool {
	if h.Session == "" {
		return false
	}
	_, err := s.run(context.Background(), "tmux", "has-session", "-t", h.Session)
	return err == nil
}

// Stop kills the session.
func (s *TmuxSpawner) Stop(h task.Handle) error {
	if h.Session == "" {
		return nil
	}
	if _, err := s.run(context.Background(), "tmux", "kill-session", "-t", h.Session); err != nil && !isSessionNotFoundError(err) {
		return fmt.Errorf("kill tmux session %s: %w", h.Session, err)
	}
	return nil
}

// AttachCommand returns the command an operator runs to watch the worker.
func AttachCommand(h task.Handle) string {
	if h.Session == "" {
		return ""
	}
	return "tmux attach -t " + h.Session
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// isSessionNotFoundError reports whether tmux failed because the session
// (or the whole server) is already gone.
func isSessionNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "can't find session")
}
