package spawn

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/status"
	"github.com/Iron-Ham/relay/internal/task"
)

// ExecSpawner runs workers as child processes.
type ExecSpawner struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	children map[int]chan struct{} // running children; pid -> closed when reaped
}

// NewExec returns an ExecSpawner.
func NewExec(cfg Config) *ExecSpawner {
	return &ExecSpawner{
		cfg:      cfg,
		logger:   cfg.logger().WithComponent("spawn-exec"),
		children: make(map[int]chan struct{}),
	}
}

// Spawn starts the worker in the task's project directory. Output goes to
// output.log in the status directory and the pid to worker.pid.
func (s *ExecSpawner) Spawn(ctx context.Context, t *task.Task) (task.Handle, error) {
	if err := ctx.Err(); err != nil {
		return task.Handle{}, errors.NewSpawnError(BackendExec, err).WithTaskID(t.ID)
	}
	l, err := s.cfg.prepare(BackendExec, t)
	if err != nil {
		return task.Handle{}, err
	}

	out, err := os.OpenFile(filepath.Join(l.statusDir, status.OutputFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return task.Handle{}, errors.NewSpawnError(BackendExec, err).WithTaskID(t.ID)
	}

	args := append(append([]string(nil), s.cfg.Args...), l.prompt)
	// Not CommandContext: the worker must outlive the dispatching call.
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = l.dir
	cmd.Env = append(os.Environ(), l.env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return task.Handle{}, errors.NewSpawnError(BackendExec, err).WithTaskID(t.ID)
	}
	pid := cmd.Process.Pid

	reaped := make(chan struct{})
	s.mu.Lock()
	s.children[pid] = reaped
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		_ = out.Close()
		s.mu.Lock()
		if s.children[pid] == reaped {
			delete(s.children, pid)
		}
		s.mu.Unlock()
		close(reaped)
		s.logger.WithTask(t.ID).Info("worker exited", "pid", pid, "error", errString(err))
	}()

	if err := status.NewReporter(l.statusDir).PID(pid); err != nil {
		s.logger.WithTask(t.ID).Warn("failed to write pid marker", "error", err)
	}

	s.logger.WithTask(t.ID).Info("worker started", "pid", pid, "dir", l.dir)
	return task.Handle{Backend: BackendExec, PID: pid}, nil
}

// IsAlive reports whether the worker process exists. Running children of
// this process are tracked through their wait state; reaped children and
// pids from other processes are probed with signal 0.
func (s *ExecSpawner) IsAlive(h task.Handle) bool {
	if h.PID <= 0 {
		return false
	}
	s.mu.Lock()
	reaped, ok := s.children[h.PID]
	s.mu.Unlock()
	if ok {
		select {
		case <-reaped:
			return false
		default:
			return true
		}
	}
	return pidAlive(h.PID)
}

// Stop sends SIGTERM to the worker's process group.
func (s *ExecSpawner) Stop(h task.Handle) error {
	if h.PID <= 0 {
		return nil
	}
	err := syscall.Kill(-h.PID, syscall.SIGTERM)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
