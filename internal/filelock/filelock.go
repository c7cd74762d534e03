// Package filelock provides cross-process mutual exclusion with flock(2)
// and atomic whole-file replacement. The task store and the coordination
// documents use it so several relay processes (the serve loop, CLI
// commands, workers calling `relay report`) can share one data directory.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// pollInterval is how often LockContext retries a contended lock.
const pollInterval = 20 * time.Millisecond

// Lock is an exclusive advisory lock on a file. A Lock is not safe for
// concurrent use; callers pair it with an in-process mutex.
type Lock struct {
	path string
	file *os.File
}

// New returns a Lock on path. The file is created on first acquisition.
func New(path string) *Lock {
	return &Lock{path: path}
}

// ForFile returns a Lock on a sidecar "<target>.lock" next to target.
func ForFile(target string) *Lock {
	return New(target + ".lock")
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func (l *Lock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// Lock acquires the lock, blocking until it is available.
func (l *Lock) Lock() error {
	f, err := l.open()
	if err != nil {
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return nil
}

// TryLock attempts to acquire the lock without blocking. It returns false
// when another file descriptor holds it.
func (l *Lock) TryLock() (bool, error) {
	f, err := l.open()
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return true, nil
}

// LockContext acquires the lock, polling until it is free or ctx is done.
func (l *Lock) LockContext(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.TryLock()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s: %w", l.path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lock. Unlocking a Lock that is not held is a no-op.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("funlock: %w", err)
	}
	return f.Close()
}

// With runs fn while holding the lock on path.
func With(ctx context.Context, path string, fn func() error) error {
	l := New(path)
	if err := l.LockContext(ctx); err != nil {
		return err
	}
	defer func() { _ = l.Unlock() }()
	return fn()
}
