package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLock_LockUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.lock")
	l := New(path)

	if err := l.Lock(); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := l.Unlock(); err != nil {
		t.Errorf("second Unlock should be a no-op: %v", err)
	}
}

func TestLock_TryLockContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	holder := New(path)
	if err := holder.Lock(); err != nil {
		t.Fatal(err)
	}

	// flock is per open file description, so a second descriptor in the
	// same process contends like another process would.
	other := New(path)
	ok, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if ok {
		t.Fatal("TryLock should fail while the lock is held")
	}

	holder.Unlock()
	ok, err = other.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v", ok, err)
	}
	other.Unlock()
}

func TestLock_LockContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.lock")
	holder := New(path)
	if err := holder.Lock(); err != nil {
		t.Fatal(err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := New(path).LockContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("LockContext() = %v, want deadline exceeded", err)
	}
}

func TestWith_SerializesCriticalSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.lock")
	counterPath := filepath.Join(filepath.Dir(path), "counter")
	os.WriteFile(counterPath, []byte{0}, 0644)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(context.Background(), path, func() error {
				b, err := os.ReadFile(counterPath)
				if err != nil {
					return err
				}
				return WriteFile(counterPath, []byte{b[0] + 1}, 0644)
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	wg.Wait()

	b, _ := os.ReadFile(counterPath)
	if b[0] != 20 {
		t.Errorf("counter = %d, want 20", b[0])
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "doc.json")

	if err := WriteFile(path, []byte(`{"a":1}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, []byte(`{"a":2}`), 0600); err != nil {
		t.Fatalf("WriteFile overwrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil || string(got) != `{"a":2}` {
		t.Errorf("content = %q, %v", got, err)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}
