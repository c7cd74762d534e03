package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRotatingWriter_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	if err := os.WriteFile(path, []byte("existing\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, DefaultRotationConfig())
	if err != nil {
		t.Fatalf("NewRotatingWriter failed: %v", err)
	}
	defer rw.Close()

	if rw.Size() != int64(len("existing\n")) {
		t.Errorf("Size() = %d, want %d", rw.Size(), len("existing\n"))
	}
	if _, err := rw.Write([]byte("next\n")); err != nil {
		t.Fatal(err)
	}
	rw.Sync()

	got, _ := os.ReadFile(path)
	if string(got) != "existing\nnext\n" {
		t.Errorf("content = %q", got)
	}
	if rw.Path() != path {
		t.Errorf("Path() = %q, want %q", rw.Path(), path)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	tests := []struct {
		name        string
		maxBackups  int
		writes      int
		wantBackups []int
		absent      []int
	}{
		{name: "keeps configured backups", maxBackups: 2, writes: 4, wantBackups: []int{1, 2}, absent: []int{3}},
		{name: "single backup", maxBackups: 1, writes: 3, wantBackups: []int{1}, absent: []int{2}},
		{name: "no backups discards old data", maxBackups: 0, writes: 3, absent: []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "relay.log")
			rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: tt.maxBackups})
			if err != nil {
				t.Fatal(err)
			}
			defer rw.Close()

			// Each chunk is just over half the limit, so every second write rotates.
			chunk := bytes.Repeat([]byte("x"), 600*1024)
			for i := 0; i < tt.writes; i++ {
				if _, err := rw.Write(chunk); err != nil {
					t.Fatalf("write %d: %v", i, err)
				}
			}

			for _, n := range tt.wantBackups {
				if _, err := os.Stat(rw.backupPath(n)); err != nil {
					t.Errorf("expected backup %d: %v", n, err)
				}
			}
			for _, n := range tt.absent {
				if _, err := os.Stat(rw.backupPath(n)); !os.IsNotExist(err) {
					t.Errorf("backup %d should not exist", n)
				}
			}
			if rw.Size() != int64(len(chunk)) {
				t.Errorf("active size = %d, want %d", rw.Size(), len(chunk))
			}
		})
	}
}

func TestRotatingWriter_RotationDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 0, MaxBackups: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	chunk := bytes.Repeat([]byte("y"), 512*1024)
	for i := 0; i < 4; i++ {
		rw.Write(chunk)
	}
	if _, err := os.Stat(rw.backupPath(1)); !os.IsNotExist(err) {
		t.Error("rotation happened with MaxSizeMB=0")
	}
}

func TestRotatingWriter_OversizedFirstWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	// An empty file never rotates, even for a write larger than the limit.
	rw.Write(bytes.Repeat([]byte("z"), 2*1024*1024))
	if _, err := os.Stat(rw.backupPath(1)); !os.IsNotExist(err) {
		t.Error("empty file should not be rotated")
	}
}

func TestRotatingWriter_Close(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "relay.log"), DefaultRotationConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if _, err := rw.Write([]byte("late")); err == nil || !strings.Contains(err.Error(), "closed") {
		t.Errorf("Write after Close = %v, want closed error", err)
	}
	if err := rw.Sync(); err != nil {
		t.Errorf("Sync after Close = %v", err)
	}
}

func TestRotatingWriter_Concurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	rw, err := NewRotatingWriter(path, RotationConfig{MaxSizeMB: 1, MaxBackups: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	line := []byte(strings.Repeat("c", 1023) + "\n")
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := rw.Write(line); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if rw.Size() > 1024*1024 {
		t.Errorf("active file exceeded limit: %d", rw.Size())
	}
}
