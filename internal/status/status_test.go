package status

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestReporterAndRead(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)
	ctx := context.Background()

	if snap := Read(dir); snap.Progress != nil || snap.Done != nil || snap.PID != 0 || len(snap.Logs) != 0 {
		t.Fatalf("empty dir should read as empty snapshot: %+v", snap)
	}

	if err := r.Progress(Progress{Percentage: 140, Message: "halfway", CurrentStep: "tests"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Log(ctx, "INFO", "started"); err != nil {
		t.Fatal(err)
	}
	if err := r.PID(4321); err != nil {
		t.Fatal(err)
	}
	if err := r.Done(Done{Status: DoneComplete, Summary: "all good", Artifacts: []string{"a.go"}}); err != nil {
		t.Fatal(err)
	}

	snap := Read(dir)
	if snap.Progress == nil || snap.Progress.Percentage != 100 || snap.Progress.CurrentStep != "tests" {
		t.Errorf("Progress = %+v", snap.Progress)
	}
	if len(snap.Logs) != 1 || snap.Logs[0].Level != "info" || snap.Logs[0].Message != "started" {
		t.Errorf("Logs = %+v", snap.Logs)
	}
	if snap.PID != 4321 {
		t.Errorf("PID = %d", snap.PID)
	}
	if snap.Done == nil || snap.Done.Status != DoneComplete || snap.Done.Summary != "all good" {
		t.Errorf("Done = %+v", snap.Done)
	}
	if snap.LastActivity().IsZero() {
		t.Error("LastActivity should be set")
	}
}

func TestReporter_DoneValidation(t *testing.T) {
	r := NewReporter(t.TempDir())
	if err := r.Done(Done{Status: "maybe"}); err == nil {
		t.Error("unknown done status should be rejected")
	}
}

func TestReporter_LogCap(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir, WithLogCap(5))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if err := r.Log(ctx, "info", fmt.Sprintf("line %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	logs := Read(dir).Logs
	if len(logs) != 5 {
		t.Fatalf("kept %d lines, want 5", len(logs))
	}
	if logs[0].Message != "line 7" || logs[4].Message != "line 11" {
		t.Errorf("kept %q..%q, want oldest trimmed", logs[0].Message, logs[4].Message)
	}
}

func TestReporter_OversizedLogLines(t *testing.T) {
	dir := t.TempDir()
	r := NewReporter(dir)
	ctx := context.Background()

	huge := strings.Repeat("x", 2*maxLogLine)
	if err := r.Log(ctx, "info", huge); err != nil {
		t.Fatalf("Log(huge) error = %v", err)
	}
	logs := Read(dir).Logs
	if len(logs) != 1 || !strings.HasSuffix(logs[0].Message, "[truncated]") || len(logs[0].Message) > maxLogMessage+32 {
		t.Fatalf("logs = %d entries, want one truncated message", len(logs))
	}

	// A line written past the reporter is skipped, not fatal.
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"level":"info","message":"` + huge + "\"}\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	if err := r.Log(ctx, "warn", "after"); err != nil {
		t.Fatalf("Log() after oversized line error = %v", err)
	}
	logs = Read(dir).Logs
	if len(logs) != 2 || logs[1].Message != "after" {
		t.Errorf("logs = %d entries, want the truncated one plus %q", len(logs), "after")
	}
}

func TestReporter_ConcurrentLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate reporters model separate `relay report` processes.
			if err := NewReporter(dir).Log(ctx, "info", fmt.Sprintf("w%d", i)); err != nil {
				t.Errorf("Log: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(Read(dir).Logs); got != 10 {
		t.Errorf("got %d log lines, want 10", got)
	}
}

func TestRead_MalformedChannelsAreAbsent(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ProgressFile), []byte("{oops"), 0644)
	os.WriteFile(filepath.Join(dir, DoneFile), []byte(`{"status":"sort-of"}`), 0644)
	os.WriteFile(filepath.Join(dir, PIDFile), []byte("not-a-pid"), 0644)
	os.WriteFile(filepath.Join(dir, LogFile), []byte("garbage\n{\"level\":\"info\",\"message\":\"ok\"}\n"), 0644)

	snap := Read(dir)
	if snap.Progress != nil || snap.Done != nil || snap.PID != 0 {
		t.Errorf("malformed channels should be absent: %+v", snap)
	}
	if len(snap.Logs) != 1 || snap.Logs[0].Message != "ok" {
		t.Errorf("Logs = %+v", snap.Logs)
	}
}

func TestLayout(t *testing.T) {
	data := t.TempDir()
	l := NewLayout(data)

	dir, err := l.Ensure("t1")
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(data, "tasks", "t1") {
		t.Errorf("Dir = %q", dir)
	}

	r := NewReporter(dir)
	r.Done(Done{Status: DoneFailed, Error: "x"})
	r.PID(12)
	os.WriteFile(filepath.Join(dir, OutputFile), []byte("stdout"), 0644)

	if err := l.Reset("t1"); err != nil {
		t.Fatal(err)
	}
	if snap := Read(dir); snap.Done != nil || snap.PID != 0 {
		t.Errorf("Reset left markers behind: %+v", snap)
	}
	if _, err := os.Stat(filepath.Join(dir, OutputFile)); err != nil {
		t.Error("Reset should keep output.log")
	}
	if err := l.Reset("never-created"); err != nil {
		t.Errorf("Reset on missing dir = %v", err)
	}
	if err := l.Remove("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("Remove should delete the directory")
	}
}

func TestWatcher_ReportsDoneMarkers(t *testing.T) {
	l := NewLayout(t.TempDir())
	existing, _ := l.Ensure("existing")

	got := make(chan string, 8)
	w, err := NewWatcher(l, func(id string) { got <- id }, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Marker in a directory that existed before Start.
	NewReporter(existing).Done(Done{Status: DoneComplete})
	expectID(t, got, "existing")

	// Marker in a directory created afterwards.
	fresh, _ := l.Ensure("fresh")
	time.Sleep(100 * time.Millisecond)
	NewReporter(fresh).Progress(Progress{Percentage: 10})
	NewReporter(fresh).Done(Done{Status: DoneFailed, Error: "nope"})
	expectID(t, got, "fresh")

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancel")
	}
}

func expectID(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case id := <-ch:
			if id == want {
				return
			}
		case <-deadline:
			t.Fatalf("no done notification for %q", want)
		}
	}
}
