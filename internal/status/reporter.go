package status

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/relay/internal/filelock"
)

// Limits on log.jsonl. Messages are cut at maxLogMessage bytes when
// written; lines longer than maxLogLine are skipped when read.
const (
	maxLogMessage = 16 << 10
	maxLogLine    = 1 << 20
)

// Reporter writes a worker's status side files.
type Reporter struct {
	dir    string
	logCap int
	now    func() time.Time
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithLogCap sets how many log lines are kept.
func WithLogCap(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.logCap = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReporter returns a Reporter writing into dir.
func NewReporter(dir string, opts ...ReporterOption) *Reporter {
	r := &Reporter{dir: dir, logCap: DefaultLogCap, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the status directory.
func (r *Reporter) Dir() string { return r.dir }

// Progress replaces progress.json. The percentage is clamped to 0..100.
func (r *Reporter) Progress(p Progress) error {
	p.Percentage = min(max(p.Percentage, 0), 100)
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now()
	}
	return r.writeJSON(ProgressFile, p)
}

// Log appends an entry to log.jsonl, dropping the oldest lines beyond the cap.
func (r *Reporter) Log(ctx context.Context, level, message string) error {
	if len(message) > maxLogMessage {
		message = strings.ToValidUTF8(message[:maxLogMessage], "") + " [truncated]"
	}
	entry := LogEntry{Level: strings.ToLower(level), Message: message, Timestamp: r.now()}
	if entry.Level == "" {
		entry.Level = "info"
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("status: marshal log entry: %w", err)
	}

	path := filepath.Join(r.dir, LogFile)
	return filelock.With(ctx, path+".lock", func() error {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		lines = append(lines, line)
		if over := len(lines) - r.logCap; over > 0 {
			lines = lines[over:]
		}
		return filelock.WriteFile(path, append(bytes.Join(lines, []byte("\n")), '\n'), 0644)
	})
}

// PID records the worker's process identifier.
func (r *Reporter) PID(pid int) error {
	return filelock.WriteFile(filepath.Join(r.dir, PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// Done writes the outcome marker.
func (r *Reporter) Done(d Done) error {
	switch d.Status {
	case DoneComplete, DoneFailed:
	default:
		return fmt.Errorf("status: done status must be %q or %q, got %q", DoneComplete, DoneFailed, d.Status)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = r.now()
	}
	return r.writeJSON(DoneFile, d)
}

func (r *Reporter) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal %s: %w", name, err)
	}
	if err := filelock.WriteFile(filepath.Join(r.dir, name), data, 0644); err != nil {
		return fmt.Errorf("status: write %s: %w", name, err)
	}
	return nil
}

// readLines returns the non-empty lines of path, or nil when it is missing.
// Lines over maxLogLine bytes are dropped.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("status: open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	var (
		lines [][]byte
		cur   []byte
		skip  bool
	)
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		chunk, err := reader.ReadSlice('\n')
		if !skip {
			if len(cur)+len(chunk) > maxLogLine {
				skip, cur = true, nil
			} else {
				cur = append(cur, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("status: read %s: %w", filepath.Base(path), err)
		}
		if line := bytes.TrimSpace(cur); !skip && len(line) > 0 {
			lines = append(lines, line)
		}
		cur, skip = nil, false
		if err == io.EOF {
			return lines, nil
		}
	}
}
