// Package coordination implements the shared coordination document read
// and updated by every agent of a pipeline or worker pool.
//
// The document is a markdown file under <project>/.relay/. Its canonical
// state is a YAML block between marker comments; everything after the
// block is a projection rendered for humans and agents and is never
// parsed back. All writes go through [Document.Update], which serializes
// writers within the process with a mutex and across processes with
// flock(2), and replaces the file atomically.
package coordination

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/filelock"
)

// DirName is the per-project directory holding coordination documents.
const DirName = ".relay"

const (
	beginMarker = "<!-- relay:state:begin -->"
	endMarker   = "<!-- relay:state:end -->"
	fenceOpen   = "```yaml\n"
	fenceClose  = "```"
)

// ErrHistoryRewritten is returned when an update removes or replaces
// append-only history.
var ErrHistoryRewritten = errors.New("coordination: append-only history rewritten")

// Path returns the document path for group id in projectDir.
func Path(projectDir, id string) string {
	return filepath.Join(projectDir, DirName, "context-"+id+".md")
}

// ResolveProjectDir returns dir as an absolute path, defaulting to the
// working directory. The directory must exist.
func ResolveProjectDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", errors.NewConfigError("project directory does not exist").WithField("project_dir").WithValue(dir).WithCause(err)
	}
	return abs, nil
}

// pathLocks serializes in-process access per document path, so separate
// Document values for the same file do not race.
var pathLocks sync.Map

func pathMutex(path string) *sync.Mutex {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Document is a handle on one coordination file.
type Document struct {
	path string
	now  func() time.Time
}

// Option configures a Document.
type Option func(*Document)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Document) { d.now = now }
}

// Open returns a handle on the document at path. The file is not touched.
func Open(path string, opts ...Option) *Document {
	d := &Document{path: path, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Path returns the file path.
func (d *Document) Path() string { return d.path }

// Create writes the initial state. It fails if the document exists.
func (d *Document) Create(ctx context.Context, st *State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	return d.critical(ctx, func() error {
		if _, err := os.Stat(d.path); err == nil {
			return errors.NewAlreadyExistsError("coordination document", st.ID)
		}
		now := d.now().UTC()
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		st.UpdatedAt = now
		return d.write(st)
	})
}

// Load reads the current state. Readers never see a torn write, so no
// lock is taken.
func (d *Document) Load() (*State, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("coordination document", d.path).WithCause(err)
		}
		return nil, fmt.Errorf("read coordination document: %w", err)
	}
	return Parse(data)
}

// Update runs fn on the current state inside the critical section and
// writes the result. If fn returns an error, or the result breaks an
// invariant, nothing is written. The returned state is what was written.
func (d *Document) Update(ctx context.Context, fn func(*State) error) (*State, error) {
	var out *State
	err := d.critical(ctx, func() error {
		prev, err := d.Load()
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if err := checkAppendOnly(prev, next); err != nil {
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		next.UpdatedAt = d.now().UTC()
		if err := d.write(next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// PostMessage appends a message, filling in its id and timestamp.
func (d *Document) PostMessage(ctx context.Context, m Message) (*State, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = d.now().UTC()
	}
	return d.Update(ctx, func(s *State) error { return s.AddMessage(m) })
}

// RecordOutput appends an output to a step. An empty stepID means the
// current step.
func (d *Document) RecordOutput(ctx context.Context, stepID, output string) (*State, error) {
	return d.Update(ctx, func(s *State) error {
		id := stepID
		if id == "" {
			id = s.Current().ID
		}
		return s.AddOutput(id, output)
	})
}

// Remove deletes the document and its lock file.
func (d *Document) Remove() error {
	mu := pathMutex(d.path)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(filelock.ForFile(d.path).Path())
	return nil
}

func (d *Document) critical(ctx context.Context, fn func() error) error {
	mu := pathMutex(d.path)
	mu.Lock()
	defer mu.Unlock()

	lock := filelock.ForFile(d.path)
	if err := lock.LockContext(ctx); err != nil {
		return fmt.Errorf("lock coordination document: %w", err)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (d *Document) write(st *State) error {
	data, err := Render(st)
	if err != nil {
		return err
	}
	return filelock.WriteFile(d.path, data, 0644)
}

// Parse extracts the state block from a rendered document. The block is
// located by whole-line markers; YAML indents user text, so message bodies
// that quote the markers cannot end the block early.
func Parse(data []byte) (*State, error) {
	head := []byte("\n" + beginMarker + "\n" + fenceOpen)
	tail := []byte("\n" + fenceClose + "\n" + endMarker)

	begin := bytes.Index(data, head)
	if begin < 0 {
		return nil, fmt.Errorf("%w: state block not found", errors.ErrContextCorrupted)
	}
	body := data[begin+len(head):]
	end := bytes.Index(body, tail)
	if end < 0 {
		return nil, fmt.Errorf("%w: state block not terminated", errors.ErrContextCorrupted)
	}

	var st State
	if err := yaml.Unmarshal(body[:end+1], &st); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrContextCorrupted, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrContextCorrupted, err)
	}
	return &st, nil
}

// Render produces the full markdown document for st.
func Render(st *State) ([]byte, error) {
	var state bytes.Buffer
	enc := yaml.NewEncoder(&state)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return nil, fmt.Errorf("encode coordination state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode coordination state: %w", err)
	}

	var sb strings.Builder
	title := st.Title
	if title == "" {
		title = st.ID
	}
	fmt.Fprintf(&sb, "# Relay coordination: %s\n\n", title)
	fmt.Fprintf(&sb, "Kind: %s. ID: `%s`. Updated %s.\n\n", st.Kind, st.ID, st.UpdatedAt.Format(time.RFC3339))
	sb.WriteString("The block below is maintained by relay. Do not edit it by hand.\n\n")
	sb.WriteString(beginMarker + "\n")
	sb.WriteString(fenceOpen)
	sb.Write(state.Bytes())
	sb.WriteString(fenceClose + "\n")
	sb.WriteString(endMarker + "\n\n")

	writeProjection(&sb, st)
	return []byte(sb.String()), nil
}

func writeProjection(sb *strings.Builder, st *State) {
	sb.WriteString("## Steps\n\n")
	sb.WriteString("| # | Step | Status | Agents | Outputs |\n")
	sb.WriteString("|---|------|--------|--------|---------|\n")
	for i, step := range st.Steps {
		marker := ""
		if i == st.CurrentStep {
			marker = " (current)"
		}
		fmt.Fprintf(sb, "| %d | %s%s | %s | %d/%d | %d |\n",
			i+1, cell(step.Name), marker, step.Status, len(step.Agents), step.Count, len(step.Outputs))
	}
	sb.WriteString("\n")

	if len(st.Workers) > 0 {
		sb.WriteString("## Workers\n\n")
		sb.WriteString("| Worker | Task | Scope |\n")
		sb.WriteString("|--------|------|-------|\n")
		for _, w := range st.Workers {
			fmt.Fprintf(sb, "| %d | `%s` | %s |\n", w.Index, w.TaskID, cell(w.Scope))
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("## Agents\n\n")
		for _, step := range st.Steps {
			for _, a := range step.Agents {
				fmt.Fprintf(sb, "- `%s` (%s)\n", a, step.ID)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Outputs\n\n")
	for _, step := range st.Steps {
		if len(step.Outputs) == 0 && step.Summary == "" {
			continue
		}
		fmt.Fprintf(sb, "### %s\n\n", step.Name)
		if step.Summary != "" {
			sb.WriteString(step.Summary + "\n\n")
		}
		for _, o := range step.Outputs {
			fmt.Fprintf(sb, "- %s\n", o)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Messages\n\n")
	for _, m := range st.Messages {
		fmt.Fprintf(sb, "- %s `%s` -> `%s`", m.Timestamp.Format(time.RFC3339), m.From, m.To)
		if m.StepID != "" {
			fmt.Fprintf(sb, " [%s]", m.StepID)
		}
		fmt.Fprintf(sb, ": %s\n", m.Message)
	}
}

// cell flattens text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
