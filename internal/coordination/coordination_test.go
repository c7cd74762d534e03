package coordination

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
)

func newState(id string) *State {
	return &State{
		ID:    id,
		Kind:  KindPipeline,
		Title: "Ship feature",
		Steps: []Step{
			{ID: "plan", Name: "Plan", Count: 1, Status: StepRunning, Instructions: "Write a plan."},
			{ID: "implement", Name: "Implement", Count: 2, Status: StepPending},
			{ID: "review", Name: "Review", Count: 1, Status: StepPending},
		},
	}
}

func newDoc(t *testing.T, id string) *Document {
	t.Helper()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	d := Open(Path(t.TempDir(), id), WithClock(func() time.Time { return fixed }))
	if err := d.Create(context.Background(), newState(id)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return d
}

func TestPath(t *testing.T) {
	if got := Path("/repo", "p1"); got != "/repo/.relay/context-p1.md" {
		t.Errorf("Path() = %q", got)
	}
}

func TestDocument_CreateAndLoad(t *testing.T) {
	d := newDoc(t, "p1")

	st, err := d.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st.ID != "p1" || len(st.Steps) != 3 || st.Steps[0].Instructions != "Write a plan." {
		t.Errorf("loaded state = %+v", st)
	}
	if st.CreatedAt.IsZero() || st.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if err := d.Create(context.Background(), newState("p1")); !errors.Is(err, errors.ErrDuplicateID) {
		t.Errorf("second Create() error = %v, want ErrDuplicateID", err)
	}
}

func TestDocument_LoadMissing(t *testing.T) {
	_, err := Open(Path(t.TempDir(), "nope")).Load()
	if !errors.IsNotFound(err) {
		t.Errorf("Load() error = %v, want NotFoundError", err)
	}
}

func TestDocument_RenderedProjection(t *testing.T) {
	d := newDoc(t, "p1")
	if _, err := d.PostMessage(context.Background(), Message{From: "c1", To: "c2", Message: "schema is in db/schema.sql", StepID: "plan"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.RecordOutput(context.Background(), "", "docs/plan.md"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(d.Path())
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{
		"# Relay coordination: Ship feature",
		beginMarker,
		endMarker,
		"| 1 | Plan (current) | running | 0/1 | 1 |",
		"- docs/plan.md",
		"`c1` -> `c2` [plan]: schema is in db/schema.sql",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("document missing %q:\n%s", want, text)
		}
	}
}

func TestParse_Corrupted(t *testing.T) {
	tests := map[string]string{
		"no markers":    "# just markdown\n",
		"unterminated":  "x\n" + beginMarker + "\n" + fenceOpen + "id: p1\n",
		"invalid yaml":  "x\n" + beginMarker + "\n" + fenceOpen + "id: [\n```\n" + endMarker + "\n",
		"invalid state": "x\n" + beginMarker + "\n" + fenceOpen + "id: p1\nsteps: []\n```\n" + endMarker + "\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); !errors.Is(err, errors.ErrContextCorrupted) {
				t.Errorf("Parse() error = %v, want ErrContextCorrupted", err)
			}
		})
	}
}

func TestParse_MarkersInsideMessages(t *testing.T) {
	d := newDoc(t, "p1")
	tricky := "look:\n```\n" + endMarker + "\nstill me"
	if _, err := d.PostMessage(context.Background(), Message{From: "c1", Message: tricky}); err != nil {
		t.Fatal(err)
	}
	st, err := d.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := st.Messages[0].Message; got != tricky {
		t.Errorf("message = %q, want %q", got, tricky)
	}
	if st.Messages[0].To != BroadcastRecipient {
		t.Errorf("default recipient = %q", st.Messages[0].To)
	}
}

func TestState_StepTransitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StepPending, StepRunning, true},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepFailed, true},
		{StepPending, StepCompleted, false},
		{StepCompleted, StepRunning, false},
		{StepFailed, StepCompleted, false},
		{StepRunning, StepRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			st := newState("p")
			st.Steps[0].Status = tt.from
			err := st.SetStepStatus("plan", tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("SetStepStatus() error = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
				t.Errorf("error %v should wrap ErrInvalidTransition", err)
			}
		})
	}
}

func TestDocument_UpdateInvariants(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		prepare  func(*State) error
		mutate   func(*State) error
		wantErr  error
		notFound bool
	}{
		{
			name:    "advance backwards",
			prepare: func(s *State) error { return s.AdvanceTo(2) },
			mutate:  func(s *State) error { s.CurrentStep = 1; return nil },
			wantErr: errors.ErrInvalidTransition,
		},
		{
			name:    "AdvanceTo backwards",
			prepare: func(s *State) error { return s.AdvanceTo(1) },
			mutate:  func(s *State) error { return s.AdvanceTo(0) },
			wantErr: errors.ErrInvalidTransition,
		},
		{
			name:    "drop a message",
			prepare: func(s *State) error { return s.AddMessage(Message{ID: "m1", From: "a", Message: "hi"}) },
			mutate:  func(s *State) error { s.Messages = nil; return nil },
			wantErr: ErrHistoryRewritten,
		},
		{
			name:    "replace an output",
			prepare: func(s *State) error { return s.AddOutput("plan", "a.md") },
			mutate:  func(s *State) error { s.Steps[0].Outputs[0] = "b.md"; return nil },
			wantErr: ErrHistoryRewritten,
		},
		{
			name:    "reset a completed step",
			prepare: func(s *State) error { return s.SetStepStatus("plan", StepCompleted) },
			mutate:  func(s *State) error { s.Steps[0].Status = StepRunning; return nil },
			wantErr: errors.ErrInvalidTransition,
		},
		{
			name:    "remove a step",
			prepare: func(s *State) error { return nil },
			mutate:  func(s *State) error { s.Steps = s.Steps[:2]; return nil },
			wantErr: ErrHistoryRewritten,
		},
		{
			name:     "unknown step",
			prepare:  func(s *State) error { return nil },
			mutate:   func(s *State) error { return s.AddOutput("deploy", "x") },
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDoc(t, "p1")
			if _, err := d.Update(ctx, tt.prepare); err != nil {
				t.Fatalf("prepare: %v", err)
			}
			before, _ := os.ReadFile(d.Path())

			_, err := d.Update(ctx, tt.mutate)
			if err == nil {
				t.Fatal("Update() should fail")
			}
			if tt.notFound {
				if !errors.IsNotFound(err) {
					t.Errorf("error = %v, want NotFoundError", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}

			after, _ := os.ReadFile(d.Path())
			if string(before) != string(after) {
				t.Error("failed update modified the document")
			}
		})
	}
}

func TestDocument_CheckAndSet(t *testing.T) {
	d := newDoc(t, "p1")
	ctx := context.Background()

	// Many concurrent callers try to complete the running step; exactly
	// one sees the running status and wins.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won := false
			_, err := d.Update(ctx, func(s *State) error {
				won = false
				if s.Steps[0].Status != StepRunning {
					return nil
				}
				won = true
				return s.SetStepStatus("plan", StepCompleted)
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}

func TestDocument_ConcurrentAppendsAcrossHandles(t *testing.T) {
	path := Path(t.TempDir(), "pool")
	if err := Open(path).Create(context.Background(), newState("pool")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Separate handles share the path lock and the flock.
			if _, err := Open(path).PostMessage(context.Background(), Message{From: fmt.Sprintf("w%d", i), Message: "done"}); err != nil {
				t.Errorf("PostMessage() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, err := Open(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Messages) != 25 {
		t.Errorf("messages = %d, want 25", len(st.Messages))
	}
}

func TestState_MessagesFor(t *testing.T) {
	st := newState("p")
	for _, m := range []Message{
		{ID: "1", From: "a", To: BroadcastRecipient, Message: "all"},
		{ID: "2", From: "a", To: "b", Message: "direct"},
		{ID: "3", From: "b", To: "c", Message: "other"},
	} {
		if err := st.AddMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	got := st.MessagesFor("b")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Errorf("MessagesFor(b) = %+v", got)
	}
	if err := st.AddMessage(Message{From: "a"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty message error = %v", err)
	}
}

func TestDocument_Remove(t *testing.T) {
	d := newDoc(t, "p1")
	if err := d.Remove(); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(d.Path()); !os.IsNotExist(err) {
		t.Error("document still exists")
	}
	if err := d.Remove(); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}
