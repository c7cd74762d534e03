package task

import (
	"slices"
	"time"

	"github.com/Iron-Ham/relay/internal/errors"
)

// Event is a lifecycle trigger applied to a task.
type Event string

const (
	EventStart    Event = "start"
	EventActivate Event = "activate"
	EventDispatch Event = "dispatch"
	EventRequeue  Event = "requeue"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventRetry    Event = "retry"
	EventCancel   Event = "cancel"
)

// AllEvents lists every lifecycle event.
func AllEvents() []Event {
	return []Event{
		EventStart, EventActivate, EventDispatch, EventRequeue,
		EventComplete, EventFail, EventRetry, EventCancel,
	}
}

type transition struct {
	from []Status
	to   Status
}

var transitions = map[Event]transition{
	EventStart:    {from: []Status{StatusCreated}, to: StatusPending},
	EventActivate: {from: []Status{StatusPending}, to: StatusActive},
	EventDispatch: {from: []Status{StatusPending, StatusActive}, to: StatusProcessing},
	EventRequeue:  {from: []Status{StatusActive}, to: StatusPending},
	EventComplete: {from: []Status{StatusProcessing}, to: StatusCompleted},
	EventFail:     {from: []Status{StatusActive, StatusProcessing}, to: StatusFailed},
	EventRetry:    {from: []Status{StatusFailed}, to: StatusPending},
	EventCancel:   {from: []Status{StatusCreated, StatusPending, StatusActive, StatusProcessing}, to: StatusCancelled},
}

// Next returns the status reached by applying ev in state from, and whether
// the move is legal.
func Next(from Status, ev Event) (Status, bool) {
	tr, ok := transitions[ev]
	if !ok || !slices.Contains(tr.from, from) {
		return "", false
	}
	return tr.to, true
}

// Apply moves t by ev, recording the change in StatusHistory.
//
// StartedAt is stamped on the first entry into active or processing;
// DispatchedAt on every entry into processing.
// CompletedAt is stamped when the task settles; a retry reopens the task
// and clears it. An illegal move returns an InvalidStateError and leaves t
// unchanged.
func Apply(t *Task, ev Event, now time.Time, reason string) error {
	to, ok := Next(t.Status, ev)
	if !ok {
		return errors.NewInvalidStateError(t.ID, string(t.Status), string(ev))
	}

	t.Status = to
	t.StatusHistory = append(t.StatusHistory, StatusChange{Status: to, Timestamp: now, Reason: reason})

	if to.IsRunning() && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	if to == StatusProcessing {
		dispatched := now
		t.DispatchedAt = &dispatched
	}
	switch {
	case to.IsTerminal():
		if t.CompletedAt == nil {
			done := now
			t.CompletedAt = &done
		}
	case ev == EventRetry:
		t.CompletedAt = nil
	}
	return nil
}
