// Package task defines the relay task model, its lifecycle state machine
// and the Manager that applies transitions through a [Store].
//
// A task moves through created, pending, active and processing before it
// settles in completed, failed or cancelled. The only legal moves are
// listed in the transition table in state.go; anything else fails with an
// invalid-state error and leaves the record untouched. Every transition
// appends to StatusHistory, whose last entry always mirrors Status.
//
// Tasks of kind pipeline and pool are trackers: they are never admitted by
// the queue and derive their outcome from their children.
//
// The Manager performs each change as a single read-modify-write through
// Store.Update, so concurrent callers observe check-and-set semantics: a
// second attempt to settle an already-settled task fails instead of
// overwriting it. Lifecycle events are published on the event bus after the
// store write has been committed.
package task
