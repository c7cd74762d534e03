// Package logging provides structured logging for relay.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// persistent context attributes. Orchestrator logs are written to
// relay.log inside the data directory and rotated by size, so a long-running
// `relay serve` process does not grow its log without bound.
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	queueLog := logger.WithComponent("queue")
//	taskLog := queueLog.WithTask("task-123")
//	taskLog.Info("dispatched", "backend", "exec", "pid", 4242)
//
// Every line written by taskLog includes component and task_id.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers share
// the underlying writer. [RotatingWriter] serializes writes and rotation with
// a mutex.
package logging
