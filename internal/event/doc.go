// Package event provides a synchronous pub-sub event bus used to decouple
// relay components.
//
// The task manager publishes lifecycle events, the queue publishes tick
// summaries and the pipeline and pool managers publish composition events.
// The orchestrator subscribes to [TypeTaskTerminal] to drive parent
// completion checks, and metrics subscribe to everything.
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publisher's goroutine, outside the bus lock, so a handler may publish
// further events. A panicking handler is recovered and logged and does not
// prevent delivery to the remaining handlers.
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - task.created, task.status_changed, task.terminal, task.dispatched
//   - queue.tick
//   - pipeline.step_changed, pipeline.finished
//   - pool.finished
//   - worker.reported
package event
