// Package queue admits pending tasks under a global concurrency cap,
// dispatches them to workers and sweeps running workers for completion or
// death.
//
// One pass of [Processor.ProcessQueue] is:
//
//  1. sweep every processing task through the completion detector
//  2. compute free slots as the cap minus active and processing tasks
//  3. admit up to that many pending tasks, highest priority first and
//     oldest first within a priority
//  4. activate and dispatch each admitted task
//
// Passes are serialized by a mutex and are idempotent: every state change
// is a check-and-set inside the task store, so a pass racing a synchronous
// [Processor.DispatchNow] or a CLI command never double-dispatches or
// double-settles a task.
//
// Pipeline and pool trackers are never admitted or failed for liveness.
// The sweep leaves them alone during a grace period after creation and
// afterwards re-runs their completion check through the hook installed
// with [WithTrackerCheck].
package queue
