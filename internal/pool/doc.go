// Package pool runs one piece of work with several workers in parallel.
//
// CreateWorkerPool converts an existing, not yet admitted task into a
// tracker (Kind=pool) and spawns one child per worker, each with a scope
// produced by [GenerateScopes]. The workers share a one-step coordination
// document. The pool completes when every worker completes and fails as
// soon as one worker fails permanently.
package pool
