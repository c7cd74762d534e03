// Package pipeline runs ordered, multi-step work as a tree of tasks.
//
// A pipeline is one non-schedulable tracker task (Kind=pipeline) plus child
// tasks tagged with the tracker id and the step they belong to. Steps run
// strictly in order: all agents of the current step must complete before
// the next step is spawned, and a permanently failed agent fails the step
// and the whole pipeline.
//
// The [Manager] keeps no state of its own. Step progress lives in the
// shared coordination document (see package coordination) and child
// progress lives in the task store, so any relay process can pick up a
// pipeline where another left off. The running->completed step change is
// made inside [coordination.Document.Update], which is the only gate for
// spawning the next step.
//
// # Basic Usage
//
//	pm := pipeline.NewManager(tasks, queue, pipeline.WithEventBus(bus))
//	cfg, _ := pipeline.Template("implement-review")
//	tracker, err := pm.CreatePipeline(ctx, pipeline.Request{
//	    Title:      "Add rate limiting",
//	    ProjectDir: "/src/api",
//	    Config:     cfg,
//	})
//
// Completion is driven from outside: the orchestrator calls
// [Manager.CheckStepCompletion] whenever a child settles, and the queue
// sweep calls [Manager.CheckTracker] as a backstop.
package pipeline
