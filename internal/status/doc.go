// Package status implements the file-based convention workers use to
// report back to relay.
//
// Each task gets a scratch directory <data_dir>/tasks/<task-id>/ holding:
//
//   - progress.json: latest progress sample
//   - log.jsonl: capped append-only status log
//   - worker.pid: process identifier of the worker
//   - done.json: explicit outcome marker (status "complete" or "failed")
//   - output.log: raw worker stdout and stderr (exec backend)
//
// Workers write these through the `relay report` command, which uses a
// [Reporter]. The queue reads them with [Read]; every channel is optional
// and malformed files are treated as absent. A [Watcher] notices done.json
// writes so the queue can sweep a finished task without waiting for the
// next tick.
package status
