package queue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/relay/internal/detect"
	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/spawn"
	"github.com/Iron-Ham/relay/internal/task"
)

// Processor runs the admission, dispatch and sweep cycle.
type Processor struct {
	manager   *task.Manager
	spawner   spawn.Spawner
	inspector *detect.Inspector

	bus          *event.Bus
	logger       *logging.Logger
	trackerCheck TrackerCheck
	interval     time.Duration
	grace        time.Duration

	maxConcurrent atomic.Int64

	// mu serializes passes.
	mu       sync.Mutex
	lastTick atomic.Pointer[TickResult]

	// inflight holds ids between activation and the dispatch write, so the
	// sweep does not mistake them for orphans.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	nudge   chan struct{}
}

// NewProcessor returns a Processor. It does not start the loop.
func NewProcessor(manager *task.Manager, spawner spawn.Spawner, inspector *detect.Inspector, opts ...Option) *Processor {
	p := &Processor{
		manager:   manager,
		spawner:   spawner,
		inspector: inspector,
		logger:    logging.NopLogger(),
		interval:  DefaultInterval,
		grace:     DefaultGracePeriod,
		inflight:  make(map[string]struct{}),
		nudge:     make(chan struct{}, 1),
	}
	p.maxConcurrent.Store(DefaultMaxConcurrent)
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("queue")
	return p
}

// TickResult summarizes one pass.
type TickResult struct {
	At       time.Time     `json:"at"`
	Swept    int           `json:"swept"`
	Admitted int           `json:"admitted"`
	Running  int           `json:"running"`
	Pending  int           `json:"pending"`
	Duration time.Duration `json:"duration"`
}

// ProcessQueue runs one pass.
func (p *Processor) ProcessQueue(ctx context.Context) (TickResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	res := TickResult{At: p.manager.Now()}

	swept, err := p.sweep(ctx)
	if err != nil {
		return res, err
	}
	res.Swept = swept

	tasks, err := p.manager.List(ctx, task.Filter{
		Kinds:    []task.Kind{task.KindTask},
		Statuses: []task.Status{task.StatusPending, task.StatusActive, task.StatusProcessing},
	})
	if err != nil {
		return res, err
	}

	var pending []*task.Task
	for _, t := range tasks {
		if t.Status.IsRunning() {
			res.Running++
		} else {
			pending = append(pending, t)
		}
	}
	res.Pending = len(pending)

	slots := p.MaxConcurrent() - res.Running
	if slots > 0 && len(pending) > 0 {
		sortForAdmission(pending)
		for _, t := range pending[:min(slots, len(pending))] {
			if ctx.Err() != nil {
				break
			}
			if p.admit(ctx, t.ID) {
				res.Admitted++
			}
		}
	}

	res.Duration = time.Since(start)
	p.lastTick.Store(&res)
	if p.bus != nil {
		p.bus.Publish(event.NewQueueTickEvent(res.Swept, res.Admitted, res.Running, res.Pending, res.Duration))
	}
	if res.Swept > 0 || res.Admitted > 0 {
		p.logger.Info("queue pass", "swept", res.Swept, "admitted", res.Admitted, "running", res.Running, "pending", res.Pending)
	}
	return res, nil
}

// sortForAdmission orders by priority descending, then creation ascending.
func sortForAdmission(ts []*task.Task) {
	slices.SortStableFunc(ts, func(a, b *task.Task) int {
		if c := cmp.Compare(b.Priority.Rank(), a.Priority.Rank()); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

// admit activates a pending task and dispatches it. It reports whether the
// task was claimed by this pass.
func (p *Processor) admit(ctx context.Context, id string) bool {
	p.markInflight(id)
	defer p.clearInflight(id)

	if _, err := p.manager.Activate(ctx, id); err != nil {
		// Someone else claimed or cancelled it since the listing.
		p.logger.WithTask(id).Debug("admission skipped", "error", err)
		return false
	}
	p.dispatchActive(ctx, id)
	return true
}

// Dispatch spawns a worker for a pending or active task. Other statuses
// are a no-op. Spawn failures are recorded on the task through the retry
// policy rather than returned.
func (p *Processor) Dispatch(ctx context.Context, id string) (*task.Task, error) {
	p.markInflight(id)
	defer p.clearInflight(id)

	t, err := p.manager.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusPending:
		if _, err := p.manager.Activate(ctx, id); err != nil {
			if errors.IsInvalidState(err) {
				return p.manager.Get(ctx, id)
			}
			return nil, err
		}
	case task.StatusActive:
	default:
		return t, nil
	}
	p.dispatchActive(ctx, id)
	return p.manager.Get(context.WithoutCancel(ctx), id)
}

// DispatchNow dispatches immediately, ignoring the concurrency cap. It is
// used when pipelines and pools spawn their children.
func (p *Processor) DispatchNow(ctx context.Context, id string) (*task.Task, error) {
	return p.Dispatch(ctx, id)
}

func (p *Processor) dispatchActive(ctx context.Context, id string) {
	log := p.logger.WithTask(id)
	// Outcomes are recorded even if the caller's context ends mid-spawn.
	record := context.WithoutCancel(ctx)

	t, err := p.manager.Get(record, id)
	if err != nil {
		log.Warn("dispatch lookup failed", "error", err)
		return
	}

	h, spawnErr := p.spawner.Spawn(ctx, t)
	if spawnErr != nil {
		var relayErr errors.RelayError
		if !errors.As(spawnErr, &relayErr) {
			spawnErr = errors.NewSpawnError("unknown", spawnErr).WithTaskID(id)
		}
		log.Warn("spawn failed", "error", spawnErr, "attempt", t.Attempts())
		if _, err := p.manager.Requeue(record, id, spawnErr); err != nil {
			log.Error("failed to record spawn failure", "error", err)
		}
		return
	}

	if _, err := p.manager.Dispatch(record, id, h); err != nil {
		// The task changed underneath us (cancelled, usually); the worker
		// has nobody to report to.
		log.Warn("dispatch not recorded, stopping worker", "error", err)
		p.stopWorker(h)
		return
	}
	if p.bus != nil {
		p.bus.Publish(event.NewTaskDispatchedEvent(id, h.Backend, h.PID, h.Session))
	}
}

// Sweep evaluates every processing task once. It returns how many tasks
// were settled or requeued.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sweep(ctx)
}

func (p *Processor) sweep(ctx context.Context) (int, error) {
	tasks, err := p.manager.List(ctx, task.Filter{Statuses: []task.Status{task.StatusActive, task.StatusProcessing}})
	if err != nil {
		return 0, err
	}

	now := p.manager.Now()
	settled := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if t.Kind.IsTracker() {
			p.sweepTracker(ctx, t, now)
			continue
		}
		if t.Status == task.StatusActive {
			p.recoverOrphan(ctx, t, now)
			continue
		}
		if p.sweepWorker(ctx, t, now) {
			settled++
		}
	}
	return settled, nil
}

func (p *Processor) sweepTracker(ctx context.Context, t *task.Task, now time.Time) {
	if now.Sub(t.CreatedAt) < p.grace || p.trackerCheck == nil {
		return
	}
	if err := p.trackerCheck(ctx, t); err != nil {
		p.logger.WithTask(t.ID).Warn("tracker check failed", "kind", string(t.Kind), "error", err)
	}
}

// recoverOrphan puts back an active task that no dispatch is working on,
// left behind by a process that died between activation and dispatch. No
// attempt is charged because no worker ever ran. Tasks activated within the
// grace period may still be mid-dispatch in another process and are left
// alone.
func (p *Processor) recoverOrphan(ctx context.Context, t *task.Task, now time.Time) {
	if p.isInflight(t.ID) {
		return
	}
	if n := len(t.StatusHistory); n > 0 && now.Sub(t.StatusHistory[n-1].Timestamp) < p.grace {
		return
	}
	if _, err := p.manager.Transition(ctx, t.ID, task.EventRequeue, "orphaned dispatch"); err != nil {
		p.logger.WithTask(t.ID).Debug("orphan recovery skipped", "error", err)
		return
	}
	p.logger.WithTask(t.ID).Warn("requeued orphaned task")
}

func (p *Processor) sweepWorker(ctx context.Context, t *task.Task, now time.Time) bool {
	log := p.logger.WithTask(t.ID)
	alive := p.spawner.IsAlive(t.Handle)
	v := p.inspector.Inspect(t, alive, now)

	switch v.Outcome {
	case detect.Running:
		if v.Progress != nil && (v.Progress.Percentage != t.Progress || v.Progress.CurrentStep != t.CurrentStep) {
			if _, err := p.manager.RecordProgress(ctx, t.ID, task.ProgressUpdate{
				Percentage:  v.Progress.Percentage,
				Message:     v.Progress.Message,
				CurrentStep: v.Progress.CurrentStep,
				Timestamp:   v.Progress.Timestamp,
			}); err != nil {
				log.Debug("progress refresh skipped", "error", err)
			}
		}
		return false

	case detect.Completed:
		if _, err := p.manager.Complete(ctx, t.ID, task.Outcome{Result: v.Result, Artifacts: v.Artifacts}); err != nil {
			log.Debug("completion skipped", "error", err)
			return false
		}
		log.Info("task completed", "rule", string(v.Rule))
		return true

	default:
		if alive {
			p.stopWorker(t.Handle)
		}
		updated, err := p.manager.Fail(ctx, t.ID, v.Err)
		if err != nil {
			log.Debug("failure skipped", "error", err)
			return false
		}
		log.Warn("worker failed", "rule", string(v.Rule), "error", v.Err, "status", string(updated.Status), "retry_count", updated.RetryCount)
		return true
	}
}

func (p *Processor) stopWorker(h task.Handle) {
	s, ok := p.spawner.(spawn.Stopper)
	if !ok || h.IsZero() {
		return
	}
	if err := s.Stop(h); err != nil {
		p.logger.Warn("failed to stop worker", "backend", h.Backend, "pid", h.PID, "session", h.Session, "error", err)
	}
}

func (p *Processor) markInflight(id string) {
	p.inflightMu.Lock()
	p.inflight[id] = struct{}{}
	p.inflightMu.Unlock()
}

func (p *Processor) clearInflight(id string) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

func (p *Processor) isInflight(id string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	_, ok := p.inflight[id]
	return ok
}
