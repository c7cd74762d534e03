package queue

import (
	"context"
	"time"

	"github.com/Iron-Ham/relay/internal/task"
)

// Start runs one pass immediately and then one every interval, plus one
// per Nudge, until Stop is called or ctx ends. Starting a running loop is
// a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.loop(ctx, p.stopped)
	p.logger.Info("queue loop started", "interval", p.interval.String(), "max_concurrent", p.MaxConcurrent())
}

// Stop halts the loop and waits for an in-flight pass to finish. It is
// safe to call more than once and before Start.
func (p *Processor) Stop() {
	p.loopMu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	p.logger.Info("queue loop stopped")
}

// Running reports whether the loop is active.
func (p *Processor) Running() bool {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	return p.cancel != nil
}

// Nudge requests a pass as soon as possible. Nudges arriving while one is
// already queued are coalesced.
func (p *Processor) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

func (p *Processor) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.nudge:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	if _, err := p.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("queue pass failed", "error", err)
	}
}

// MaxConcurrent returns the concurrency cap.
func (p *Processor) MaxConcurrent() int { return int(p.maxConcurrent.Load()) }

// SetMaxConcurrent changes the concurrency cap. Non-positive values are
// ignored. Lowering the cap never stops running workers; it only delays
// admissions.
func (p *Processor) SetMaxConcurrent(n int) {
	if n > 0 {
		p.maxConcurrent.Store(int64(n))
	}
}

// RetryBudget returns the retry budget given to new tasks.
func (p *Processor) RetryBudget() int { return p.manager.DefaultMaxRetries() }

// SetRetryBudget changes the retry budget given to new tasks.
func (p *Processor) SetRetryBudget(n int) { p.manager.SetDefaultMaxRetries(n) }

// DefaultTimeout returns the worker timeout given to new tasks.
func (p *Processor) DefaultTimeout() time.Duration { return p.manager.DefaultTimeout() }

// SetDefaultTimeout changes the worker timeout given to new tasks.
func (p *Processor) SetDefaultTimeout(d time.Duration) { p.manager.SetDefaultTimeout(d) }

// Stats is a snapshot of the queue.
type Stats struct {
	Counts        map[task.Status]int `json:"counts"`
	Running       int                 `json:"running"`
	Pending       int                 `json:"pending"`
	Trackers      int                 `json:"trackers"`
	MaxConcurrent int                 `json:"max_concurrent"`
	RetryBudget   int                 `json:"retry_budget"`
	LoopRunning   bool                `json:"loop_running"`
	LastTick      *TickResult         `json:"last_tick,omitempty"`
}

// Status counts tasks by status. Trackers are counted separately and not
// included in Counts, Running or Pending.
func (p *Processor) Status(ctx context.Context) (Stats, error) {
	tasks, err := p.manager.List(ctx, task.Filter{})
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Counts:        make(map[task.Status]int),
		MaxConcurrent: p.MaxConcurrent(),
		RetryBudget:   p.RetryBudget(),
		LoopRunning:   p.Running(),
		LastTick:      p.lastTick.Load(),
	}
	for _, s := range task.AllStatuses() {
		st.Counts[s] = 0
	}
	for _, t := range tasks {
		if t.Kind.IsTracker() {
			if !t.Status.IsTerminal() {
				st.Trackers++
			}
			continue
		}
		st.Counts[t.Status]++
		switch {
		case t.Status.IsRunning():
			st.Running++
		case t.Status == task.StatusPending:
			st.Pending++
		}
	}
	return st, nil
}
