package queue

import (
	"context"
	"time"

	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/task"
)

// Defaults used when a Processor is built without options.
const (
	DefaultMaxConcurrent = 3
	DefaultInterval      = 10 * time.Second
	DefaultGracePeriod   = 30 * time.Second
)

// TrackerCheck re-evaluates a pipeline or pool tracker from the state of
// its children.
type TrackerCheck func(ctx context.Context, tracker *task.Task) error

// Option configures a Processor.
type Option func(*Processor)

// WithMaxConcurrent sets the global cap on active and processing tasks.
func WithMaxConcurrent(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.maxConcurrent.Store(int64(n))
		}
	}
}

// WithInterval sets the period of the background loop.
func WithInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithGracePeriod sets how long new trackers are skipped by the sweep.
func WithGracePeriod(d time.Duration) Option {
	return func(p *Processor) {
		if d >= 0 {
			p.grace = d
		}
	}
}

// WithTrackerCheck installs the hook used to re-check trackers.
func WithTrackerCheck(fn TrackerCheck) Option {
	return func(p *Processor) { p.trackerCheck = fn }
}

// WithEventBus publishes tick and dispatch events on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(p *Processor) { p.bus = bus }
}

// WithLogger sets the processor's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}
