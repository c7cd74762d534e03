package pipeline

import (
	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
	"github.com/Iron-Ham/relay/internal/spawn"
)

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes step and completion events on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMaxAgentsPerStep caps Step.Count.
func WithMaxAgentsPerStep(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAgents = n
		}
	}
}

// WithStopper lets Cancel terminate workers of cancelled children.
func WithStopper(s spawn.Stopper) Option {
	return func(m *Manager) { m.stopper = s }
}
