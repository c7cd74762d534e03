package task

import (
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/relay/internal/event"
	"github.com/Iron-Ham/relay/internal/logging"
)

// Default policy values used when a Manager is built without options.
const (
	DefaultMaxRetries     = 2
	DefaultTimeoutMinutes = 60
)

type managerConfig struct {
	bus            *event.Bus
	logger         *logging.Logger
	now            func() time.Time
	newID          func() string
	maxRetries     int
	timeoutMinutes int
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		logger:         logging.NopLogger(),
		now:            time.Now,
		newID:          uuid.NewString,
		maxRetries:     DefaultMaxRetries,
		timeoutMinutes: DefaultTimeoutMinutes,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// WithEventBus publishes lifecycle events on bus.
func WithEventBus(bus *event.Bus) ManagerOption {
	return func(c *managerConfig) { c.bus = bus }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(c *managerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(c *managerConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides task id generation. Intended for tests.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(c *managerConfig) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithDefaultMaxRetries sets the retry budget for tasks created without one.
func WithDefaultMaxRetries(n int) ManagerOption {
	return func(c *managerConfig) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithDefaultTimeout sets the worker timeout for tasks created without one.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(c *managerConfig) {
		if m := int(d / time.Minute); m > 0 {
			c.timeoutMinutes = m
		}
	}
}
