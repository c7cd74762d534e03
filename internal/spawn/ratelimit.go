package spawn

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Iron-Ham/relay/internal/errors"
	"github.com/Iron-Ham/relay/internal/task"
)

// RateLimited throttles the spawn rate of an inner Spawner with a token
// bucket. Liveness checks are not throttled.
type RateLimited struct {
	inner   Spawner
	limiter *rate.Limiter
}

// NewRateLimited wraps inner so at most perSecond spawns happen per second
// with bursts of up to burst. A non-positive perSecond returns inner as is.
func NewRateLimited(inner Spawner, perSecond float64, burst int) Spawner {
	if perSecond <= 0 {
		return inner
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Spawn waits for a token, then delegates. A cancelled wait is reported as
// a spawn failure so the task goes through the normal retry policy.
func (r *RateLimited) Spawn(ctx context.Context, t *task.Task) (task.Handle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return task.Handle{}, errors.NewSpawnError("rate-limit", err).WithTaskID(t.ID)
	}
	return r.inner.Spawn(ctx, t)
}

// IsAlive delegates to the inner spawner.
func (r *RateLimited) IsAlive(h task.Handle) bool {
	return r.inner.IsAlive(h)
}

// Stop delegates when the inner spawner supports it.
func (r *RateLimited) Stop(h task.Handle) error {
	if s, ok := r.inner.(Stopper); ok {
		return s.Stop(h)
	}
	return nil
}
