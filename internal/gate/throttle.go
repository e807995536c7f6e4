package gate

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled limits the rate of calls reaching the wrapped gate. Callers block until a
// token is available or their context ends.
type Throttled struct {
	next    Gate
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of rps tokens per second. A non-positive
// rps disables throttling and returns next unchanged.
func NewThrottled(next Gate, rps float64, burst int) Gate {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Authorize(ctx context.Context, rule Rule) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return newError("authorize", rule, "Throttled", err.Error(), err)
	}
	return t.next.Authorize(ctx, rule)
}

func (t *Throttled) Revoke(ctx context.Context, rule Rule) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return newError("revoke", rule, "Throttled", err.Error(), err)
	}
	return t.next.Revoke(ctx, rule)
}
