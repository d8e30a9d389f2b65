package providers

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/castwork/castwork/pkg/engine"
)

// Throttled limits the call rate of an adapter. Waiting for a token counts against the
// step timeout.
type Throttled struct {
	next    engine.ProviderAdapter
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket of perSecond tokens and the given burst.
// A burst below 1 is raised to 1.
func NewThrottled(next engine.ProviderAdapter, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// DefaultTimeout forwards the wrapped adapter's default, if any.
func (t *Throttled) DefaultTimeout() time.Duration {
	if d, ok := t.next.(engine.TimeoutDefaulter); ok {
		return d.DefaultTimeout()
	}
	return 0
}

// Invoke waits for a token and then calls the wrapped adapter with what remains of
// the timeout.
func (t *Throttled) Invoke(ctx context.Context, params *engine.Params, timeout time.Duration) (*engine.Output, error) {
	deadline := time.Now().Add(timeout)
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := t.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, MapNetworkError(ctx.Err())
		}
		// Wait fails early when the next token lies beyond the deadline.
		return nil, engine.NewThrottledError("rate limit wait exceeds step timeout", err).
			WithCode(engine.ErrCodeTimeout)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, engine.NewThrottledError("rate limit wait exhausted step timeout", nil).
			WithCode(engine.ErrCodeTimeout)
	}
	return t.next.Invoke(ctx, params, remaining)
}
