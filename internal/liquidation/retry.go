package liquidation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atmx/risk-engine/internal/metrics"
)

// RetryPolicy bounds how collaborator calls are retried.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration // per attempt; 0 = no timeout
}

// DefaultRetryPolicy returns 4 tries with 200ms..2s backoff and a 5s
// per-attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  5 * time.Second,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs fn until it succeeds, returns a backoff.Permanent error, the
// policy's tries are exhausted, or ctx is done. op labels the retry metric.
func Retry[T any](ctx context.Context, p RetryPolicy, op string, fn func(context.Context) (T, error)) (T, error) {
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	attempt := func() (T, error) {
		if p.AttemptTimeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
		defer cancel()
		return fn(actx)
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(error, time.Duration) {
			metrics.CollaboratorRetries.WithLabelValues(op).Inc()
		}),
	)
}
