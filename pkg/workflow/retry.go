package workflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// RetryPolicy bounds how transient action failures are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is 3 attempts, waiting 30s then 60s, never more than 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 30 * time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Minute,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	defaults := DefaultRetryPolicy()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}

	if p.InitialInterval <= 0 {
		p.InitialInterval = defaults.InitialInterval
	}

	if p.Multiplier < 1 {
		p.Multiplier = defaults.Multiplier
	}

	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}

	return p
}

// BackOff returns the interval sequence between attempts. Intervals are not
// randomised so that a run's timing is reproducible. Callers also stop at
// MaxAttempts, since zero retries means unlimited to backoff.WithMaxRetries.
func (p RetryPolicy) BackOff(clock clockwork.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(max(p.MaxAttempts-1, 0)))
}

// Intervals lists every wait the policy performs between attempts.
func (p RetryPolicy) Intervals() []time.Duration {
	p = p.normalize()
	b := p.BackOff(clockwork.NewRealClock())

	intervals := make([]time.Duration, 0, p.MaxAttempts-1)

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}

		intervals = append(intervals, next)
	}

	return intervals
}

// storeBackOff paces retries of failed store writes.
func storeBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second

	return backoff.WithContext(backoff.WithMaxRetries(b, 4), ctx)
}
