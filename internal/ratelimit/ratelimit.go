// Package ratelimit provides per-provider request pacing and a retry helper
// shared by every external API call in the pipeline.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/videolens/worker/internal/apperr"
)

// ErrInvalidRPM is returned when a limiter is created with a non-positive rate.
var ErrInvalidRPM = errors.New("ratelimit: requests per minute must be positive")

// Limiter enforces a minimum interval of 60s/rpm between admitted requests.
// It is safe for concurrent callers; the pacing discipline is per-limiter,
// not per-caller.
type Limiter struct {
	limiter *rate.Limiter
	rpm     int
}

// NewLimiter creates a limiter admitting at most rpm requests per minute.
// The first Acquire returns immediately; subsequent ones are spaced by the
// minimum interval.
func NewLimiter(rpm int) (*Limiter, error) {
	if rpm <= 0 {
		return nil, ErrInvalidRPM
	}
	interval := time.Minute / time.Duration(rpm)
	return &Limiter{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		rpm:     rpm,
	}, nil
}

// RPM returns the configured requests-per-minute rate.
func (l *Limiter) RPM() int {
	return l.rpm
}

// Acquire blocks until the next request may be admitted. If ctx is cancelled
// during the wait, it returns without admitting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindCancelled, "rate limiter wait interrupted", ctx.Err())
		}
		return apperr.Wrap(apperr.KindInternal, "rate limiter wait", err)
	}
	return nil
}

// RetryPolicy controls ExecuteWithRetry.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt; it doubles on each
	// further attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
}

// DefaultRetryPolicy returns the policy used for provider calls: 3 attempts,
// 1s base backoff doubling to at most 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
}

// ExecuteWithRetry runs fn up to policy.MaxAttempts times, pacing every
// attempt through the limiter and backing off exponentially with jitter
// between attempts. Errors for which retryable returns false propagate
// immediately. When retryable is nil, apperr.Retryable is used.
func (l *Limiter) ExecuteWithRetry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error, retryable func(error) bool) error {
	if retryable == nil {
		retryable = apperr.Retryable
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	backoff := policy.BaseBackoff
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindCancelled, "retry wait interrupted", ctx.Err())
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			}
		}

		if err := l.Acquire(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}

	return apperr.Wrap(apperr.KindOf(lastErr), "max retries exceeded", lastErr)
}

// jitter spreads a backoff by ±20% to avoid synchronized retries.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	f := 0.8 + 0.4*rand.Float64() // #nosec G404 - jitter needs no crypto randomness
	return time.Duration(float64(d) * f)
}
