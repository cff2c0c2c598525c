package adskit

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// BackoffPolicy bounds retries of transient provider failures.
type BackoffPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	// JitterFraction widens each delay by a random factor in [0, JitterFraction).
	JitterFraction float64
}

// DefaultBackoffPolicy matches the configured scheduler defaults.
func DefaultBackoffPolicy(maxAttempts int, base time.Duration) BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts:    maxAttempts,
		Base:           base,
		MaxDelay:       time.Minute,
		JitterFraction: 0.2,
	}
}

// Delay returns the wait before retry attempt number attempt (1-based):
// Base doubled per attempt, jittered, capped at MaxDelay.
func (policy BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := policy.Base << uint(attempt-1)
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.JitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * policy.JitterFraction * float64(delay))
		delay += jitter
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return delay
}

// sleepFunc waits for the duration or returns early with the context error.
type sleepFunc func(ctx context.Context, duration time.Duration) error

func contextSleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryWithBackoff runs operation up to policy.MaxAttempts times, sleeping
// between attempts. Only ErrTransientProvider failures are retried; any other
// error stops the loop immediately. The last error is returned when the
// attempt budget is exhausted.
func retryWithBackoff(ctx context.Context, policy BackoffPolicy, sleep sleepFunc, operation func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = contextSleep
	}
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = operation(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransientProvider) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleep(ctx, policy.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}
