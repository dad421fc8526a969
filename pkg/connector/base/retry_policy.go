package base

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how failed operations are retried: how many attempts
// are made and how the delay between them grows.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NoRetryPolicy returns a policy that runs the operation exactly once.
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Execute runs fn, retrying every failure until the policy is exhausted.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	return rp.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition runs fn, retrying only while shouldRetry approves the
// returned error. An error rejected by shouldRetry is returned as-is so the
// caller can inspect it; an exhausted policy wraps the last error.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	attempts := rp.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		// Wait with context cancellation
		timer := time.NewTimer(rp.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// GetDelay returns the delay that would precede the given attempt's retry.
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.delay(attempt)
}

func (rp *RetryPolicy) delay(attempt int) time.Duration {
	d := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))
	if d > float64(rp.MaxDelay) {
		d = float64(rp.MaxDelay)
	}

	// Jitter spreads retries from concurrent workers apart
	if rp.RandomizeFactor > 0 {
		delta := d * rp.RandomizeFactor
		d = d - delta + rand.Float64()*2*delta
	}

	return time.Duration(d)
}
