// Package clients provides the outbound request plumbing shared by all
// sources: the fetch rate limiter and the HTTP client.
package clients

import (
	"context"
	"sync"
	"time"
)

// RateLimiter gates outbound fetches. One limiter is shared by every worker
// in a run; the aggregate permit rate across all of them never exceeds the
// configured ceiling.
type RateLimiter interface {
	// Wait blocks until a permit is granted or ctx is cancelled
	Wait(ctx context.Context) error

	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics about limiter behavior for run
// summaries and debugging.
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Permits         int64         `json:"permits"`
	TotalWaitTime   time.Duration `json:"total_wait_time"`
	AverageWaitTime time.Duration `json:"average_wait_time"`
}

// IntervalRateLimiter spaces permits a fixed interval apart. Unlike a token
// bucket it never grants bursts after idle periods: each permit is scheduled
// at least 1/rate after the previous one, which keeps the request cadence
// flat and predictable for rate-sensitive remote sites.
type IntervalRateLimiter struct {
	interval time.Duration

	mu      sync.Mutex
	next    time.Time // earliest instant the next permit may be granted
	permits int64
	waited  time.Duration
}

// NewIntervalRateLimiter creates a limiter granting at most rate permits per
// second. A rate of zero or less disables limiting.
func NewIntervalRateLimiter(rate float64) *IntervalRateLimiter {
	var interval time.Duration
	if rate > 0 {
		interval = time.Duration(float64(time.Second) / rate)
	}
	return &IntervalRateLimiter{interval: interval}
}

// Wait blocks the caller until its permit time arrives. The next-permit
// clock is advanced under the lock but the sleep happens outside it, so
// waiting callers never serialize each other beyond the enforced cadence.
// A cancelled wait still consumes its slot.
func (l *IntervalRateLimiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		l.mu.Lock()
		l.permits++
		l.mu.Unlock()
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	target := l.next
	if target.Before(now) {
		target = now
	}
	l.next = target.Add(l.interval)
	l.permits++
	wait := target.Sub(now)
	if wait > 0 {
		l.waited += wait
	}
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interval returns the enforced gap between permits.
func (l *IntervalRateLimiter) Interval() time.Duration {
	return l.interval
}

// GetStats returns rate limiter statistics
func (l *IntervalRateLimiter) GetStats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var rate float64
	if l.interval > 0 {
		rate = float64(time.Second) / float64(l.interval)
	}

	avg := time.Duration(0)
	if l.permits > 0 {
		avg = l.waited / time.Duration(l.permits)
	}

	return RateLimiterStats{
		Rate:            rate,
		Permits:         l.permits,
		TotalWaitTime:   l.waited,
		AverageWaitTime: avg,
	}
}
