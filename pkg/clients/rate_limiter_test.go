package clients

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Grant times are recorded after Wait returns, so scheduling jitter can
// compress a measured gap slightly below the enforced interval.
const gapTolerance = 15 * time.Millisecond

func TestIntervalEnforcedAcrossGoroutines(t *testing.T) {
	const (
		rate    = 20.0 // 50ms interval
		workers = 4
		perG    = 3
	)
	limiter := NewIntervalRateLimiter(rate)

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	start := time.Now()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				require.NoError(t, limiter.Wait(context.Background()))
				mu.Lock()
				grants = append(grants, time.Now())
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := workers * perG
	require.Len(t, grants, total)

	// The full schedule must span at least (n-1) intervals.
	elapsed := time.Since(start)
	minSpan := time.Duration(total-1) * limiter.Interval()
	assert.GreaterOrEqual(t, elapsed+gapTolerance, minSpan,
		"schedule finished too fast: %v < %v", elapsed, minSpan)

	// And no two successive grants, across all goroutines, may be closer
	// than the interval.
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })
	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		assert.GreaterOrEqual(t, gap+gapTolerance, limiter.Interval(),
			"grants %d and %d only %v apart", i-1, i, gap)
	}
}

func TestFirstPermitImmediate(t *testing.T) {
	limiter := NewIntervalRateLimiter(1.0)

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	limiter := NewIntervalRateLimiter(1.0) // 1s interval

	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestZeroRateDisablesLimiting(t *testing.T) {
	limiter := NewIntervalRateLimiter(0)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.EqualValues(t, 100, limiter.GetStats().Permits)
}

func TestGetStats(t *testing.T) {
	limiter := NewIntervalRateLimiter(50.0)

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Wait(context.Background()))
	}

	stats := limiter.GetStats()
	assert.InDelta(t, 50.0, stats.Rate, 0.1)
	assert.EqualValues(t, 5, stats.Permits)
	// Four of the five permits had to wait one interval each.
	assert.Greater(t, stats.TotalWaitTime, 3*limiter.Interval())
	assert.Greater(t, stats.AverageWaitTime, time.Duration(0))
}
