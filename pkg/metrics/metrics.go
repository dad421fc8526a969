// Package metrics exposes Prometheus metrics for crawl runs: entry outcomes,
// storage volume and fetch latency. All collectors register themselves on the
// default registry; serving them is the CLI's concern.
//
// # Basic Usage
//
//	metrics.EntriesFetched.WithLabelValues("assessor").Inc()
//
//	timer := metrics.NewTimer("run")
//	runLoad(ctx)
//	logger.Info("run finished", zap.Duration("took", timer.Stop()))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesFetched counts entries fetched successfully, labeled by source key.
	EntriesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_entries_fetched_total",
			Help: "Total number of entries fetched successfully",
		},
		[]string{"source"},
	)

	// EntriesSkipped counts entries the source reported as not found. Gaps in
	// an identifier space are expected, so these are not failures.
	EntriesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_entries_skipped_total",
			Help: "Total number of entries skipped as not found",
		},
		[]string{"source"},
	)

	// EntriesFailed counts entries that exhausted their retries.
	EntriesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_entries_failed_total",
			Help: "Total number of entries failed after retries",
		},
		[]string{"source"},
	)

	// BatchesFlushed counts batches handed to the storage writer.
	BatchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_batches_flushed_total",
			Help: "Total number of batches flushed to storage",
		},
		[]string{"source"},
	)

	// CheckpointsSaved counts checkpoint saves, labeled by source key.
	CheckpointsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trawler_checkpoints_saved_total",
			Help: "Total number of checkpoints saved",
		},
		[]string{"source"},
	)

	// RowsWritten counts rows persisted across all scopes and tables.
	RowsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_rows_written_total",
			Help: "Total number of rows written to storage",
		},
	)

	// RowsSkipped counts rows dropped because their content hash was already
	// stored (refresh deduplication).
	RowsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_rows_skipped_total",
			Help: "Total number of rows skipped as unchanged",
		},
	)

	// PartitionsWritten counts parquet partition files created.
	PartitionsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_partitions_written_total",
			Help: "Total number of parquet partitions written",
		},
	)

	// CompactionsRun counts per-table compactions completed.
	CompactionsRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trawler_compactions_total",
			Help: "Total number of table compactions completed",
		},
	)

	// FetchDuration tracks the latency of single-entry fetches, including
	// retries, labeled by source key.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trawler_fetch_duration_seconds",
			Help:    "Duration of entry fetches in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	// RateLimitWait tracks how long workers block on the rate limiter.
	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trawler_rate_limit_wait_seconds",
			Help:    "Time workers spent waiting on the rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Timer measures the duration of one operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a timer and starts it immediately. The name is for the
// caller's logs; the timer itself records nothing.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed time since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
