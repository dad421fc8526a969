// Package engine executes crawl runs. It owns everything between a source
// and durable storage: the worker pool, the shared rate limiter, retry of
// transient fetch failures, ordered result collection, batch flushing,
// checkpointing and end-of-run compaction.
//
// # Run shape
//
// A run starts from a list of entry identifiers (enumerated for a load,
// recovered from storage for a refresh). Workers fetch entries concurrently,
// but results are applied in submission order, so the batch buffer and the
// checkpoint always describe the same contiguous prefix of the run a
// sequential crawl would have produced. A checkpoint is therefore never
// ahead of what storage has seen.
//
// # Basic Usage
//
//	eng := engine.New(src, scope, writer, checkpoints, settings)
//	summary, err := eng.Load(ctx)
//
// Cancelling ctx stops new fetches, drains in-flight results, flushes and
// checkpoints, then returns ctx.Err() with a partial summary.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/checkpoint"
	"github.com/trawler-io/trawler/pkg/clients"
	"github.com/trawler-io/trawler/pkg/config"
	"github.com/trawler-io/trawler/pkg/connector/base"
	"github.com/trawler-io/trawler/pkg/connector/core"
	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/logger"
	"github.com/trawler-io/trawler/pkg/metrics"
	"github.com/trawler-io/trawler/pkg/storage"
)

// Summary reports what one run did. Counts are for this run only; a resumed
// load's checkpoint carries the cumulative total separately.
type Summary struct {
	Source      string        `json:"source"`
	Scope       string        `json:"scope"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	RowsWritten int64         `json:"rows_written"`
	RowsSkipped int64         `json:"rows_skipped"`
	Elapsed     time.Duration `json:"elapsed"`
	Completed   bool          `json:"completed"`
}

// Engine drives crawl runs for one source and scope. It is immutable after
// New; all per-run state lives inside Load and Refresh.
type Engine struct {
	source core.Source
	scope  core.Scope
	photos core.PhotoFetcher // nil when the source has no photo support

	writer      *storage.Writer
	checkpoints *checkpoint.Store
	limiter     clients.RateLimiter
	retry       *base.RetryPolicy

	workers         int
	batchSize       int
	checkpointEvery int
	maxConsecutive  int
	resume          bool
	photosDir       string

	logger *zap.Logger
}

// New creates an engine from validated settings. The writer and checkpoint
// store are injected so the CLI can share them with other commands.
func New(source core.Source, scope core.Scope, writer *storage.Writer, checkpoints *checkpoint.Store, settings *config.Settings) *Engine {
	e := &Engine{
		source:      source,
		scope:       scope,
		writer:      writer,
		checkpoints: checkpoints,
		limiter:     clients.NewIntervalRateLimiter(settings.Crawl.Rate),
		retry: &base.RetryPolicy{
			MaxAttempts:     settings.Retry.Attempts,
			InitialDelay:    settings.Retry.InitialDelay,
			MaxDelay:        settings.Retry.MaxDelay,
			Multiplier:      settings.Retry.Multiplier,
			RandomizeFactor: settings.Retry.Jitter,
		},
		workers:         settings.Crawl.Workers,
		batchSize:       settings.Crawl.BatchSize,
		checkpointEvery: settings.Crawl.CheckpointEvery,
		maxConsecutive:  settings.Crawl.MaxConsecutiveErrors,
		resume:          settings.Resume,
		photosDir:       settings.PhotosDir,
		logger: logger.Get().Named("engine").With(
			zap.String("source", source.Key()),
			zap.String("scope", scope.Key),
		),
	}
	if pf, ok := source.(core.PhotoFetcher); ok {
		e.photos = pf
	}

	e.logger.Info("engine initialized",
		zap.Int("workers", e.workers),
		zap.Float64("rate", settings.Crawl.Rate),
		zap.Int("batch_size", e.batchSize),
		zap.Int("checkpoint_every", e.checkpointEvery))
	return e
}

// Load crawls the source's full identifier space. With resume enabled and a
// prior checkpoint whose entry is still part of the enumeration, only the
// identifiers after it are processed and the processed total keeps counting
// from the checkpoint.
func (e *Engine) Load(ctx context.Context) (Summary, error) {
	enum, ok := e.source.(core.Enumerator)
	if !ok {
		return e.emptySummary(), errors.Newf(errors.ErrorTypeConfig,
			"source %s cannot enumerate entries, only refresh is supported", e.source.Key())
	}

	e.logger.Info("resolving entries to load")
	ids, err := enum.Entries(ctx, e.scope, e.writer.Catalog())
	if err != nil {
		return e.emptySummary(), err
	}

	carried := 0
	if e.resume {
		if cp, ok := e.checkpoints.Load(e.scope.Key); ok && cp.LastEntryID != "" {
			if at := indexOf(ids, cp.LastEntryID); at >= 0 {
				e.logger.Info("resuming from checkpoint",
					zap.String("last_entry_id", cp.LastEntryID),
					zap.Int("total_processed", cp.TotalProcessed),
					zap.Int("remaining", len(ids)-at-1))
				ids = ids[at+1:]
				carried = cp.TotalProcessed
			} else {
				e.logger.Warn("checkpoint entry not in current enumeration, restarting from the beginning",
					zap.String("last_entry_id", cp.LastEntryID))
			}
		}
	}

	return e.run(ctx, ids, carried)
}

// Refresh re-fetches every identifier already present in storage. Unchanged
// rows are dropped by the writer's hash dedup, so a refresh that finds
// nothing new writes nothing.
func (e *Engine) Refresh(ctx context.Context) (Summary, error) {
	kl, ok := e.source.(core.KnownLister)
	if !ok {
		return e.emptySummary(), errors.Newf(errors.ErrorTypeConfig,
			"source %s cannot list known entries, refresh is unsupported", e.source.Key())
	}

	e.logger.Info("resolving known entries to refresh")
	ids, err := kl.KnownEntries(ctx, e.scope, e.writer.Catalog())
	if err != nil {
		return e.emptySummary(), err
	}
	if len(ids) == 0 {
		e.logger.Warn("no stored entries to refresh")
		sum := e.emptySummary()
		sum.Completed = true
		return sum, nil
	}

	tables, err := e.writer.Catalog().Tables(e.scope.Key)
	if err != nil {
		return e.emptySummary(), err
	}
	if err := e.writer.PreloadHashes(e.scope.Key, tables); err != nil {
		return e.emptySummary(), err
	}

	return e.run(ctx, ids, 0)
}

// task is one identifier with its position in the run, which ordered
// collection is keyed on.
type task struct {
	idx int
	id  string
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkipped
	outcomeFailed
)

type result struct {
	idx     int
	id      string
	outcome outcome
	payload core.Payload
	err     error
}

// runState is the mutable state of one run. It is touched only by the
// collector loop, so ordered handling needs no locking of its own; the
// writer and limiter keep their own internal locks.
type runState struct {
	pending map[int]result // completed results waiting for their turn
	next    int            // index the collector hands out next
	batch   []core.Payload
	lastID  string
	base    int // processed count carried over from a resumed checkpoint

	processed int
	succeeded int
	skipped   int
	failed    int
	streak    int   // consecutive failures
	abortErr  error // set when streak reaches the configured maximum
}

// run executes the shared crawl loop over ids. baseProcessed seeds the
// cumulative processed count recorded in checkpoints.
func (e *Engine) run(ctx context.Context, ids []string, baseProcessed int) (Summary, error) {
	start := time.Now()
	startStats := e.writer.Stats()
	sum := e.emptySummary()

	if len(ids) == 0 {
		e.logger.Info("nothing to process")
		sum.Completed = true
		sum.Elapsed = time.Since(start)
		return sum, nil
	}

	e.logger.Info("processing entries",
		zap.Int("entries", len(ids)),
		zap.Int("workers", e.workers))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan task)
	results := make(chan result, e.workers)

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(runCtx, id, tasks, results)
		}(i)
	}

	// Feed tasks until exhausted or the run is cancelled.
	go func() {
		defer close(tasks)
		for i, id := range ids {
			select {
			case tasks <- task{idx: i, id: id}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	st := &runState{
		pending: make(map[int]result, e.workers),
		base:    baseProcessed,
		batch:   make([]core.Payload, 0, e.batchSize),
	}

	// Collect results in submission order. Out-of-order arrivals park in
	// pending until every earlier index has been handled; on cancellation
	// anything past the first gap is dropped and refetched after resume.
	var fatal error
	for res := range results {
		if fatal != nil {
			continue // storage already failed, drain workers and exit
		}
		st.pending[res.idx] = res
		for {
			ready, ok := st.pending[st.next]
			if !ok {
				break
			}
			delete(st.pending, st.next)
			st.next++
			if err := e.handle(st, ready); err != nil {
				fatal = err
				cancel()
				break
			}
			if st.abortErr != nil {
				cancel()
			}
		}
	}

	sum.Processed = st.processed
	sum.Succeeded = st.succeeded
	sum.Skipped = st.skipped
	sum.Failed = st.failed

	if fatal != nil {
		sum.Elapsed = time.Since(start)
		e.logger.Error("run aborted by storage failure", zap.Error(fatal))
		return sum, fatal
	}

	e.logger.Info("drained in-flight results, flushing buffer")
	if err := e.flush(st); err != nil {
		sum.Elapsed = time.Since(start)
		return sum, err
	}

	interrupted := ctx.Err() != nil
	completed := !interrupted && st.abortErr == nil && st.next == len(ids)

	if st.processed > 0 {
		e.saveCheckpoint(st, completed)
	}

	if completed {
		e.logger.Info("compacting partitions")
		if err := e.writer.Compact(e.scope.Key); err != nil {
			sum.Elapsed = time.Since(start)
			return sum, err
		}
	} else {
		e.logger.Info("skipping compaction after incomplete run")
	}

	endStats := e.writer.Stats()
	sum.RowsWritten = endStats.RowsWritten - startStats.RowsWritten
	sum.RowsSkipped = endStats.RowsSkipped - startStats.RowsSkipped
	sum.Completed = completed
	sum.Elapsed = time.Since(start)

	e.logger.Info("run finished",
		zap.Int("processed", sum.Processed),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("skipped", sum.Skipped),
		zap.Int("failed", sum.Failed),
		zap.Int64("rows_written", sum.RowsWritten),
		zap.Int64("rows_skipped", sum.RowsSkipped),
		zap.Duration("elapsed", sum.Elapsed),
		zap.Bool("completed", sum.Completed))

	if st.abortErr != nil {
		return sum, st.abortErr
	}
	if interrupted {
		return sum, ctx.Err()
	}
	return sum, nil
}

// handle applies one in-order result to the run state. It returns an error
// only when storage rejects a flush; every other failure is accounted and
// the run continues.
func (e *Engine) handle(st *runState, res result) error {
	st.processed++
	st.lastID = res.id

	switch res.outcome {
	case outcomeSuccess:
		st.succeeded++
		st.streak = 0
		st.batch = append(st.batch, res.payload)
		metrics.EntriesFetched.WithLabelValues(e.source.Key()).Inc()
		if len(st.batch) >= e.batchSize {
			if err := e.flush(st); err != nil {
				return err
			}
		}
	case outcomeSkipped:
		st.skipped++
		metrics.EntriesSkipped.WithLabelValues(e.source.Key()).Inc()
		e.logger.Debug("entry not found upstream", zap.String("entry_id", res.id))
	case outcomeFailed:
		st.failed++
		st.streak++
		metrics.EntriesFailed.WithLabelValues(e.source.Key()).Inc()
		e.logger.Warn("entry failed",
			zap.String("entry_id", res.id),
			zap.String("kind", string(errors.GetType(res.err))),
			zap.Int("consecutive", st.streak),
			zap.Error(res.err))
		if e.maxConsecutive > 0 && st.streak >= e.maxConsecutive && st.abortErr == nil {
			st.abortErr = errors.Newf(errors.ErrorTypeRateLimit,
				"%d consecutive failures, the remote is likely refusing us, aborting run", st.streak)
		}
	}

	if st.processed%e.checkpointEvery == 0 {
		// Flush first so the checkpoint never references unpersisted rows.
		if err := e.flush(st); err != nil {
			return err
		}
		e.saveCheckpoint(st, false)
	}
	return nil
}

// flush flattens and writes the buffered payloads. The buffer is cleared
// only after the writer accepts the batch.
func (e *Engine) flush(st *runState) error {
	if len(st.batch) == 0 {
		return nil
	}

	tables, err := e.source.Flatten(st.batch)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "flatten batch")
	}
	if err := e.writer.WriteBatch(e.scope.Key, tables); err != nil {
		return err
	}

	metrics.BatchesFlushed.WithLabelValues(e.source.Key()).Inc()
	e.logger.Debug("batch flushed", zap.Int("entries", len(st.batch)))
	st.batch = st.batch[:0]
	return nil
}

// saveCheckpoint records progress. A failed save degrades resume but never
// aborts the run that produced the progress.
func (e *Engine) saveCheckpoint(st *runState, completed bool) {
	cp := checkpoint.Checkpoint{
		ScopeKey:       e.scope.Key,
		LastEntryID:    st.lastID,
		TotalProcessed: st.base + st.processed,
		Completed:      completed,
		CheckpointTime: time.Now().UTC(),
	}
	if err := e.checkpoints.Save(e.scope.Key, cp); err != nil {
		e.logger.Error("checkpoint save failed", zap.Error(err))
		return
	}
	metrics.CheckpointsSaved.WithLabelValues(e.source.Key()).Inc()
}

// worker pulls tasks until the channel closes or the run is cancelled.
func (e *Engine) worker(ctx context.Context, id int, tasks <-chan task, results chan<- result) {
	log := e.logger.With(zap.Int("worker", id))
	for {
		select {
		case t, ok := <-tasks:
			if !ok {
				return
			}
			res, ok := e.fetchOne(ctx, log, t)
			if !ok {
				return // cancelled mid-fetch, nothing worth reporting
			}
			select {
			case results <- res:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// fetchOne acquires a rate permit and fetches a single entry, retrying
// transient failures. The second return is false when the fetch was cut
// short by cancellation rather than finished.
func (e *Engine) fetchOne(ctx context.Context, log *zap.Logger, t task) (result, bool) {
	res := result{idx: t.idx, id: t.id}

	waitStart := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		return res, false
	}
	metrics.RateLimitWait.Observe(time.Since(waitStart).Seconds())

	fetchStart := time.Now()
	var payload core.Payload
	err := e.retry.ExecuteWithCondition(ctx, func() error {
		var ferr error
		payload, ferr = e.source.Fetch(ctx, e.scope, t.id)
		return ferr
	}, errors.IsRetryable)
	metrics.FetchDuration.WithLabelValues(e.source.Key()).Observe(time.Since(fetchStart).Seconds())

	switch {
	case err == nil:
		res.outcome = outcomeSuccess
		res.payload = payload
		e.downloadPhotos(ctx, log, payload, t.id)
	case errors.IsType(err, errors.ErrorTypeNotFound):
		res.outcome = outcomeSkipped
	case ctx.Err() != nil:
		return res, false
	default:
		res.outcome = outcomeFailed
		res.err = err
	}
	return res, true
}

// downloadPhotos runs the source's photo hooks for one fetched entry.
// Failures are logged and swallowed; photos never fail an entry.
func (e *Engine) downloadPhotos(ctx context.Context, log *zap.Logger, p core.Payload, entryID string) {
	if e.photos == nil || e.photosDir == "" {
		return
	}
	for _, item := range e.photos.PhotoItems(p, e.scope, entryID) {
		if _, err := e.photos.DownloadPhoto(ctx, item, e.photosDir); err != nil {
			log.Warn("photo download failed",
				zap.String("entry_id", entryID),
				zap.String("url", item.URL),
				zap.Error(err))
		}
	}
}

func (e *Engine) emptySummary() Summary {
	return Summary{Source: e.source.Key(), Scope: e.scope.Key}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
