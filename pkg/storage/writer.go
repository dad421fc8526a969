// Package storage persists flattened rows as parquet partitions under a data
// root, one directory per (scope, table), and merges each run's partitions
// into a single file when the run ends.
//
// Layout:
//
//	<root>/<scope>/<table>/<session>_<seq>.parquet
//	<root>/<scope>/<table>/<session>_compacted.parquet
//
// Partitions are append-only. Committed files are never rewritten; compaction
// writes the consolidated file first and removes the session's partials only
// after it is in place, so an interrupted compaction loses nothing.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/logger"
	"github.com/trawler-io/trawler/pkg/metrics"
	"github.com/trawler-io/trawler/pkg/rowhash"
)

const (
	scrapedAtColumn = "scraped_at"
	rowHashColumn   = "row_hash"
)

// Stats counts what a writer has done so far in this session.
type Stats struct {
	RowsWritten  int64 `json:"rows_written"`
	RowsSkipped  int64 `json:"rows_skipped"`
	FilesWritten int64 `json:"files_written"`
}

// Writer appends batches of rows as parquet partitions. Every row gains a
// capture timestamp and a content hash before it is persisted. One Writer
// spans one run; the partitions it creates are tracked in memory so Compact
// merges exactly this session's files and never another run's.
type Writer struct {
	root    string
	session string
	log     *zap.Logger
	catalog *Catalog

	mu           sync.Mutex
	seq          map[string]int
	sessionFiles map[string][]string
	knownHashes  map[string]map[string]struct{}
	stats        Stats
}

// NewWriter creates a writer rooted at the data directory. The session
// identifier carries a random suffix so concurrent runs never collide on
// file names.
func NewWriter(root string) *Writer {
	return &Writer{
		root:         root,
		session:      fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8]),
		log:          logger.Get().Named("storage"),
		catalog:      NewCatalog(root),
		seq:          make(map[string]int),
		sessionFiles: make(map[string][]string),
		knownHashes:  make(map[string]map[string]struct{}),
	}
}

// Catalog returns the catalog over the same data root.
func (w *Writer) Catalog() *Catalog {
	return w.catalog
}

// WriteBatch persists one batch. tables maps table name to its rows; empty
// tables are ignored. Each non-empty table gets one new partition file.
func (w *Writer) WriteBatch(scope string, tables map[string][]map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(tables))
	for name, rows := range tables {
		if len(rows) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	capturedAt := time.Now().UTC()
	for _, table := range names {
		if err := w.writeTable(scope, table, tables[table], capturedAt); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeTable(scope, table string, rows []map[string]interface{}, capturedAt time.Time) error {
	key := scope + "/" + table
	known := w.knownHashes[key]

	out := make([]map[string]interface{}, 0, len(rows))
	var skipped int64
	for _, row := range rows {
		for _, reserved := range []string{scrapedAtColumn, rowHashColumn} {
			if _, ok := row[reserved]; ok {
				return errors.Newf(errors.ErrorTypeData, "table %s: source row already carries column %q", table, reserved)
			}
		}

		hash := rowhash.Compute(row)
		if known != nil {
			if _, seen := known[hash]; seen {
				skipped++
				continue
			}
			known[hash] = struct{}{}
		}

		enriched := make(map[string]interface{}, len(row)+2)
		for k, v := range row {
			enriched[k] = v
		}
		enriched[scrapedAtColumn] = capturedAt
		enriched[rowHashColumn] = hash
		out = append(out, enriched)
	}

	w.stats.RowsSkipped += skipped
	metrics.RowsSkipped.Add(float64(skipped))

	if len(out) == 0 {
		w.log.Debug("batch fully deduplicated",
			zap.String("scope", scope),
			zap.String("table", table),
			zap.Int("rows", len(rows)))
		return nil
	}

	dir := filepath.Join(w.root, scope, table)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "create table directory")
	}

	seq := w.seq[key]
	w.seq[key] = seq + 1
	path := filepath.Join(dir, fmt.Sprintf("%s_%04d%s", w.session, seq, parquetFileSuffix))

	if err := writeParquet(path, inferSchema(out), out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage,
			fmt.Sprintf("write partition %s/%s", scope, table))
	}

	w.sessionFiles[key] = append(w.sessionFiles[key], path)
	w.stats.RowsWritten += int64(len(out))
	w.stats.FilesWritten++
	metrics.RowsWritten.Add(float64(len(out)))
	metrics.PartitionsWritten.Inc()

	w.log.Debug("partition written",
		zap.String("scope", scope),
		zap.String("table", table),
		zap.Int("rows", len(out)),
		zap.Int64("skipped", skipped),
		zap.String("file", filepath.Base(path)))
	return nil
}

// PreloadHashes loads the row hashes already stored for the given tables and
// turns on duplicate skipping for them: later batches drop rows whose hash is
// already present. Refresh runs use this so unchanged entries do not pile up
// identical captures.
func (w *Writer) PreloadHashes(scope string, tables []string) error {
	for _, table := range tables {
		hashes, err := w.catalog.DistinctStrings(scope, table, rowHashColumn)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage,
				fmt.Sprintf("preload hashes for %s/%s", scope, table))
		}

		set := make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			set[h] = struct{}{}
		}

		w.mu.Lock()
		w.knownHashes[scope+"/"+table] = set
		w.mu.Unlock()

		w.log.Debug("hashes preloaded",
			zap.String("scope", scope),
			zap.String("table", table),
			zap.Int("count", len(set)))
	}
	return nil
}

// Compact merges this session's partitions per table into one consolidated
// file. Tables that received fewer than two partitions are left as they are.
// On failure the original partials remain intact.
func (w *Writer) Compact(scope string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := scope + "/"
	keys := make([]string, 0, len(w.sessionFiles))
	for key := range w.sessionFiles {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		files := w.sessionFiles[key]
		table := strings.TrimPrefix(key, prefix)

		if len(files) < 2 {
			w.log.Debug("compaction skipped",
				zap.String("scope", scope),
				zap.String("table", table),
				zap.Int("files", len(files)))
			delete(w.sessionFiles, key)
			continue
		}

		if err := w.compactTable(scope, table, files); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage,
				fmt.Sprintf("compact %s/%s", scope, table))
		}
		delete(w.sessionFiles, key)
	}
	return nil
}

func (w *Writer) compactTable(scope, table string, files []string) error {
	var merged []map[string]interface{}
	kinds := make(map[string]colKind)

	for _, path := range files {
		rows, cols, err := readFileRows(path)
		if err != nil {
			return err
		}
		for _, col := range cols {
			kinds[col.name] = mergeKind(kinds[col.name], col.kind)
		}
		merged = append(merged, rows...)
	}

	target := filepath.Join(w.root, scope, table, w.session+"_compacted"+parquetFileSuffix)
	if err := writeParquet(target, schemaFromKinds(kinds), merged); err != nil {
		return err
	}

	// The consolidated file is in place; now the partials can go.
	for _, path := range files {
		if err := os.Remove(path); err != nil {
			w.log.Warn("failed to remove compacted partition",
				zap.String("file", path), zap.Error(err))
		}
	}

	metrics.CompactionsRun.Inc()
	w.log.Info("table compacted",
		zap.String("scope", scope),
		zap.String("table", table),
		zap.Int("files", len(files)),
		zap.Int("rows", len(merged)))
	return nil
}

// Stats returns this session's row and file counts.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
