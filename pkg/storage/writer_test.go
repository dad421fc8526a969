package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/rowhash"
)

func propertyRows(n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, map[string]interface{}{
			"pid":       100 + i,
			"owner":     "Owner " + string(rune('A'+i)),
			"appraisal": 250000.0 + float64(i)*1000,
		})
	}
	return rows
}

func TestWriteBatchCreatesPartitionPerTable(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	err := w.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
		"properties": propertyRows(3),
		"owners":     {{"pid": 100, "name": "Jane Doe"}},
		"empty":      {},
	})
	require.NoError(t, err)

	cat := w.Catalog()
	tables, err := cat.Tables("newmilfordct")
	require.NoError(t, err)
	assert.Equal(t, []string{"owners", "properties"}, tables, "empty tables get no directory")

	files, err := cat.Files("newmilfordct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0], ".parquet"))

	count, err := cat.RowCount("newmilfordct", "properties")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestWriteBatchInjectsCaptureMetadata(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	source := map[string]interface{}{"pid": 42, "owner": "Jane Doe"}
	before := time.Now().UTC()
	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {source},
	}))

	files, err := w.Catalog().Files("avonct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, _, err := readFileRows(files[0])
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, int64(42), row["pid"])
	assert.Equal(t, "Jane Doe", row["owner"])
	assert.Equal(t, rowhash.Compute(source), row["row_hash"],
		"stored hash matches the hash of the source row")

	micros, ok := row["scraped_at"].(int64)
	require.True(t, ok, "scraped_at is stored as timestamp micros")
	capturedAt := time.UnixMicro(micros).UTC()
	assert.False(t, capturedAt.Before(before.Truncate(time.Second)))
	assert.False(t, capturedAt.After(time.Now().UTC()))
}

func TestWriteBatchRejectsReservedColumns(t *testing.T) {
	w := NewWriter(t.TempDir())

	err := w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": 1, "row_hash": "bogus"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	err = w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": 1, "scraped_at": "bogus"}},
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestSuccessiveLoadsKeepDuplicateCaptures(t *testing.T) {
	root := t.TempDir()
	rows := propertyRows(3)

	first := NewWriter(root)
	require.NoError(t, first.WriteBatch("newmilfordct", map[string][]map[string]interface{}{"properties": rows}))

	second := NewWriter(root)
	require.NoError(t, second.WriteBatch("newmilfordct", map[string][]map[string]interface{}{"properties": rows}))

	cat := NewCatalog(root)
	count, err := cat.RowCount("newmilfordct", "properties")
	require.NoError(t, err)
	assert.Equal(t, int64(6), count, "loads without preloaded hashes append every capture")

	hashes, err := cat.DistinctStrings("newmilfordct", "properties", "row_hash")
	require.NoError(t, err)
	assert.Len(t, hashes, 3, "identical content hashes identically across captures")
}

func TestPreloadHashesSkipsUnchangedRows(t *testing.T) {
	root := t.TempDir()
	rows := propertyRows(2)

	first := NewWriter(root)
	require.NoError(t, first.WriteBatch("newmilfordct", map[string][]map[string]interface{}{"properties": rows}))

	second := NewWriter(root)
	require.NoError(t, second.PreloadHashes("newmilfordct", []string{"properties"}))

	refreshed := append(propertyRows(2), map[string]interface{}{
		"pid": 900, "owner": "New Owner", "appraisal": 410000.0,
	})
	require.NoError(t, second.WriteBatch("newmilfordct", map[string][]map[string]interface{}{"properties": refreshed}))

	stats := second.Stats()
	assert.Equal(t, int64(1), stats.RowsWritten)
	assert.Equal(t, int64(2), stats.RowsSkipped)

	count, err := NewCatalog(root).RowCount("newmilfordct", "properties")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestCompactMergesOwnSessionFilesOnly(t *testing.T) {
	root := t.TempDir()

	mine := NewWriter(root)
	other := NewWriter(root)

	for i := 0; i < 3; i++ {
		require.NoError(t, mine.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
			"properties": propertyRows(2),
		}))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, other.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
			"properties": propertyRows(1),
		}))
	}

	cat := NewCatalog(root)
	files, err := cat.Files("newmilfordct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 5)

	require.NoError(t, mine.Compact("newmilfordct"))

	files, err = cat.Files("newmilfordct", "properties")
	require.NoError(t, err)
	assert.Len(t, files, 3, "three partials merge into one, the other session keeps its two")

	var compacted int
	for _, f := range files {
		if strings.Contains(filepath.Base(f), "_compacted") {
			compacted++
		}
	}
	assert.Equal(t, 1, compacted)

	count, err := cat.RowCount("newmilfordct", "properties")
	require.NoError(t, err)
	assert.Equal(t, int64(8), count, "compaction never drops rows")
}

func TestCompactSkipsSingleFileTables(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": propertyRows(2),
	}))
	require.NoError(t, w.Compact("avonct"))

	files, err := w.Catalog().Files("avonct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.NotContains(t, filepath.Base(files[0]), "_compacted")
}

func TestCompactMergesDriftedSchemas(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": 1, "owner": "A"}},
	}))
	require.NoError(t, w.WriteBatch("avonct", map[string][]map[string]interface{}{
		"properties": {{"pid": 2, "acreage": 1.25}},
	}))
	require.NoError(t, w.Compact("avonct"))

	cat := w.Catalog()
	files, err := cat.Files("avonct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 1)

	rows, _, err := readFileRows(files[0])
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byPid := map[int64]map[string]interface{}{}
	for _, row := range rows {
		byPid[row["pid"].(int64)] = row
	}
	assert.Equal(t, "A", byPid[1]["owner"])
	assert.NotContains(t, byPid[1], "acreage")
	assert.Equal(t, 1.25, byPid[2]["acreage"])
	assert.NotContains(t, byPid[2], "owner")
}

func TestInterruptedCompactionCleanupLeavesOneLogicalView(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)

	require.NoError(t, w.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
		"properties": {{"pid": 1, "owner": "A"}, {"pid": 2, "owner": "B"}},
	}))
	require.NoError(t, w.WriteBatch("newmilfordct", map[string][]map[string]interface{}{
		"properties": {{"pid": 3, "owner": "C"}},
	}))

	cat := w.Catalog()
	partials, err := cat.Files("newmilfordct", "properties")
	require.NoError(t, err)
	require.Len(t, partials, 2)

	saved := map[string][]byte{}
	for _, path := range partials {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		saved[path] = data
	}

	require.NoError(t, w.Compact("newmilfordct"))

	// Put the partials back, as if the process died after writing the
	// consolidated file but before removing them.
	for path, data := range saved {
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	files, err := cat.Files("newmilfordct", "properties")
	require.NoError(t, err)
	require.Len(t, files, 3)

	// Latest-capture-per-identifier over the union of all files must still
	// see exactly one distinct capture per pid.
	type capture struct {
		hash   string
		micros int64
	}
	distinct := map[int64]map[capture]struct{}{}
	for _, path := range files {
		rows, _, err := readFileRows(path)
		require.NoError(t, err)
		for _, row := range rows {
			pid := row["pid"].(int64)
			c := capture{hash: row["row_hash"].(string), micros: row["scraped_at"].(int64)}
			if distinct[pid] == nil {
				distinct[pid] = map[capture]struct{}{}
			}
			distinct[pid][c] = struct{}{}
		}
	}
	require.Len(t, distinct, 3)
	for pid, captures := range distinct {
		assert.Len(t, captures, 1, "pid %d must have a single distinct capture", pid)
	}
}
