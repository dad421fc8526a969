package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	saved := Checkpoint{
		LastEntryID:    "1041",
		TotalProcessed: 100,
		CheckpointTime: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save("newmilfordct", saved))

	loaded, ok := store.Load("newmilfordct")
	require.True(t, ok)
	assert.Equal(t, "newmilfordct", loaded.ScopeKey)
	assert.Equal(t, "1041", loaded.LastEntryID)
	assert.Equal(t, 100, loaded.TotalProcessed)
	assert.False(t, loaded.Completed)
	assert.Equal(t, saved.CheckpointTime, loaded.CheckpointTime)
}

func TestLoadMissingIsAbsent(t *testing.T) {
	store := NewStore(t.TempDir())

	_, ok := store.Load("neversaved")
	assert.False(t, ok)
}

func TestLoadTruncatedIsAbsent(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	require.NoError(t, store.Save("city", Checkpoint{LastEntryID: "50", TotalProcessed: 50}))

	// Simulate a crash that left a half-written file in place.
	path := store.Path("city")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))

	_, ok := store.Load("city")
	assert.False(t, ok)
}

func TestSaveReplacesPrevious(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save("city", Checkpoint{LastEntryID: "10", TotalProcessed: 10}))
	require.NoError(t, store.Save("city", Checkpoint{LastEntryID: "20", TotalProcessed: 20, Completed: true}))

	cp, ok := store.Load("city")
	require.True(t, ok)
	assert.Equal(t, "20", cp.LastEntryID)
	assert.Equal(t, 20, cp.TotalProcessed)
	assert.True(t, cp.Completed)
}

func TestScopesIsolated(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save("hartford", Checkpoint{LastEntryID: "7"}))
	require.NoError(t, store.Save("ct_data", Checkpoint{LastEntryID: "n7gp-d28j"}))

	a, ok := store.Load("hartford")
	require.True(t, ok)
	b, ok := store.Load("ct_data")
	require.True(t, ok)

	assert.Equal(t, "7", a.LastEntryID)
	assert.Equal(t, "n7gp-d28j", b.LastEntryID)
}

func TestClear(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save("city", Checkpoint{LastEntryID: "5"}))
	require.NoError(t, store.Clear("city"))

	_, ok := store.Load("city")
	assert.False(t, ok)

	// Clearing again is fine.
	assert.NoError(t, store.Clear("city"))
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, store.Save("city", Checkpoint{LastEntryID: "5"}))

	entries, err := os.ReadDir(filepath.Join(dir, "_checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "city.json", entries[0].Name())
}
