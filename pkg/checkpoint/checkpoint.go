// Package checkpoint persists per-scope crawl progress so interrupted runs
// can resume. A checkpoint file is either fully present and valid or treated
// as absent; a half-written or corrupt file must never abort a run.
package checkpoint

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/trawler-io/trawler/pkg/errors"
	"github.com/trawler-io/trawler/pkg/json"
	"github.com/trawler-io/trawler/pkg/logger"
)

// dirName is the checkpoint directory under the data root. The leading
// underscore keeps it out of scope discovery.
const dirName = "_checkpoints"

// Checkpoint records progress for one scope. LastEntryID is the most recent
// identifier whose results had reached storage when the checkpoint was
// saved; TotalProcessed counts every identifier handled so far, including
// skipped and failed ones.
type Checkpoint struct {
	ScopeKey       string    `json:"scope_key"`
	LastEntryID    string    `json:"last_entry_id"`
	TotalProcessed int       `json:"total_processed"`
	Completed      bool      `json:"completed"`
	CheckpointTime time.Time `json:"checkpoint_time"`
}

// Store reads and writes checkpoint files under a data root.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore returns a store rooted at dataDir. The checkpoint directory is
// created on first save, not here.
func NewStore(dataDir string) *Store {
	return &Store{
		dir: filepath.Join(dataDir, dirName),
		log: logger.Get().Named("checkpoint"),
	}
}

// Path returns the checkpoint file location for a scope.
func (s *Store) Path(scope string) string {
	return filepath.Join(s.dir, scope+".json")
}

// Save atomically replaces the scope's checkpoint. The new state is written
// to a temporary file, synced, then renamed over the final path, so a reader
// never observes a partial file.
func (s *Store) Save(scope string, cp Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "create checkpoint directory")
	}

	cp.ScopeKey = scope
	if cp.CheckpointTime.IsZero() {
		cp.CheckpointTime = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "encode checkpoint")
	}

	tmp, err := os.CreateTemp(s.dir, scope+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "create temp checkpoint")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "close checkpoint")
	}

	if err := os.Rename(tmpName, s.Path(scope)); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "replace checkpoint")
	}

	s.log.Debug("checkpoint saved",
		zap.String("scope", scope),
		zap.String("last_entry_id", cp.LastEntryID),
		zap.Int("total_processed", cp.TotalProcessed),
		zap.Bool("completed", cp.Completed))
	return nil
}

// Load returns the scope's checkpoint, or ok=false when no usable
// checkpoint exists. Missing and corrupt files are both "absent": corruption
// costs a full re-scan, never the run.
func (s *Store) Load(scope string) (Checkpoint, bool) {
	data, err := os.ReadFile(s.Path(scope))
	if err != nil {
		return Checkpoint{}, false
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.log.Warn("discarding corrupt checkpoint",
			zap.String("scope", scope),
			zap.Error(err))
		return Checkpoint{}, false
	}

	return cp, true
}

// Clear removes the scope's checkpoint, forcing the next run to start from
// scratch. Missing files are not an error.
func (s *Store) Clear(scope string) error {
	err := os.Remove(s.Path(scope))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errors.ErrorTypeCheckpoint, "remove checkpoint")
	}
	return nil
}
