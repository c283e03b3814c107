package results

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasnoah/buildbot/internal/fsutil"
)

// CheckpointFile is the resumable-state blob written at the buildroot.
// Its presence on a --resume run seeds the ledger so previously passed
// stages are skipped.
const CheckpointFile = ".buildbot_checkpoint.json"

type checkpoint struct {
	StartTime time.Time     `json:"start_time"`
	Results   []StageResult `json:"results"`
}

// WriteCheckpoint persists the current ledger under buildroot.
func (s *Store) WriteCheckpoint(buildroot string) error {
	s.mu.Lock()
	cp := checkpoint{StartTime: s.start, Results: append([]StageResult(nil), s.entries...)}
	s.mu.Unlock()

	path := filepath.Join(buildroot, CheckpointFile)
	if err := fsutil.WriteJSON(path, &cp); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint merges a previously written checkpoint into the ledger
// and restores the original run's start time. A missing checkpoint is not
// an error: resuming a run that never checkpointed starts fresh.
func (s *Store) LoadCheckpoint(buildroot string) error {
	path := filepath.Join(buildroot, CheckpointFile)
	var cp checkpoint
	if err := fsutil.ReadJSON(path, &cp); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !cp.StartTime.IsZero() {
		s.start = cp.StartTime
	}
	s.entries = append(cp.Results, s.entries...)
	return nil
}
