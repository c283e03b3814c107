// Package results keeps the append-only ledger of stage outcomes for one
// build run. The ledger is shared by every stage in the run, including
// parallel workers, so all access is serialized internally.
package results

import (
	"sync"
	"time"
)

// Outcome classifies a recorded stage result.
type Outcome string

const (
	// Passed means the stage completed its work.
	Passed Outcome = "passed"
	// Failed means the stage failed and the build is degraded.
	Failed Outcome = "failed"
	// Forgiven means the stage failed in an expected, recoverable way:
	// visible in reports but not counted against overall success.
	Forgiven Outcome = "forgiven"
)

// StageResult is one immutable ledger entry. Entries are identified by
// Name but names are not unique: retries append further entries.
type StageResult struct {
	Name        string        `json:"name"`
	Outcome     Outcome       `json:"status"`
	Summary     string        `json:"summary"`
	Duration    time.Duration `json:"duration"`
	Board       string        `json:"board,omitempty"`
	Description string        `json:"description,omitempty"`
}

// Store is the ledger. The zero value is not usable; call NewStore.
type Store struct {
	mu      sync.Mutex
	entries []StageResult
	start   time.Time
}

// NewStore returns an empty ledger whose build start time is now.
func NewStore() *Store {
	return &Store{start: time.Now()}
}

// StartTime returns the build's wall-clock start time. When a checkpoint
// is loaded the start time of the original run is preserved.
func (s *Store) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Record appends a result to the ledger. It never fails and is safe to
// call from concurrent stage workers.
func (s *Store) Record(res StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, res)
}

// HasPassed reports whether at least one recorded entry for name passed.
// A passed entry makes re-running that stage an already-satisfied no-op.
func (s *Store) HasPassed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == name && e.Outcome == Passed {
			return true
		}
	}
	return false
}

// HasResult reports whether any entry exists for name, whatever the
// outcome. The parallel coordinator uses this to find orphaned stages.
func (s *Store) HasResult(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

// AllSucceededSoFar reports whether no recorded entry failed. Forgiven
// entries do not count as failures.
func (s *Store) AllSucceededSoFar() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Outcome == Failed {
			return false
		}
	}
	return true
}

// Snapshot returns a point-in-time copy of the ledger in append order.
func (s *Store) Snapshot() []StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageResult, len(s.entries))
	copy(out, s.entries)
	return out
}
