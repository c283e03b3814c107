// Package buildstore manages persisted build runs on disk: one directory
// per build holding its state record, its final metadata.json report, and
// the .gathered marker for downstream batch consumers.
package buildstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lucasnoah/buildbot/internal/fsutil"
)

// Store manages build run state on disk.
type Store struct {
	baseDir string // defaults to ~/.buildbot/builds
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.buildbot/builds, creating the
// directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".buildbot", "builds")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) buildDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.buildDir(id), "build.json")
}

// MetadataPath returns where the final metadata.json report for a build
// lives.
func (s *Store) MetadataPath(id string) string {
	return filepath.Join(s.buildDir(id), "metadata.json")
}

// GatheredPath returns the companion .gathered marker path for a build.
func (s *Store) GatheredPath(id string) string {
	return s.MetadataPath(id) + ".gathered"
}

// Create initializes a new build run on disk and assigns it a ULID.
func (s *Store) Create(bot string, boards []string, buildroot string) (*BuildState, error) {
	id := ulid.Make().String()
	dir := s.buildDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir build dir: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	bs := &BuildState{
		ID:        id,
		Bot:       bot,
		Boards:    boards,
		Buildroot: buildroot,
		Status:    "running",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := fsutil.WriteJSON(s.statePath(id), bs); err != nil {
		return nil, fmt.Errorf("write build.json: %w", err)
	}
	return bs, nil
}

// Get reads the state record for a build.
func (s *Store) Get(id string) (*BuildState, error) {
	var bs BuildState
	if err := fsutil.ReadJSON(s.statePath(id), &bs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("build %s not found", id)
		}
		return nil, err
	}
	return &bs, nil
}

// Update performs a read-modify-write of a build's state record.
func (s *Store) Update(id string, fn func(*BuildState)) error {
	bs, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(bs)
	bs.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return fsutil.WriteJSON(s.statePath(id), bs)
}

// List returns all builds, newest first, optionally filtered by status.
// Pass "" to return all builds.
func (s *Store) List(statusFilter string) ([]BuildState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var builds []BuildState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bs, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || bs.Status == statusFilter {
			builds = append(builds, *bs)
		}
	}

	// ULIDs sort lexicographically by creation time.
	sort.Slice(builds, func(i, j int) bool {
		return builds[i].ID > builds[j].ID
	})
	return builds, nil
}

// Delete removes all data for a build.
func (s *Store) Delete(id string) error {
	dir := s.buildDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("build %s not found", id)
	}
	return os.RemoveAll(dir)
}

// SaveMetadata writes a build's final metadata document.
func (s *Store) SaveMetadata(id string, doc map[string]interface{}) error {
	return fsutil.WriteJSON(s.MetadataPath(id), doc)
}

// LoadMetadata reads a build's final metadata document.
func (s *Store) LoadMetadata(id string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := fsutil.ReadJSON(s.MetadataPath(id), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// WriteLatest records id as the latest successful build for bot, the way
// release builders publish a LATEST pointer next to their artifacts.
func (s *Store) WriteLatest(bot, id string) error {
	return fsutil.WriteAtomic(s.latestPath(bot), []byte(id+"\n"))
}

// Latest returns the id of the latest successful build for bot, or ""
// when none has been recorded.
func (s *Store) Latest(bot string) (string, error) {
	data, err := os.ReadFile(s.latestPath(bot))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(trimNewline(data)), nil
}

func (s *Store) latestPath(bot string) string {
	return filepath.Join(s.baseDir, "LATEST-"+bot)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
