package metadata

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/buildbot/internal/fsutil"
)

// maxParallelReads bounds the fan-out when gathering many persisted
// metadata documents for batch reporting.
const maxParallelReads = 40

// SheetsVersionKey is the single field of a .gathered marker document.
const SheetsVersionKey = "sheets_version"

// GatheredSuffix is appended to a metadata path to form its marker path.
const GatheredSuffix = ".gathered"

// BuildData is a read-only view of one previously persisted build:
// the metadata document plus the companion .gathered marker that records
// which stats version external batch consumers last processed it at.
type BuildData struct {
	MetadataPath string
	GatheredPath string
	Metadata     map[string]interface{}
	Gathered     map[string]interface{}
}

// ReadBuildData loads the metadata document at path. When withGathered is
// set the companion marker is loaded too; a missing marker defaults the
// sheets version to -1 so version 0 counts as newer.
func ReadBuildData(path string, withGathered bool) (*BuildData, error) {
	var doc map[string]interface{}
	if err := fsutil.ReadJSON(path, &doc); err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}

	bd := &BuildData{
		MetadataPath: path,
		GatheredPath: path + GatheredSuffix,
		Metadata:     doc,
		Gathered:     map[string]interface{}{SheetsVersionKey: -1},
	}
	if withGathered {
		var gathered map[string]interface{}
		err := fsutil.ReadJSON(bd.GatheredPath, &gathered)
		switch {
		case err == nil:
			bd.Gathered = gathered
		case os.IsNotExist(err):
			// never gathered
		default:
			return nil, fmt.Errorf("read gathered marker %s: %w", bd.GatheredPath, err)
		}
	}
	return bd, nil
}

// ReadMetadataFiles loads many persisted metadata documents concurrently,
// bounded at maxParallelReads workers. Results keep the order of paths.
// When excludeRunning is set, builds whose status is still "running" are
// dropped from the result.
func ReadMetadataFiles(paths []string, withGathered, excludeRunning bool) ([]*BuildData, error) {
	builds := make([]*BuildData, len(paths))
	var g errgroup.Group
	g.SetLimit(maxParallelReads)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			bd, err := ReadBuildData(path, withGathered)
			if err != nil {
				return err
			}
			builds[i] = bd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if excludeRunning {
		kept := builds[:0]
		for _, bd := range builds {
			if bd.Status() != "running" {
				kept = append(kept, bd)
			}
		}
		builds = kept
	}
	return builds, nil
}

// MarkBuildsGathered writes .gathered markers for every build not already
// at version, concurrently. Builds already at version are skipped.
func MarkBuildsGathered(builds []*BuildData, version int) error {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(maxParallelReads)
	for _, bd := range builds {
		if bd.SheetsVersion() == version {
			continue
		}
		bd := bd
		g.Go(func() error {
			mu.Lock()
			bd.Gathered[SheetsVersionKey] = version
			mu.Unlock()
			return fsutil.WriteJSON(bd.GatheredPath, bd.Gathered)
		})
	}
	return g.Wait()
}

// SheetsVersion returns the stats version this build was last gathered
// at, or -1 if never gathered.
func (b *BuildData) SheetsVersion() int {
	switch v := b.Gathered[SheetsVersionKey].(type) {
	case int:
		return v
	case float64: // JSON numbers decode as float64
		return int(v)
	}
	return -1
}

// MarkGathered records that this build has been processed at version.
func (b *BuildData) MarkGathered(version int) {
	b.Gathered[SheetsVersionKey] = version
}

// Status returns the build's final status string, or "" when absent.
func (b *BuildData) Status() string {
	status, _ := b.Metadata["status"].(map[string]interface{})
	s, _ := status["status"].(string)
	return s
}

// Passed reports whether this build finished successfully.
func (b *BuildData) Passed() bool {
	return strings.TrimSpace(b.Status()) == "passed"
}

// Stages returns the recorded per-stage result entries.
func (b *BuildData) Stages() []map[string]interface{} {
	raw, _ := b.Metadata["results"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// FailedStages returns the names of all stages recorded as failed.
func (b *BuildData) FailedStages() []string {
	var names []string
	for _, stage := range b.Stages() {
		if status, _ := stage["status"].(string); status == "failed" {
			if name, _ := stage["name"].(string); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// FailureMessage summarizes the failed stages of this build in one line.
func (b *BuildData) FailureMessage() string {
	var msgs []string
	for _, stage := range b.Stages() {
		if status, _ := stage["status"].(string); status != "failed" {
			continue
		}
		name, _ := stage["name"].(string)
		if summary, _ := stage["summary"].(string); summary != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", name, summary))
		} else {
			msgs = append(msgs, name)
		}
	}
	sort.Strings(msgs)
	return strings.Join(msgs, " | ")
}

// CLActions returns the build's recorded CL actions attributed to this
// build's identity, ready for aggregation across many builds.
func (b *BuildData) CLActions() []CLActionWithBuild {
	botType, _ := b.Metadata["bot-config"].(string)
	buildID, _ := b.Metadata["build_id"].(string)

	raw, _ := b.Metadata[CLActionsKey].([]interface{})
	actions := make([]CLActionWithBuild, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		var act CLAction
		act.Action, _ = m["action"].(string)
		act.Reason, _ = m["reason"].(string)
		if ts, ok := m["timestamp"].(float64); ok {
			act.Timestamp = int64(ts)
		}
		if change, ok := m["change"].(map[string]interface{}); ok {
			gerrit, _ := change["gerrit_number"].(float64)
			patch, _ := change["patch_number"].(float64)
			internal, _ := change["internal"].(bool)
			act.Change = GerritPatch{
				GerritNumber: int(gerrit),
				PatchNumber:  int(patch),
				Internal:     internal,
			}
		}
		actions = append(actions, act.WithBuild(botType, buildID))
	}
	return actions
}

// Patches returns the identities of the changes tested in this build.
func (b *BuildData) Patches() []GerritPatch {
	raw, _ := b.Metadata["changes"].([]interface{})
	patches := make([]GerritPatch, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		gerrit, _ := m["gerrit_number"].(float64)
		patch, _ := m["patch_number"].(float64)
		internal, _ := m["internal"].(bool)
		patches = append(patches, GerritPatch{
			GerritNumber: int(gerrit),
			PatchNumber:  int(patch),
			Internal:     internal,
		})
	}
	return patches
}

// CountChanges returns the number of changes tested in this build.
func (b *BuildData) CountChanges() int {
	raw, _ := b.Metadata["changes"].([]interface{})
	return len(raw)
}

// StartTime parses the build's recorded start time.
func (b *BuildData) StartTime() (time.Time, error) {
	return b.timeField("start")
}

// FinishTime parses the build's recorded finish time.
func (b *BuildData) FinishTime() (time.Time, error) {
	return b.timeField("finish")
}

// Runtime returns the wall-clock duration of the build.
func (b *BuildData) Runtime() (time.Duration, error) {
	start, err := b.StartTime()
	if err != nil {
		return 0, err
	}
	finish, err := b.FinishTime()
	if err != nil {
		return 0, err
	}
	return finish.Sub(start), nil
}

func (b *BuildData) timeField(field string) (time.Time, error) {
	section, _ := b.Metadata["time"].(map[string]interface{})
	raw, _ := section[field].(string)
	if raw == "" {
		return time.Time{}, fmt.Errorf("metadata %s: missing time.%s", b.MetadataPath, field)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("metadata %s: parse time.%s: %w", b.MetadataPath, field, err)
	}
	return t, nil
}
