package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/buildbot/internal/config"
	"github.com/lucasnoah/buildbot/internal/fsutil"
	"github.com/lucasnoah/buildbot/internal/results"
	"github.com/lucasnoah/buildbot/internal/stage"
)

func testConfig(boards []string, stages ...config.Stage) *config.Config {
	return &config.Config{Bot: config.Bot{
		Name:   "test-bot",
		Boards: boards,
		Stages: stages,
	}}
}

func newTestBuilder(t *testing.T, cfg *config.Config) (*Builder, *stage.Context, string) {
	t.Helper()
	buildroot := t.TempDir()
	build := stage.NewContext(buildroot, cfg.Bot.Name, "bld-test")
	b := New(cfg, Options{Buildroot: buildroot}, build, nil)
	return b, build, buildroot
}

func readReport(t *testing.T, buildroot string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, fsutil.ReadJSON(filepath.Join(buildroot, "metadata.json"), &doc))
	return doc
}

func reportStatus(doc map[string]interface{}) string {
	status, _ := doc["status"].(map[string]interface{})
	s, _ := status["status"].(string)
	return s
}

func TestRunSuccessWritesReportAndCheckpoint(t *testing.T) {
	cfg := testConfig([]string{"daisy", "link"},
		config.Stage{ID: "Sync", Type: "sync", Command: "true"},
		config.Stage{ID: "BuildPackages", Command: "true", PerBoard: true},
		config.Stage{ID: "Archive", Command: "true"},
	)
	b, build, buildroot := newTestBuilder(t, cfg)

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success)

	// Ledger: CleanUp, BuildStart, Sync, two per-board units, Archive.
	assert.Len(t, build.Results.Snapshot(), 6)
	assert.True(t, build.Results.HasPassed("BuildPackages [daisy]"))

	doc := readReport(t, buildroot)
	assert.Equal(t, "passed", reportStatus(doc))
	assert.Equal(t, "bld-test", doc["build_id"])
	assert.Equal(t, "test-bot", doc["bot-config"])

	// Per-board outcomes landed in board metadata.
	boards := doc["board-metadata"].(map[string]interface{})
	daisy := boards["daisy"].(map[string]interface{})
	assert.Equal(t, "passed", daisy["BuildPackages"])

	assert.FileExists(t, filepath.Join(buildroot, results.CheckpointFile))
}

func TestRunFatalStageFailureIsAbsorbedIntoVerdict(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "BuildPackages", Command: "false"},
		config.Stage{ID: "Archive", Command: "true"},
	)
	b, build, buildroot := newTestBuilder(t, cfg)

	success, err := b.Run(context.Background())
	assert.NoError(t, err, "a recorded step failure must not escape as an error")
	assert.False(t, success)

	// The fatal failure stops the sequence before Archive.
	assert.False(t, build.Results.HasResult("Archive"))

	doc := readReport(t, buildroot)
	assert.Equal(t, "failed", reportStatus(doc))
	status := doc["status"].(map[string]interface{})
	assert.Contains(t, status["summary"], "BuildPackages")
}

func TestRunSyncFailureStillReports(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "Sync", Type: "sync", Command: "false"},
		config.Stage{ID: "Archive", Command: "true"},
	)
	b, build, buildroot := newTestBuilder(t, cfg)

	success, err := b.Run(context.Background())
	assert.NoError(t, err, "a recorded sync failure must not escape as an error")
	assert.False(t, success)
	assert.False(t, build.Results.AllSucceededSoFar())
	assert.False(t, build.Results.HasResult("Archive"), "nothing runs against a broken checkout")

	// Reporting is guaranteed even when the sequence stopped at sync.
	assert.Equal(t, "failed", reportStatus(readReport(t, buildroot)))
	assert.FileExists(t, filepath.Join(buildroot, results.CheckpointFile))
}

func TestRunForgivableFailureStillSucceeds(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "UnitTest", Command: "false", Forgivable: true},
		config.Stage{ID: "Archive", Command: "true"},
	)
	b, build, buildroot := newTestBuilder(t, cfg)

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success, "forgiven failures do not fail the build")

	assert.Equal(t, results.Forgiven, stageOutcome(t, build, "UnitTest"))
	assert.True(t, build.Results.HasPassed("Archive"), "the sequence continues past a forgiven failure")
	assert.Equal(t, "passed", reportStatus(readReport(t, buildroot)))
}

func stageOutcome(t *testing.T, build *stage.Context, name string) results.Outcome {
	t.Helper()
	for _, res := range build.Results.Snapshot() {
		if res.Name == name {
			return res.Outcome
		}
	}
	t.Fatalf("no ledger entry for %q", name)
	return ""
}

func TestRunMissingMetadataDumpForcesFailure(t *testing.T) {
	cfg := testConfig(nil, config.Stage{ID: "Archive", Command: "true"})
	buildroot := t.TempDir()
	build := stage.NewContext(buildroot, cfg.Bot.Name, "bld-test")
	b := New(cfg, Options{
		Buildroot:    buildroot,
		MetadataDump: filepath.Join(buildroot, "does-not-exist.json"),
	}, build, nil)

	success, err := b.Run(context.Background())
	assert.Error(t, err, "an internal error must propagate after reporting")
	assert.False(t, success, "an error escaping a clean ledger forces failure")
	assert.Equal(t, "failed", reportStatus(readReport(t, buildroot)))
}

func TestRunResumeSkipsCheckpointedStages(t *testing.T) {
	cfg := testConfig(nil,
		// Would fail if executed; the checkpoint says it already passed.
		config.Stage{ID: "BuildPackages", Command: "false"},
		config.Stage{ID: "Archive", Command: "true"},
	)
	buildroot := t.TempDir()

	prior := results.NewStore()
	prior.Record(results.StageResult{Name: "BuildPackages", Outcome: results.Passed})
	require.NoError(t, prior.WriteCheckpoint(buildroot))

	build := stage.NewContext(buildroot, cfg.Bot.Name, "bld-test")
	b := New(cfg, Options{Buildroot: buildroot, Resume: true}, build, nil)

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.True(t, build.Results.HasPassed("Archive"))
}

func TestRunFreshRunRemovesStaleCheckpoint(t *testing.T) {
	cfg := testConfig(nil, config.Stage{ID: "Archive", Command: "true"})
	buildroot := t.TempDir()

	stale := results.NewStore()
	stale.Record(results.StageResult{Name: "Archive", Outcome: results.Failed, Summary: "old run"})
	require.NoError(t, stale.WriteCheckpoint(buildroot))

	build := stage.NewContext(buildroot, cfg.Bot.Name, "bld-test")
	b := New(cfg, Options{Buildroot: buildroot}, build, nil)

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success, "stale checkpoint state must not leak into a fresh run")
}

func TestRunReExecDelegatesToChild(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "Sync", Type: "sync", Command: "true"},
		config.Stage{ID: "BuildPackages", Command: "echo should-not-run-in-parent"},
	)
	cfg.Bot.ReExec.Enabled = true
	b, build, buildroot := newTestBuilder(t, cfg)
	b.opts.ConfigPath = "/etc/buildbot.yaml"

	var gotArgs []string
	b.execChild = func(ctx context.Context, args []string) (int, error) {
		gotArgs = append([]string(nil), args...)
		return 0, nil
	}

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success)

	require.NotEmpty(t, gotArgs)
	assert.Equal(t, "run", gotArgs[0])
	assert.Contains(t, gotArgs, "--resume")
	assert.Contains(t, gotArgs, "--timeout")
	assert.Contains(t, gotArgs, "--metadata-dump")
	assert.Contains(t, gotArgs, "--config")

	abs, err := filepath.Abs(buildroot)
	require.NoError(t, err)
	assert.Contains(t, gotArgs, abs)

	// The parent hands reporting off to the child.
	assert.NoFileExists(t, filepath.Join(buildroot, "metadata.json"))
	// But the checkpoint handed to the child exists and carries the
	// stages the parent already ran.
	assert.FileExists(t, filepath.Join(buildroot, results.CheckpointFile))
	assert.True(t, build.Results.HasPassed("Sync"))
	assert.False(t, build.Results.HasResult("BuildPackages"), "stage sequence belongs to the child")
}

func TestRunReExecChildFailureIsRelayed(t *testing.T) {
	cfg := testConfig(nil, config.Stage{ID: "Sync", Type: "sync", Command: "true"})
	cfg.Bot.ReExec.Enabled = true
	b, _, _ := newTestBuilder(t, cfg)
	b.execChild = func(context.Context, []string) (int, error) { return 1, nil }

	success, err := b.Run(context.Background())
	assert.NoError(t, err)
	assert.False(t, success)
}

func TestRunNoReExecOptionKeepsStagesLocal(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "Archive", Command: "true"},
	)
	cfg.Bot.ReExec.Enabled = true
	b, build, _ := newTestBuilder(t, cfg)
	b.opts.NoReExec = true

	childCalled := false
	b.execChild = func(context.Context, []string) (int, error) { childCalled = true; return 0, nil }

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success)
	assert.False(t, childCalled)
	assert.True(t, build.Results.HasPassed("Archive"))
}

func TestRunResolvesReleaseTagAfterSync(t *testing.T) {
	cfg := testConfig(nil,
		config.Stage{ID: "Sync", Type: "sync", Command: "echo 8530.0.0 > VERSION"},
	)
	b, build, _ := newTestBuilder(t, cfg)

	success, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, success)

	tag, ok := build.Metadata.GetValue("release-tag")
	require.True(t, ok)
	assert.Equal(t, "8530.0.0", tag)

	version, ok := build.Metadata.GetValue("version")
	require.True(t, ok)
	assert.Equal(t, "8530.0.0", version.(map[string]interface{})["full"])
}

func TestStageBatches(t *testing.T) {
	cfg := testConfig([]string{"daisy", "link"},
		config.Stage{ID: "Sync", Type: "sync", Command: "true"},
		config.Stage{ID: "HWTest", Command: "true", Group: "tests"},
		config.Stage{ID: "VMTest", Command: "true", Group: "tests"},
		config.Stage{ID: "Archive", Command: "true"},
		config.Stage{ID: "BuildPackages", Command: "true", PerBoard: true},
	)
	b, _, _ := newTestBuilder(t, cfg)

	batches := b.stageBatches()
	require.Len(t, batches, 3)

	names := func(batch []stage.Stage) []string {
		out := make([]string, len(batch))
		for i, st := range batch {
			out[i] = st.Name()
		}
		return out
	}
	assert.Equal(t, []string{"HWTest", "VMTest"}, names(batches[0]), "consecutive group members share a batch")
	assert.Equal(t, []string{"Archive"}, names(batches[1]))
	assert.Equal(t, []string{"BuildPackages [daisy]", "BuildPackages [link]"}, names(batches[2]),
		"per-board units run concurrently")
}

func TestCommandStageEnvironment(t *testing.T) {
	buildroot := t.TempDir()
	build := stage.NewContext(buildroot, "test-bot", "bld-test")

	units := newCommandStages(&config.Stage{
		ID:       "EnvCheck",
		Command:  `echo "$BUILDBOT_STAGE:$BOARD" > env.out`,
		PerBoard: true,
	}, []string{"daisy"})
	require.Len(t, units, 1)

	require.NoError(t, units[0].Run(context.Background(), build))

	data, err := os.ReadFile(filepath.Join(buildroot, "env.out"))
	require.NoError(t, err)
	assert.Equal(t, "EnvCheck:daisy\n", string(data))
}

func TestFailureSummaryNamesFailedStages(t *testing.T) {
	cfg := testConfig(nil)
	b, build, _ := newTestBuilder(t, cfg)

	build.Results.Record(results.StageResult{Name: "A", Outcome: results.Passed})
	build.Results.Record(results.StageResult{Name: "B", Outcome: results.Failed, Summary: "boom"})
	build.Results.Record(results.StageResult{Name: "C", Outcome: results.Forgiven})
	build.Results.Record(results.StageResult{Name: "D", Outcome: results.Failed})

	assert.Equal(t, "B, D", b.failureSummary())
}
