// Package builder drives a whole build run: initialization, sync, the
// optional re-execution in the freshly synced checkout, the configured
// stage sequence, and a guaranteed reporting step that writes a
// checkpoint and the final metadata.json even when a stage blew up.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/buildbot/internal/config"
	"github.com/lucasnoah/buildbot/internal/ctxlog"
	"github.com/lucasnoah/buildbot/internal/db"
	"github.com/lucasnoah/buildbot/internal/failures"
	"github.com/lucasnoah/buildbot/internal/fsutil"
	"github.com/lucasnoah/buildbot/internal/report"
	"github.com/lucasnoah/buildbot/internal/results"
	"github.com/lucasnoah/buildbot/internal/stage"
)

// reexecWaitDelay bounds how long a re-executed child may keep running
// after its context is cancelled before it is killed.
const reexecWaitDelay = 30 * time.Second

// Options configure one build run.
type Options struct {
	Buildroot string
	// Resume seeds the ledger from the checkpoint in the buildroot so
	// previously passed stages are skipped.
	Resume bool
	// Timeout bounds the whole run; zero means unbounded.
	Timeout time.Duration
	// MetadataDump is a path to a serialized metadata snapshot to merge
	// at startup (handed down by a re-executing parent).
	MetadataDump string
	// NoReExec disables the re-execution policy for this run.
	NoReExec bool
	// ConfigPath, when set, is forwarded to a re-executed child.
	ConfigPath string
	// ReportPath overrides where metadata.json is written. Defaults to
	// <buildroot>/metadata.json.
	ReportPath string
}

// Builder is the top-level control loop for one build run.
type Builder struct {
	cfg   *config.Config
	opts  Options
	build *stage.Context

	runner *stage.Runner
	coord  *stage.Coordinator
	events *db.DB // optional durable event mirror; may be nil

	// execChild runs the re-executed child build and returns its exit
	// code. Overridable in tests.
	execChild func(ctx context.Context, args []string) (int, error)
}

// New returns a Builder for one run. events may be nil.
func New(cfg *config.Config, opts Options, build *stage.Context, events *db.DB) *Builder {
	b := &Builder{
		cfg:    cfg,
		opts:   opts,
		build:  build,
		runner: stage.NewRunner(build),
		coord:  stage.NewCoordinator(build),
		events: events,
	}
	b.execChild = b.runChildProcess
	return b
}

// Run executes the build and returns overall success. Success is derived
// from the result ledger, never from the error flow alone: a run whose
// ledger shows a failed stage is a failed run even if no error escaped,
// and an error escaping a clean ledger is an internal inconsistency that
// forces failure. Reporting (checkpoint + metadata.json) happens even
// when the stage sequence returned an error; only then is a fatal error
// re-raised.
func (b *Builder) Run(ctx context.Context) (bool, error) {
	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}
	log := ctxlog.FromContext(ctx).With("build", b.build.BuildID, "bot", b.build.BotName)
	ctx = ctxlog.WithLogger(ctx, log)

	printReport := true
	success := true

	runErr := func() error {
		if err := b.initialize(ctx); err != nil {
			return err
		}

		if err := b.runSync(ctx); err != nil {
			return err
		}

		if b.shouldReExec() {
			// The child runs the stage sequence and reports; nothing
			// left to do here but relay its verdict.
			printReport = false
			ok, err := b.reExecInBuildroot(ctx)
			if err != nil {
				return err
			}
			success = ok
			return nil
		}

		return b.runStages(ctx)
	}()

	exceptionThrown := runErr != nil
	var retErr error
	if runErr != nil {
		var cf *failures.CompoundFailure
		if errors.As(runErr, &cf) {
			// Show the whole aggregate before any fatal propagation.
			log.Error("parallel stages failed", "detail", cf.Detail())
		}
		if !printReport || !failures.IsStepFailure(runErr) || b.build.Results.AllSucceededSoFar() {
			// Step failures are absorbed: they are recorded in the
			// ledger and reflected in the report. Everything else,
			// including a step failure the ledger has no trace of,
			// propagates after reporting.
			retErr = runErr
		}
	}

	if printReport {
		if err := b.build.Results.WriteCheckpoint(b.opts.Buildroot); err != nil {
			log.Warn("write checkpoint", "error", err)
		}
		success = b.build.Results.AllSucceededSoFar()
		if exceptionThrown && success {
			success = false
			log.Warn("error escaped the stage sequence but every stage is marked successful; " +
				"the failing stage should have recorded its own failure, forcing overall failure")
		}
		b.writeReport(ctx, success)
	}

	b.logEvent("build_finished", "", fmt.Sprintf("success=%t", success))
	return success, retErr
}

// initialize loads resume state and runs the startup stages.
func (b *Builder) initialize(ctx context.Context) error {
	b.logEvent("build_started", "", "")

	if b.opts.Resume {
		if err := b.build.Results.LoadCheckpoint(b.opts.Buildroot); err != nil {
			return err
		}
	}
	if b.opts.MetadataDump != "" {
		var doc map[string]interface{}
		if err := fsutil.ReadJSON(b.opts.MetadataDump, &doc); err != nil {
			return fmt.Errorf("load metadata dump: %w", err)
		}
		if err := b.build.Metadata.MergeDocument(doc); err != nil {
			return fmt.Errorf("merge metadata dump: %w", err)
		}
	}

	if err := b.runner.Run(ctx, &cleanUpStage{resume: b.opts.Resume}); err != nil {
		return err
	}
	return b.runner.Run(ctx, &buildStartStage{boards: b.cfg.Bot.Boards})
}

// runSync runs the configured sync stage. Whatever the outcome, the
// release tag is derived afterwards: a failed sync may still have left a
// usable version marker, and later stages only consume it best-effort.
func (b *Builder) runSync(ctx context.Context) error {
	var err error
	if syncCfg := b.syncConfig(); syncCfg != nil {
		b.logEvent("sync", syncCfg.ID, "")
		err = b.runner.Run(ctx, newSyncStage(syncCfg))
	}
	resolveReleaseTag(ctx, b.build)
	return err
}

func (b *Builder) syncConfig() *config.Stage {
	for i := range b.cfg.Bot.Stages {
		if b.cfg.Bot.Stages[i].Type == "sync" {
			return &b.cfg.Bot.Stages[i]
		}
	}
	return nil
}

func (b *Builder) shouldReExec() bool {
	return b.cfg.Bot.ReExec.Enabled && !b.opts.Resume && !b.opts.NoReExec
}

// reExecInBuildroot checkpoints, snapshots the metadata store to a temp
// file, and re-runs this bot as a child process against the freshly
// synced checkout. The child resumes from the checkpoint, inherits the
// metadata snapshot, and does its own reporting; its exit code is this
// run's verdict.
func (b *Builder) reExecInBuildroot(ctx context.Context) (bool, error) {
	if err := b.build.Results.WriteCheckpoint(b.opts.Buildroot); err != nil {
		return false, err
	}

	snapshot, err := b.build.Metadata.ToJSON()
	if err != nil {
		return false, fmt.Errorf("snapshot metadata: %w", err)
	}
	tmp, err := os.CreateTemp("", "buildbot-metadata-*.json")
	if err != nil {
		return false, fmt.Errorf("create metadata dump: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write metadata dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	buildroot, err := filepath.Abs(b.opts.Buildroot)
	if err != nil {
		return false, err
	}
	// The child's own timeout is suppressed; ours bounds it instead.
	args := []string{
		"run",
		"--resume",
		"--timeout", "0",
		"--buildroot", buildroot,
		"--metadata-dump", tmp.Name(),
	}
	if b.opts.ConfigPath != "" {
		args = append(args, "--config", b.opts.ConfigPath)
	}
	if b.opts.ReportPath != "" {
		args = append(args, "--report-path", b.opts.ReportPath)
	}

	b.logEvent("reexec", "", strings.Join(args, " "))
	code, err := b.execChild(ctx, args)
	if err != nil {
		return false, fmt.Errorf("re-exec child: %w", err)
	}
	return code == 0, nil
}

// runChildProcess invokes this executable with args and returns its exit
// code. The child gets a grace period after cancellation before a hard
// kill.
func (b *Builder) runChildProcess(ctx context.Context, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return -1, err
	}
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = b.opts.Buildroot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = reexecWaitDelay
	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// runStages executes the configured stage sequence in declared order.
// Consecutive stages sharing a group, and the per-board units of one
// stage, run in parallel under the coordinator. A fatal failure stops the
// sequence; forgiven failures have already been absorbed by the runner.
func (b *Builder) runStages(ctx context.Context) error {
	for _, batch := range b.stageBatches() {
		var err error
		if len(batch) == 1 {
			err = b.runner.Run(ctx, batch[0])
		} else {
			err = b.coord.RunParallel(ctx, batch...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stageBatches groups the configured stages into sequential batches of
// concurrently runnable units.
func (b *Builder) stageBatches() [][]stage.Stage {
	var batches [][]stage.Stage
	var current []stage.Stage
	currentGroup := ""

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
		}
	}

	for i := range b.cfg.Bot.Stages {
		cfg := &b.cfg.Bot.Stages[i]
		if cfg.Type == "sync" {
			continue // ran before the stage sequence
		}
		units := newCommandStages(cfg, b.cfg.Bot.Boards)
		if cfg.Group != "" && cfg.Group == currentGroup {
			current = append(current, units...)
			continue
		}
		flush()
		current = units
		currentGroup = cfg.Group
		if cfg.Group == "" && !cfg.PerBoard {
			flush()
		}
	}
	flush()
	return batches
}

// writeReport assembles and persists the final metadata.json and mirrors
// the ledger into the event database.
func (b *Builder) writeReport(ctx context.Context, success bool) {
	log := ctxlog.FromContext(ctx)

	finalStatus := "passed"
	if !success {
		finalStatus = "failed"
	}
	summary := b.failureSummary()

	doc := report.Document(b.build, b.cfg.Bot.DashboardURL, finalStatus, summary)
	path := b.opts.ReportPath
	if path == "" {
		path = filepath.Join(b.opts.Buildroot, "metadata.json")
	}
	if err := report.Write(path, doc); err != nil {
		log.Error("write report", "error", err)
	} else {
		log.Info("report written", "path", path, "status", finalStatus)
	}

	if b.events != nil {
		for _, res := range b.build.Results.Snapshot() {
			if err := b.events.LogStageResult(b.build.BuildID, res); err != nil {
				log.Warn("mirror stage result", "stage", res.Name, "error", err)
			}
		}
	}
}

// failureSummary names the failed stages, for the report's status block.
func (b *Builder) failureSummary() string {
	var failed []string
	for _, res := range b.build.Results.Snapshot() {
		if res.Outcome == results.Failed {
			failed = append(failed, res.Name)
		}
	}
	return strings.Join(failed, ", ")
}

// logEvent mirrors a lifecycle event into the event database, if any.
func (b *Builder) logEvent(event, stageName, detail string) {
	if b.events == nil {
		return
	}
	_ = b.events.LogBuildEvent(b.build.BuildID, event, stageName, detail)
}
