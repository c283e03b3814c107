package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/buildbot/internal/config"
	"github.com/lucasnoah/buildbot/internal/ctxlog"
	"github.com/lucasnoah/buildbot/internal/failures"
	"github.com/lucasnoah/buildbot/internal/results"
	"github.com/lucasnoah/buildbot/internal/stage"
)

// buildStartStage seeds the metadata store with the build's identity.
// It runs first so every later stage can assume the keys exist.
type buildStartStage struct {
	boards []string
}

func (s *buildStartStage) Name() string { return "BuildStart" }

func (s *buildStartStage) Run(_ context.Context, build *stage.Context) error {
	build.Metadata.SetValue("build_id", build.BuildID)
	build.Metadata.SetValue("bot-config", build.BotName)
	boards := make([]interface{}, len(s.boards))
	for i, b := range s.boards {
		boards[i] = b
	}
	build.Metadata.SetValue("boards", boards)
	for _, b := range s.boards {
		// Board presence is observable even before any board data lands.
		if err := build.Metadata.MergeBoardDict(b, nil); err != nil {
			return err
		}
	}
	return nil
}

// cleanUpStage prepares the buildroot: the directory is created if
// missing, and a stale checkpoint from an earlier run is removed unless
// this run is resuming from it.
type cleanUpStage struct {
	resume bool
}

func (s *cleanUpStage) Name() string { return "CleanUp" }

func (s *cleanUpStage) Run(_ context.Context, build *stage.Context) error {
	if err := os.MkdirAll(build.Buildroot, 0o755); err != nil {
		return fmt.Errorf("create buildroot: %w", err)
	}
	if !s.resume {
		path := filepath.Join(build.Buildroot, results.CheckpointFile)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale checkpoint: %w", err)
		}
	}
	return nil
}

// commandStage runs a configured shell command in the buildroot. Failures
// are step failures: forgiven when the stage is marked forgivable, fatal
// to the build otherwise. When bound to a board the stage also merges its
// outcome into the board's metadata.
type commandStage struct {
	id          string
	command     string
	description string
	board       string
	timeout     time.Duration
	forgivable  bool
}

// newCommandStages expands one stage config into its runtime units: one
// per board for per_board stages, a single unit otherwise.
func newCommandStages(cfg *config.Stage, boards []string) []stage.Stage {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Minute
	}
	base := commandStage{
		id:          cfg.ID,
		command:     cfg.Command,
		description: cfg.Description,
		timeout:     timeout,
		forgivable:  cfg.Forgivable,
	}
	if !cfg.PerBoard {
		return []stage.Stage{&base}
	}
	stages := make([]stage.Stage, 0, len(boards))
	for _, board := range boards {
		st := base
		st.board = board
		stages = append(stages, &st)
	}
	return stages
}

func (s *commandStage) Name() string {
	if s.board == "" {
		return s.id
	}
	return fmt.Sprintf("%s [%s]", s.id, s.board)
}

func (s *commandStage) Board() string { return s.board }

func (s *commandStage) Description() string { return s.description }

func (s *commandStage) Run(ctx context.Context, build *stage.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", s.command)
	cmd.Dir = build.Buildroot
	cmd.Env = append(os.Environ(), "BUILDBOT_STAGE="+s.id)
	if s.board != "" {
		cmd.Env = append(cmd.Env, "BOARD="+s.board)
	}

	out, err := cmd.CombinedOutput()
	if s.board != "" {
		outcome := "passed"
		if err != nil {
			outcome = "failed"
		}
		if merr := build.Metadata.MergeBoardDict(s.board, map[string]interface{}{s.id: outcome}); merr != nil {
			return merr
		}
	}
	if err != nil {
		return &failures.StepFailure{
			Summary: fmt.Sprintf("%s: %v: %s", s.id, err, tail(out, 512)),
			Fatal:   !s.forgivable,
		}
	}
	return nil
}

// syncStage brings the checkout in the buildroot up to date. The sync
// command itself comes from config; a sync failure is always fatal since
// nothing downstream can run against a broken checkout.
type syncStage struct {
	command string
	timeout time.Duration
}

func newSyncStage(cfg *config.Stage) *syncStage {
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &syncStage{command: cfg.Command, timeout: timeout}
}

func (s *syncStage) Name() string { return "Sync" }

func (s *syncStage) Run(ctx context.Context, build *stage.Context) error {
	if s.command == "" {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", s.command)
	cmd.Dir = build.Buildroot
	if out, err := cmd.CombinedOutput(); err != nil {
		return &failures.StepFailure{
			Summary: fmt.Sprintf("sync: %v: %s", err, tail(out, 512)),
			Fatal:   true,
		}
	}
	return nil
}

// resolveReleaseTag derives the build's version tag from the synced
// checkout and records it in metadata. Best-effort: a missing or
// unreadable VERSION file is logged, never fatal.
func resolveReleaseTag(ctx context.Context, build *stage.Context) {
	log := ctxlog.FromContext(ctx)
	data, err := os.ReadFile(filepath.Join(build.Buildroot, "VERSION"))
	if err != nil {
		log.Debug("no release tag resolved", "error", err)
		return
	}
	tag := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if tag == "" {
		return
	}
	build.Metadata.SetValue("release-tag", tag)
	if err := build.Metadata.MergeKeyDict("version", map[string]interface{}{"full": tag}); err != nil {
		log.Warn("record version metadata", "error", err)
	}
	log.Debug("release tag resolved", "tag", tag)
}

// tail returns at most n trailing bytes of out, trimmed.
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
