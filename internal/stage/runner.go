package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/buildbot/internal/ctxlog"
	"github.com/lucasnoah/buildbot/internal/failures"
	"github.com/lucasnoah/buildbot/internal/results"
)

// Runner executes a single stage and records its outcome in the ledger
// exactly once, whether the stage returns, fails, or panics.
type Runner struct {
	build *Context
}

// NewRunner returns a Runner recording into build's ledger.
func NewRunner(build *Context) *Runner {
	return &Runner{build: build}
}

// Run executes st. On a nil return the stage is recorded Passed; a
// non-fatal StepFailure is recorded Forgiven and absorbed; a fatal
// StepFailure is recorded Failed and returned; any other error or a panic
// is recorded Failed and propagated as fatal.
//
// A stage that already has a Passed entry (e.g. loaded from a checkpoint
// on --resume) is skipped and treated as already satisfied.
func (r *Runner) Run(ctx context.Context, st Stage) (err error) {
	name := st.Name()
	log := ctxlog.FromContext(ctx).With("stage", name)

	if r.build.Results.HasPassed(name) {
		log.Info("stage previously completed, skipping")
		return nil
	}
	if ctx.Err() != nil {
		// Never started: no ledger entry. The parallel coordinator
		// attributes outcomes for stages torn down before running.
		return ctx.Err()
	}

	log.Info("stage starting")
	start := time.Now()
	recorded := false
	record := func(res results.StageResult) {
		if recorded {
			return
		}
		recorded = true
		res.Name = name
		res.Duration = time.Since(start)
		if bs, ok := st.(BoardStage); ok {
			res.Board = bs.Board()
		}
		if ds, ok := st.(DescribedStage); ok {
			res.Description = ds.Description()
		}
		r.build.Results.Record(res)
	}

	defer func() {
		if rec := recover(); rec != nil {
			perr := failures.Internal(fmt.Errorf("stage %s panicked: %v", name, rec))
			record(results.StageResult{Outcome: results.Failed, Summary: perr.Error()})
			log.Error("stage panicked", "panic", rec)
			err = perr
		}
	}()

	err = st.Run(ctx, r.build)
	switch {
	case err == nil:
		record(results.StageResult{Outcome: results.Passed, Summary: "success"})
		log.Info("stage passed", "duration", time.Since(start).Round(time.Millisecond))
		return nil
	case failures.IsStepFailure(err) && !failures.IsFatal(err):
		record(results.StageResult{Outcome: results.Forgiven, Summary: err.Error()})
		log.Warn("stage failed but forgiven", "summary", err.Error())
		return nil
	default:
		record(results.StageResult{Outcome: results.Failed, Summary: err.Error()})
		log.Error("stage failed", "summary", err.Error())
		return err
	}
}
