package stage

import (
	"context"
	"fmt"
	"sync"

	"github.com/lucasnoah/buildbot/internal/ctxlog"
	"github.com/lucasnoah/buildbot/internal/failures"
	"github.com/lucasnoah/buildbot/internal/results"
)

// Coordinator fans independent stages out to concurrent workers sharing
// one ledger and one metadata store, waits for all of them, and makes
// sure no failure vanishes: a worker that terminated without recording
// its own outcome gets a Failed entry attributing the coordinator's
// observed error to it.
type Coordinator struct {
	build *Context
}

// NewCoordinator returns a Coordinator recording into build's ledger.
func NewCoordinator(build *Context) *Coordinator {
	return &Coordinator{build: build}
}

// RunParallel runs all stages concurrently and blocks until every worker
// has finished. Non-fatal step failures are absorbed per stage as in
// Runner.Run. If any worker failed, every stage left without a ledger
// entry is recorded Failed with the captured error (each orphan gets its
// own entry), then the error is re-raised, as a CompoundFailure when
// more than one worker failed.
func (c *Coordinator) RunParallel(ctx context.Context, stages ...Stage) error {
	log := ctxlog.FromContext(ctx)
	runner := NewRunner(c.build)

	errs := make([]error, len(stages))
	var wg sync.WaitGroup
	wg.Add(len(stages))
	for i, st := range stages {
		i, st := i, st
		go func() {
			defer wg.Done()
			errs[i] = runner.Run(ctx, st)
		}()
	}
	wg.Wait()

	// A worker that died before self-reporting (torn down, cancelled
	// before it started, exited mid-flight) has no entry for its stage.
	var orphans []Stage
	for _, st := range stages {
		if !c.build.Results.HasResult(st.Name()) {
			orphans = append(orphans, st)
		}
	}

	err := failures.Compound(errs...)
	if err == nil {
		if len(orphans) == 0 {
			return nil
		}
		// No worker reported an error, yet outcomes are missing: a
		// worker was torn down without unwinding through the runner.
		err = failures.Internal(fmt.Errorf("%d worker(s) terminated without recording a result", len(orphans)))
	}

	// Attribute the observed error to each orphaned stage so the report
	// never loses a failure silently.
	for _, st := range orphans {
		log.Warn("attributing failure to orphaned stage", "stage", st.Name(), "error", err)
		c.build.Results.Record(results.StageResult{
			Name:    st.Name(),
			Outcome: results.Failed,
			Summary: fmt.Sprintf("worker terminated without reporting: %v", err),
		})
	}
	return err
}
