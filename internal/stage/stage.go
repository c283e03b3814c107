// Package stage executes units of build work and guarantees every unit
// leaves exactly one outcome in the result ledger, however it terminates.
package stage

import (
	"context"

	"github.com/lucasnoah/buildbot/internal/metadata"
	"github.com/lucasnoah/buildbot/internal/results"
)

// Stage is a named unit of build work with a single recorded outcome.
type Stage interface {
	Name() string
	Run(ctx context.Context, build *Context) error
}

// BoardStage is implemented by stages bound to one board; the board name
// is carried into the recorded result.
type BoardStage interface {
	Stage
	Board() string
}

// DescribedStage is implemented by stages that carry a human-readable
// description for reports.
type DescribedStage interface {
	Stage
	Description() string
}

// Context is the per-run state threaded through every stage invocation:
// the result ledger, the shared metadata store, and where the checkout
// lives. There is no process-wide "current build".
type Context struct {
	Results   *results.Store
	Metadata  *metadata.Store
	Buildroot string
	BotName   string
	BuildID   string
}

// NewContext returns a Context with fresh stores.
func NewContext(buildroot, botName, buildID string) *Context {
	return &Context{
		Results:   results.NewStore(),
		Metadata:  metadata.New(),
		Buildroot: buildroot,
		BotName:   botName,
		BuildID:   buildID,
	}
}

// Func adapts a plain function to the Stage interface.
type Func struct {
	StageName string
	Fn        func(ctx context.Context, build *Context) error
}

func (f Func) Name() string { return f.StageName }

func (f Func) Run(ctx context.Context, build *Context) error {
	return f.Fn(ctx, build)
}
