// Package executor runs a dispatched job's code to completion. The
// real system shells out to per-language sandboxes (Python venvs,
// Deno/Bun runtimes, compiled Go binaries, ...); building those is out
// of scope here (spec.md §1), so this package defines the Runner
// interface the dispatcher calls and ships one concrete implementation,
// a bash-based stand-in, sufficient to exercise the dispatch/timeout/
// cancellation contract end to end.
package executor

import (
	"context"

	"github.com/jobctl/orchestrator/internal/value"
)

// RunRequest is what the dispatcher hands a Runner for one job.
type RunRequest struct {
	Content  string
	Language string
	Args     value.Args
	Lock     string
	Env      []string
}

// RunResult is a completed run's outcome.
type RunResult struct {
	Result value.Value
	Stdout string
	Stderr string
}

// Runner executes one job's code and returns its result, or an error
// if the code itself failed (including a non-zero process exit); ctx
// cancellation must terminate the underlying process promptly.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}
