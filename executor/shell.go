package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/value"
)

// ShellRunner runs a job's content as a bash script, the stand-in for
// the real per-language sandboxes (spec.md §1 explicitly excludes
// those). The job's args arrive as JSON on stdin and as WM_ARGS_JSON in
// the environment; the script's whole trimmed stdout, if valid JSON, is
// parsed as the job's result, otherwise the trimmed stdout is used as a
// bare string result.
type ShellRunner struct {
	shellPath string
}

// NewShellRunner builds a ShellRunner using /bin/bash.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{shellPath: "/bin/bash"}
}

// Run implements Runner.
func (r *ShellRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "marshal args")
	}

	cmd := exec.CommandContext(ctx, r.shellPath, "-lc", req.Content)
	cmd.Env = append(os.Environ(), "WM_ARGS_JSON="+string(argsJSON))
	cmd.Env = append(cmd.Env, req.Env...)
	cmd.Stdin = bytes.NewReader(argsJSON)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return RunResult{}, apierr.Wrap(ctx.Err(), apierr.Timeout, "job timed out")
		}
		return RunResult{}, apierr.Wrap(runErr, apierr.ExecutionErr, "script exited with error: %s", stderr.String())
	}

	result, err := parseResult(stdout.Bytes())
	if err != nil {
		return RunResult{}, apierr.Wrap(err, apierr.ExecutionErr, "parse script result")
	}

	return RunResult{Result: result, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func parseResult(stdout []byte) (value.Value, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return value.Null, nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return value.Of(string(trimmed))
	}
	return value.Of(decoded)
}
