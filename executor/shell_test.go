package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/value"
)

func TestShellRunnerParsesJSONResult(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), RunRequest{Content: `echo '{"ok":true}'`})
	require.NoError(t, err)
	decoded, err := res.Result.Any()
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, decoded)
}

func TestShellRunnerFallsBackToStringResult(t *testing.T) {
	r := NewShellRunner()
	res, err := r.Run(context.Background(), RunRequest{Content: `echo hello`})
	require.NoError(t, err)
	decoded, err := res.Result.Any()
	require.NoError(t, err)
	require.Equal(t, "hello", decoded)
}

func TestShellRunnerPropagatesNonZeroExit(t *testing.T) {
	r := NewShellRunner()
	_, err := r.Run(context.Background(), RunRequest{Content: `exit 1`})
	require.Error(t, err)
}

func TestShellRunnerRespectsContextTimeout(t *testing.T) {
	r := NewShellRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, RunRequest{Content: `sleep 5`})
	require.Error(t, err)
}

func TestShellRunnerReceivesArgsJSON(t *testing.T) {
	r := NewShellRunner()
	args := value.Args{"name": value.MustOf("world")}
	res, err := r.Run(context.Background(), RunRequest{
		Content: `echo "$WM_ARGS_JSON"`,
		Args:    args,
	})
	require.NoError(t, err)
	decoded, err := res.Result.Any()
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "world", m["name"])
}
