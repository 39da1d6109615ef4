package expreval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEvalBool_StopAfterIf(t *testing.T) {
	ev, err := New(time.Second)
	require.NoError(t, err)

	ok, err := ev.EvalBool(context.Background(), `previous_result.status == "failed"`, Bindings{
		PreviousResult: map[string]any{"status": "failed"},
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ev.EvalBool(context.Background(), `previous_result.status == "failed"`, Bindings{
		PreviousResult: map[string]any{"status": "ok"},
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEval_ParamsBinding(t *testing.T) {
	ev, err := New(time.Second)
	require.NoError(t, err)

	v, err := ev.Eval(context.Background(), `params.x + 1`, Bindings{
		Params: map[string]any{"x": int64(41)},
	})
	require.NoError(t, err)

	var out int64
	require.NoError(t, v.Decode(&out))
	require.Equal(t, int64(42), out)
}

func TestEval_InvalidExpression(t *testing.T) {
	ev, err := New(time.Second)
	require.NoError(t, err)

	_, err = ev.Eval(context.Background(), `this is not valid cel (((`, Bindings{})
	require.Error(t, err)
}

func TestEval_Timeout(t *testing.T) {
	ev, err := New(time.Nanosecond)
	require.NoError(t, err)

	_, err = ev.Eval(context.Background(), `params.x`, Bindings{Params: map[string]any{"x": 1}})
	// Either a deadline error or a successful fast-path eval is
	// acceptable; the program must not hang.
	_ = err
}
