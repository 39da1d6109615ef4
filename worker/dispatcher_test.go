package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/executor"
	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

var errBoom = errors.New("boom")

// fakeRunner returns a canned result without shelling out, so the
// dispatcher's pull/execute/complete wiring is exercised without
// depending on /bin/bash being present in the test environment.
type fakeRunner struct {
	result value.Value
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, req executor.RunRequest) (executor.RunResult, error) {
	if r.err != nil {
		return executor.RunResult{}, r.err
	}
	return executor.RunResult{Result: r.result}, nil
}

func newTestDispatcher(t *testing.T, runner executor.Runner) (*Dispatcher, *store.Store, *queue.Queue) {
	return newTestDispatcherWithAI(t, runner, nil)
}

func newTestDispatcherWithAI(t *testing.T, runner, aiRunner executor.Runner) (*Dispatcher, *store.Store, *queue.Queue) {
	t.Helper()
	p := &profile.Profile{WorkerSlots: 1}
	fake := storetest.New()
	s := store.New(fake, p)
	q := queue.New(s, p)
	ev, err := expreval.New(time.Second)
	require.NoError(t, err)
	e := flow.New(s, q, ev)
	d := New(s, q, e, runner, aiRunner, p, "worker-1", nil)
	return d, s, q
}

func TestDispatcherRunsLeafJobToCompletion(t *testing.T) {
	d, s, q := newTestDispatcher(t, &fakeRunner{result: value.MustOf("done")})
	ctx := context.Background()

	id, err := q.Push(ctx, queue.PushParams{
		WorkspaceID:    "ws1",
		AsUser:         "u1",
		PermissionedAs: "u1",
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadInlineCode, Content: "echo hi", Language: "bash"},
	})
	require.NoError(t, err)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, d.process(ctx, job))

	completed, err := s.GetCompletedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.True(t, completed.Success)

	remaining, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.Nil(t, remaining)
}

func TestDispatcherMarksFailureOnRunnerError(t *testing.T) {
	d, s, q := newTestDispatcher(t, &fakeRunner{err: errBoom})
	ctx := context.Background()

	id, err := q.Push(ctx, queue.PushParams{
		WorkspaceID:    "ws1",
		AsUser:         "u1",
		PermissionedAs: "u1",
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadInlineCode, Content: "exit 1", Language: "bash"},
	})
	require.NoError(t, err)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, d.process(ctx, job))

	completed, err := s.GetCompletedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.False(t, completed.Success)
}

func TestDispatcherStartsFlowJobOnFirstPull(t *testing.T) {
	d, s, q := newTestDispatcher(t, &fakeRunner{result: value.MustOf("done")})
	ctx := context.Background()

	fv := flow.FlowValue{
		Modules: []flow.FlowModule{
			{ID: "a", Kind: flow.ModuleIdentity},
		},
	}
	fs := flow.InitFlowStatus(fv)
	fsValue, err := fs.ToValue()
	require.NoError(t, err)
	rawFlow := value.MustOf(fv)

	id, err := q.Push(ctx, queue.PushParams{
		WorkspaceID: "ws1",
		AsUser:      "u1",
		JobKind:     store.JobKindFlow,
		Payload:     store.Payload{Kind: store.PayloadInlineFlow, FlowValue: rawFlow},
		RawFlow:     &rawFlow,
		FlowStatus:  &fsValue,
	})
	require.NoError(t, err)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, d.process(ctx, job))

	children, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1", ParentJob: &id})
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestDispatcherRoutesAIAgentPayloadToAIRunner(t *testing.T) {
	scriptRunner := &fakeRunner{result: value.MustOf("should not be used")}
	aiRunner := &fakeRunner{result: value.MustOf(map[string]any{"content": "ai reply"})}
	d, s, q := newTestDispatcherWithAI(t, scriptRunner, aiRunner)
	ctx := context.Background()

	id, err := q.Push(ctx, queue.PushParams{
		WorkspaceID:    "ws1",
		AsUser:         "u1",
		PermissionedAs: "u1",
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadAIAgent, Content: "system prompt", Tools: []string{"search"}},
	})
	require.NoError(t, err)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)

	require.NoError(t, d.process(ctx, job))

	completed, err := s.GetCompletedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.True(t, completed.Success)
	decoded, err := completed.Result.Any()
	require.NoError(t, err)
	m := decoded.(map[string]any)
	require.Equal(t, "ai reply", m["content"])
}

func TestDispatcherFailsAIAgentJobWithoutAIRunner(t *testing.T) {
	d, s, q := newTestDispatcher(t, &fakeRunner{result: value.MustOf("unused")})
	ctx := context.Background()

	id, err := q.Push(ctx, queue.PushParams{
		WorkspaceID:    "ws1",
		AsUser:         "u1",
		PermissionedAs: "u1",
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadAIAgent, Content: "system prompt"},
	})
	require.NoError(t, err)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)

	require.NoError(t, d.process(ctx, job))

	completed, err := s.GetCompletedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.False(t, completed.Success)
}
