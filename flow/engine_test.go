package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	p := &profile.Profile{}
	fake := storetest.New()
	s := store.New(fake, p)
	q := queue.New(s, p)
	ev, err := expreval.New(time.Second)
	require.NoError(t, err)
	return New(s, q, ev), s
}

func pushFlowJob(t *testing.T, ctx context.Context, s *store.Store, q *queue.Queue, fv FlowValue) jobid.ID {
	t.Helper()
	fs := InitFlowStatus(fv)
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
	return id
}

func TestAdvanceAfterJobCompletion_TwoStepSuccess(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity},
			{ID: "b", Kind: ModuleIdentity},
		},
	}
	flowID := pushFlowJob(t, ctx, s, q, fv)

	childID, err := jobid.New()
	require.NoError(t, err)

	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("step-a-done"),
	}))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 1, fs.Step)
	require.Equal(t, StatusSuccess, fs.Modules[0].Kind)

	childID2, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID2,
		Success:  true,
		Result:   value.MustOf("step-b-done"),
	}))

	completed, err := s.GetCompletedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.True(t, completed.Success)
}

func TestAdvanceAfterJobCompletion_StopAfterIf(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity, StopAfterIf: &StopAfterIf{Expr: `previous_result == "stop"`, SkipIfStopped: true}},
			{ID: "b", Kind: ModuleIdentity},
		},
	}
	flowID := pushFlowJob(t, ctx, s, q, fv)

	childID, err := jobid.New()
	require.NoError(t, err)

	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("stop"),
	}))

	completed, err := s.GetCompletedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.True(t, completed.IsSkipped)

	// The flow completed early: there should be no queued job left.
	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestAdvanceAfterJobCompletion_RetryThenSucceed(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity, Retry: &Retry{Kind: RetryConstant, Attempts: 2, Seconds: 1}},
		},
	}
	flowID := pushFlowJob(t, ctx, s, q, fv)

	failedChild, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: failedChild,
		Success:  false,
		Result:   value.MustOf(map[string]any{"error": "boom"}),
	}))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 0, fs.Step) // still on module a
	require.Equal(t, 1, fs.Retry.FailCount)

	succeedChild, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: succeedChild,
		Success:  true,
		Result:   value.MustOf("ok"),
	}))

	completed, err := s.GetCompletedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.True(t, completed.Success)
}

func TestStartFlowDispatchesFirstModule(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity},
			{ID: "b", Kind: ModuleIdentity},
		},
	}
	flowID := pushFlowJob(t, ctx, s, q, fv)

	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	children, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1", ParentJob: &flowID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "identity", children[0].Payload.Language)
}

func TestStartFlowDispatchesPreprocessorFirst(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{
		PreprocessorModule: &FlowModule{ID: "pre", Kind: ModuleIdentity},
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity},
		},
	}
	flowID := pushFlowJob(t, ctx, s, q, fv)

	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, -1, fs.Step)

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("pre-done"),
	}))

	job, err = s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	fs, err = FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 0, fs.Step)
}

func TestInitFlowStatus(t *testing.T) {
	fv := FlowValue{
		Modules: []FlowModule{
			{ID: "a", Kind: ModuleIdentity},
			{ID: "b", Kind: ModuleIdentity},
		},
	}
	fs := InitFlowStatus(fv)
	require.Equal(t, 0, fs.Step)
	require.Len(t, fs.Modules, 2)
	for _, m := range fs.Modules {
		require.Equal(t, StatusWaitingForPriorSteps, m.Kind)
	}
}
