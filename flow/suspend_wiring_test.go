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

// newTestEngineWithFake is newTestEngine plus the raw fake driver, so
// suspend tests can seed a workspace signing key and resume_job rows.
func newTestEngineWithFake(t *testing.T) (*Engine, *store.Store, *storetest.FakeDriver) {
	t.Helper()
	p := &profile.Profile{}
	fake := storetest.New()
	s := store.New(fake, p)
	q := queue.New(s, p)
	ev, err := expreval.New(time.Second)
	require.NoError(t, err)
	return New(s, q, ev), s, fake
}

func pushSuspendFlowJob(t *testing.T, ctx context.Context, s *store.Store, q *queue.Queue, fv FlowValue) jobid.ID {
	t.Helper()
	return pushFlowJob(t, ctx, s, q, fv)
}

func suspendFlowValue(policy Suspend) FlowValue {
	return FlowValue{
		Modules: []FlowModule{
			{ID: "approve", Kind: ModuleIdentity, SuspendPolicy: &policy},
			{ID: "after", Kind: ModuleIdentity},
		},
	}
}

func TestParkForSuspend_ParksWithoutEnoughApprovals(t *testing.T) {
	e, s, fake := newTestEngineWithFake(t)
	q := e.queue
	ctx := context.Background()

	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := suspendFlowValue(Suspend{RequiredEvents: 1, Timeout: time.Hour})
	flowID := pushSuspendFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NotNil(t, job.SuspendUntil)
	require.Equal(t, 1, job.Suspend)

	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 0, fs.Step, "still parked on the suspend module")
	require.NotNil(t, fs.Modules[0].PendingResult)

	// Nothing was dispatched for the next module: the flow is parked. The
	// only queued child is the suspend module's own, pushed by StartFlow
	// and never completed through the queue in this test.
	children, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1", ParentJob: &flowID})
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestResumeFlow_SatisfiedAdvancesToNextModule(t *testing.T) {
	e, s, fake := newTestEngineWithFake(t)
	q := e.queue
	ctx := context.Background()

	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := suspendFlowValue(Suspend{RequiredEvents: 1, Timeout: time.Hour})
	flowID := pushSuspendFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	// Record an approval directly at the store layer, the way
	// flow.SubmitResume would from the HTTP resume handler.
	_, err = s.CreateResumeJob(ctx, &store.CreateResumeJob{
		ResumeID: 1,
		Job:      childID,
		Flow:     flowID,
		Value:    value.MustOf(map[string]any{"approved": true}),
	})
	require.NoError(t, err)

	require.NoError(t, e.ResumeFlow(ctx, "ws1", flowID))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 1, fs.Step, "advanced past the suspended module")
	require.Equal(t, StatusSuccess, fs.Modules[0].Kind)
	require.Nil(t, fs.Modules[0].PendingResult)
}

func TestResumeFlow_DisapprovalCompletesFlowAsFailed(t *testing.T) {
	e, s, fake := newTestEngineWithFake(t)
	q := e.queue
	ctx := context.Background()

	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := suspendFlowValue(Suspend{RequiredEvents: 1, Timeout: time.Hour})
	flowID := pushSuspendFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	_, err = s.CreateResumeJob(ctx, &store.CreateResumeJob{
		ResumeID: 1,
		Job:      childID,
		Flow:     flowID,
		Value:    value.Null,
		IsCancel: true,
	})
	require.NoError(t, err)

	require.NoError(t, e.ResumeFlow(ctx, "ws1", flowID))

	completed, err := s.GetCompletedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.False(t, completed.Success)

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestParkForSuspend_TimeoutWithoutContinueFailsFlow(t *testing.T) {
	e, s, fake := newTestEngineWithFake(t)
	q := e.queue
	ctx := context.Background()

	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	// A timeout in the past: the very first evaluation should see it as
	// already elapsed instead of parking.
	fv := suspendFlowValue(Suspend{RequiredEvents: 1, Timeout: -time.Hour})
	flowID := pushSuspendFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	completed, err := s.GetCompletedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, completed)
	require.False(t, completed.Success)
}

func TestParkForSuspend_TimeoutWithContinueOnDisapproveAdvances(t *testing.T) {
	e, s, fake := newTestEngineWithFake(t)
	q := e.queue
	ctx := context.Background()

	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := suspendFlowValue(Suspend{RequiredEvents: 1, Timeout: -time.Hour, ContinueOnDisapproveTimeout: true})
	flowID := pushSuspendFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	childID, err := jobid.New()
	require.NoError(t, err)
	require.NoError(t, e.AdvanceAfterJobCompletion(ctx, "ws1", flowID, CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	fs, err := FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 1, fs.Step, "timeout with continue-on-disapprove still advances")
}

func TestResumeFlow_NoOpWhenNotParked(t *testing.T) {
	e, s := newTestEngine(t)
	q := e.queue
	ctx := context.Background()

	fv := FlowValue{Modules: []FlowModule{{ID: "a", Kind: ModuleIdentity}}}
	flowID := pushFlowJob(t, ctx, s, q, fv)
	require.NoError(t, e.StartFlow(ctx, "ws1", flowID))

	// Not parked on any suspend policy: ResumeFlow must not error or
	// otherwise disturb the flow's in-flight state.
	require.NoError(t, e.ResumeFlow(ctx, "ws1", flowID))

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
}
