package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestQueue(p *profile.Profile) *Queue {
	if p == nil {
		p = &profile.Profile{}
	}
	fake := storetest.New()
	s := store.New(fake, p)
	return New(s, p)
}

func TestPushPullRoundTrip(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()

	id, err := q.Push(ctx, PushParams{
		WorkspaceID: "ws1",
		AsUser:      "u1",
		JobKind:     store.JobKindScript,
		Payload:     store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		Tag:         "default",
	})
	require.NoError(t, err)
	require.NotEqual(t, jobid.ID{}, id)

	job, err := q.Pull(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	require.True(t, job.Running)

	job2, err := q.Pull(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, job2)
}

func TestPullRespectsWorkerTags(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()

	_, err := q.Push(ctx, PushParams{
		WorkspaceID: "ws1",
		AsUser:      "u1",
		JobKind:     store.JobKindScript,
		Payload:     store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		Tag:         "gpu",
	})
	require.NoError(t, err)

	job, err := q.Pull(ctx, []string{"default"})
	require.NoError(t, err)
	require.Nil(t, job)

	job, err = q.Pull(ctx, []string{"gpu"})
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestCancelRejectsScheduleDrivenTopLevelJob(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()
	schedulePath := "u/admin/nightly"

	id, err := q.Push(ctx, PushParams{
		WorkspaceID:  "ws1",
		AsUser:       "u1",
		JobKind:      store.JobKindScript,
		Payload:      store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		SchedulePath: &schedulePath,
		IsFlowStep:   false,
	})
	require.NoError(t, err)

	err = q.Cancel(ctx, "ws1", id, "u1", "no longer needed")
	require.Error(t, err)

	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.BadRequest, apiErr.Kind)
}

func TestCancelFlowStepUnderSchedule(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()
	schedulePath := "u/admin/nightly"

	id, err := q.Push(ctx, PushParams{
		WorkspaceID:  "ws1",
		AsUser:       "u1",
		JobKind:      store.JobKindScript,
		Payload:      store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		SchedulePath: &schedulePath,
		IsFlowStep:   true,
	})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "ws1", id, "u1", "stop this step"))
}

func TestCancelUnknownJob(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()

	err := q.Cancel(ctx, "ws1", unknownJobID(), "u1", "no such job")
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.NotFound, apiErr.Kind)
}

func TestCompleteRemovesFromQueue(t *testing.T) {
	q := newTestQueue(nil)
	ctx := context.Background()

	id, err := q.Push(ctx, PushParams{
		WorkspaceID: "ws1",
		AsUser:      "u1",
		JobKind:     store.JobKindScript,
		Payload:     store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
	})
	require.NoError(t, err)

	_, err = q.Pull(ctx, nil)
	require.NoError(t, err)

	result := value.MustOf(map[string]any{"ok": true})
	completed, err := q.Complete(ctx, CompleteParams{
		WorkspaceID: "ws1",
		ID:          id,
		Success:     true,
		Result:      result,
		DurationMs:  42,
	})
	require.NoError(t, err)
	require.True(t, completed.Success)
	require.Equal(t, int64(42), completed.DurationMs)

	job, err := q.Pull(ctx, nil)
	require.NoError(t, err)
	require.Nil(t, job)

	// Redelivered completion for the same id is a safe no-op read.
	again, err := q.Complete(ctx, CompleteParams{
		WorkspaceID: "ws1",
		ID:          id,
		Success:     true,
		Result:      result,
		DurationMs:  42,
	})
	require.NoError(t, err)
	require.Equal(t, completed.ID, again.ID)
}

func TestPushRateLimitByQueuedCount(t *testing.T) {
	p := &profile.Profile{CloudHosted: true, QueuedJobsLimit: 2}
	q := newTestQueue(p)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := q.Push(ctx, PushParams{
			WorkspaceID:    "ws1",
			AsUser:         "u1",
			PermissionedAs: "u1",
			JobKind:        store.JobKindScript,
			Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		})
		require.NoError(t, err)
	}

	_, err := q.Push(ctx, PushParams{
		WorkspaceID:    "ws1",
		AsUser:         "u1",
		PermissionedAs: "u1",
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
	})
	require.Error(t, err)
	apiErr, ok := err.(*apierr.Error)
	require.True(t, ok)
	require.Equal(t, apierr.ExecutionErr, apiErr.Kind)
}

func TestPushUnthrottledWhenNotCloudHosted(t *testing.T) {
	p := &profile.Profile{CloudHosted: false, QueuedJobsLimit: 1}
	q := newTestQueue(p)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Push(ctx, PushParams{
			WorkspaceID:    "ws1",
			AsUser:         "u1",
			PermissionedAs: "u1",
			JobKind:        store.JobKindScript,
			Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		})
		require.NoError(t, err)
	}
}

func TestPushSameWorkerAffinityDelivery(t *testing.T) {
	q := newTestQueue(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var gotID jobid.ID
	var gotWorkspace string
	var ok bool
	go func() {
		workspace, id, found := q.AwaitAffinity(ctx, "worker-1")
		gotWorkspace = workspace
		gotID = id
		ok = found
		close(done)
	}()

	// Give the goroutine a chance to start waiting.
	time.Sleep(10 * time.Millisecond)

	pushedID, err := q.PushSameWorker(ctx, "worker-1", PushParams{
		WorkspaceID: "ws1",
		AsUser:      "u1",
		JobKind:     store.JobKindScript,
		Payload:     store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "f/foo"},
		SameWorker:  true,
	})
	require.NoError(t, err)

	<-done
	require.True(t, ok)
	require.Equal(t, pushedID, gotID)
	require.Equal(t, "ws1", gotWorkspace)
}

func TestAwaitAffinityTimesOutWithoutDelivery(t *testing.T) {
	q := newTestQueue(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, ok := q.AwaitAffinity(ctx, "worker-idle")
	require.False(t, ok)
}

// unknownJobID builds a syntactically valid jobid.ID guaranteed absent
// from the store.
func unknownJobID() jobid.ID {
	id, err := jobid.New()
	if err != nil {
		panic(err)
	}
	return id
}
