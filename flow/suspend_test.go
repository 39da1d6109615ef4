package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestResolver(t *testing.T, signingKey string) (*store.Store, *storetest.FakeDriver) {
	t.Helper()
	fake := storetest.New()
	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: signingKey})
	s := store.New(fake, &profile.Profile{})
	return s, fake
}

func TestSignAndVerifyResumeToken(t *testing.T) {
	job, err := jobid.New()
	require.NoError(t, err)

	sig := SignResumeToken("secret", job, 1, "alice")
	require.True(t, VerifyResumeToken("secret", job, 1, "alice", sig))
	require.False(t, VerifyResumeToken("secret", job, 1, "bob", sig))
	require.False(t, VerifyResumeToken("other-secret", job, 1, "alice", sig))
	require.False(t, VerifyResumeToken("secret", job, 2, "alice", sig))
}

func TestSubmitResumeRejectsBadSignature(t *testing.T) {
	s, _ := newTestResolver(t, "secret")
	ctx := context.Background()
	flowJob, err := jobid.New()
	require.NoError(t, err)
	childJob, err := jobid.New()
	require.NoError(t, err)

	_, err = SubmitResume(ctx, s, "ws1", flowJob, childJob, 1, "", []byte("bogus"), value.Null, false)
	require.Error(t, err)
}

func TestSubmitResumeIdempotent(t *testing.T) {
	s, _ := newTestResolver(t, "secret")
	ctx := context.Background()
	flowJob, err := jobid.New()
	require.NoError(t, err)
	childJob, err := jobid.New()
	require.NoError(t, err)

	sig := SignResumeToken("secret", childJob, 1, "")
	rj1, err := SubmitResume(ctx, s, "ws1", flowJob, childJob, 1, "", sig, value.MustOf("ok"), false)
	require.NoError(t, err)

	rj2, err := SubmitResume(ctx, s, "ws1", flowJob, childJob, 1, "", sig, value.MustOf("ok"), false)
	require.NoError(t, err)
	require.Equal(t, rj1.ID, rj2.ID)

	approved, disapproved, err := s.CountResumeJobs(ctx, "ws1", flowJob)
	require.NoError(t, err)
	require.Equal(t, 1, approved)
	require.Equal(t, 0, disapproved)
}

func TestEvaluateSuspendOutcomes(t *testing.T) {
	s, _ := newTestResolver(t, "secret")
	ctx := context.Background()
	flowJob, err := jobid.New()
	require.NoError(t, err)
	now := time.Now()

	policy := Suspend{RequiredEvents: 2}

	outcome, err := EvaluateSuspend(ctx, s, "ws1", flowJob, jobid.ID{}, policy, nil, now)
	require.NoError(t, err)
	require.Equal(t, SuspendParked, outcome)

	deadline := now.Add(-time.Minute)
	outcome, err = EvaluateSuspend(ctx, s, "ws1", flowJob, jobid.ID{}, policy, &deadline, now)
	require.NoError(t, err)
	require.Equal(t, SuspendTimedOut, outcome)

	childJob, err := jobid.New()
	require.NoError(t, err)
	sig := SignResumeToken("secret", childJob, 1, "")
	_, err = SubmitResume(ctx, s, "ws1", flowJob, childJob, 1, "", sig, value.MustOf("ok"), false)
	require.NoError(t, err)

	childJob2, err := jobid.New()
	require.NoError(t, err)
	sig2 := SignResumeToken("secret", childJob2, 2, "")
	_, err = SubmitResume(ctx, s, "ws1", flowJob, childJob2, 2, "", sig2, value.MustOf("ok"), false)
	require.NoError(t, err)

	outcome, err = EvaluateSuspend(ctx, s, "ws1", flowJob, jobid.ID{}, policy, nil, now)
	require.NoError(t, err)
	require.Equal(t, SuspendSatisfied, outcome)

	childJob3, err := jobid.New()
	require.NoError(t, err)
	sig3 := SignResumeToken("secret", childJob3, 3, "")
	_, err = SubmitResume(ctx, s, "ws1", flowJob, childJob3, 3, "", sig3, value.Null, true)
	require.NoError(t, err)

	outcome, err = EvaluateSuspend(ctx, s, "ws1", flowJob, jobid.ID{}, policy, nil, now)
	require.NoError(t, err)
	require.Equal(t, SuspendCanceled, outcome)
}

func TestSuspendDeadlineDefaultsTimeout(t *testing.T) {
	now := time.Now()
	deadline := SuspendDeadline(Suspend{}, now)
	require.Equal(t, now.Add(DefaultSuspendTimeout), deadline)

	deadline = SuspendDeadline(Suspend{Timeout: 5 * time.Minute}, now)
	require.Equal(t, now.Add(5*time.Minute), deadline)
}
