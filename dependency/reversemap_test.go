package dependency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func TestRecordAndFanOutRecompute(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	q := queue.New(s, &profile.Profile{})
	ctx := context.Background()

	require.NoError(t, RecordDependencies(ctx, s, "ws1", "f/importer_a", "script", []string{"f/shared_lib"}))
	require.NoError(t, RecordDependencies(ctx, s, "ws1", "f/importer_b", "script", []string{"f/shared_lib"}))

	require.NoError(t, FanOutRecompute(ctx, s, q, "ws1", "u1", "f/shared_lib", nil))

	jobs, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		require.Equal(t, store.JobKindDependencies, j.JobKind)
		require.Contains(t, []string{"f/importer_a", "f/importer_b"}, j.Payload.ImporterPath)
	}
}

func TestFanOutRecomputeSkipsAlreadyVisited(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	q := queue.New(s, &profile.Profile{})
	ctx := context.Background()

	require.NoError(t, RecordDependencies(ctx, s, "ws1", "f/importer_a", "script", []string{"f/shared_lib"}))

	require.NoError(t, FanOutRecompute(ctx, s, q, "ws1", "u1", "f/shared_lib", []string{"f/importer_a"}))

	jobs, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1"})
	require.NoError(t, err)
	require.Len(t, jobs, 0)
}
