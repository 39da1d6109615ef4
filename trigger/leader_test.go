package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func TestLeaderRunsListenerOnceElected(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	l := NewLeader(s, "ws1", "u/alice/poller", "http", "server-a")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ran := make(chan struct{})
	err := l.Run(ctx, func(ctx context.Context) error {
		close(ran)
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-ran:
	default:
		t.Fatal("listener body never ran")
	}
}

func TestLeaderSecondServerWaitsForStaleLease(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})

	acquired, err := s.AcquireTriggerLease(context.Background(), "ws1", "u/alice/poller", "http", "server-a", 15*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	l := NewLeader(s, "ws1", "u/alice/poller", "http", "server-b")
	l.staleAfter = 15 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ranB := false
	err = l.Run(ctx, func(ctx context.Context) error {
		ranB = true
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ranB, "server-b should not acquire a fresh lease held by server-a")
}
