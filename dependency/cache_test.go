package dependency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	return NewCache(s, time.Hour)
}

func TestCacheResolveMissThenHit(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	calls := 0
	counting := countingResolver{Resolver: PythonResolver{}, calls: &calls}

	lockfile1, err := c.Resolve(ctx, counting, "3.11", "import requests", nil, false)
	require.NoError(t, err)
	require.Contains(t, lockfile1, "requests==")
	require.Equal(t, 1, calls)

	lockfile2, err := c.Resolve(ctx, counting, "3.11", "import requests", nil, false)
	require.NoError(t, err)
	require.Equal(t, lockfile1, lockfile2)
	require.Equal(t, 1, calls, "second resolve should hit the cache, not re-invoke the resolver")
}

func TestCacheResolveNoCacheAlwaysInvokes(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	calls := 0
	counting := countingResolver{Resolver: PythonResolver{}, calls: &calls}

	_, err := c.Resolve(ctx, counting, "3.11", "import requests", nil, true)
	require.NoError(t, err)
	_, err = c.Resolve(ctx, counting, "3.11", "import requests", nil, true)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestCacheDistinguishesLanguageVersion(t *testing.T) {
	k1 := Key("python3", "3.10", "requests")
	k2 := Key("python3", "3.11", "requests")
	require.NotEqual(t, k1, k2)
}

type countingResolver struct {
	Resolver
	calls *int
}

func (c countingResolver) CaptureDependency(ctx context.Context, content string, rawDeps []string) (string, error) {
	*c.calls++
	return c.Resolver.CaptureDependency(ctx, content, rawDeps)
}
