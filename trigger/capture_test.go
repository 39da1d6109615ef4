package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func TestCaptureRecordsWithoutInvoking(t *testing.T) {
	fake := storetest.New()
	s := store.New(fake, &profile.Profile{})
	ctx := context.Background()

	payload := value.MustOf(map[string]any{"hello": "world"})
	info, err := Normalize("http", "u/alice/hook", payload, time.Now())
	require.NoError(t, err)

	require.NoError(t, Capture(ctx, s, "ws1", "u/alice/hook", "http", payload, info))
}
