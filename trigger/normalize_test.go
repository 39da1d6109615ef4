package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/internal/value"
)

func TestNormalizeShapesTriggerInfo(t *testing.T) {
	payload := value.MustOf(map[string]any{"x": 1})
	firedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	info, err := Normalize("http", "u/alice/hook", payload, firedAt)
	require.NoError(t, err)

	decoded, err := info.Any()
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "http", m["kind"])
	require.Equal(t, "u/alice/hook", m["path"])
	require.Equal(t, "2026-01-02T03:04:05Z", m["fired_at"])
	require.NotNil(t, m["payload"])
}
