package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExporterRecordMethods(t *testing.T) {
	e := New()

	e.RecordDispatch("ws1", 100*time.Millisecond)
	e.RecordFlowAdvancement("ws1", "success")
	e.RecordFlowAdvancement("ws1", "failure")
	e.SetQueueDepth("ws1", true, 3)
	e.SetQueueDepth("ws1", false, 7)
	e.RecordResolverCache("python3", true)
	e.RecordResolverCache("python3", false)
}

func TestExporterHandlerExposesRecordedMetrics(t *testing.T) {
	e := New()
	e.RecordFlowAdvancement("ws1", "success")
	e.SetQueueDepth("ws1", true, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "jobctl_flow_advancements_total"))
	require.True(t, strings.Contains(body, "jobctl_queue_depth"))
}
