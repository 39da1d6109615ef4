package jobs

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/server/auth"
	"github.com/jobctl/orchestrator/store"
	"github.com/jobctl/orchestrator/store/storetest"
)

func newTestHandlers(t *testing.T) (*Handlers, *store.Store, *storetest.FakeDriver) {
	t.Helper()
	p := &profile.Profile{BaseURL: "http://localhost:28081"}
	fake := storetest.New()
	s := store.New(fake, p)
	q := queue.New(s, p)
	ev, err := expreval.New(time.Second)
	require.NoError(t, err)
	engine := flow.New(s, q, ev)
	gate := auth.New(s, []byte("test-signing-key"))
	return &Handlers{Store: s, Queue: q, Engine: engine, Auth: gate, Profile: p}, s, fake
}

func newEchoContext(method, path string, body *strings.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	if body == nil {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRunByPath_PushesAndReturnsJobID(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	c, rec := newEchoContext(http.MethodPost, "/w/ws1/jobs/run/p/scripts/hello", nil)
	c.SetParamNames("workspace", "*")
	c.SetParamValues("ws1", "scripts/hello")
	c.Set("authed", auth.Authed{Email: "alice@example.com"})

	require.NoError(t, h.runByPath(c))
	require.Equal(t, http.StatusCreated, rec.Code)
	_, err := jobid.Parse(rec.Body.String())
	require.NoError(t, err)
}

func TestCancel_MarksJobCanceled(t *testing.T) {
	h, s, _ := newTestHandlers(t)
	ctx := t.Context()

	id, err := h.Queue.Push(ctx, queue.PushParams{
		WorkspaceID: "ws1",
		JobKind:     store.JobKindScript,
		Payload:     store.Payload{Kind: store.PayloadScriptHash, ScriptPath: "scripts/hello"},
		AsUser:      "alice@example.com",
	})
	require.NoError(t, err)

	c, rec := newEchoContext(http.MethodPost, "/w/ws1/jobs/queue/cancel/"+id.String(), nil)
	c.SetParamNames("workspace", "id")
	c.SetParamValues("ws1", id.String())
	c.Set("authed", auth.Authed{Email: "alice@example.com"})

	require.NoError(t, h.cancel(c))
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := s.GetQueuedJob(ctx, "ws1", id)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.True(t, job.Canceled)
}

func TestGetJob_NotFoundReturnsEnvelope(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	missing, err := jobid.New()
	require.NoError(t, err)

	c, rec := newEchoContext(http.MethodGet, "/w/ws1/jobs/get/"+missing.String(), nil)
	c.SetParamNames("workspace", "id")
	c.SetParamValues("ws1", missing.String())

	require.NoError(t, h.getJob(c))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "not found"))
}

func TestResumeUnauth_RejectsBadSignature(t *testing.T) {
	h, s, fake := newTestHandlers(t)
	ctx := t.Context()
	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := flow.FlowValue{
		Modules: []flow.FlowModule{
			{ID: "approve", Kind: flow.ModuleIdentity, SuspendPolicy: &flow.Suspend{RequiredEvents: 1}},
		},
	}
	fs := flow.InitFlowStatus(fv)
	fsValue, err := fs.ToValue()
	require.NoError(t, err)
	rawFlow := value.MustOf(fv)

	flowID, err := h.Queue.Push(ctx, queue.PushParams{
		WorkspaceID: "ws1",
		AsUser:      "alice@example.com",
		JobKind:     store.JobKindFlow,
		Payload:     store.Payload{Kind: store.PayloadInlineFlow, FlowValue: rawFlow},
		RawFlow:     &rawFlow,
		FlowStatus:  &fsValue,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.StartFlow(ctx, "ws1", flowID))

	children, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1", ParentJob: &flowID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	childID := children[0].ID

	c, rec := newEchoContext(http.MethodPost, "/w/ws1/jobs_u/resume/"+childID.String()+"/1/deadbeef", nil)
	c.SetParamNames("workspace", "job", "resume_id", "secret")
	c.SetParamValues("ws1", childID.String(), "1", "deadbeef")

	require.NoError(t, h.resumeUnauth(c))
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResumeUnauth_ValidSignatureAdvancesFlow(t *testing.T) {
	h, s, fake := newTestHandlers(t)
	ctx := t.Context()
	fake.SetWorkspaceSetting(&store.WorkspaceSetting{WorkspaceID: "ws1", SigningKey: "k"})

	fv := flow.FlowValue{
		Modules: []flow.FlowModule{
			{ID: "approve", Kind: flow.ModuleIdentity, SuspendPolicy: &flow.Suspend{RequiredEvents: 1}},
			{ID: "after", Kind: flow.ModuleIdentity},
		},
	}
	fs := flow.InitFlowStatus(fv)
	fsValue, err := fs.ToValue()
	require.NoError(t, err)
	rawFlow := value.MustOf(fv)

	flowID, err := h.Queue.Push(ctx, queue.PushParams{
		WorkspaceID: "ws1",
		AsUser:      "alice@example.com",
		JobKind:     store.JobKindFlow,
		Payload:     store.Payload{Kind: store.PayloadInlineFlow, FlowValue: rawFlow},
		RawFlow:     &rawFlow,
		FlowStatus:  &fsValue,
	})
	require.NoError(t, err)
	require.NoError(t, h.Engine.StartFlow(ctx, "ws1", flowID))

	children, err := s.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: "ws1", ParentJob: &flowID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	childID := children[0].ID

	// The approval module's child job completes, parking the flow.
	require.NoError(t, h.Engine.AdvanceAfterJobCompletion(ctx, "ws1", flowID, flow.CompletionInfo{
		ChildJob: childID,
		Success:  true,
		Result:   value.MustOf("approve-me"),
	}))

	sig := flow.SignResumeToken("k", childID, 1, "")
	secret := encodeSig(sig)

	c, rec := newEchoContext(http.MethodPost, "/w/ws1/jobs_u/resume/"+childID.String()+"/1/"+secret, nil)
	c.SetParamNames("workspace", "job", "resume_id", "secret")
	c.SetParamValues("ws1", childID.String(), "1", secret)

	require.NoError(t, h.resumeUnauth(c))
	require.Equal(t, http.StatusOK, rec.Code)

	job, err := s.GetQueuedJob(ctx, "ws1", flowID)
	require.NoError(t, err)
	require.NotNil(t, job)
	parsedFS, err := flow.FlowStatusFromValue(*job.FlowStatus)
	require.NoError(t, err)
	require.Equal(t, 1, parsedFS.Step, "resume advanced past the approval module")
}
