// Package jobs hosts the §6 HTTP surface: the workspace-scoped job
// submission, listing, cancellation, and suspend/resume routes. Handlers
// are thin, mirroring the teacher's service-struct style (a struct
// holding Store/Profile, methods that parse/validate, call into the
// domain packages, and serialize) generalized from Connect RPC methods
// to plain echo.HandlerFunc since this surface is REST, not gRPC.
package jobs

import (
	"context"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/server/auth"
	"github.com/jobctl/orchestrator/store"
)

// Handlers wires the route table to the queue/flow/store packages.
type Handlers struct {
	Store   *store.Store
	Queue   *queue.Queue
	Engine  *flow.Engine
	Auth    *auth.Gate
	Profile *profile.Profile
}

// Register attaches every §6 route: the authenticated routes to g and
// the unauthenticated, HMAC-signed jobs_u routes to public. The caller
// has already scoped both groups to /w/:workspace, with the auth
// middleware on g only.
func (h *Handlers) Register(g *echo.Group, public *echo.Group) {
	g.POST("/jobs/run/p/*", h.runByPath)
	g.POST("/jobs/run/h/:hash", h.runByHash)
	g.POST("/jobs/run/f/*", h.runFlowByPath)
	g.POST("/jobs/run_wait_result/p/*", h.runWaitResult)
	g.POST("/jobs/run/preview", h.runPreview)
	g.POST("/jobs/run/preview_flow", h.runPreviewFlow)
	g.GET("/jobs/list", h.listJobs)
	g.GET("/jobs/queue/list", h.listQueued)
	g.GET("/jobs/completed/list", h.listCompleted)
	g.POST("/jobs/queue/cancel/:id", h.cancel)
	g.GET("/jobs/completed/get/:id", h.getCompleted)
	g.GET("/jobs/completed/get_result/:id", h.getCompletedResult)
	g.POST("/jobs/completed/delete/:id", h.deleteCompletedResult)
	g.GET("/jobs/get/:id", h.getJob)
	g.GET("/jobs/getupdate/:id", h.getJobUpdate)
	g.POST("/jobs/flow/resume/:id", h.resumeOwner)
	g.GET("/jobs/job_signature/:job/:resume_id", h.jobSignature)
	g.GET("/jobs/resume_urls/:job/:resume_id", h.resumeURLs)

	public.GET("/jobs_u/resume/:job/:resume_id/:secret", h.resumeUnauth)
	public.POST("/jobs_u/resume/:job/:resume_id/:secret", h.resumeUnauth)
	public.GET("/jobs_u/cancel/:job/:resume_id/:secret", h.cancelUnauth)
	public.POST("/jobs_u/cancel/:job/:resume_id/:secret", h.cancelUnauth)
	public.GET("/jobs_u/get_flow/:job/:resume_id/:secret", h.getFlowUnauth)
}

func authed(c echo.Context) auth.Authed {
	a, _ := c.Get("authed").(auth.Authed)
	return a
}

func workspaceID(c echo.Context) string {
	return c.Param("workspace")
}

func writeErr(c echo.Context, err error) error {
	if e, ok := apierr.As(err); ok {
		return c.JSON(apierr.HTTPStatus(e.Kind), apierr.ToEnvelope(e))
	}
	return c.JSON(http.StatusInternalServerError, apierr.ToEnvelope(err))
}

// runParams is the common query-parameter contract shared by every
// run/run_wait_result endpoint.
type runParams struct {
	scheduledFor   *time.Time
	parentJob      *jobid.ID
	invisibleOwner bool
	queueLimit     int
}

func parseRunParams(c echo.Context) (runParams, error) {
	var p runParams
	if s := c.QueryParam("scheduled_for"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return p, apierr.New(apierr.BadRequest, "invalid scheduled_for: %v", err)
		}
		p.scheduledFor = &t
	}
	if s := c.QueryParam("scheduled_in_secs"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return p, apierr.New(apierr.BadRequest, "invalid scheduled_in_secs: %v", err)
		}
		t := time.Now().Add(time.Duration(secs) * time.Second)
		p.scheduledFor = &t
	}
	if s := c.QueryParam("parent_job"); s != "" {
		id, err := jobid.Parse(s)
		if err != nil {
			return p, apierr.New(apierr.BadRequest, "invalid parent_job: %v", err)
		}
		p.parentJob = &id
	}
	p.invisibleOwner = c.QueryParam("invisible_to_owner") == "true"
	if s := c.QueryParam("queue_limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return p, apierr.New(apierr.BadRequest, "invalid queue_limit: %v", err)
		}
		p.queueLimit = limit
	}
	return p, nil
}

// mergeHeaderArgs implements include_header: a comma list of HTTP
// header names copied into args as lower-snake-case keys.
func mergeHeaderArgs(c echo.Context, args value.Args) value.Args {
	raw := c.QueryParam("include_header")
	if raw == "" {
		return args
	}
	if args == nil {
		args = value.Args{}
	}
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v := c.Request().Header.Get(name); v != "" {
			key := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
			args[key] = value.MustOf(v)
		}
	}
	return args
}

func readArgs(c echo.Context) (value.Args, error) {
	var args value.Args
	if c.Request().ContentLength == 0 {
		return value.Args{}, nil
	}
	if err := c.Bind(&args); err != nil {
		return nil, apierr.New(apierr.BadRequest, "invalid args body: %v", err)
	}
	if args == nil {
		args = value.Args{}
	}
	return args, nil
}

func (h *Handlers) checkQueueLimit(ctx context.Context, ws string, limit int) error {
	if limit <= 0 {
		return nil
	}
	queued, err := h.Store.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: ws})
	if err != nil {
		return errors.Wrap(err, "list queued jobs for queue_limit")
	}
	if len(queued) > limit {
		return apierr.New(apierr.ExecutionErr, "queue length %d exceeds queue_limit %d", len(queued), limit)
	}
	return nil
}

// runByPath implements POST /jobs/run/p/*script_path.
func (h *Handlers) runByPath(c echo.Context) error {
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := h.checkQueueLimit(c.Request().Context(), ws, p.queueLimit); err != nil {
		return writeErr(c, err)
	}
	args, err := readArgs(c)
	if err != nil {
		return writeErr(c, err)
	}
	args = mergeHeaderArgs(c, args)

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptPath: c.Param("*")},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		ParentJob:      p.parentJob,
		VisibleToOwner: !p.invisibleOwner,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.String(http.StatusCreated, id.String())
}

// runByHash implements POST /jobs/run/h/:hash.
func (h *Handlers) runByHash(c echo.Context) error {
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	args, err := readArgs(c)
	if err != nil {
		return writeErr(c, err)
	}
	args = mergeHeaderArgs(c, args)

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptHash: c.Param("hash")},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		ParentJob:      p.parentJob,
		VisibleToOwner: !p.invisibleOwner,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.String(http.StatusCreated, id.String())
}

// runFlowByPath implements POST /jobs/run/f/*flow_path. Resolving the
// stored flow definition for a path is a script/flow catalog concern
// (out of scope per spec.md §1's "external collaborators" boundary);
// the job is enqueued with a FlowByPath payload and no flow_status, so
// a cataloging component can attach the resolved FlowValue before the
// dispatcher's StartFlow ever sees the row.
func (h *Handlers) runFlowByPath(c echo.Context) error {
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	args, err := readArgs(c)
	if err != nil {
		return writeErr(c, err)
	}
	args = mergeHeaderArgs(c, args)

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindFlow,
		Payload:        store.Payload{Kind: store.PayloadFlowByPath, FlowPath: c.Param("*")},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		ParentJob:      p.parentJob,
		VisibleToOwner: !p.invisibleOwner,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.String(http.StatusCreated, id.String())
}

type previewRequest struct {
	Content  string      `json:"content"`
	Language string      `json:"language"`
	Args     value.Args  `json:"args"`
}

// runPreview implements POST /jobs/run/preview.
func (h *Handlers) runPreview(c echo.Context) error {
	var req previewRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid preview body: %v", err))
	}
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	args := mergeHeaderArgs(c, req.Args)

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindPreview,
		Payload:        store.Payload{Kind: store.PayloadInlineCode, Content: req.Content, Language: req.Language},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		VisibleToOwner: !p.invisibleOwner,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.String(http.StatusCreated, id.String())
}

type previewFlowRequest struct {
	Value flow.FlowValue `json:"value"`
	Args  value.Args     `json:"args"`
}

// runPreviewFlow implements POST /jobs/run/preview_flow.
func (h *Handlers) runPreviewFlow(c echo.Context) error {
	var req previewFlowRequest
	if err := c.Bind(&req); err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid preview_flow body: %v", err))
	}
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	args := mergeHeaderArgs(c, req.Args)

	rawFlow := value.MustOf(req.Value)
	fs := flow.InitFlowStatus(req.Value)
	fsValue, err := fs.ToValue()
	if err != nil {
		return writeErr(c, errors.Wrap(err, "encode initial flow status"))
	}

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindFlowPreview,
		Payload:        store.Payload{Kind: store.PayloadInlineFlow, FlowValue: rawFlow},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		VisibleToOwner: !p.invisibleOwner,
		RawFlow:        &rawFlow,
		FlowStatus:     &fsValue,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return c.String(http.StatusCreated, id.String())
}

// runWaitResult implements POST /jobs/run_wait_result/p/*script_path:
// push then poll, starting at 100ms and backing off to 500ms, until
// completion, the request's own deadline, or the caller disconnects.
func (h *Handlers) runWaitResult(c echo.Context) error {
	ws := workspaceID(c)
	p, err := parseRunParams(c)
	if err != nil {
		return writeErr(c, err)
	}
	args, err := readArgs(c)
	if err != nil {
		return writeErr(c, err)
	}
	args = mergeHeaderArgs(c, args)

	a := authed(c)
	id, err := h.Queue.Push(c.Request().Context(), queue.PushParams{
		WorkspaceID:    ws,
		JobKind:        store.JobKindScript,
		Payload:        store.Payload{Kind: store.PayloadScriptHash, ScriptPath: c.Param("*")},
		Args:           args,
		AsUser:         a.Email,
		PermissionedAs: a.Email,
		ScheduledFor:   p.scheduledFor,
		VisibleToOwner: !p.invisibleOwner,
	})
	if err != nil {
		return writeErr(c, err)
	}

	ctx := c.Request().Context()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	elapsed := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return writeErr(c, apierr.Wrap(ctx.Err(), apierr.Timeout, "client disconnected waiting for job %s", id))
		case <-ticker.C:
			completed, err := h.Store.GetCompletedJob(ctx, ws, id)
			if err != nil {
				return writeErr(c, errors.Wrap(err, "poll completed job"))
			}
			if completed != nil {
				return c.JSON(http.StatusOK, completed.Result)
			}
			elapsed += 100 * time.Millisecond
			if elapsed >= 500*time.Millisecond {
				ticker.Reset(500 * time.Millisecond)
			}
		}
	}
}

func parseFindWindow(c echo.Context) (before, after *time.Time, err error) {
	if s := c.QueryParam("before"); s != "" {
		t, parseErr := time.Parse(time.RFC3339, s)
		if parseErr != nil {
			return nil, nil, apierr.New(apierr.BadRequest, "invalid before: %v", parseErr)
		}
		before = &t
	}
	if s := c.QueryParam("after"); s != "" {
		t, parseErr := time.Parse(time.RFC3339, s)
		if parseErr != nil {
			return nil, nil, apierr.New(apierr.BadRequest, "invalid after: %v", parseErr)
		}
		after = &t
	}
	return before, after, nil
}

func paginationParams(c echo.Context) (limit, offset int) {
	limit = 100
	if s := c.QueryParam("per_page"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	if s := c.QueryParam("page"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			offset = (n - 1) * limit
		}
	}
	return limit, offset
}

// listQueued implements GET /jobs/queue/list.
func (h *Handlers) listQueued(c echo.Context) error {
	ws := workspaceID(c)
	before, after, err := parseFindWindow(c)
	if err != nil {
		return writeErr(c, err)
	}
	limit, offset := paginationParams(c)

	find := &store.FindQueuedJob{
		WorkspaceID: ws,
		Before:      before,
		After:       after,
		Limit:       limit,
		Offset:      offset,
	}
	if s := c.QueryParam("script_path"); s != "" {
		find.ScriptPath = &s
	}
	if s := c.QueryParam("script_hash"); s != "" {
		find.ScriptHash = &s
	}
	if s := c.QueryParam("created_by"); s != "" {
		find.CreatedBy = &s
	}
	if s := c.QueryParam("running"); s != "" {
		running := s == "true"
		find.Running = &running
	}
	if s := c.QueryParam("suspended"); s != "" {
		suspended := s == "true"
		find.Suspended = &suspended
	}

	jobs, err := h.Store.ListQueuedJobs(c.Request().Context(), find)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "list queued jobs"))
	}
	return c.JSON(http.StatusOK, jobs)
}

// listCompleted implements GET /jobs/completed/list.
func (h *Handlers) listCompleted(c echo.Context) error {
	ws := workspaceID(c)
	before, after, err := parseFindWindow(c)
	if err != nil {
		return writeErr(c, err)
	}
	limit, offset := paginationParams(c)

	find := &store.FindCompletedJob{
		WorkspaceID: ws,
		Before:      before,
		After:       after,
		Limit:       limit,
		Offset:      offset,
	}
	if s := c.QueryParam("script_path"); s != "" {
		find.ScriptPath = &s
	}
	if s := c.QueryParam("script_hash"); s != "" {
		find.ScriptHash = &s
	}
	if s := c.QueryParam("created_by"); s != "" {
		find.CreatedBy = &s
	}
	if s := c.QueryParam("success"); s != "" {
		success := s == "true"
		find.Success = &success
	}

	jobs, err := h.Store.ListCompletedJobs(c.Request().Context(), find)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "list completed jobs"))
	}
	return c.JSON(http.StatusOK, jobs)
}

// listJobs implements GET /jobs/list: the union of queued and
// completed jobs, for callers that don't care which table a job
// currently lives in.
func (h *Handlers) listJobs(c echo.Context) error {
	ws := workspaceID(c)
	before, after, err := parseFindWindow(c)
	if err != nil {
		return writeErr(c, err)
	}
	limit, offset := paginationParams(c)

	queued, err := h.Store.ListQueuedJobs(c.Request().Context(), &store.FindQueuedJob{
		WorkspaceID: ws, Before: before, After: after, Limit: limit, Offset: offset,
	})
	if err != nil {
		return writeErr(c, errors.Wrap(err, "list queued jobs"))
	}
	completed, err := h.Store.ListCompletedJobs(c.Request().Context(), &store.FindCompletedJob{
		WorkspaceID: ws, Before: before, After: after, Limit: limit, Offset: offset,
	})
	if err != nil {
		return writeErr(c, errors.Wrap(err, "list completed jobs"))
	}
	return c.JSON(http.StatusOK, map[string]any{"queued": queued, "completed": completed})
}

func parseJobID(c echo.Context, param string) (jobid.ID, error) {
	id, err := jobid.Parse(c.Param(param))
	if err != nil {
		return jobid.ID{}, apierr.New(apierr.BadRequest, "invalid job id: %v", err)
	}
	return id, nil
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancel implements POST /jobs/queue/cancel/:id.
func (h *Handlers) cancel(c echo.Context) error {
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	var req cancelRequest
	_ = c.Bind(&req)

	a := authed(c)
	if err := h.Queue.Cancel(c.Request().Context(), workspaceID(c), id, a.Email, req.Reason); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// getCompleted implements GET /jobs/completed/get/:id.
func (h *Handlers) getCompleted(c echo.Context) error {
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	completed, err := h.Store.GetCompletedJob(c.Request().Context(), workspaceID(c), id)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get completed job"))
	}
	if completed == nil {
		return writeErr(c, apierr.New(apierr.NotFound, "completed job %s not found", id))
	}
	return c.JSON(http.StatusOK, completed)
}

// getCompletedResult implements GET /jobs/completed/get_result/:id.
func (h *Handlers) getCompletedResult(c echo.Context) error {
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	completed, err := h.Store.GetCompletedJob(c.Request().Context(), workspaceID(c), id)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get completed job"))
	}
	if completed == nil {
		return writeErr(c, apierr.New(apierr.NotFound, "completed job %s not found", id))
	}
	return c.JSON(http.StatusOK, completed.Result)
}

// deleteCompletedResult implements POST /jobs/completed/delete/:id:
// admin-only redaction, blanking logs+result rather than removing the
// row so audit history (duration, success) survives.
func (h *Handlers) deleteCompletedResult(c echo.Context) error {
	a := authed(c)
	if !a.IsAdmin {
		return writeErr(c, apierr.New(apierr.PermissionDenied, "redacting a completed job requires admin"))
	}
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	if err := h.Store.DeleteCompletedJobResult(c.Request().Context(), workspaceID(c), id); err != nil {
		return writeErr(c, errors.Wrap(err, "redact completed job"))
	}
	return c.NoContent(http.StatusOK)
}

// getJob implements GET /jobs/get/:id: live status, checking queue
// first then completed_job.
func (h *Handlers) getJob(c echo.Context) error {
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	ctx := c.Request().Context()
	ws := workspaceID(c)
	if job, err := h.Store.GetQueuedJob(ctx, ws, id); err != nil {
		return writeErr(c, errors.Wrap(err, "get queued job"))
	} else if job != nil {
		return c.JSON(http.StatusOK, job)
	}
	completed, err := h.Store.GetCompletedJob(ctx, ws, id)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get completed job"))
	}
	if completed == nil {
		return writeErr(c, apierr.New(apierr.NotFound, "job %s not found", id))
	}
	return c.JSON(http.StatusOK, completed)
}

// getJobUpdate implements GET /jobs/getupdate/:id: like getJob but
// also returns the incremental log slice past log_offset.
func (h *Handlers) getJobUpdate(c echo.Context) error {
	id, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	offset := 0
	if s := c.QueryParam("log_offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			offset = n
		}
	}

	ctx := c.Request().Context()
	ws := workspaceID(c)
	job, err := h.Store.GetQueuedJob(ctx, ws, id)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get queued job"))
	}
	if job != nil {
		logs := job.Logs
		if offset < len(logs) {
			logs = logs[offset:]
		} else {
			logs = ""
		}
		return c.JSON(http.StatusOK, map[string]any{"job": job, "new_logs": logs, "log_offset": offset + len(logs)})
	}
	completed, err := h.Store.GetCompletedJob(ctx, ws, id)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get completed job"))
	}
	if completed == nil {
		return writeErr(c, apierr.New(apierr.NotFound, "job %s not found", id))
	}
	return c.JSON(http.StatusOK, map[string]any{"job": completed, "new_logs": "", "log_offset": offset})
}

func (h *Handlers) signingKey(ctx context.Context, ws string) (string, error) {
	setting, err := h.Store.GetWorkspaceSetting(ctx, ws)
	if err != nil {
		return "", errors.Wrap(err, "get workspace setting")
	}
	if setting.SigningKey == "" {
		return "", apierr.New(apierr.InternalErr, "workspace %s has no resume signing key configured", ws)
	}
	return setting.SigningKey, nil
}

// resumeOwner implements POST /jobs/flow/resume/:id: an authenticated
// owner approval, equivalent to a resume submission but skipping HMAC
// verification since the caller's bearer token already proved identity.
func (h *Handlers) resumeOwner(c echo.Context) error {
	flowJob, err := parseJobID(c, "id")
	if err != nil {
		return writeErr(c, err)
	}
	var req struct {
		Job      string      `json:"job"`
		ResumeID uint32      `json:"resume_id"`
		Value    value.Value `json:"value"`
		IsCancel bool        `json:"is_cancel"`
	}
	if err := c.Bind(&req); err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid resume body: %v", err))
	}
	job, err := jobid.Parse(req.Job)
	if err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid job id: %v", err))
	}

	ws := workspaceID(c)
	ctx := c.Request().Context()
	key, err := h.signingKey(ctx, ws)
	if err != nil {
		return writeErr(c, err)
	}
	a := authed(c)
	sig := flow.SignResumeToken(key, job, req.ResumeID, a.Email)

	if _, err := flow.SubmitResume(ctx, h.Store, ws, flowJob, job, req.ResumeID, a.Email, sig, req.Value, req.IsCancel); err != nil {
		return writeErr(c, err)
	}
	if err := h.Engine.ResumeFlow(ctx, ws, flowJob); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// jobSignature implements GET /jobs/job_signature/:job/:resume_id.
func (h *Handlers) jobSignature(c echo.Context) error {
	job, err := parseJobID(c, "job")
	if err != nil {
		return writeErr(c, err)
	}
	resumeID, err := parseResumeID(c)
	if err != nil {
		return writeErr(c, err)
	}
	ws := workspaceID(c)
	key, err := h.signingKey(c.Request().Context(), ws)
	if err != nil {
		return writeErr(c, err)
	}
	a := authed(c)
	sig := flow.SignResumeToken(key, job, resumeID, a.Email)
	return c.String(http.StatusOK, encodeSig(sig))
}

// resumeURLs implements GET /jobs/resume_urls/:job/:resume_id.
func (h *Handlers) resumeURLs(c echo.Context) error {
	job, err := parseJobID(c, "job")
	if err != nil {
		return writeErr(c, err)
	}
	resumeID, err := parseResumeID(c)
	if err != nil {
		return writeErr(c, err)
	}
	ws := workspaceID(c)
	key, err := h.signingKey(c.Request().Context(), ws)
	if err != nil {
		return writeErr(c, err)
	}
	a := authed(c)
	sig := encodeSig(flow.SignResumeToken(key, job, resumeID, a.Email))
	base := strings.TrimRight(h.Profile.BaseURL, "/")

	return c.JSON(http.StatusOK, map[string]string{
		"approvalPage": base + "/w/" + ws + "/jobs_u/get_flow/" + job.String() + "/" + strconv.FormatUint(uint64(resumeID), 10) + "/" + sig,
		"resume":       base + "/w/" + ws + "/jobs_u/resume/" + job.String() + "/" + strconv.FormatUint(uint64(resumeID), 10) + "/" + sig,
		"cancel":       base + "/w/" + ws + "/jobs_u/cancel/" + job.String() + "/" + strconv.FormatUint(uint64(resumeID), 10) + "/" + sig,
	})
}

func parseResumeID(c echo.Context) (uint32, error) {
	n, err := strconv.ParseUint(c.Param("resume_id"), 10, 32)
	if err != nil {
		return 0, apierr.New(apierr.BadRequest, "invalid resume_id: %v", err)
	}
	return uint32(n), nil
}

func encodeSig(sig []byte) string {
	return hex.EncodeToString(sig)
}

func decodeSig(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// resumeUnauth and cancelUnauth implement the jobs_u/resume and
// jobs_u/cancel routes (get_flow is getFlowUnauth): unauthenticated but
// HMAC-signed, so the secret path segment itself is the proof of
// authorization.
func (h *Handlers) resumeUnauth(c echo.Context) error {
	return h.submitUnauth(c, false)
}

func (h *Handlers) cancelUnauth(c echo.Context) error {
	return h.submitUnauth(c, true)
}

func (h *Handlers) submitUnauth(c echo.Context, isCancel bool) error {
	job, err := parseJobID(c, "job")
	if err != nil {
		return writeErr(c, err)
	}
	resumeID, err := parseResumeID(c)
	if err != nil {
		return writeErr(c, err)
	}
	sig, err := decodeSig(c.Param("secret"))
	if err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid signature encoding: %v", err))
	}
	approver := c.QueryParam("approver")

	var req struct {
		Value value.Value `json:"value"`
	}
	_ = c.Bind(&req)

	ws := workspaceID(c)
	ctx := c.Request().Context()
	flowJob, err := h.flowOfJob(ctx, ws, job)
	if err != nil {
		return writeErr(c, err)
	}

	if _, err := flow.SubmitResume(ctx, h.Store, ws, flowJob, job, resumeID, approver, sig, req.Value, isCancel); err != nil {
		return writeErr(c, err)
	}
	if err := h.Engine.ResumeFlow(ctx, ws, flowJob); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusOK)
}

// getFlowUnauth implements GET /jobs_u/get_flow/:job/:resume_id/:secret:
// the approval landing page's data source, returning the flow job's
// current status without requiring a bearer token (the secret path
// segment already proves the caller holds a valid resume link).
func (h *Handlers) getFlowUnauth(c echo.Context) error {
	job, err := parseJobID(c, "job")
	if err != nil {
		return writeErr(c, err)
	}
	resumeID, err := parseResumeID(c)
	if err != nil {
		return writeErr(c, err)
	}
	sig, err := decodeSig(c.Param("secret"))
	if err != nil {
		return writeErr(c, apierr.New(apierr.BadRequest, "invalid signature encoding: %v", err))
	}
	approver := c.QueryParam("approver")

	ws := workspaceID(c)
	flowJob, err := h.flowOfJob(c.Request().Context(), ws, job)
	if err != nil {
		return writeErr(c, err)
	}
	key, err := h.signingKey(c.Request().Context(), ws)
	if err != nil {
		return writeErr(c, err)
	}
	if !flow.VerifyResumeToken(key, job, resumeID, approver, sig) {
		return writeErr(c, apierr.New(apierr.PermissionDenied, "resume signature mismatch"))
	}

	parent, err := h.Store.GetQueuedJob(c.Request().Context(), ws, flowJob)
	if err != nil {
		return writeErr(c, errors.Wrap(err, "get flow job"))
	}
	if parent == nil {
		return writeErr(c, apierr.New(apierr.NotFound, "flow job %s not found", flowJob))
	}
	return c.JSON(http.StatusOK, parent)
}

// flowOfJob resolves the owning flow job id for an unauthenticated
// resume route. The route table carries only the suspended child job's
// id in the path (§4.2.2's job, not its parent flow); the parent flow
// id is read off the child job's parent_job column, checking the
// queue first and falling back to completed_job for a child that
// finished (and so was suspended on) before the caller followed the
// resume link.
func (h *Handlers) flowOfJob(ctx context.Context, ws string, job jobid.ID) (jobid.ID, error) {
	if queued, err := h.Store.GetQueuedJob(ctx, ws, job); err != nil {
		return jobid.ID{}, errors.Wrap(err, "get job")
	} else if queued != nil {
		if queued.ParentJob == nil {
			return jobid.ID{}, apierr.New(apierr.BadRequest, "job %s is not a flow step", job)
		}
		return *queued.ParentJob, nil
	}

	completed, err := h.Store.GetCompletedJob(ctx, ws, job)
	if err != nil {
		return jobid.ID{}, errors.Wrap(err, "get completed job")
	}
	if completed == nil {
		return jobid.ID{}, apierr.New(apierr.NotFound, "job %s not found", job)
	}
	if completed.ParentJob == nil {
		return jobid.ID{}, apierr.New(apierr.BadRequest, "job %s is not a flow step", job)
	}
	return *completed.ParentJob, nil
}
