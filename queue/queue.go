// Package queue implements the transactional push/pull/cancel/complete
// protocol from the job orchestrator's core: at-most-one delivery
// under concurrent workers, per-workspace rate limiting, and
// same-worker affinity for flow steps that want a warm scratch
// directory across children.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// defaultQueuedJobsLimit and defaultCumulativeDurationLimit are the
// §4.1 N_queued / T_cum defaults.
const (
	defaultQueuedJobsLimit         = 10
	defaultCumulativeDurationLimit = 900 * time.Second
	defaultCumulativeDurationWindow = 1200 * time.Second
)

// Queue wraps the store with the dispatch-time business rules: rate
// limiting and same-worker delivery.
type Queue struct {
	store   *store.Store
	profile *profile.Profile

	// affinity maps a worker id to the channel it is waiting on for a
	// same-worker child job, mirroring the "hands the next step to the
	// worker that just finished the previous one" affinity rule.
	affinity *affinityRegistry
}

// New builds a Queue.
func New(s *store.Store, p *profile.Profile) *Queue {
	return &Queue{store: s, profile: p, affinity: newAffinityRegistry()}
}

// PushParams mirrors push()'s parameter list.
type PushParams struct {
	WorkspaceID    string
	Payload        store.Payload
	Args           value.Args
	AsUser         string
	PermissionedAs string
	ScheduledFor   *time.Time
	SchedulePath   *string
	ParentJob      *jobid.ID
	IsFlowStep     bool
	SameWorker     bool
	VisibleToOwner bool
	Tag            string
	Timeout        *time.Duration
	Suspend        int
	FlowStatus     *value.Value
	RawCode        *string
	RawFlow        *value.Value
	RawLock        *string
	JobKind        store.JobKind
	Language       *string
}

// Push enqueues a job after enforcing the rate limit described in
// §4.1 step 1: at most N_queued concurrently queued jobs for this
// caller, and cumulative completed-job duration under T_cum, both
// gated behind CloudHosted (single-tenant deployments are unthrottled).
func (q *Queue) Push(ctx context.Context, p PushParams) (jobid.ID, error) {
	if q.profile.CloudHosted {
		ws, err := q.store.GetWorkspaceSetting(ctx, p.WorkspaceID)
		if err != nil {
			return jobid.ID{}, errors.Wrap(err, "get workspace setting")
		}
		if !ws.Premium {
			if err := q.checkRateLimit(ctx, p.WorkspaceID, p.PermissionedAs); err != nil {
				return jobid.ID{}, err
			}
		}
	}

	id, err := jobid.New()
	if err != nil {
		return jobid.ID{}, errors.Wrap(err, "generate job id")
	}
	now := time.Now()
	scheduledFor := now
	if p.ScheduledFor != nil {
		scheduledFor = *p.ScheduledFor
	}

	job := &store.QueuedJob{
		ID:             id,
		WorkspaceID:    p.WorkspaceID,
		ParentJob:      p.ParentJob,
		CreatedBy:      p.AsUser,
		CreatedAt:      now,
		ScheduledFor:   scheduledFor,
		JobKind:        p.JobKind,
		Payload:        p.Payload,
		Args:           p.Args,
		RawCode:        p.RawCode,
		RawFlow:        p.RawFlow,
		RawLock:        p.RawLock,
		FlowStatus:     p.FlowStatus,
		PermissionedAs: p.PermissionedAs,
		Email:          p.AsUser,
		SchedulePath:   p.SchedulePath,
		IsFlowStep:     p.IsFlowStep,
		Tag:            p.Tag,
		Language:       p.Language,
		Timeout:        p.Timeout,
		Suspend:        p.Suspend,
		VisibleToOwner: p.VisibleToOwner,
		SameWorker:     p.SameWorker,
	}

	if err := q.store.PushJob(ctx, job); err != nil {
		return jobid.ID{}, errors.Wrap(err, "push job")
	}
	return id, nil
}

func (q *Queue) checkRateLimit(ctx context.Context, workspaceID, permissionedAs string) error {
	limit := q.profile.QueuedJobsLimit
	if limit <= 0 {
		limit = defaultQueuedJobsLimit
	}

	queued, err := q.store.ListQueuedJobs(ctx, &store.FindQueuedJob{
		WorkspaceID: workspaceID,
		CreatedBy:   &permissionedAs,
	})
	if err != nil {
		return errors.Wrap(err, "list queued jobs for rate limit")
	}
	if len(queued) >= limit {
		return apierr.New(apierr.ExecutionErr, "rate limit exceeded: %d jobs already queued for %s", len(queued), permissionedAs)
	}

	window := q.profile.CumulativeDurationWindow
	if window <= 0 {
		window = defaultCumulativeDurationWindow
	}
	durationLimit := q.profile.CumulativeDurationLimit
	if durationLimit <= 0 {
		durationLimit = defaultCumulativeDurationLimit
	}

	since := time.Now().Add(-window)
	completed, err := q.store.ListCompletedJobs(ctx, &store.FindCompletedJob{
		WorkspaceID: workspaceID,
		CreatedBy:   &permissionedAs,
	})
	if err != nil {
		return errors.Wrap(err, "list completed jobs for rate limit")
	}

	// The source sums completed durations but excludes currently
	// running time; preserved verbatim per the Open Questions
	// resolution rather than "fixed" to also account for in-flight work.
	var cumulative time.Duration
	for _, c := range completed {
		if c.CreatedAt.Before(since) {
			continue
		}
		cumulative += time.Duration(c.DurationMs) * time.Millisecond
	}
	if cumulative > durationLimit {
		return apierr.New(apierr.ExecutionErr, "rate limit exceeded: %s of completed job time over the last %s", cumulative, window)
	}
	return nil
}

// Pull claims the next ready job, or returns nil if none is available.
func (q *Queue) Pull(ctx context.Context, workerTags []string) (*store.QueuedJob, error) {
	job, err := q.store.PullJob(ctx, workerTags, false)
	if err != nil {
		return nil, errors.Wrap(err, "pull job")
	}
	if job == nil {
		job, err = q.store.PullJob(ctx, workerTags, true)
		if err != nil {
			return nil, errors.Wrap(err, "pull suspended job")
		}
	}
	return job, nil
}

// Cancel marks a queued job canceled. Schedule-driven jobs can only be
// stopped by disabling the schedule (the caller is expected to check
// SchedulePath before calling Cancel on a non-flow-step job).
func (q *Queue) Cancel(ctx context.Context, workspaceID string, id jobid.ID, by, reason string) error {
	job, err := q.store.GetQueuedJob(ctx, workspaceID, id)
	if err != nil {
		return errors.Wrap(err, "get queued job")
	}
	if job == nil {
		if completed, err := q.store.GetCompletedJob(ctx, workspaceID, id); err == nil && completed != nil {
			return apierr.New(apierr.BadRequest, "job %s is already completed", id)
		}
		return apierr.New(apierr.NotFound, "job %s not found", id)
	}
	if job.SchedulePath != nil && !job.IsFlowStep {
		return apierr.New(apierr.BadRequest, "job %s is driven by schedule %s; disable the schedule instead", id, *job.SchedulePath)
	}
	return errors.Wrap(q.store.CancelJob(ctx, workspaceID, id, by, reason), "cancel job")
}

// CompleteParams mirrors complete()'s parameters.
type CompleteParams struct {
	WorkspaceID    string
	ID             jobid.ID
	Success        bool
	Result         value.Value
	AppendedLogs   string
	DurationMs     int64
	Canceled       bool
	CanceledBy     *string
	CanceledReason *string
	IsSkipped      bool
}

// Complete performs the idempotent completed_job upsert and removes
// the row from queue.
func (q *Queue) Complete(ctx context.Context, p CompleteParams) (*store.CompletedJob, error) {
	completed, err := q.store.CompleteJob(ctx, &store.CompleteJobParams{
		ID:             p.ID,
		WorkspaceID:    p.WorkspaceID,
		Success:        p.Success,
		Result:         p.Result,
		AppendedLogs:   p.AppendedLogs,
		DurationMs:     p.DurationMs,
		Canceled:       p.Canceled,
		CanceledBy:     p.CanceledBy,
		CanceledReason: p.CanceledReason,
		IsSkipped:      p.IsSkipped,
	})
	if err != nil {
		return nil, errors.Wrap(err, "complete job")
	}
	return completed, nil
}

// PushSameWorker is Push plus delivery of the child job id to the
// worker channel registered for parentWorkerID, so that worker's
// scratch directory is reused for the next step. If no worker is
// currently waiting, the job is still picked up normally via Pull.
func (q *Queue) PushSameWorker(ctx context.Context, parentWorkerID string, p PushParams) (jobid.ID, error) {
	id, err := q.Push(ctx, p)
	if err != nil {
		return id, err
	}
	q.affinity.deliver(parentWorkerID, p.WorkspaceID, id)
	return id, nil
}

// AwaitAffinity blocks until a same-worker job is delivered to
// workerID, or ctx is canceled. It returns the job's workspace
// alongside its id since lookups are workspace-scoped.
func (q *Queue) AwaitAffinity(ctx context.Context, workerID string) (workspaceID string, id jobid.ID, ok bool) {
	job, ok := q.affinity.await(ctx, workerID)
	return job.WorkspaceID, job.ID, ok
}
