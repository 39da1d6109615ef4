package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

func (d *DB) PushJob(ctx context.Context, job *store.QueuedJob) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	argsJSON, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	var parentJob any
	if job.ParentJob != nil {
		parentJob = job.ParentJob.String()
	}
	var flowStatus any
	if job.FlowStatus != nil {
		flowStatus = []byte(job.FlowStatus.Raw())
	}
	var rawFlow any
	if job.RawFlow != nil {
		rawFlow = []byte(job.RawFlow.Raw())
	}
	var timeoutMs any
	if job.Timeout != nil {
		timeoutMs = job.Timeout.Milliseconds()
	}

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO queue (
			id, workspace_id, parent_job, created_by, created_at, started_at,
			scheduled_for, running, last_ping, job_kind, payload, args,
			raw_code, raw_flow, raw_lock, flow_status, permissioned_as, email,
			schedule_path, is_flow_step, tag, language, priority, timeout_ms,
			suspend, suspend_until, canceled, canceled_by, canceled_reason,
			logs, visible_to_owner, same_worker
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,
			$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)`,
		job.ID.String(), job.WorkspaceID, parentJob, job.CreatedBy, job.CreatedAt, job.StartedAt,
		job.ScheduledFor, job.Running, job.LastPing, string(job.JobKind), payloadJSON, argsJSON,
		job.RawCode, rawFlow, job.RawLock, flowStatus, job.PermissionedAs, job.Email,
		job.SchedulePath, job.IsFlowStep, job.Tag, job.Language, job.Priority, timeoutMs,
		job.Suspend, job.SuspendUntil, job.Canceled, job.CanceledBy, job.CanceledReason,
		job.Logs, job.VisibleToOwner, job.SameWorker,
	)
	if err != nil {
		return fmt.Errorf("insert queue row: %w", err)
	}
	return nil
}

const queuedJobColumns = `
	id, workspace_id, parent_job, created_by, created_at, started_at,
	scheduled_for, running, last_ping, job_kind, payload, args,
	raw_code, raw_flow, raw_lock, flow_status, permissioned_as, email,
	schedule_path, is_flow_step, tag, language, priority, timeout_ms,
	suspend, suspend_until, canceled, canceled_by, canceled_reason,
	logs, visible_to_owner, same_worker`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedJob(row rowScanner) (*store.QueuedJob, error) {
	var j store.QueuedJob
	var idStr string
	var parentJob sql.NullString
	var flowStatus, rawFlow, payloadJSON, argsJSON []byte
	var startedAt, lastPing, suspendUntil sql.NullTime
	var timeoutMs sql.NullInt64
	var priority sql.NullInt64
	var jobKind string

	if err := row.Scan(
		&idStr, &j.WorkspaceID, &parentJob, &j.CreatedBy, &j.CreatedAt, &startedAt,
		&j.ScheduledFor, &j.Running, &lastPing, &jobKind, &payloadJSON, &argsJSON,
		&j.RawCode, &rawFlow, &j.RawLock, &flowStatus, &j.PermissionedAs, &j.Email,
		&j.SchedulePath, &j.IsFlowStep, &j.Tag, &j.Language, &priority, &timeoutMs,
		&j.Suspend, &suspendUntil, &j.Canceled, &j.CanceledBy, &j.CanceledReason,
		&j.Logs, &j.VisibleToOwner, &j.SameWorker,
	); err != nil {
		return nil, err
	}

	id, err := jobid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	j.ID = id
	j.JobKind = store.JobKind(jobKind)

	if parentJob.Valid {
		pid, err := jobid.Parse(parentJob.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent job id: %w", err)
		}
		j.ParentJob = &pid
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if lastPing.Valid {
		t := lastPing.Time
		j.LastPing = &t
	}
	if suspendUntil.Valid {
		t := suspendUntil.Time
		j.SuspendUntil = &t
	}
	if priority.Valid {
		p := int(priority.Int64)
		j.Priority = &p
	}
	if timeoutMs.Valid {
		t := time.Duration(timeoutMs.Int64) * time.Millisecond
		j.Timeout = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &j.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if len(flowStatus) > 0 {
		v := value.FromRaw(flowStatus)
		j.FlowStatus = &v
	}
	if len(rawFlow) > 0 {
		v := value.FromRaw(rawFlow)
		j.RawFlow = &v
	}

	return &j, nil
}

// PullJob claims the earliest eligible job with FOR UPDATE SKIP
// LOCKED: concurrent workers never block on, or double-claim, the same
// row.
func (d *DB) PullJob(ctx context.Context, workerTags []string, suspendedOnly bool) (*store.QueuedJob, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + queuedJobColumns + ` FROM queue
		WHERE running = false AND canceled = false AND scheduled_for <= now() AND suspend = 0`
	args := []any{}
	if suspendedOnly {
		query = `SELECT ` + queuedJobColumns + ` FROM queue
			WHERE running = false AND canceled = false AND suspend > 0 AND suspend_until <= now()`
	}
	if len(workerTags) > 0 {
		placeholders := make([]string, len(workerTags))
		for i, t := range workerTags {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, t)
		}
		query += " AND tag IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY priority DESC NULLS LAST, scheduled_for ASC LIMIT 1 FOR UPDATE SKIP LOCKED"

	row := tx.QueryRowContext(ctx, query, args...)
	job, err := scanQueuedJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query next job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue SET running = true, started_at = now(), last_ping = now() WHERE id = $1`, job.ID.String()); err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pull: %w", err)
	}

	job.Running = true
	now := time.Now()
	job.StartedAt = &now
	job.LastPing = &now
	return job, nil
}

func (d *DB) GetQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.QueuedJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+queuedJobColumns+` FROM queue WHERE workspace_id = $1 AND id = $2`, workspaceID, id.String())
	job, err := scanQueuedJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (d *DB) ListQueuedJobs(ctx context.Context, find *store.FindQueuedJob) ([]*store.QueuedJob, error) {
	query := `SELECT ` + queuedJobColumns + ` FROM queue WHERE workspace_id = $1`
	args := []any{find.WorkspaceID}

	add := func(clause string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if find.ID != nil {
		add("id =", find.ID.String())
	}
	if find.ScriptPath != nil {
		add("payload->>'script_path' =", *find.ScriptPath)
	}
	if find.CreatedBy != nil {
		add("created_by =", *find.CreatedBy)
	}
	if find.Running != nil {
		add("running =", *find.Running)
	}
	if find.Suspended != nil {
		if *find.Suspended {
			query += " AND suspend > 0"
		} else {
			query += " AND suspend = 0"
		}
	}
	if find.Tag != nil {
		add("tag =", *find.Tag)
	}
	if find.ParentJob != nil {
		add("parent_job =", find.ParentJob.String())
	}
	if len(find.JobKinds) > 0 {
		placeholders := make([]string, len(find.JobKinds))
		for i, k := range find.JobKinds {
			args = append(args, string(k))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND job_kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at DESC"
	if find.Limit > 0 {
		args = append(args, find.Limit, find.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var out []*store.QueuedJob
	for rows.Next() {
		j, err := scanQueuedJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (d *DB) UpdateFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status value.Value) error {
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET flow_status = $1 WHERE workspace_id = $2 AND id = $3`, []byte(status.Raw()), workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("update flow status: %w", err)
	}
	return nil
}

func (d *DB) SetFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status *value.Value, suspend int, suspendUntil *time.Time) error {
	var statusJSON any
	if status != nil {
		statusJSON = []byte(status.Raw())
	}
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET flow_status = $1, suspend = $2, suspend_until = $3 WHERE workspace_id = $4 AND id = $5`,
		statusJSON, suspend, suspendUntil, workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("set flow status: %w", err)
	}
	return nil
}

func (d *DB) PingJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET last_ping = now() WHERE workspace_id = $1 AND id = $2`, workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("ping job: %w", err)
	}
	return nil
}

func (d *DB) CancelJob(ctx context.Context, workspaceID string, id jobid.ID, by, reason string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET canceled = true, canceled_by = $1, canceled_reason = $2 WHERE workspace_id = $3 AND id = $4`, by, reason, workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func (d *DB) DeleteQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM queue WHERE workspace_id = $1 AND id = $2`, workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("delete queued job: %w", err)
	}
	return nil
}
