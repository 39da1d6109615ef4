package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// CompleteJob moves a queue row into completed_job. ON CONFLICT (id)
// DO UPDATE is what makes complete() safe to redeliver: a worker that
// crashes after committing but before acking gets retried, and the
// second completion just overwrites identical columns.
func (d *DB) CompleteJob(ctx context.Context, params *store.CompleteJobParams) (*store.CompletedJob, error) {
	job, err := d.GetQueuedJob(ctx, params.WorkspaceID, params.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return d.GetCompletedJob(ctx, params.WorkspaceID, params.ID)
	}

	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	argsJSON, err := json.Marshal(job.Args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	var flowStatus any
	if job.FlowStatus != nil {
		flowStatus = []byte(job.FlowStatus.Raw())
	}
	var parentJob any
	if job.ParentJob != nil {
		parentJob = job.ParentJob.String()
	}

	logs := job.Logs + params.AppendedLogs

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completed_job (
			id, workspace_id, parent_job, created_by, created_at, started_at,
			job_kind, payload, args, flow_status, permissioned_as, email,
			schedule_path, is_flow_step, tag, duration_ms, success, result,
			deleted, is_skipped, canceled, canceled_by, canceled_reason, logs
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET
			duration_ms = EXCLUDED.duration_ms,
			success = EXCLUDED.success,
			result = EXCLUDED.result,
			is_skipped = EXCLUDED.is_skipped,
			canceled = EXCLUDED.canceled,
			canceled_by = EXCLUDED.canceled_by,
			canceled_reason = EXCLUDED.canceled_reason,
			logs = EXCLUDED.logs`,
		job.ID.String(), job.WorkspaceID, parentJob, job.CreatedBy, job.CreatedAt, job.StartedAt,
		string(job.JobKind), payloadJSON, argsJSON, flowStatus, job.PermissionedAs, job.Email,
		job.SchedulePath, job.IsFlowStep, job.Tag, params.DurationMs, params.Success, []byte(params.Result.Raw()),
		false, params.IsSkipped, params.Canceled, params.CanceledBy, params.CanceledReason, logs,
	)
	if err != nil {
		return nil, fmt.Errorf("insert completed job: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE workspace_id = $1 AND id = $2`, params.WorkspaceID, params.ID.String()); err != nil {
		return nil, fmt.Errorf("delete queue row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete: %w", err)
	}

	return d.GetCompletedJob(ctx, params.WorkspaceID, params.ID)
}

const completedJobColumns = `
	id, workspace_id, parent_job, created_by, created_at, started_at,
	job_kind, payload, args, flow_status, permissioned_as, email,
	schedule_path, is_flow_step, tag, duration_ms, success, result,
	deleted, is_skipped, canceled, canceled_by, canceled_reason, logs`

func scanCompletedJob(row rowScanner) (*store.CompletedJob, error) {
	var c store.CompletedJob
	var idStr string
	var parentJob sql.NullString
	var flowStatus, payloadJSON, argsJSON, resultJSON []byte
	var startedAt sql.NullTime
	var jobKind string

	if err := row.Scan(
		&idStr, &c.WorkspaceID, &parentJob, &c.CreatedBy, &c.CreatedAt, &startedAt,
		&jobKind, &payloadJSON, &argsJSON, &flowStatus, &c.PermissionedAs, &c.Email,
		&c.SchedulePath, &c.IsFlowStep, &c.Tag, &c.DurationMs, &c.Success, &resultJSON,
		&c.Deleted, &c.IsSkipped, &c.Canceled, &c.CanceledBy, &c.CanceledReason, &c.Logs,
	); err != nil {
		return nil, err
	}

	id, err := jobid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	c.ID = id
	c.JobKind = store.JobKind(jobKind)
	if parentJob.Valid {
		pid, err := jobid.Parse(parentJob.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent job id: %w", err)
		}
		c.ParentJob = &pid
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &c.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if len(flowStatus) > 0 {
		v := value.FromRaw(flowStatus)
		c.FlowStatus = &v
	}
	if len(resultJSON) > 0 {
		c.Result = value.FromRaw(resultJSON)
	}
	return &c, nil
}

func (d *DB) GetCompletedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.CompletedJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+completedJobColumns+` FROM completed_job WHERE workspace_id = $1 AND id = $2`, workspaceID, id.String())
	c, err := scanCompletedJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query completed job: %w", err)
	}
	return c, nil
}

func (d *DB) ListCompletedJobs(ctx context.Context, find *store.FindCompletedJob) ([]*store.CompletedJob, error) {
	query := `SELECT ` + completedJobColumns + ` FROM completed_job WHERE workspace_id = $1`
	args := []any{find.WorkspaceID}

	if find.ID != nil {
		args = append(args, find.ID.String())
		query += fmt.Sprintf(" AND id = $%d", len(args))
	}
	if find.Success != nil {
		args = append(args, *find.Success)
		query += fmt.Sprintf(" AND success = $%d", len(args))
	}
	if find.CreatedBy != nil {
		args = append(args, *find.CreatedBy)
		query += fmt.Sprintf(" AND created_by = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if find.Limit > 0 {
		args = append(args, find.Limit, find.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completed jobs: %w", err)
	}
	defer rows.Close()

	var out []*store.CompletedJob
	for rows.Next() {
		c, err := scanCompletedJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) DeleteCompletedJobResult(ctx context.Context, workspaceID string, id jobid.ID) error {
	_, err := d.db.ExecContext(ctx, `UPDATE completed_job SET result = NULL, deleted = true WHERE workspace_id = $1 AND id = $2`, workspaceID, id.String())
	if err != nil {
		return fmt.Errorf("delete completed job result: %w", err)
	}
	return nil
}
