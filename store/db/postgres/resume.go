package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// CreateResumeJob relies on the caller deriving ID deterministically
// (job.Xor(resume_id)); ON CONFLICT DO NOTHING makes a duplicate resume
// submission idempotent instead of a constraint error.
func (d *DB) CreateResumeJob(ctx context.Context, params *store.CreateResumeJob) (*store.ResumeJob, error) {
	id := params.Job.Xor(jobid.FromUint32(params.ResumeID))

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO resume_job (id, resume_id, job, flow, value, approver, is_cancel, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (id) DO NOTHING`,
		id.String(), params.ResumeID, params.Job.String(), params.Flow.String(), []byte(params.Value.Raw()), params.Approver, params.IsCancel,
	)
	if err != nil {
		return nil, fmt.Errorf("insert resume job: %w", err)
	}

	row := d.db.QueryRowContext(ctx, `SELECT id, resume_id, job, flow, value, approver, is_cancel, created_at FROM resume_job WHERE id = $1`, id.String())
	return scanResumeJob(row)
}

func scanResumeJob(row rowScanner) (*store.ResumeJob, error) {
	var r store.ResumeJob
	var idStr, jobStr, flowStr string
	var valueJSON []byte

	if err := row.Scan(&idStr, &r.ResumeID, &jobStr, &flowStr, &valueJSON, &r.Approver, &r.IsCancel, &r.CreatedAt); err != nil {
		return nil, err
	}
	id, err := jobid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	job, err := jobid.Parse(jobStr)
	if err != nil {
		return nil, err
	}
	flow, err := jobid.Parse(flowStr)
	if err != nil {
		return nil, err
	}
	r.ID, r.Job, r.Flow = id, job, flow
	if len(valueJSON) > 0 {
		r.Value = value.FromRaw(valueJSON)
	}
	return &r, nil
}

func (d *DB) ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*store.ResumeJob, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, resume_id, job, flow, value, approver, is_cancel, created_at FROM resume_job WHERE flow = $1 ORDER BY created_at ASC`, flow.String())
	if err != nil {
		return nil, fmt.Errorf("list resume jobs: %w", err)
	}
	defer rows.Close()

	var out []*store.ResumeJob
	for rows.Next() {
		r, err := scanResumeJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) CountResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) (int, int, error) {
	var approved, disapproved int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resume_job WHERE flow = $1 AND is_cancel = false`, flow.String()).Scan(&approved)
	if err != nil {
		return 0, 0, fmt.Errorf("count approved: %w", err)
	}
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resume_job WHERE flow = $1 AND is_cancel = true`, flow.String()).Scan(&disapproved)
	if err != nil {
		return 0, 0, fmt.Errorf("count disapproved: %w", err)
	}
	return approved, disapproved, nil
}

func (d *DB) GetToken(ctx context.Context, token string) (*store.Token, error) {
	var t store.Token
	var scopes []string
	err := d.db.QueryRowContext(ctx, `SELECT token, email, label, expiration, super_admin, last_used_at, scopes FROM token WHERE token = $1`, token).
		Scan(&t.Token, &t.Email, &t.Label, &t.Expiration, &t.SuperAdmin, &t.LastUsedAt, pq.Array(&scopes))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	t.Scopes = scopes
	return &t, nil
}

func (d *DB) TouchToken(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE token SET last_used_at = now() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

func (d *DB) GetWorkspaceSetting(ctx context.Context, workspaceID string) (*store.WorkspaceSetting, error) {
	var ws store.WorkspaceSetting
	err := d.db.QueryRowContext(ctx, `SELECT workspace_id, premium, signing_key FROM workspace_setting WHERE workspace_id = $1`, workspaceID).
		Scan(&ws.WorkspaceID, &ws.Premium, &ws.SigningKey)
	if err == sql.ErrNoRows {
		return &store.WorkspaceSetting{WorkspaceID: workspaceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace setting: %w", err)
	}
	return &ws, nil
}
