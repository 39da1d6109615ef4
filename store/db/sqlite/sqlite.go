// Package sqlite is the single-node storage driver backing `jobctl
// server --mode=demo`: development and small deployments that don't
// want to stand up Postgres. It trades FOR UPDATE SKIP LOCKED for the
// fact that modernc.org/sqlite is pure Go (no cgo) and that a single
// open connection already serializes every query, which makes job
// dispatch trivially race-free at the cost of true concurrency.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	parent_job TEXT,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	scheduled_for DATETIME NOT NULL,
	running INTEGER NOT NULL DEFAULT 0,
	last_ping DATETIME,
	job_kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	args TEXT,
	raw_code TEXT,
	raw_flow TEXT,
	raw_lock TEXT,
	flow_status TEXT,
	permissioned_as TEXT,
	email TEXT,
	schedule_path TEXT,
	is_flow_step INTEGER NOT NULL DEFAULT 0,
	tag TEXT NOT NULL DEFAULT '',
	language TEXT,
	priority INTEGER,
	timeout_ms INTEGER,
	suspend INTEGER NOT NULL DEFAULT 0,
	suspend_until DATETIME,
	canceled INTEGER NOT NULL DEFAULT 0,
	canceled_by TEXT,
	canceled_reason TEXT,
	logs TEXT NOT NULL DEFAULT '',
	visible_to_owner INTEGER NOT NULL DEFAULT 1,
	same_worker INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS queue_dispatch_idx ON queue (running, scheduled_for, suspend);
CREATE TABLE IF NOT EXISTS completed_job (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	parent_job TEXT,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	job_kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	args TEXT,
	flow_status TEXT,
	permissioned_as TEXT,
	email TEXT,
	schedule_path TEXT,
	is_flow_step INTEGER NOT NULL DEFAULT 0,
	tag TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	result TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	is_skipped INTEGER NOT NULL DEFAULT 0,
	canceled INTEGER NOT NULL DEFAULT 0,
	canceled_by TEXT,
	canceled_reason TEXT,
	logs TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS resume_job (
	id TEXT PRIMARY KEY,
	resume_id INTEGER NOT NULL,
	job TEXT NOT NULL,
	flow TEXT NOT NULL,
	value TEXT,
	approver TEXT,
	is_cancel INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS resume_job_flow_idx ON resume_job (flow);
CREATE TABLE IF NOT EXISTS dependency_map (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	importer_path TEXT NOT NULL,
	importer_kind TEXT NOT NULL,
	importer_node_id TEXT,
	imported_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS dependency_map_imported_idx ON dependency_map (workspace_id, imported_path);
CREATE TABLE IF NOT EXISTS dependency_cache (
	key TEXT PRIMARY KEY,
	language TEXT NOT NULL,
	lockfile TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS token (
	token TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	label TEXT,
	expiration DATETIME,
	super_admin INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	scopes TEXT
);
CREATE TABLE IF NOT EXISTS workspace_setting (
	workspace_id TEXT PRIMARY KEY,
	premium INTEGER NOT NULL DEFAULT 0,
	signing_key TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS trigger_lease (
	workspace_id TEXT NOT NULL,
	trigger_path TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	server_id TEXT NOT NULL,
	last_server_ping DATETIME NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	error TEXT,
	PRIMARY KEY (workspace_id, trigger_path)
);
CREATE TABLE IF NOT EXISTS trigger_capture (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	trigger_path TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	payload TEXT,
	trigger_info TEXT,
	created_at DATETIME NOT NULL
);
`

// DB is the SQLite-backed store.Driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at profile.DSN.
func NewDB(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", p.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", p.DSN)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, pragma := range pragmas {
		if _, err := sqliteDB.Exec(pragma); err != nil {
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	// A single connection turns every statement into a de-facto
	// critical section, which is what lets PullJob below dispense
	// with SELECT ... FOR UPDATE SKIP LOCKED.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)

	return &DB{db: sqliteDB, profile: p}, nil
}

func (d *DB) GetDB() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "failed to apply schema")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PushJob inserts a new queue row.
func (d *DB) PushJob(ctx context.Context, job *store.QueuedJob) error {
	payloadJSON, err := marshalJSON(job.Payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	argsJSON, err := marshalJSON(job.Args)
	if err != nil {
		return errors.Wrap(err, "marshal args")
	}

	var parentJob any
	if job.ParentJob != nil {
		parentJob = job.ParentJob.String()
	}
	var flowStatus any
	if job.FlowStatus != nil {
		flowStatus = string(job.FlowStatus.Raw())
	}
	var rawFlow any
	if job.RawFlow != nil {
		rawFlow = string(job.RawFlow.Raw())
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
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID.String(), job.WorkspaceID, parentJob, job.CreatedBy, job.CreatedAt, nullTime(job.StartedAt),
		job.ScheduledFor, job.Running, nullTime(job.LastPing), string(job.JobKind), payloadJSON, argsJSON,
		job.RawCode, rawFlow, job.RawLock, flowStatus, job.PermissionedAs, job.Email,
		job.SchedulePath, job.IsFlowStep, job.Tag, job.Language, job.Priority, timeoutMs,
		job.Suspend, nullTime(job.SuspendUntil), job.Canceled, job.CanceledBy, job.CanceledReason,
		job.Logs, job.VisibleToOwner, job.SameWorker,
	)
	return errors.Wrap(err, "insert queue row")
}

const queuedJobColumns = `
	id, workspace_id, parent_job, created_by, created_at, started_at,
	scheduled_for, running, last_ping, job_kind, payload, args,
	raw_code, raw_flow, raw_lock, flow_status, permissioned_as, email,
	schedule_path, is_flow_step, tag, language, priority, timeout_ms,
	suspend, suspend_until, canceled, canceled_by, canceled_reason,
	logs, visible_to_owner, same_worker`

func scanQueuedJob(row *sql.Rows) (*store.QueuedJob, error) {
	var j store.QueuedJob
	var idStr string
	var parentJob, flowStatus, rawFlow, payloadJSON, argsJSON sql.NullString
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
		return nil, errors.Wrap(err, "parse job id")
	}
	j.ID = id
	j.JobKind = store.JobKind(jobKind)

	if parentJob.Valid {
		pid, err := jobid.Parse(parentJob.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse parent job id")
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
	if payloadJSON.Valid {
		if err := json.Unmarshal([]byte(payloadJSON.String), &j.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload")
		}
	}
	if argsJSON.Valid {
		if err := json.Unmarshal([]byte(argsJSON.String), &j.Args); err != nil {
			return nil, errors.Wrap(err, "unmarshal args")
		}
	}
	if flowStatus.Valid {
		v := value.FromRaw([]byte(flowStatus.String))
		j.FlowStatus = &v
	}
	if rawFlow.Valid {
		v := value.FromRaw([]byte(rawFlow.String))
		j.RawFlow = &v
	}

	return &j, nil
}

// PullJob claims the earliest eligible job: a non-suspended one, or
// with suspendedOnly a suspended one whose suspend_until has passed. The single
// open connection makes this atomic without row locking: no other
// statement can interleave between the SELECT and the UPDATE.
func (d *DB) PullJob(ctx context.Context, workerTags []string, suspendedOnly bool) (*store.QueuedJob, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	query := `SELECT ` + queuedJobColumns + ` FROM queue
		WHERE running = 0 AND canceled = 0 AND scheduled_for <= CURRENT_TIMESTAMP
		AND suspend = 0`
	args := []any{}
	if suspendedOnly {
		query = `SELECT ` + queuedJobColumns + ` FROM queue
			WHERE running = 0 AND canceled = 0 AND suspend > 0 AND suspend_until <= CURRENT_TIMESTAMP`
	}
	if len(workerTags) > 0 {
		placeholders := make([]string, len(workerTags))
		for i, t := range workerTags {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += " AND tag IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY priority DESC NULLS LAST, scheduled_for ASC LIMIT 1"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query next job")
	}
	if !rows.Next() {
		rows.Close()
		return nil, nil
	}
	job, err := scanQueuedJob(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue SET running = 1, started_at = CURRENT_TIMESTAMP, last_ping = CURRENT_TIMESTAMP WHERE id = ?`, job.ID.String()); err != nil {
		return nil, errors.Wrap(err, "mark job running")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit pull")
	}

	job.Running = true
	now := time.Now()
	job.StartedAt = &now
	job.LastPing = &now
	return job, nil
}

func (d *DB) GetQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.QueuedJob, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+queuedJobColumns+` FROM queue WHERE workspace_id = ? AND id = ?`, workspaceID, id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query job")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanQueuedJob(rows)
}

func (d *DB) ListQueuedJobs(ctx context.Context, find *store.FindQueuedJob) ([]*store.QueuedJob, error) {
	query := `SELECT ` + queuedJobColumns + ` FROM queue WHERE workspace_id = ?`
	args := []any{find.WorkspaceID}

	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, find.ID.String())
	}
	if find.ScriptPath != nil {
		query += " AND json_extract(payload, '$.script_path') = ?"
		args = append(args, *find.ScriptPath)
	}
	if find.CreatedBy != nil {
		query += " AND created_by = ?"
		args = append(args, *find.CreatedBy)
	}
	if find.Running != nil {
		query += " AND running = ?"
		args = append(args, *find.Running)
	}
	if find.Suspended != nil {
		if *find.Suspended {
			query += " AND suspend > 0"
		} else {
			query += " AND suspend = 0"
		}
	}
	if find.Tag != nil {
		query += " AND tag = ?"
		args = append(args, *find.Tag)
	}
	if find.ParentJob != nil {
		query += " AND parent_job = ?"
		args = append(args, find.ParentJob.String())
	}
	if len(find.JobKinds) > 0 {
		placeholders := make([]string, len(find.JobKinds))
		for i, k := range find.JobKinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " AND job_kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at DESC"
	if find.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, find.Limit, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list queued jobs")
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
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET flow_status = ? WHERE workspace_id = ? AND id = ?`, string(status.Raw()), workspaceID, id.String())
	return errors.Wrap(err, "update flow status")
}

func (d *DB) SetFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status *value.Value, suspend int, suspendUntil *time.Time) error {
	var statusJSON any
	if status != nil {
		statusJSON = string(status.Raw())
	}
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET flow_status = ?, suspend = ?, suspend_until = ? WHERE workspace_id = ? AND id = ?`,
		statusJSON, suspend, nullTime(suspendUntil), workspaceID, id.String())
	return errors.Wrap(err, "set flow status")
}

func (d *DB) PingJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET last_ping = CURRENT_TIMESTAMP WHERE workspace_id = ? AND id = ?`, workspaceID, id.String())
	return errors.Wrap(err, "ping job")
}

func (d *DB) CancelJob(ctx context.Context, workspaceID string, id jobid.ID, by, reason string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE queue SET canceled = 1, canceled_by = ?, canceled_reason = ? WHERE workspace_id = ? AND id = ?`, by, reason, workspaceID, id.String())
	return errors.Wrap(err, "cancel job")
}

func (d *DB) DeleteQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM queue WHERE workspace_id = ? AND id = ?`, workspaceID, id.String())
	return errors.Wrap(err, "delete queued job")
}

// CompleteJob moves a queue row to completed_job. Using INSERT OR
// REPLACE on the primary key is what gives complete() its
// at-least-once-safe idempotency: a redelivered completion for a job
// already marked done is a harmless overwrite with identical values.
func (d *DB) CompleteJob(ctx context.Context, params *store.CompleteJobParams) (*store.CompletedJob, error) {
	job, err := d.GetQueuedJob(ctx, params.WorkspaceID, params.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Already completed by a prior delivery; return existing row.
		return d.GetCompletedJob(ctx, params.WorkspaceID, params.ID)
	}

	payloadJSON, err := marshalJSON(job.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	argsJSON, err := marshalJSON(job.Args)
	if err != nil {
		return nil, errors.Wrap(err, "marshal args")
	}
	var flowStatus any
	if job.FlowStatus != nil {
		flowStatus = string(job.FlowStatus.Raw())
	}

	logs := job.Logs + params.AppendedLogs

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO completed_job (
			id, workspace_id, parent_job, created_by, created_at, started_at,
			job_kind, payload, args, flow_status, permissioned_as, email,
			schedule_path, is_flow_step, tag, duration_ms, success, result,
			deleted, is_skipped, canceled, canceled_by, canceled_reason, logs
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID.String(), job.WorkspaceID, nullableParent(job.ParentJob), job.CreatedBy, job.CreatedAt, nullTime(job.StartedAt),
		string(job.JobKind), payloadJSON, argsJSON, flowStatus, job.PermissionedAs, job.Email,
		job.SchedulePath, job.IsFlowStep, job.Tag, params.DurationMs, params.Success, string(params.Result.Raw()),
		false, params.IsSkipped, params.Canceled, params.CanceledBy, params.CanceledReason, logs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert completed job")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE workspace_id = ? AND id = ?`, params.WorkspaceID, params.ID.String()); err != nil {
		return nil, errors.Wrap(err, "delete queue row")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit complete")
	}

	return d.GetCompletedJob(ctx, params.WorkspaceID, params.ID)
}

func nullableParent(id *jobid.ID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

const completedJobColumns = `
	id, workspace_id, parent_job, created_by, created_at, started_at,
	job_kind, payload, args, flow_status, permissioned_as, email,
	schedule_path, is_flow_step, tag, duration_ms, success, result,
	deleted, is_skipped, canceled, canceled_by, canceled_reason, logs`

func scanCompletedJob(rows *sql.Rows) (*store.CompletedJob, error) {
	var c store.CompletedJob
	var idStr string
	var parentJob, flowStatus, payloadJSON, argsJSON, resultJSON sql.NullString
	var startedAt sql.NullTime
	var jobKind string

	if err := rows.Scan(
		&idStr, &c.WorkspaceID, &parentJob, &c.CreatedBy, &c.CreatedAt, &startedAt,
		&jobKind, &payloadJSON, &argsJSON, &flowStatus, &c.PermissionedAs, &c.Email,
		&c.SchedulePath, &c.IsFlowStep, &c.Tag, &c.DurationMs, &c.Success, &resultJSON,
		&c.Deleted, &c.IsSkipped, &c.Canceled, &c.CanceledBy, &c.CanceledReason, &c.Logs,
	); err != nil {
		return nil, err
	}

	id, err := jobid.Parse(idStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse job id")
	}
	c.ID = id
	c.JobKind = store.JobKind(jobKind)
	if parentJob.Valid {
		pid, err := jobid.Parse(parentJob.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse parent job id")
		}
		c.ParentJob = &pid
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	if payloadJSON.Valid {
		if err := json.Unmarshal([]byte(payloadJSON.String), &c.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal payload")
		}
	}
	if argsJSON.Valid {
		if err := json.Unmarshal([]byte(argsJSON.String), &c.Args); err != nil {
			return nil, errors.Wrap(err, "unmarshal args")
		}
	}
	if flowStatus.Valid {
		v := value.FromRaw([]byte(flowStatus.String))
		c.FlowStatus = &v
	}
	if resultJSON.Valid {
		c.Result = value.FromRaw([]byte(resultJSON.String))
	}
	return &c, nil
}

func (d *DB) GetCompletedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.CompletedJob, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+completedJobColumns+` FROM completed_job WHERE workspace_id = ? AND id = ?`, workspaceID, id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query completed job")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanCompletedJob(rows)
}

func (d *DB) ListCompletedJobs(ctx context.Context, find *store.FindCompletedJob) ([]*store.CompletedJob, error) {
	query := `SELECT ` + completedJobColumns + ` FROM completed_job WHERE workspace_id = ?`
	args := []any{find.WorkspaceID}
	if find.ID != nil {
		query += " AND id = ?"
		args = append(args, find.ID.String())
	}
	if find.Success != nil {
		query += " AND success = ?"
		args = append(args, *find.Success)
	}
	if find.CreatedBy != nil {
		query += " AND created_by = ?"
		args = append(args, *find.CreatedBy)
	}
	query += " ORDER BY created_at DESC"
	if find.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, find.Limit, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list completed jobs")
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
	_, err := d.db.ExecContext(ctx, `UPDATE completed_job SET result = NULL, deleted = 1 WHERE workspace_id = ? AND id = ?`, workspaceID, id.String())
	return errors.Wrap(err, "delete completed job result")
}

// CreateResumeJob relies on the caller deriving ID deterministically
// (job.Xor(resume_id)); INSERT OR IGNORE makes a duplicate
// submission a no-op rather than a constraint error.
func (d *DB) CreateResumeJob(ctx context.Context, params *store.CreateResumeJob) (*store.ResumeJob, error) {
	id := params.Job.Xor(jobid.FromUint32(params.ResumeID))
	valueJSON := string(params.Value.Raw())

	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO resume_job (id, resume_id, job, flow, value, approver, is_cancel, created_at)
		VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		id.String(), params.ResumeID, params.Job.String(), params.Flow.String(), valueJSON, params.Approver, params.IsCancel,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert resume job")
	}

	rows, err := d.db.QueryContext(ctx, `SELECT id, resume_id, job, flow, value, approver, is_cancel, created_at FROM resume_job WHERE id = ?`, id.String())
	if err != nil {
		return nil, errors.Wrap(err, "query resume job")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, errors.New("resume job not found after insert")
	}
	return scanResumeJob(rows)
}

func scanResumeJob(rows *sql.Rows) (*store.ResumeJob, error) {
	var r store.ResumeJob
	var idStr, jobStr, flowStr string
	var valueJSON sql.NullString

	if err := rows.Scan(&idStr, &r.ResumeID, &jobStr, &flowStr, &valueJSON, &r.Approver, &r.IsCancel, &r.CreatedAt); err != nil {
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
	if valueJSON.Valid {
		r.Value = value.FromRaw([]byte(valueJSON.String))
	}
	return &r, nil
}

func (d *DB) ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*store.ResumeJob, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id, resume_id, job, flow, value, approver, is_cancel, created_at FROM resume_job WHERE flow = ? ORDER BY created_at ASC`, flow.String())
	if err != nil {
		return nil, errors.Wrap(err, "list resume jobs")
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
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resume_job WHERE flow = ? AND is_cancel = 0`, flow.String()).Scan(&approved)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count approved")
	}
	err = d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resume_job WHERE flow = ? AND is_cancel = 1`, flow.String()).Scan(&disapproved)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count disapproved")
	}
	return approved, disapproved, nil
}

func (d *DB) UpsertDependencyMap(ctx context.Context, entries []*store.DependencyMapEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO dependency_map (id, workspace_id, importer_path, importer_kind, importer_node_id, imported_path)
			VALUES (?,?,?,?,?,?)`,
			e.ID, e.WorkspaceID, e.ImporterPath, e.ImporterKind, e.ImporterNodeID, e.ImportedPath,
		); err != nil {
			return errors.Wrap(err, "upsert dependency map entry")
		}
	}
	return tx.Commit()
}

func (d *DB) FindDependents(ctx context.Context, find *store.FindDependencyMap) ([]*store.DependencyMapEntry, error) {
	query := `SELECT id, workspace_id, importer_path, importer_kind, importer_node_id, imported_path FROM dependency_map WHERE workspace_id = ?`
	args := []any{find.WorkspaceID}
	if find.ImportedPath != nil {
		query += " AND imported_path = ?"
		args = append(args, *find.ImportedPath)
	}
	if find.ImporterPath != nil {
		query += " AND importer_path = ?"
		args = append(args, *find.ImporterPath)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find dependents")
	}
	defer rows.Close()

	var out []*store.DependencyMapEntry
	for rows.Next() {
		var e store.DependencyMapEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ImporterPath, &e.ImporterKind, &e.ImporterNodeID, &e.ImportedPath); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (d *DB) GetDependencyCache(ctx context.Context, key string) (*store.DependencyCacheEntry, error) {
	var e store.DependencyCacheEntry
	err := d.db.QueryRowContext(ctx, `SELECT key, language, lockfile, created_at, expires_at FROM dependency_cache WHERE key = ? AND expires_at > CURRENT_TIMESTAMP`, key).
		Scan(&e.Key, &e.Language, &e.Lockfile, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get dependency cache")
	}
	return &e, nil
}

func (d *DB) PutDependencyCache(ctx context.Context, e *store.DependencyCacheEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dependency_cache (key, language, lockfile, created_at, expires_at)
		VALUES (?,?,?,?,?)`, e.Key, e.Language, e.Lockfile, e.CreatedAt, e.ExpiresAt)
	return errors.Wrap(err, "put dependency cache")
}

func (d *DB) GetToken(ctx context.Context, token string) (*store.Token, error) {
	var t store.Token
	var scopesJSON sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT token, email, label, expiration, super_admin, last_used_at, scopes FROM token WHERE token = ?`, token).
		Scan(&t.Token, &t.Email, &t.Label, &t.Expiration, &t.SuperAdmin, &t.LastUsedAt, &scopesJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get token")
	}
	if scopesJSON.Valid {
		_ = json.Unmarshal([]byte(scopesJSON.String), &t.Scopes)
	}
	return &t, nil
}

func (d *DB) TouchToken(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE token SET last_used_at = CURRENT_TIMESTAMP WHERE token = ?`, token)
	return errors.Wrap(err, "touch token")
}

func (d *DB) GetWorkspaceSetting(ctx context.Context, workspaceID string) (*store.WorkspaceSetting, error) {
	var ws store.WorkspaceSetting
	err := d.db.QueryRowContext(ctx, `SELECT workspace_id, premium, signing_key FROM workspace_setting WHERE workspace_id = ?`, workspaceID).
		Scan(&ws.WorkspaceID, &ws.Premium, &ws.SigningKey)
	if err == sql.ErrNoRows {
		return &store.WorkspaceSetting{WorkspaceID: workspaceID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get workspace setting")
	}
	return &ws, nil
}

// AcquireTriggerLease implements the leader-election upsert: a server
// becomes (or remains) leader when no row exists, or when the existing
// lease's last heartbeat is older than staleAfter.
func (d *DB) AcquireTriggerLease(ctx context.Context, workspaceID, triggerPath, triggerKind, serverID string, staleAfter time.Duration) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var existingServer string
	var lastPing time.Time
	err = tx.QueryRowContext(ctx, `SELECT server_id, last_server_ping FROM trigger_lease WHERE workspace_id = ? AND trigger_path = ?`, workspaceID, triggerPath).
		Scan(&existingServer, &lastPing)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_lease (workspace_id, trigger_path, trigger_kind, server_id, last_server_ping, enabled)
			VALUES (?,?,?,?,CURRENT_TIMESTAMP,1)`, workspaceID, triggerPath, triggerKind, serverID); err != nil {
			return false, errors.Wrap(err, "insert trigger lease")
		}
	case err != nil:
		return false, errors.Wrap(err, "query trigger lease")
	case existingServer == serverID:
		if _, err := tx.ExecContext(ctx, `UPDATE trigger_lease SET last_server_ping = CURRENT_TIMESTAMP WHERE workspace_id = ? AND trigger_path = ?`, workspaceID, triggerPath); err != nil {
			return false, errors.Wrap(err, "refresh own lease")
		}
	case time.Since(lastPing) > staleAfter:
		if _, err := tx.ExecContext(ctx, `UPDATE trigger_lease SET server_id = ?, last_server_ping = CURRENT_TIMESTAMP WHERE workspace_id = ? AND trigger_path = ?`, serverID, workspaceID, triggerPath); err != nil {
			return false, errors.Wrap(err, "steal stale lease")
		}
	default:
		return false, tx.Commit()
	}

	return true, tx.Commit()
}

func (d *DB) HeartbeatTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE trigger_lease SET last_server_ping = CURRENT_TIMESTAMP WHERE workspace_id = ? AND trigger_path = ? AND server_id = ?`, workspaceID, triggerPath, serverID)
	if err != nil {
		return errors.Wrap(err, "heartbeat trigger lease")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.New("lease not held by this server")
	}
	return nil
}

func (d *DB) ReleaseTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM trigger_lease WHERE workspace_id = ? AND trigger_path = ? AND server_id = ?`, workspaceID, triggerPath, serverID)
	return errors.Wrap(err, "release trigger lease")
}

func (d *DB) InsertTriggerCapture(ctx context.Context, c *store.TriggerCapture) error {
	payloadJSON := string(c.Payload.Raw())
	infoJSON := string(c.TriggerInfo.Raw())
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO trigger_capture (id, workspace_id, trigger_path, trigger_kind, payload, trigger_info, created_at)
		VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)`, c.ID, c.WorkspaceID, c.TriggerPath, c.TriggerKind, payloadJSON, infoJSON)
	return errors.Wrap(err, "insert trigger capture")
}
