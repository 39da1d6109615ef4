// Package postgres is the production storage driver: multi-worker job
// dispatch backed by `SELECT ... FOR UPDATE SKIP LOCKED`, idempotent
// completion via ON CONFLICT upserts, and advisory locks serializing
// per-requirement-set dependency resolution across workers.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	parent_job TEXT,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	scheduled_for TIMESTAMPTZ NOT NULL DEFAULT now(),
	running BOOLEAN NOT NULL DEFAULT false,
	last_ping TIMESTAMPTZ,
	job_kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	args JSONB,
	raw_code TEXT,
	raw_flow JSONB,
	raw_lock TEXT,
	flow_status JSONB,
	permissioned_as TEXT NOT NULL,
	email TEXT NOT NULL,
	schedule_path TEXT,
	is_flow_step BOOLEAN NOT NULL DEFAULT false,
	tag TEXT NOT NULL DEFAULT '',
	language TEXT,
	priority INTEGER,
	timeout_ms BIGINT,
	suspend INTEGER NOT NULL DEFAULT 0,
	suspend_until TIMESTAMPTZ,
	canceled BOOLEAN NOT NULL DEFAULT false,
	canceled_by TEXT,
	canceled_reason TEXT,
	logs TEXT NOT NULL DEFAULT '',
	visible_to_owner BOOLEAN NOT NULL DEFAULT true,
	same_worker BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS queue_dispatch_idx ON queue (suspend, scheduled_for) WHERE running = false AND canceled = false;
CREATE TABLE IF NOT EXISTS completed_job (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	parent_job TEXT,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	job_kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	args JSONB,
	flow_status JSONB,
	permissioned_as TEXT NOT NULL,
	email TEXT NOT NULL,
	schedule_path TEXT,
	is_flow_step BOOLEAN NOT NULL DEFAULT false,
	tag TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL DEFAULT false,
	result JSONB,
	deleted BOOLEAN NOT NULL DEFAULT false,
	is_skipped BOOLEAN NOT NULL DEFAULT false,
	canceled BOOLEAN NOT NULL DEFAULT false,
	canceled_by TEXT,
	canceled_reason TEXT,
	logs TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS resume_job (
	id TEXT PRIMARY KEY,
	resume_id BIGINT NOT NULL,
	job TEXT NOT NULL,
	flow TEXT NOT NULL,
	value JSONB,
	approver TEXT,
	is_cancel BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS token (
	token TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	label TEXT,
	expiration TIMESTAMPTZ,
	super_admin BOOLEAN NOT NULL DEFAULT false,
	last_used_at TIMESTAMPTZ,
	scopes TEXT[]
);
CREATE TABLE IF NOT EXISTS workspace_setting (
	workspace_id TEXT PRIMARY KEY,
	premium BOOLEAN NOT NULL DEFAULT false,
	signing_key TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS trigger_lease (
	workspace_id TEXT NOT NULL,
	trigger_path TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	server_id TEXT NOT NULL,
	last_server_ping TIMESTAMPTZ NOT NULL DEFAULT now(),
	enabled BOOLEAN NOT NULL DEFAULT true,
	error TEXT,
	PRIMARY KEY (workspace_id, trigger_path)
);
CREATE TABLE IF NOT EXISTS trigger_capture (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	trigger_path TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	payload JSONB,
	trigger_info JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the Postgres-backed store.Driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the Postgres connection pool described by profile.DSN.
func NewDB(p *profile.Profile) (store.Driver, error) {
	if p.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}
	db, err := sql.Open("postgres", p.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	db.SetMaxOpenConns(max(4, p.WorkerSlots*2))
	db.SetMaxIdleConns(4)

	return &DB{db: db, profile: p}, nil
}

func (d *DB) GetDB() *sql.DB { return d.db }

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
