package postgres

import (
	"context"
	"database/sql"
)

// AdvisoryLocker wraps pg_advisory_lock/pg_advisory_unlock around fn,
// serializing concurrent callers that pass the same key across every
// worker connected to this database — the dependency resolver's
// per-requirement-set install serialization (§4.3).
type AdvisoryLocker struct {
	db *sql.DB
}

// NewAdvisoryLocker builds an AdvisoryLocker over db.
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// WithLock acquires pg_advisory_lock(keyHash) on a dedicated
// connection, runs fn, and releases the lock whether or not fn
// succeeds. A dedicated connection is required: advisory locks are
// session-scoped, and the pool could otherwise hand the unlock call to
// a different backend than the one holding the lock.
func (l *AdvisoryLocker) WithLock(ctx context.Context, keyHash int64, fn func(ctx context.Context) error) error {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, keyHash); err != nil {
		return err
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, keyHash)

	return fn(ctx)
}
