package dependency

import (
	"context"
	"hash/fnv"

	"github.com/jobctl/orchestrator/store/db/postgres"
)

// Locker serializes concurrent resolution of the same requirement set
// across workers, so two jobs racing to resolve an identical
// (language, requirements) pair don't both shell out to the same
// toolchain at once. The Postgres driver backs this with
// pg_advisory_lock; the SQLite driver's single connection already
// serializes everything, so it uses a no-op.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// NoopLocker is the SQLite-backed stand-in: no real locking needed
// because modernc.org/sqlite's single open connection already
// serializes every statement (see store/db/sqlite's package doc).
type NoopLocker struct{}

func (NoopLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// LockKeyHash folds a string cache key into the int64 pg_advisory_lock
// expects.
func LockKeyHash(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// PostgresLocker adapts postgres.AdvisoryLocker's int64-keyed API to
// the Locker interface.
type PostgresLocker struct {
	inner *postgres.AdvisoryLocker
}

// NewPostgresLocker wraps an AdvisoryLocker for use as a Locker.
func NewPostgresLocker(l *postgres.AdvisoryLocker) *PostgresLocker {
	return &PostgresLocker{inner: l}
}

func (p *PostgresLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return p.inner.WithLock(ctx, LockKeyHash(key), fn)
}

// ResolveSerialized wraps Cache.Resolve with per-key serialization, so
// concurrent resolutions of the same requirement set don't duplicate
// toolchain work (or, on Postgres, racily interleave non-transactional
// cache inserts).
func (c *Cache) ResolveSerialized(ctx context.Context, locker Locker, r Resolver, languageVersion, content string, rawDeps []string, noCache bool) (string, error) {
	normalized := NormalizeRequirements(rawDeps)
	if normalized == "" {
		normalized = content
	}
	key := Key(r.Language(), languageVersion, normalized)

	var lockfile string
	err := locker.WithLock(ctx, key, func(ctx context.Context) error {
		resolved, err := c.Resolve(ctx, r, languageVersion, content, rawDeps, noCache)
		if err != nil {
			return err
		}
		lockfile = resolved
		return nil
	})
	return lockfile, err
}
