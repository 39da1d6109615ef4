package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jobctl/orchestrator/store"
)

func (d *DB) UpsertDependencyMap(ctx context.Context, entries []*store.DependencyMapEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependency_map (id, workspace_id, importer_path, importer_kind, importer_node_id, imported_path)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id) DO UPDATE SET imported_path = EXCLUDED.imported_path`,
			e.ID, e.WorkspaceID, e.ImporterPath, e.ImporterKind, e.ImporterNodeID, e.ImportedPath,
		); err != nil {
			return fmt.Errorf("upsert dependency map entry: %w", err)
		}
	}
	return tx.Commit()
}

func (d *DB) FindDependents(ctx context.Context, find *store.FindDependencyMap) ([]*store.DependencyMapEntry, error) {
	query := `SELECT id, workspace_id, importer_path, importer_kind, importer_node_id, imported_path FROM dependency_map WHERE workspace_id = $1`
	args := []any{find.WorkspaceID}
	if find.ImportedPath != nil {
		args = append(args, *find.ImportedPath)
		query += fmt.Sprintf(" AND imported_path = $%d", len(args))
	}
	if find.ImporterPath != nil {
		args = append(args, *find.ImporterPath)
		query += fmt.Sprintf(" AND importer_path = $%d", len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find dependents: %w", err)
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
	err := d.db.QueryRowContext(ctx, `SELECT key, language, lockfile, created_at, expires_at FROM dependency_cache WHERE key = $1 AND expires_at > now()`, key).
		Scan(&e.Key, &e.Language, &e.Lockfile, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dependency cache: %w", err)
	}
	return &e, nil
}

func (d *DB) PutDependencyCache(ctx context.Context, e *store.DependencyCacheEntry) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dependency_cache (key, language, lockfile, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key) DO UPDATE SET lockfile = EXCLUDED.lockfile, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		e.Key, e.Language, e.Lockfile, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put dependency cache: %w", err)
	}
	return nil
}
