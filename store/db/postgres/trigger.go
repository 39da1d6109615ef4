package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jobctl/orchestrator/store"
)

// AcquireTriggerLease is the conditional INSERT ... ON CONFLICT DO
// UPDATE ... WHERE leader election from §4.4: a server becomes leader by inserting the row, by
// refreshing its own lease, or by stealing a lease whose last
// heartbeat is older than staleAfter. Any other case leaves the
// existing leader in place.
func (d *DB) AcquireTriggerLease(ctx context.Context, workspaceID, triggerPath, triggerKind, serverID string, staleAfter time.Duration) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO trigger_lease (workspace_id, trigger_path, trigger_kind, server_id, last_server_ping, enabled)
		VALUES ($1,$2,$3,$4,now(),true)
		ON CONFLICT (workspace_id, trigger_path) DO UPDATE SET
			server_id = EXCLUDED.server_id,
			last_server_ping = now()
		WHERE trigger_lease.server_id = EXCLUDED.server_id
		   OR trigger_lease.last_server_ping < now() - $5::interval`,
		workspaceID, triggerPath, triggerKind, serverID, fmt.Sprintf("%f seconds", staleAfter.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("acquire trigger lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (d *DB) HeartbeatTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE trigger_lease SET last_server_ping = now() WHERE workspace_id = $1 AND trigger_path = $2 AND server_id = $3`, workspaceID, triggerPath, serverID)
	if err != nil {
		return fmt.Errorf("heartbeat trigger lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("lease not held by this server")
	}
	return nil
}

func (d *DB) ReleaseTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM trigger_lease WHERE workspace_id = $1 AND trigger_path = $2 AND server_id = $3`, workspaceID, triggerPath, serverID)
	if err != nil {
		return fmt.Errorf("release trigger lease: %w", err)
	}
	return nil
}

func (d *DB) InsertTriggerCapture(ctx context.Context, c *store.TriggerCapture) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO trigger_capture (id, workspace_id, trigger_path, trigger_kind, payload, trigger_info, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())`,
		c.ID, c.WorkspaceID, c.TriggerPath, c.TriggerKind, []byte(c.Payload.Raw()), []byte(c.TriggerInfo.Raw()))
	if err != nil {
		return fmt.Errorf("insert trigger capture: %w", err)
	}
	return nil
}
