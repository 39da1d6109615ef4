// Package trigger is the shared framework every trigger listener (HTTP,
// webhook, Postgres CDC, schedule, ...) plugs into: leader election so
// only one server polls/listens for a given (workspace, trigger_path)
// at a time, trigger_info normalization, and capture mode.
package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/store"
)

// Listener is a trigger implementation: a concrete wire protocol
// (postgrescdc, http, ...) that, once it wins leadership, runs until
// ctx is canceled.
type Listener interface {
	Start(ctx context.Context) error
}

const (
	defaultStaleAfter    = 15 * time.Second
	defaultHeartbeat     = 5 * time.Second
	defaultReacquireWait = 3 * time.Second
)

// Leader wraps the conditional-upsert lease from §4.4
// (store.AcquireTriggerLease, stale after stale_after): only the server
// that wins the lease runs the listener body passed to Run, and the lease is
// released (or simply times out) when the listener stops.
type Leader struct {
	store       *store.Store
	workspaceID string
	triggerPath string
	triggerKind string
	serverID    string
	staleAfter  time.Duration
	heartbeat   time.Duration
}

// NewLeader builds a Leader for one (workspace, trigger_path). serverID
// identifies this process instance (e.g. hostname+pid) across the
// lease table.
func NewLeader(s *store.Store, workspaceID, triggerPath, triggerKind, serverID string) *Leader {
	return &Leader{
		store:       s,
		workspaceID: workspaceID,
		triggerPath: triggerPath,
		triggerKind: triggerKind,
		serverID:    serverID,
		staleAfter:  defaultStaleAfter,
		heartbeat:   defaultHeartbeat,
	}
}

// Run acquires leadership, heartbeats on a ticker for as long as it
// holds it, and invokes run once elected. If another server already
// holds a fresh lease, Run waits defaultReacquireWait and retries until
// ctx is canceled. run's context is canceled if the heartbeat ever
// fails to extend the lease (another server could have reclaimed it
// after a missed beat), so the listener must stop promptly.
func (l *Leader) Run(ctx context.Context, run func(ctx context.Context) error) error {
	for {
		acquired, err := l.store.AcquireTriggerLease(ctx, l.workspaceID, l.triggerPath, l.triggerKind, l.serverID, l.staleAfter)
		if err != nil {
			return errors.Wrapf(err, "acquire trigger lease for %s", l.triggerPath)
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultReacquireWait):
				continue
			}
		}

		slog.Debug("trigger: lease acquired", "workspace", l.workspaceID, "path", l.triggerPath, "server", l.serverID)
		err = l.holdAndRun(ctx, run)
		if err := l.store.ReleaseTriggerLease(ctx, l.workspaceID, l.triggerPath, l.serverID); err != nil {
			slog.Warn("trigger: release lease failed", "path", l.triggerPath, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("trigger: listener exited, will retry leadership", "path", l.triggerPath, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultReacquireWait):
			}
		}
	}
}

// holdAndRun runs the listener body alongside a heartbeat ticker; it
// returns when run returns or the heartbeat fails.
func (l *Leader) holdAndRun(ctx context.Context, run func(ctx context.Context) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(runCtx) }()

	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if err := l.store.HeartbeatTriggerLease(ctx, l.workspaceID, l.triggerPath, l.serverID); err != nil {
				slog.Warn("trigger: heartbeat failed, stepping down", "path", l.triggerPath, "error", err)
				cancel()
				return <-done
			}
		case <-ctx.Done():
			return <-done
		}
	}
}
