package store

import (
	"time"

	"github.com/jobctl/orchestrator/internal/value"
)

// TriggerLease backs §4.4's single-leader-per-(workspace,trigger_path)
// election: a conditional upsert that only succeeds when no lease
// exists, the lease is already held by the caller, or the previous
// heartbeat is stale.
type TriggerLease struct {
	WorkspaceID    string
	TriggerPath    string
	TriggerKind    string
	ServerID       string
	LastServerPing time.Time
	Enabled        bool
	Error          *string
}

// TriggerCapture is a recorded payload from a trigger running in
// capture mode (§4.4): it records without invoking.
type TriggerCapture struct {
	ID          string
	WorkspaceID string
	TriggerPath string
	TriggerKind string
	Payload     value.Value
	TriggerInfo value.Value
	CreatedAt   time.Time
}
