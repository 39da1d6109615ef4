package trigger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// Capture records a fired trigger without invoking anything, shared by
// every listener kind when the trigger is in capture mode (§4.4): a
// developer points it at a real webhook/poll source to see what
// payloads actually arrive before wiring a runnable to them.
func Capture(ctx context.Context, s *store.Store, workspaceID, triggerPath, triggerKind string, payload, triggerInfo value.Value) error {
	return errors.Wrap(s.InsertTriggerCapture(ctx, &store.TriggerCapture{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		TriggerPath: triggerPath,
		TriggerKind: triggerKind,
		Payload:     payload,
		TriggerInfo: triggerInfo,
		CreatedAt:   time.Now(),
	}), "insert trigger capture")
}
