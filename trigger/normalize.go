package trigger

import (
	"time"

	"github.com/jobctl/orchestrator/internal/value"
)

// Normalize builds the trigger_info map a flow/script's first argument
// receives, shaped per trigger kind so a runnable can branch on
// wm_trigger.kind without caring about the wire protocol underneath.
func Normalize(kind string, triggerPath string, raw value.Value, firedAt time.Time) (value.Value, error) {
	info := map[string]any{
		"kind":     kind,
		"path":     triggerPath,
		"fired_at": firedAt.UTC().Format(time.RFC3339Nano),
	}
	decoded, err := raw.Any()
	if err != nil {
		return value.Null, err
	}
	info["payload"] = decoded
	return value.Of(info)
}
