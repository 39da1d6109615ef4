package trigger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
)

// HTTPTrigger wraps the existing /jobs/run/* surface: an HTTP trigger
// is definitionally just a caller of queue.Push, so it needs no
// listener loop. It detects and caches the runnable's argument shape
// (v1 bare wm_trigger arg, v2 preprocessor); under either shape
// wm_trigger is put into the pushed job's Args, so the detected shape
// does not change what is pushed.
type HTTPTrigger struct {
	queue    *queue.Queue
	store    *store.Store
	detector *ShapeDetector
}

// NewHTTPTrigger builds an HTTPTrigger sharing one ShapeDetector across
// calls so repeated fires against the same runnable version don't
// re-detect its signature every time.
func NewHTTPTrigger(q *queue.Queue, s *store.Store, detector *ShapeDetector) *HTTPTrigger {
	return &HTTPTrigger{queue: q, store: s, detector: detector}
}

// FireParams is what an HTTP route handler gathers before invoking the
// trigger.
type FireParams struct {
	WorkspaceID     string
	TriggerPath     string
	AsUser          string
	RunnableVersion string
	FirstArgName    string
	Payload         value.Value
	Push            queue.PushParams
	CaptureOnly     bool
}

// Fire, in capture mode, records the trigger payload and pushes
// nothing; otherwise it pushes the job with wm_trigger in its Args,
// whatever the detected argument shape.
func (t *HTTPTrigger) Fire(ctx context.Context, p FireParams) (value.Value, error) {
	now := time.Now()
	info, err := Normalize("http", p.TriggerPath, p.Payload, now)
	if err != nil {
		return value.Null, errors.Wrap(err, "normalize trigger info")
	}

	if p.CaptureOnly {
		if err := Capture(ctx, t.store, p.WorkspaceID, p.TriggerPath, "http", p.Payload, info); err != nil {
			return value.Null, err
		}
		return value.Null, nil
	}

	// v1 runnables expect wm_trigger as a bare positional arg; v2
	// flows route it through the preprocessor module instead, which
	// reads it the same way off the job's args (see flow.currentSlot's
	// step=-1 handling), so either shape ends up needing it in Args.
	t.detector.Detect(p.RunnableVersion, func() Shape {
		return DetectFromSignature(p.FirstArgName)
	})

	push := p.Push
	push.WorkspaceID = p.WorkspaceID
	push.AsUser = p.AsUser
	if push.Args == nil {
		push.Args = value.Args{}
	}
	push.Args["wm_trigger"] = info

	id, err := t.queue.Push(ctx, push)
	if err != nil {
		return value.Null, errors.Wrap(err, "push triggered job")
	}
	return value.Of(id.String())
}
