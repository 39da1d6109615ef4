package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
)

// PostgresCDCTrigger stands in for the full logical-replication change
// data capture decoder: it subscribes to a LISTEN/NOTIFY channel a
// table trigger (installed alongside the watched table, out of scope
// here) publishes row changes to, and treats each notification as a
// captured change event. Channel payloads are expected to already be
// JSON-shaped row data; decoding WAL records is not implemented.
type PostgresCDCTrigger struct {
	workspaceID string
	triggerPath string
	channel     string
	dsn         string
	queue       *queue.Queue
	store       *store.Store
	captureOnly bool
}

// NewPostgresCDCTrigger builds a listener for one LISTEN channel.
func NewPostgresCDCTrigger(dsn, channel, workspaceID, triggerPath string, q *queue.Queue, s *store.Store, captureOnly bool) *PostgresCDCTrigger {
	return &PostgresCDCTrigger{
		workspaceID: workspaceID,
		triggerPath: triggerPath,
		channel:     channel,
		dsn:         dsn,
		queue:       q,
		store:       s,
		captureOnly: captureOnly,
	}
}

// Start implements Listener. It blocks until ctx is canceled or the
// listener connection fails unrecoverably.
func (p *PostgresCDCTrigger) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("trigger: postgres cdc listener event", "channel", p.channel, "error", err)
		}
		if ev == pq.ListenerEventConnectionAttemptFailed {
			select {
			case errCh <- err:
			default:
			}
		}
	})
	defer listener.Close()

	if err := listener.Listen(p.channel); err != nil {
		return errors.Wrapf(err, "listen on channel %s", p.channel)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return errors.Wrap(err, "postgres cdc listener connection")
		case notification := <-listener.Notify:
			if notification == nil {
				continue
			}
			if err := p.handleNotification(ctx, notification.Extra); err != nil {
				slog.Error("trigger: postgres cdc handle notification failed", "channel", p.channel, "error", err)
			}
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return errors.Wrap(err, "postgres cdc listener ping")
			}
		}
	}
}

func (p *PostgresCDCTrigger) handleNotification(ctx context.Context, payload string) error {
	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return errors.Wrap(err, "decode notification payload")
	}
	v, err := value.Of(decoded)
	if err != nil {
		return errors.Wrap(err, "wrap notification payload")
	}

	now := time.Now()
	info, err := Normalize("postgres_cdc", p.triggerPath, v, now)
	if err != nil {
		return errors.Wrap(err, "normalize trigger info")
	}

	if p.captureOnly {
		return Capture(ctx, p.store, p.workspaceID, p.triggerPath, "postgres_cdc", v, info)
	}

	_, err = p.queue.Push(ctx, queue.PushParams{
		WorkspaceID: p.workspaceID,
		JobKind:     store.JobKindFlow,
		Args:        value.Args{"wm_trigger": info},
	})
	return errors.Wrap(err, "push triggered job")
}
