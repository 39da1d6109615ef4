// Package worker implements the dispatcher loop from spec.md's
// Dispatcher loop row: a long-running per-worker loop that pulls a
// ready job, runs it, advances the owning flow if it is a step, and
// reports completion.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jobctl/orchestrator/executor"
	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultIdleBackoff  = 200 * time.Millisecond
)

// Dispatcher runs profile.WorkerSlots concurrent pull/execute/complete
// loops, one goroutine per slot, bounded by an errgroup so a panic or
// fatal error in one slot surfaces instead of being silently swallowed.
type Dispatcher struct {
	store    *store.Store
	queue    *queue.Queue
	engine   *flow.Engine
	runner   executor.Runner
	aiRunner executor.Runner
	profile  *profile.Profile
	workerID string
	tags     []string
}

// New builds a Dispatcher. workerID identifies this process instance
// for same-worker affinity and ping bookkeeping. aiRunner may be nil
// if the process has no AIAgent support configured; a job that needs
// it then fails with a clear execution error instead of falling
// through to the script runner.
func New(s *store.Store, q *queue.Queue, e *flow.Engine, r executor.Runner, aiRunner executor.Runner, p *profile.Profile, workerID string, tags []string) *Dispatcher {
	return &Dispatcher{store: s, queue: q, engine: e, runner: r, aiRunner: aiRunner, profile: p, workerID: workerID, tags: tags}
}

// Run starts the configured number of worker slots and blocks until ctx
// is canceled or a slot returns a fatal error.
func (d *Dispatcher) Run(ctx context.Context) error {
	slots := d.profile.WorkerSlots
	if slots <= 0 {
		slots = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		slotID := i
		g.Go(func() error {
			return d.runSlot(ctx, slotID)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runSlot(ctx context.Context, slotID int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := d.pullNext(ctx)
		if err != nil {
			slog.Error("worker: pull failed", "slot", slotID, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultIdleBackoff):
			}
			continue
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultIdleBackoff):
			}
			continue
		}

		if err := d.process(ctx, job); err != nil {
			slog.Error("worker: process job failed", "slot", slotID, "job", job.ID.String(), "error", err)
		}
	}
}

// pullNext tries same-worker affinity first (a child job handed
// directly to this worker by the step it just finished), then falls
// back to the shared queue.
func (d *Dispatcher) pullNext(ctx context.Context) (*store.QueuedJob, error) {
	affinityCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if workspaceID, id, ok := d.queue.AwaitAffinity(affinityCtx, d.workerID); ok {
		return d.store.GetQueuedJob(ctx, workspaceID, id)
	}
	return d.queue.Pull(ctx, d.tags)
}

// process runs one job to completion (or, for a flow job that hasn't
// started yet, kicks off its first step) and reports the result.
func (d *Dispatcher) process(ctx context.Context, job *store.QueuedJob) error {
	stop := d.startPinging(ctx, job)
	defer stop()

	if job.JobKind == store.JobKindFlow || job.JobKind == store.JobKindFlowPreview {
		return d.processFlow(ctx, job)
	}
	return d.processLeaf(ctx, job)
}

// processFlow either starts a freshly pushed flow (no steps dispatched
// yet) or, if it somehow gets pulled again mid-flight (e.g. after a
// crash recovery re-delivery), leaves it alone: the children already
// in flight will drive it forward via their own completions.
func (d *Dispatcher) processFlow(ctx context.Context, job *store.QueuedJob) error {
	children, err := d.store.ListQueuedJobs(ctx, &store.FindQueuedJob{WorkspaceID: job.WorkspaceID, ParentJob: &job.ID})
	if err != nil {
		return errors.Wrap(err, "list flow children")
	}
	if len(children) > 0 {
		return nil
	}
	return d.engine.StartFlow(ctx, job.WorkspaceID, job.ID)
}

func (d *Dispatcher) processLeaf(ctx context.Context, job *store.QueuedJob) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if job.Timeout != nil {
		runCtx, cancel = context.WithTimeout(ctx, *job.Timeout)
		defer cancel()
	}

	runner := d.runner
	if job.Payload.Kind == store.PayloadAIAgent {
		if d.aiRunner == nil {
			return d.failLeaf(ctx, job, errors.New("AI agent support is not configured on this worker"))
		}
		runner = d.aiRunner
	}

	req := executor.RunRequest{
		Content:  content(job),
		Language: language(job),
		Args:     job.Args,
		Lock:     lock(job),
	}
	if job.Payload.Kind == store.PayloadAIAgent && len(job.Payload.Tools) > 0 {
		req.Args = withTools(job.Args, job.Payload.Tools)
	}

	start := time.Now()
	result, runErr := runner.Run(runCtx, req)
	duration := time.Since(start)

	success := runErr == nil
	finalResult := result.Result
	if !success {
		finalResult = value.MustOf(map[string]any{"error": runErr.Error()})
	}

	if _, err := d.queue.Complete(ctx, queue.CompleteParams{
		WorkspaceID: job.WorkspaceID,
		ID:          job.ID,
		Success:     success,
		Result:      finalResult,
		DurationMs:  duration.Milliseconds(),
	}); err != nil {
		return errors.Wrap(err, "complete leaf job")
	}

	if job.ParentJob == nil {
		return nil
	}
	return d.engine.AdvanceAfterJobCompletion(ctx, job.WorkspaceID, *job.ParentJob, flow.CompletionInfo{
		ChildJob: job.ID,
		Success:  success,
		Result:   finalResult,
	})
}

// failLeaf completes job as a failure without ever invoking a runner,
// used when the job requires a capability (AI agent support) this
// worker process was not configured with.
func (d *Dispatcher) failLeaf(ctx context.Context, job *store.QueuedJob, cause error) error {
	result := value.MustOf(map[string]any{"error": cause.Error()})
	if _, err := d.queue.Complete(ctx, queue.CompleteParams{
		WorkspaceID: job.WorkspaceID,
		ID:          job.ID,
		Success:     false,
		Result:      result,
	}); err != nil {
		return errors.Wrap(err, "complete leaf job")
	}
	if job.ParentJob == nil {
		return nil
	}
	return d.engine.AdvanceAfterJobCompletion(ctx, job.WorkspaceID, *job.ParentJob, flow.CompletionInfo{
		ChildJob: job.ID,
		Success:  false,
		Result:   result,
	})
}

// withTools copies args and adds the tool name list under "tools" so
// aiagent.Runner can build ToolDescriptors without the dispatcher
// importing the aiagent package directly.
func withTools(args value.Args, tools []string) value.Args {
	out := make(value.Args, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	names := make([]any, len(tools))
	for i, t := range tools {
		names[i] = t
	}
	out["tools"] = value.MustOf(names)
	return out
}

func content(job *store.QueuedJob) string {
	if job.RawCode != nil {
		return *job.RawCode
	}
	return job.Payload.Content
}

func language(job *store.QueuedJob) string {
	if job.Language != nil {
		return *job.Language
	}
	return job.Payload.Language
}

func lock(job *store.QueuedJob) string {
	if job.RawLock != nil {
		return *job.RawLock
	}
	if job.Payload.Lock != nil {
		return *job.Payload.Lock
	}
	return ""
}

// startPinging runs a background last_ping heartbeat while job is
// being processed, so a crashed worker's job is detected as stale by
// other workers' staleness checks instead of looking merely slow.
func (d *Dispatcher) startPinging(ctx context.Context, job *store.QueuedJob) func() {
	pingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(defaultPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := d.store.PingJob(ctx, job.WorkspaceID, job.ID); err != nil {
					slog.Warn("worker: ping failed", "job", job.ID.String(), "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
