package queue

import (
	"context"
	"sync"

	"github.com/jobctl/orchestrator/internal/jobid"
)

// affinityJob identifies a job handed directly to a worker, bypassing
// Pull; it carries the workspace alongside the id since GetQueuedJob
// is workspace-scoped.
type affinityJob struct {
	WorkspaceID string
	ID          jobid.ID
}

// affinityRegistry implements same-worker delivery: a per-worker
// buffered channel that Push's caller can send the newly-created
// child job into, and the dispatcher's worker-slot goroutine reads
// from before falling back to Pull.
type affinityRegistry struct {
	mu  sync.Mutex
	chs map[string]chan affinityJob
}

func newAffinityRegistry() *affinityRegistry {
	return &affinityRegistry{chs: make(map[string]chan affinityJob)}
}

func (r *affinityRegistry) channel(workerID string) chan affinityJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chs[workerID]
	if !ok {
		ch = make(chan affinityJob, 1)
		r.chs[workerID] = ch
	}
	return ch
}

// deliver hands job to workerID's channel if there's room; if the
// worker isn't currently waiting (channel full or absent), the normal
// Pull path still picks the job up, so delivery is best-effort.
func (r *affinityRegistry) deliver(workerID, workspaceID string, id jobid.ID) {
	ch := r.channel(workerID)
	select {
	case ch <- affinityJob{WorkspaceID: workspaceID, ID: id}:
	default:
	}
}

func (r *affinityRegistry) await(ctx context.Context, workerID string) (affinityJob, bool) {
	ch := r.channel(workerID)
	select {
	case job := <-ch:
		return job, true
	case <-ctx.Done():
		return affinityJob{}, false
	}
}
