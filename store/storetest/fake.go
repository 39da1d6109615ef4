// Package storetest provides an in-memory store.Driver fake for unit
// tests, matching the teacher's own preference for hand-written fakes
// over a generated mock library (see ai/e2e/mocks in the source tree).
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// FakeDriver is a minimal, non-concurrent-safe-by-design (guarded by a
// single mutex) in-memory implementation of store.Driver.
type FakeDriver struct {
	mu sync.Mutex

	queue      map[string]*store.QueuedJob
	completed  map[string]*store.CompletedJob
	resumes    map[string]*store.ResumeJob
	depMap     []*store.DependencyMapEntry
	depCache   map[string]*store.DependencyCacheEntry
	tokens     map[string]*store.Token
	settings   map[string]*store.WorkspaceSetting
	leases     map[string]*store.TriggerLease
	captures   []*store.TriggerCapture
}

// New builds an empty FakeDriver.
func New() *FakeDriver {
	return &FakeDriver{
		queue:     make(map[string]*store.QueuedJob),
		completed: make(map[string]*store.CompletedJob),
		resumes:   make(map[string]*store.ResumeJob),
		depCache:  make(map[string]*store.DependencyCacheEntry),
		tokens:    make(map[string]*store.Token),
		settings:  make(map[string]*store.WorkspaceSetting),
		leases:    make(map[string]*store.TriggerLease),
	}
}

func (f *FakeDriver) Migrate(ctx context.Context) error { return nil }
func (f *FakeDriver) Close() error                      { return nil }

func clone(j *store.QueuedJob) *store.QueuedJob {
	c := *j
	return &c
}

func (f *FakeDriver) PushJob(ctx context.Context, job *store.QueuedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[job.ID.String()] = clone(job)
	return nil
}

// PullJob returns the earliest-scheduled eligible job, matching
// queue.go's predicate, without real row locking (single mutex stands
// in for FOR UPDATE SKIP LOCKED in tests).
func (f *FakeDriver) PullJob(ctx context.Context, workerTags []string, suspendedOnly bool) (*store.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*store.QueuedJob
	now := time.Now()
	for _, j := range f.queue {
		if j.Running || j.Canceled {
			continue
		}
		if suspendedOnly {
			if j.Suspend <= 0 || j.SuspendUntil == nil || j.SuspendUntil.After(now) {
				continue
			}
		} else {
			if j.Suspend > 0 || j.ScheduledFor.After(now) {
				continue
			}
		}
		if len(workerTags) > 0 && !containsStr(workerTags, j.Tag) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].ScheduledFor.Before(candidates[k].ScheduledFor) })

	job := candidates[0]
	job.Running = true
	job.StartedAt = &now
	job.LastPing = &now
	return clone(job), nil
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (f *FakeDriver) GetQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.queue[id.String()]
	if !ok || j.WorkspaceID != workspaceID {
		return nil, nil
	}
	return clone(j), nil
}

func (f *FakeDriver) ListQueuedJobs(ctx context.Context, find *store.FindQueuedJob) ([]*store.QueuedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.QueuedJob
	for _, j := range f.queue {
		if j.WorkspaceID != find.WorkspaceID {
			continue
		}
		if find.CreatedBy != nil && j.CreatedBy != *find.CreatedBy {
			continue
		}
		if find.Running != nil && j.Running != *find.Running {
			continue
		}
		if find.ParentJob != nil && (j.ParentJob == nil || *j.ParentJob != *find.ParentJob) {
			continue
		}
		out = append(out, clone(j))
	}
	return out, nil
}

func (f *FakeDriver) UpdateFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status value.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.queue[id.String()]
	if !ok {
		return errors.New("job not found")
	}
	j.FlowStatus = &status
	return nil
}

func (f *FakeDriver) SetFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status *value.Value, suspend int, suspendUntil *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.queue[id.String()]
	if !ok {
		return errors.New("job not found")
	}
	j.FlowStatus = status
	j.Suspend = suspend
	j.SuspendUntil = suspendUntil
	return nil
}

func (f *FakeDriver) PingJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.queue[id.String()]
	if !ok {
		return errors.New("job not found")
	}
	now := time.Now()
	j.LastPing = &now
	return nil
}

func (f *FakeDriver) CancelJob(ctx context.Context, workspaceID string, id jobid.ID, by, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.queue[id.String()]
	if !ok {
		return errors.New("job not found")
	}
	j.Canceled = true
	j.CanceledBy = &by
	j.CanceledReason = &reason
	return nil
}

func (f *FakeDriver) DeleteQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queue, id.String())
	return nil
}

func (f *FakeDriver) CompleteJob(ctx context.Context, params *store.CompleteJobParams) (*store.CompletedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := params.ID.String()
	j, ok := f.queue[key]
	if !ok {
		if c, ok := f.completed[key]; ok {
			return c, nil
		}
		return nil, errors.New("job not found")
	}

	c := &store.CompletedJob{
		QueuedJob:  *j,
		DurationMs: params.DurationMs,
		Success:    params.Success,
		Result:     params.Result,
		IsSkipped:  params.IsSkipped,
	}
	c.Logs = j.Logs + params.AppendedLogs
	c.Canceled = params.Canceled
	c.CanceledBy = params.CanceledBy
	c.CanceledReason = params.CanceledReason

	f.completed[key] = c
	delete(f.queue, key)
	return c, nil
}

func (f *FakeDriver) GetCompletedJob(ctx context.Context, workspaceID string, id jobid.ID) (*store.CompletedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.completed[id.String()]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (f *FakeDriver) ListCompletedJobs(ctx context.Context, find *store.FindCompletedJob) ([]*store.CompletedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.CompletedJob
	for _, c := range f.completed {
		if c.WorkspaceID != find.WorkspaceID {
			continue
		}
		if find.CreatedBy != nil && c.CreatedBy != *find.CreatedBy {
			continue
		}
		if find.Success != nil && c.Success != *find.Success {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeDriver) DeleteCompletedJobResult(ctx context.Context, workspaceID string, id jobid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.completed[id.String()]
	if !ok {
		return errors.New("completed job not found")
	}
	c.Result = value.Null
	c.Deleted = true
	return nil
}

func (f *FakeDriver) CreateResumeJob(ctx context.Context, params *store.CreateResumeJob) (*store.ResumeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := params.Job.Xor(jobid.FromUint32(params.ResumeID))
	if r, ok := f.resumes[id.String()]; ok {
		return r, nil
	}
	r := &store.ResumeJob{
		ID:        id,
		ResumeID:  params.ResumeID,
		Job:       params.Job,
		Flow:      params.Flow,
		Value:     params.Value,
		Approver:  params.Approver,
		IsCancel:  params.IsCancel,
		CreatedAt: time.Now(),
	}
	f.resumes[id.String()] = r
	return r, nil
}

func (f *FakeDriver) ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*store.ResumeJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.ResumeJob
	for _, r := range f.resumes {
		if r.Flow == flow {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (f *FakeDriver) CountResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var approved, disapproved int
	for _, r := range f.resumes {
		if r.Flow != flow {
			continue
		}
		if r.IsCancel {
			disapproved++
		} else {
			approved++
		}
	}
	return approved, disapproved, nil
}

func (f *FakeDriver) UpsertDependencyMap(ctx context.Context, entries []*store.DependencyMapEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depMap = append(f.depMap, entries...)
	return nil
}

func (f *FakeDriver) FindDependents(ctx context.Context, find *store.FindDependencyMap) ([]*store.DependencyMapEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.DependencyMapEntry
	for _, e := range f.depMap {
		if e.WorkspaceID != find.WorkspaceID {
			continue
		}
		if find.ImportedPath != nil && e.ImportedPath != *find.ImportedPath {
			continue
		}
		if find.ImporterPath != nil && e.ImporterPath != *find.ImporterPath {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *FakeDriver) GetDependencyCache(ctx context.Context, key string) (*store.DependencyCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.depCache[key]
	if !ok || time.Now().After(e.ExpiresAt) {
		return nil, nil
	}
	return e, nil
}

func (f *FakeDriver) PutDependencyCache(ctx context.Context, entry *store.DependencyCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depCache[entry.Key] = entry
	return nil
}

func (f *FakeDriver) GetToken(ctx context.Context, token string) (*store.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return nil, nil
	}
	return t, nil
}

func (f *FakeDriver) TouchToken(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return errors.New("token not found")
	}
	now := time.Now()
	t.LastUsedAt = &now
	return nil
}

func (f *FakeDriver) GetWorkspaceSetting(ctx context.Context, workspaceID string) (*store.WorkspaceSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.settings[workspaceID]
	if !ok {
		return &store.WorkspaceSetting{WorkspaceID: workspaceID}, nil
	}
	return ws, nil
}

func (f *FakeDriver) AcquireTriggerLease(ctx context.Context, workspaceID, triggerPath, triggerKind, serverID string, staleAfter time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + "/" + triggerPath
	lease, ok := f.leases[key]
	now := time.Now()
	if !ok {
		f.leases[key] = &store.TriggerLease{WorkspaceID: workspaceID, TriggerPath: triggerPath, TriggerKind: triggerKind, ServerID: serverID, LastServerPing: now, Enabled: true}
		return true, nil
	}
	if lease.ServerID == serverID {
		lease.LastServerPing = now
		return true, nil
	}
	if now.Sub(lease.LastServerPing) > staleAfter {
		lease.ServerID = serverID
		lease.LastServerPing = now
		return true, nil
	}
	return false, nil
}

func (f *FakeDriver) HeartbeatTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + "/" + triggerPath
	lease, ok := f.leases[key]
	if !ok || lease.ServerID != serverID {
		return errors.New("lease not held by this server")
	}
	lease.LastServerPing = time.Now()
	return nil
}

func (f *FakeDriver) ReleaseTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workspaceID + "/" + triggerPath
	if lease, ok := f.leases[key]; ok && lease.ServerID == serverID {
		delete(f.leases, key)
	}
	return nil
}

func (f *FakeDriver) InsertTriggerCapture(ctx context.Context, capture *store.TriggerCapture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, capture)
	return nil
}

// SetWorkspaceSetting is a test helper for seeding premium/signing-key
// state that production code only ever reads.
func (f *FakeDriver) SetWorkspaceSetting(ws *store.WorkspaceSetting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[ws.WorkspaceID] = ws
}

// SetToken is a test helper for seeding bearer tokens.
func (f *FakeDriver) SetToken(t *store.Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.Token] = t
}
