package store

import (
	"context"
	"time"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store/cache"
)

// Driver is implemented once per supported database backend (Postgres
// for production multi-worker deployments, SQLite for the single-node
// dev/demo mode). Every method takes the workspace as an explicit
// argument or field so row-level isolation never depends on session
// state.
type Driver interface {
	// Queue.
	PushJob(ctx context.Context, job *QueuedJob) error
	PullJob(ctx context.Context, workerTags []string, suspendedOnly bool) (*QueuedJob, error)
	GetQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) (*QueuedJob, error)
	ListQueuedJobs(ctx context.Context, find *FindQueuedJob) ([]*QueuedJob, error)
	UpdateFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status value.Value) error
	SetFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status *value.Value, suspend int, suspendUntil *time.Time) error
	PingJob(ctx context.Context, workspaceID string, id jobid.ID) error
	CancelJob(ctx context.Context, workspaceID string, id jobid.ID, by string, reason string) error
	DeleteQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) error

	// Completed jobs: complete() must be idempotent under at-least-once
	// redelivery, so it is modeled as an upsert keyed on job id.
	CompleteJob(ctx context.Context, params *CompleteJobParams) (*CompletedJob, error)
	GetCompletedJob(ctx context.Context, workspaceID string, id jobid.ID) (*CompletedJob, error)
	ListCompletedJobs(ctx context.Context, find *FindCompletedJob) ([]*CompletedJob, error)
	DeleteCompletedJobResult(ctx context.Context, workspaceID string, id jobid.ID) error

	// Resume jobs: CreateResumeJob must be a no-op (returning the
	// existing row) on a primary-key conflict, since resume id is
	// derived deterministically from (job, resume_id).
	CreateResumeJob(ctx context.Context, params *CreateResumeJob) (*ResumeJob, error)
	ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*ResumeJob, error)
	CountResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) (approved int, disapproved int, err error)

	// Dependency map / resolution cache.
	UpsertDependencyMap(ctx context.Context, entries []*DependencyMapEntry) error
	FindDependents(ctx context.Context, find *FindDependencyMap) ([]*DependencyMapEntry, error)
	GetDependencyCache(ctx context.Context, key string) (*DependencyCacheEntry, error)
	PutDependencyCache(ctx context.Context, entry *DependencyCacheEntry) error

	// Tokens / workspace settings.
	GetToken(ctx context.Context, token string) (*Token, error)
	TouchToken(ctx context.Context, token string) error
	GetWorkspaceSetting(ctx context.Context, workspaceID string) (*WorkspaceSetting, error)

	// Triggers.
	AcquireTriggerLease(ctx context.Context, workspaceID, triggerPath, triggerKind, serverID string, staleAfter time.Duration) (bool, error)
	HeartbeatTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error
	ReleaseTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error
	InsertTriggerCapture(ctx context.Context, capture *TriggerCapture) error

	Migrate(ctx context.Context) error
	Close() error
}

// Store wraps a Driver with the process-local caches the teacher keeps
// alongside its database access layer (instance/user setting caches in
// the original; here a bearer-token cache and a workspace-setting
// cache).
type Store struct {
	profile *profile.Profile
	driver  Driver

	cacheConfig cache.Config
	tokenCache  *cache.Cache
	settingCache *cache.Cache
}

// New creates a Store backed by driver.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      profile.AuthCacheTTL,
		CleanupInterval: profile.AuthCacheTTL,
		MaxItems:        10000,
	}

	return &Store{
		driver:       driver,
		profile:      profile,
		cacheConfig:  cacheConfig,
		tokenCache:   cache.New(cacheConfig),
		settingCache: cache.New(cacheConfig),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.tokenCache.Close()
	s.settingCache.Close()
	return s.driver.Close()
}

// Queue passthroughs.

func (s *Store) PushJob(ctx context.Context, job *QueuedJob) error {
	return s.driver.PushJob(ctx, job)
}

func (s *Store) PullJob(ctx context.Context, workerTags []string, suspendedOnly bool) (*QueuedJob, error) {
	return s.driver.PullJob(ctx, workerTags, suspendedOnly)
}

func (s *Store) GetQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) (*QueuedJob, error) {
	return s.driver.GetQueuedJob(ctx, workspaceID, id)
}

func (s *Store) ListQueuedJobs(ctx context.Context, find *FindQueuedJob) ([]*QueuedJob, error) {
	return s.driver.ListQueuedJobs(ctx, find)
}

func (s *Store) UpdateFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status value.Value) error {
	return s.driver.UpdateFlowStatus(ctx, workspaceID, id, status)
}

func (s *Store) SetFlowStatus(ctx context.Context, workspaceID string, id jobid.ID, status *value.Value, suspend int, suspendUntil *time.Time) error {
	return s.driver.SetFlowStatus(ctx, workspaceID, id, status, suspend, suspendUntil)
}

func (s *Store) PingJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	return s.driver.PingJob(ctx, workspaceID, id)
}

func (s *Store) CancelJob(ctx context.Context, workspaceID string, id jobid.ID, by, reason string) error {
	return s.driver.CancelJob(ctx, workspaceID, id, by, reason)
}

func (s *Store) DeleteQueuedJob(ctx context.Context, workspaceID string, id jobid.ID) error {
	return s.driver.DeleteQueuedJob(ctx, workspaceID, id)
}

// Completed-job passthroughs.

func (s *Store) CompleteJob(ctx context.Context, params *CompleteJobParams) (*CompletedJob, error) {
	return s.driver.CompleteJob(ctx, params)
}

func (s *Store) GetCompletedJob(ctx context.Context, workspaceID string, id jobid.ID) (*CompletedJob, error) {
	return s.driver.GetCompletedJob(ctx, workspaceID, id)
}

func (s *Store) ListCompletedJobs(ctx context.Context, find *FindCompletedJob) ([]*CompletedJob, error) {
	return s.driver.ListCompletedJobs(ctx, find)
}

func (s *Store) DeleteCompletedJobResult(ctx context.Context, workspaceID string, id jobid.ID) error {
	return s.driver.DeleteCompletedJobResult(ctx, workspaceID, id)
}

// Resume-job passthroughs.

func (s *Store) CreateResumeJob(ctx context.Context, params *CreateResumeJob) (*ResumeJob, error) {
	return s.driver.CreateResumeJob(ctx, params)
}

func (s *Store) ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*ResumeJob, error) {
	return s.driver.ListResumeJobs(ctx, workspaceID, flow)
}

func (s *Store) CountResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) (int, int, error) {
	return s.driver.CountResumeJobs(ctx, workspaceID, flow)
}

// Dependency passthroughs.

func (s *Store) UpsertDependencyMap(ctx context.Context, entries []*DependencyMapEntry) error {
	return s.driver.UpsertDependencyMap(ctx, entries)
}

func (s *Store) FindDependents(ctx context.Context, find *FindDependencyMap) ([]*DependencyMapEntry, error) {
	return s.driver.FindDependents(ctx, find)
}

func (s *Store) GetDependencyCache(ctx context.Context, key string) (*DependencyCacheEntry, error) {
	return s.driver.GetDependencyCache(ctx, key)
}

func (s *Store) PutDependencyCache(ctx context.Context, entry *DependencyCacheEntry) error {
	return s.driver.PutDependencyCache(ctx, entry)
}

// Token / workspace-setting passthroughs, fronted by a process-local
// cache so the auth gate doesn't round-trip to the database on every
// request.

func (s *Store) GetToken(ctx context.Context, token string) (*Token, error) {
	if cached, ok := s.tokenCache.Get(token); ok {
		return cached.(*Token), nil
	}
	t, err := s.driver.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	s.tokenCache.Set(token, t)
	return t, nil
}

func (s *Store) InvalidateToken(token string) {
	s.tokenCache.Delete(token)
}

func (s *Store) TouchToken(ctx context.Context, token string) error {
	return s.driver.TouchToken(ctx, token)
}

func (s *Store) GetWorkspaceSetting(ctx context.Context, workspaceID string) (*WorkspaceSetting, error) {
	if cached, ok := s.settingCache.Get(workspaceID); ok {
		return cached.(*WorkspaceSetting), nil
	}
	ws, err := s.driver.GetWorkspaceSetting(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	s.settingCache.Set(workspaceID, ws)
	return ws, nil
}

// Trigger passthroughs.

func (s *Store) AcquireTriggerLease(ctx context.Context, workspaceID, triggerPath, triggerKind, serverID string, staleAfter time.Duration) (bool, error) {
	return s.driver.AcquireTriggerLease(ctx, workspaceID, triggerPath, triggerKind, serverID, staleAfter)
}

func (s *Store) HeartbeatTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	return s.driver.HeartbeatTriggerLease(ctx, workspaceID, triggerPath, serverID)
}

func (s *Store) ReleaseTriggerLease(ctx context.Context, workspaceID, triggerPath, serverID string) error {
	return s.driver.ReleaseTriggerLease(ctx, workspaceID, triggerPath, serverID)
}

func (s *Store) InsertTriggerCapture(ctx context.Context, capture *TriggerCapture) error {
	return s.driver.InsertTriggerCapture(ctx, capture)
}
