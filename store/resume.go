package store

import (
	"time"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
)

// ResumeJob is the `resume_job` entity from §3/§4.2.2. Its ID is the
// deterministic XOR of (job, resume_id) so duplicate submissions are
// idempotent at the database level via a primary-key conflict.
type ResumeJob struct {
	ID        jobid.ID
	ResumeID  uint32
	Job       jobid.ID
	Flow      jobid.ID
	Value     value.Value
	Approver  *string
	IsCancel  bool
	CreatedAt time.Time
}

// CreateResumeJob is the insert parameters for a resume submission.
type CreateResumeJob struct {
	ResumeID uint32
	Job      jobid.ID
	Flow     jobid.ID
	Value    value.Value
	Approver *string
	IsCancel bool
}

// Token is the bearer-token entity from §3.
type Token struct {
	Token        string
	Email        string
	Label        *string
	Expiration   *time.Time
	SuperAdmin   bool
	LastUsedAt   *time.Time
	Scopes       []string
}

// WorkspaceSetting holds per-workspace configuration consulted by the
// queue (tier/premium flag) and the dependency resolver.
type WorkspaceSetting struct {
	WorkspaceID string
	Premium     bool
	SigningKey  string
}
