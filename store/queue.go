package store

import (
	"time"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
)

// JobKind enumerates the queue.job_kind discriminator from the data
// model.
type JobKind string

const (
	JobKindScript           JobKind = "script"
	JobKindScriptHub        JobKind = "script_hub"
	JobKindPreview          JobKind = "preview"
	JobKindDependencies     JobKind = "dependencies"
	JobKindFlowDependencies JobKind = "flow_dependencies"
	JobKindAppDependencies  JobKind = "app_dependencies"
	JobKindFlow             JobKind = "flow"
	JobKindFlowPreview      JobKind = "flow_preview"
	JobKindIdentity         JobKind = "identity"
	JobKindSingleStepFlow   JobKind = "single_step_flow"
)

// PayloadKind discriminates the queue.payload union.
type PayloadKind string

const (
	PayloadScriptHash         PayloadKind = "script_hash"
	PayloadInlineCode         PayloadKind = "inline_code"
	PayloadFlowByPath         PayloadKind = "flow_by_path"
	PayloadInlineFlow         PayloadKind = "inline_flow"
	PayloadDependencyRecompute PayloadKind = "dependency_recompute"
	PayloadAIAgent             PayloadKind = "ai_agent"
)

// Payload is the discriminated payload union described in §3.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// PayloadScriptHash
	ScriptPath string `json:"script_path,omitempty"`
	ScriptHash string `json:"script_hash,omitempty"`

	// PayloadInlineCode
	Content  string  `json:"content,omitempty"`
	Language string  `json:"language,omitempty"`
	Lock     *string `json:"lock,omitempty"`

	// PayloadFlowByPath
	FlowPath    string `json:"flow_path,omitempty"`
	FlowVersion int64  `json:"flow_version,omitempty"`

	// PayloadInlineFlow
	FlowValue value.Value `json:"flow_value,omitempty"`

	// PayloadDependencyRecompute
	AlreadyVisited []string `json:"already_visited,omitempty"`
	ImporterPath   string   `json:"importer_path,omitempty"`
	ImporterKind   string   `json:"importer_kind,omitempty"`

	// PayloadAIAgent: Content is the system prompt, Tools names the
	// tool-module ids the agent may call (resolved back to the flow's
	// own FlowModule.Tools by the dispatcher).
	Tools []string `json:"tools,omitempty"`
}

// QueuedJob is the `queue` entity from §3.
type QueuedJob struct {
	ID          jobid.ID
	WorkspaceID string
	ParentJob   *jobid.ID

	CreatedBy string
	CreatedAt time.Time
	StartedAt *time.Time

	ScheduledFor time.Time
	Running      bool
	LastPing     *time.Time

	JobKind JobKind
	Payload Payload

	Args value.Args

	RawCode *string
	RawFlow *value.Value
	RawLock *string

	FlowStatus *value.Value

	PermissionedAs string
	Email          string

	SchedulePath *string
	IsFlowStep   bool
	Tag          string
	Language     *string
	Priority     *int
	Timeout      *time.Duration

	Suspend      int
	SuspendUntil *time.Time

	Canceled       bool
	CanceledBy     *string
	CanceledReason *string

	Logs string

	VisibleToOwner bool
	SameWorker     bool
}

// CompletedJob is the `completed_job` entity from §3.
type CompletedJob struct {
	QueuedJob

	DurationMs int64
	Success    bool
	Result     value.Value
	Deleted    bool
	IsSkipped  bool
}

// FindQueuedJob filters queue listings (§6 /jobs/list, /jobs/queue/list).
type FindQueuedJob struct {
	WorkspaceID string
	ID          *jobid.ID
	ScriptPath  *string
	ScriptHash  *string
	CreatedBy   *string
	Running     *bool
	Suspended   *bool
	JobKinds    []JobKind
	ParentJob   *jobid.ID
	Tag         *string
	Before      *time.Time
	After       *time.Time
	Limit       int
	Offset      int
}

// FindCompletedJob filters completed-job listings.
type FindCompletedJob struct {
	WorkspaceID string
	ID          *jobid.ID
	ScriptPath  *string
	ScriptHash  *string
	CreatedBy   *string
	Success     *bool
	JobKinds    []JobKind
	Before      *time.Time
	After        *time.Time
	Limit       int
	Offset      int
}

// CompleteJobParams is the insert-or-update payload for §4.1's
// idempotent `complete` upsert.
type CompleteJobParams struct {
	ID            jobid.ID
	WorkspaceID   string
	Success       bool
	Result        value.Value
	AppendedLogs  string
	DurationMs    int64
	Canceled      bool
	CanceledBy    *string
	CanceledReason *string
	IsSkipped     bool
}
