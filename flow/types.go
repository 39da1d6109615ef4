// Package flow implements the flow engine: the persisted state machine
// that advances a tree of modules one child-job completion at a time.
// Types use the teacher's two-phase discriminated decode idiom (peek a
// `type`/`Kind` tag, then unmarshal into the concrete variant) as seen
// in ai/agents/orchestrator/types.go's tagged event structs.
package flow

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
)

// ModuleKind discriminates the FlowModule.Value union.
type ModuleKind string

const (
	ModuleScript     ModuleKind = "Script"
	ModuleRawScript  ModuleKind = "RawScript"
	ModuleFlowScript ModuleKind = "FlowScript"
	ModuleFlow       ModuleKind = "Flow"
	ModuleForloop    ModuleKind = "ForloopFlow"
	ModuleWhileloop  ModuleKind = "WhileloopFlow"
	ModuleBranchOne  ModuleKind = "BranchOne"
	ModuleBranchAll  ModuleKind = "BranchAll"
	ModuleIdentity   ModuleKind = "Identity"
	ModuleAIAgent    ModuleKind = "AIAgent"
)

// InputTransformKind discriminates InputTransform.
type InputTransformKind string

const (
	TransformStatic     InputTransformKind = "Static"
	TransformJavascript InputTransformKind = "Javascript"
	TransformAI         InputTransformKind = "Ai"
)

// InputTransform is one argument's resolution rule, §4.2.3.
type InputTransform struct {
	Kind  InputTransformKind `json:"type"`
	Value value.Value        `json:"value,omitempty"` // Static
	Expr  string             `json:"expr,omitempty"`  // Javascript
}

// RetryKind discriminates Retry.
type RetryKind string

const (
	RetryConstant    RetryKind = "constant"
	RetryExponential RetryKind = "exponential"
)

// Retry is the §4.2.1 retry policy.
type Retry struct {
	Kind         RetryKind `json:"type"`
	Attempts     int       `json:"attempts"`
	Seconds      int       `json:"seconds"`
	Multiplier   float64   `json:"multiplier,omitempty"`
	RandomFactor int       `json:"random_factor,omitempty"` // percent
	RetryIf      string    `json:"retry_if,omitempty"`      // §4.2.1 retry_if.expr
}

// Suspend is the §4.2.2 suspend policy.
type Suspend struct {
	RequiredEvents           int           `json:"required_events"`
	Timeout                  time.Duration `json:"timeout,omitempty"`
	ContinueOnDisapproveTimeout bool      `json:"continue_on_disapprove_timeout,omitempty"`
}

// Branch is one BranchOne/BranchAll arm.
type Branch struct {
	Expr        string       `json:"expr,omitempty"` // BranchOne only
	Modules     []FlowModule `json:"modules"`
	SkipFailure bool         `json:"skip_failure,omitempty"` // BranchAll only
}

// FlowModule is one node of the flow tree, §4.2.
type FlowModule struct {
	ID    string     `json:"id"`
	Kind  ModuleKind `json:"type"`

	// Script
	ScriptPath string `json:"script_path,omitempty"`
	ScriptHash string `json:"script_hash,omitempty"`

	// RawScript
	Content string `json:"content,omitempty"`
	Lang    string `json:"lang,omitempty"`
	Lock    *string `json:"lock,omitempty"`
	Tag     *string `json:"tag,omitempty"`

	// FlowScript
	FlowNodeID string `json:"flow_node_id,omitempty"`

	// Flow
	FlowPath                string `json:"flow_path,omitempty"`
	PassFlowInputDirectly    bool   `json:"pass_flow_input_directly,omitempty"`

	// ForloopFlow / WhileloopFlow
	Iterator     *InputTransform `json:"iterator,omitempty"`
	Modules      []FlowModule    `json:"modules,omitempty"`
	Parallel     bool            `json:"parallel,omitempty"`
	Parallelism  *int            `json:"parallelism,omitempty"`
	SkipFailures bool            `json:"skip_failures,omitempty"`
	Squash       bool            `json:"squash,omitempty"`

	// BranchOne / BranchAll
	Branches []Branch `json:"branches,omitempty"`
	Default  []FlowModule `json:"default,omitempty"`

	// AIAgent
	Tools []FlowModule `json:"tools,omitempty"`

	InputTransforms map[string]InputTransform `json:"input_transforms,omitempty"`

	StopAfterIf           *StopAfterIf `json:"stop_after_if,omitempty"`
	StopAfterAllItersIf   *StopAfterIf `json:"stop_after_all_iters_if,omitempty"`
	Retry                 *Retry       `json:"retry,omitempty"`
	Sleep                 *InputTransform `json:"sleep,omitempty"`
	SuspendPolicy         *Suspend     `json:"suspend,omitempty"`
	CacheTTL              *time.Duration `json:"cache_ttl,omitempty"`
	Timeout               *time.Duration `json:"timeout,omitempty"`
	Priority              *int         `json:"priority,omitempty"`
	Mock                  *value.Value `json:"mock,omitempty"`
	DeleteAfterUse         bool        `json:"delete_after_use,omitempty"`
	ContinueOnError        bool        `json:"continue_on_error,omitempty"`
	SkipIf                 *string     `json:"skip_if,omitempty"`
}

// StopAfterIf is the early-termination predicate on a module's result.
type StopAfterIf struct {
	Expr           string `json:"expr"`
	SkipIfStopped  bool   `json:"skip_if_stopped,omitempty"`
}

// FlowValue is the flow definition itself.
type FlowValue struct {
	Modules         []FlowModule `json:"modules"`
	FailureModule   *FlowModule  `json:"failure_module,omitempty"`
	PreprocessorModule *FlowModule `json:"preprocessor_module,omitempty"`
	SameWorker      bool         `json:"same_worker,omitempty"`
}

// FlowStatusModuleKind discriminates FlowStatusModule.
type FlowStatusModuleKind string

const (
	StatusWaitingForPriorSteps FlowStatusModuleKind = "WaitingForPriorSteps"
	StatusWaitingForEvents     FlowStatusModuleKind = "WaitingForEvents"
	StatusWaitingForExecutor   FlowStatusModuleKind = "WaitingForExecutor"
	StatusInProgress           FlowStatusModuleKind = "InProgress"
	StatusSuccess              FlowStatusModuleKind = "Success"
	StatusFailure              FlowStatusModuleKind = "Failure"
)

// IteratorState tracks a ForloopFlow/WhileloopFlow module's position.
// Index is the current element for sequential iteration; Done counts
// completions for Parallel iteration, where children finish out of
// order and Index is not a meaningful cursor.
type IteratorState struct {
	Index  int           `json:"index"`
	Done   int           `json:"done,omitempty"`
	Itered []value.Value `json:"itered"`
}

// BranchAllState tracks a BranchAll module's position.
type BranchAllState struct {
	Branch         int         `json:"branch"`
	Len            int         `json:"len"`
	PreviousResult value.Value `json:"previous_result,omitempty"`
}

// FlowStatusModule is the per-module progress record, §4.2.
type FlowStatusModule struct {
	Kind FlowStatusModuleKind `json:"type"`
	ID   string               `json:"id"`

	Count int       `json:"count,omitempty"`
	Job   *jobid.ID `json:"job,omitempty"`

	Iterator    *IteratorState  `json:"iterator,omitempty"`
	FlowJobs    []jobid.ID      `json:"flow_jobs,omitempty"`
	// Results holds each child job's own result, parallel to FlowJobs,
	// so a compound module (ForloopFlow/WhileloopFlow/BranchAll) can
	// report the ordered array of child results rather than job ids.
	Results     []value.Value   `json:"results,omitempty"`
	BranchAll   *BranchAllState `json:"branchall,omitempty"`
	BranchChosen *int           `json:"branch_chosen,omitempty"`
	Approvers   []string        `json:"approvers,omitempty"`

	// Result is this module's own final result, kept around (after
	// Success/Failure) so sibling modules can reference it via the
	// `steps`/`by_id` input-transform bindings.
	Result *value.Value `json:"result,omitempty"`

	// PendingResult holds the module's own result while the flow is
	// parked on SuspendPolicy, so resuming can continue the transition
	// finishModule would otherwise have made immediately.
	PendingResult *value.Value `json:"pending_result,omitempty"`
}

// RetryStatus accumulates the retry state across attempts.
type RetryStatus struct {
	FailCount      int         `json:"fail_count"`
	FailedJobs     []jobid.ID  `json:"failed_jobs,omitempty"`
	PreviousResult *value.Value `json:"previous_result,omitempty"`
}

// CleanupModule tracks flow-scoped child jobs eligible for result
// cleanup once the flow finishes.
type CleanupModule struct {
	FlowJobsToClean []jobid.ID `json:"flow_jobs_to_clean,omitempty"`
}

// FlowStatus is the persisted state machine document, §4.2.
type FlowStatus struct {
	Step               int                `json:"step"`
	Modules            []FlowStatusModule `json:"modules"`
	FailureModule      FlowStatusModule   `json:"failure_module"`
	PreprocessorModule *FlowStatusModule  `json:"preprocessor_module,omitempty"`
	Retry              RetryStatus        `json:"retry"`
	CleanupModule      CleanupModule      `json:"cleanup_module"`
	UserStates         map[string]value.Value `json:"user_states,omitempty"`
}

// InitFlowStatus builds the initial FlowStatus for a flow definition:
// step=0, a WaitingForPriorSteps entry per module, and a preprocessor
// slot when the flow defines one.
func InitFlowStatus(fv FlowValue) FlowStatus {
	modules := make([]FlowStatusModule, len(fv.Modules))
	for i, m := range fv.Modules {
		modules[i] = FlowStatusModule{Kind: StatusWaitingForPriorSteps, ID: m.ID}
	}
	fs := FlowStatus{
		Step:    0,
		Modules: modules,
		Retry:   RetryStatus{},
	}
	if fv.FailureModule != nil {
		fs.FailureModule = FlowStatusModule{Kind: StatusWaitingForPriorSteps, ID: fv.FailureModule.ID}
	}
	if fv.PreprocessorModule != nil {
		pp := FlowStatusModule{Kind: StatusWaitingForPriorSteps, ID: fv.PreprocessorModule.ID}
		fs.PreprocessorModule = &pp
	}
	return fs
}

// ToValue marshals a FlowStatus into the wire value.Value stored on
// queue.flow_status.
func (fs FlowStatus) ToValue() (value.Value, error) {
	return value.Of(fs)
}

// FlowStatusFromValue decodes a stored flow_status column.
func FlowStatusFromValue(v value.Value) (FlowStatus, error) {
	var fs FlowStatus
	if err := v.Decode(&fs); err != nil {
		return FlowStatus{}, errors.Wrap(err, "decode flow status")
	}
	return fs, nil
}

// rawModule is used for the two-phase decode: read Kind first, verify
// it is one of the known ModuleKind values.
type rawModule struct {
	Kind ModuleKind `json:"type"`
}

// ValidateKind reports whether k is a known module kind, guarding
// against silently accepting a typo'd discriminator from stored flow
// definitions.
func ValidateKind(raw json.RawMessage) (ModuleKind, error) {
	var rm rawModule
	if err := json.Unmarshal(raw, &rm); err != nil {
		return "", errors.Wrap(err, "decode module discriminator")
	}
	switch rm.Kind {
	case ModuleScript, ModuleRawScript, ModuleFlowScript, ModuleFlow,
		ModuleForloop, ModuleWhileloop, ModuleBranchOne, ModuleBranchAll,
		ModuleIdentity, ModuleAIAgent:
		return rm.Kind, nil
	default:
		return "", errors.Errorf("unknown module type %q", rm.Kind)
	}
}
