package flow

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/store"
)

// Engine advances a flow's persisted state machine one child-job
// completion at a time, generalizing the teacher's static
// in-degree/ready-queue DAG executor (ai/agents/orchestrator/
// dag_scheduler.go) to a durable, step-at-a-time state machine.
type Engine struct {
	store *store.Store
	queue *queue.Queue
	eval  *expreval.Evaluator
}

// New builds an Engine.
func New(s *store.Store, q *queue.Queue, eval *expreval.Evaluator) *Engine {
	return &Engine{store: s, queue: q, eval: eval}
}

// CompletionInfo is what the caller (the worker's job-completion
// handler) passes in about the child job that just finished.
type CompletionInfo struct {
	ChildJob  jobid.ID
	Success   bool
	Result    value.Value
	IsSkipped bool
}

// AdvanceAfterJobCompletion implements §4.2's update_flow_status_
// after_job_completion: it loads the parent flow job, determines the
// module the completed child belongs to, and performs one of: iterate
// again, move to the next branch, mark Success/Failure and advance the
// step, retry, transition to the failure module, or complete the flow.
func (e *Engine) AdvanceAfterJobCompletion(ctx context.Context, workspaceID string, parentFlowJob jobid.ID, child CompletionInfo) error {
	parent, err := e.store.GetQueuedJob(ctx, workspaceID, parentFlowJob)
	if err != nil {
		return errors.Wrap(err, "get parent flow job")
	}
	if parent == nil {
		return errors.Errorf("flow job %s not found", parentFlowJob)
	}
	if parent.FlowStatus == nil || parent.RawFlow == nil {
		return errors.Errorf("flow job %s has no flow state", parentFlowJob)
	}

	fs, err := FlowStatusFromValue(*parent.FlowStatus)
	if err != nil {
		return err
	}
	var fv FlowValue
	if err := parent.RawFlow.Decode(&fv); err != nil {
		return errors.Wrap(err, "decode flow definition")
	}

	slot, module, ok := currentSlot(fs, fv)
	if !ok {
		return errors.Errorf("flow job %s: step %d out of range", parentFlowJob, fs.Step)
	}

	skipFailure := computeSkipFailure(*slot, module)
	success := child.Success || (skipFailure && !child.Success)

	if slot.Kind == StatusInProgress && slot.Iterator != nil {
		return e.advanceIterator(ctx, parent, &fs, fv, module, slot, child, success)
	}
	if slot.Kind == StatusInProgress && slot.BranchAll != nil {
		return e.advanceBranchAll(ctx, parent, &fs, fv, module, slot, child, success)
	}

	slot.FlowJobs = append(slot.FlowJobs, child.ChildJob)
	slot.Results = append(slot.Results, child.Result)
	return e.finishModule(ctx, parent, &fs, fv, module, slot, child, success)
}

// advanceIterator handles a completion that belongs to a ForloopFlow/
// WhileloopFlow module already in progress: either record the result
// and push the next iteration, or settle the module.
func (e *Engine) advanceIterator(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo, success bool) error {
	it := slot.Iterator

	if module.Parallel {
		if idx := indexOfJob(slot.FlowJobs, child.ChildJob); idx >= 0 && idx < len(slot.Results) {
			slot.Results[idx] = child.Result
		}
		it.Done++

		if !success && !module.SkipFailures {
			return e.finishModule(ctx, parent, fs, fv, module, slot, child, false)
		}
		if it.Done < len(it.Itered) {
			return e.persistFlowStatus(ctx, parent, fs)
		}
		return e.finishModule(ctx, parent, fs, fv, module, slot, child, true)
	}

	more, err := e.iteratorHasMore(ctx, module, slot, child.Result)
	if err != nil {
		return err
	}

	slot.FlowJobs = append(slot.FlowJobs, child.ChildJob)
	slot.Results = append(slot.Results, child.Result)

	if success && more {
		it.Index++
		return e.persistAndPushIteration(ctx, parent, fs, module, slot)
	}
	return e.finishModule(ctx, parent, fs, fv, module, slot, child, success)
}

// advanceBranchAll handles a completion belonging to a BranchAll
// module already in progress: advance to the next branch, or settle.
func (e *Engine) advanceBranchAll(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo, success bool) error {
	slot.FlowJobs = append(slot.FlowJobs, child.ChildJob)
	slot.Results = append(slot.Results, child.Result)

	if success && slot.BranchAll.Branch+1 < slot.BranchAll.Len {
		slot.BranchAll.Branch++
		return e.persistAndPushBranch(ctx, parent, fs, module, slot)
	}
	return e.finishModule(ctx, parent, fs, fv, module, slot, child, success)
}

// iteratorHasMore reports whether a ForloopFlow/WhileloopFlow module
// in progress should push another iteration. ForloopFlow has a fixed
// Itered array; WhileloopFlow instead loops until stop_after_all_
// iters_if evaluates true against the last iteration's result.
func (e *Engine) iteratorHasMore(ctx context.Context, module FlowModule, slot *FlowStatusModule, lastResult value.Value) (bool, error) {
	if module.Kind == ModuleWhileloop {
		if module.StopAfterAllItersIf == nil {
			return false, nil
		}
		stop, err := e.eval.EvalBool(ctx, module.StopAfterAllItersIf.Expr, expreval.Bindings{PreviousResult: mustAny(lastResult)})
		if err != nil {
			return false, errors.Wrap(err, "evaluate stop_after_all_iters_if")
		}
		return !stop, nil
	}
	return slot.Iterator.Index+1 < len(slot.Iterator.Itered), nil
}

// indexOfJob finds child's position in jobs. Parallel iteration counts
// are expected to be small (per-flow loop bodies, not bulk data), so a
// linear scan over the ids pushed for this module is not worth a map.
func indexOfJob(jobs []jobid.ID, child jobid.ID) int {
	for i, j := range jobs {
		if j == child {
			return i
		}
	}
	return -1
}

// StartFlow dispatches a freshly pushed flow job's first step: the
// preprocessor module if the flow defines one, otherwise module 0. It
// is the worker's entry point for a job_kind=flow row that has never
// had a child job pushed yet (FlowStatus fresh from InitFlowStatus).
func (e *Engine) StartFlow(ctx context.Context, workspaceID string, flowJob jobid.ID) error {
	parent, err := e.store.GetQueuedJob(ctx, workspaceID, flowJob)
	if err != nil {
		return errors.Wrap(err, "get flow job")
	}
	if parent == nil {
		return errors.Errorf("flow job %s not found", flowJob)
	}
	if parent.FlowStatus == nil || parent.RawFlow == nil {
		return errors.Errorf("flow job %s has no flow state", flowJob)
	}

	fs, err := FlowStatusFromValue(*parent.FlowStatus)
	if err != nil {
		return err
	}
	var fv FlowValue
	if err := parent.RawFlow.Decode(&fv); err != nil {
		return errors.Wrap(err, "decode flow definition")
	}

	if fv.PreprocessorModule != nil {
		fs.Step = -1
		return e.persistAndDispatch(ctx, parent, &fs, fv, *fv.PreprocessorModule, flowArgsAsResult(parent.Args))
	}
	if len(fv.Modules) == 0 {
		return e.completeFlow(ctx, parent, value.Null, true, false)
	}
	return e.persistAndDispatch(ctx, parent, &fs, fv, fv.Modules[0], flowArgsAsResult(parent.Args))
}

// currentSlot returns a pointer into fs.Modules (or the preprocessor /
// failure slot) for the module currently being advanced, plus its
// FlowValue definition.
func currentSlot(fs FlowStatus, fv FlowValue) (*FlowStatusModule, FlowModule, bool) {
	switch {
	case fs.Step == -1:
		if fs.PreprocessorModule == nil || fv.PreprocessorModule == nil {
			return nil, FlowModule{}, false
		}
		return fs.PreprocessorModule, *fv.PreprocessorModule, true
	case fs.Step >= len(fv.Modules):
		if fv.FailureModule == nil {
			return nil, FlowModule{}, false
		}
		return &fs.FailureModule, *fv.FailureModule, true
	default:
		return &fs.Modules[fs.Step], fv.Modules[fs.Step], true
	}
}

// computeSkipFailure implements §4.2 step 2.
func computeSkipFailure(slot FlowStatusModule, module FlowModule) bool {
	switch module.Kind {
	case ModuleForloop, ModuleWhileloop:
		return module.SkipFailures
	case ModuleBranchAll:
		if slot.BranchAll == nil || slot.BranchAll.Branch >= len(module.Branches) {
			return false
		}
		return module.Branches[slot.BranchAll.Branch].SkipFailure
	default:
		return false
	}
}

// finishModule marks the module Success or Failure, advances the
// step, and decides what to do next: stop early, retry, fail over to
// the failure module, push the next module, or complete the flow.
func (e *Engine) finishModule(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo, success bool) error {
	result := aggregateResult(module, slot, child, success)

	if !success && ShouldRetry(module.Retry, fs.Retry.FailCount) {
		if ok, err := e.shouldRetryNow(ctx, module.Retry, child.Result); err != nil {
			return err
		} else if ok {
			return e.scheduleRetry(ctx, parent, fs, fv, module, slot, child)
		}
	}

	slot.Job = &child.ChildJob

	if success && module.SuspendPolicy != nil && slot.PendingResult == nil {
		return e.parkForSuspend(ctx, parent, fs, fv, module, slot, child, result)
	}

	return e.continueModule(ctx, parent, fs, fv, module, slot, child, result, success)
}

// parkForSuspend implements §4.2.2: a module with a suspend policy does
// not finalize Success immediately. It checks the current resume_job
// tally, and either proceeds (enough approvals already recorded before
// the child job even finished), parks the flow waiting for more, fails
// the flow on a disapproval, or applies the timeout policy.
func (e *Engine) parkForSuspend(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo, result value.Value) error {
	now := time.Now()

	suspendUntil := parent.SuspendUntil
	if suspendUntil == nil {
		deadline := SuspendDeadline(*module.SuspendPolicy, now)
		suspendUntil = &deadline
	}

	outcome, err := EvaluateSuspend(ctx, e.store, parent.WorkspaceID, parent.ID, child.ChildJob, *module.SuspendPolicy, suspendUntil, now)
	if err != nil {
		return errors.Wrap(err, "evaluate suspend policy")
	}

	switch outcome {
	case SuspendSatisfied:
		slot.PendingResult = nil
		return e.continueModule(ctx, parent, fs, fv, module, slot, child, result, true)

	case SuspendCanceled:
		return e.completeFlow(ctx, parent, value.MustOf(map[string]any{"error": "approval request disapproved"}), false, false)

	case SuspendTimedOut:
		if module.SuspendPolicy.ContinueOnDisapproveTimeout {
			slot.PendingResult = nil
			return e.continueModule(ctx, parent, fs, fv, module, slot, child, result, true)
		}
		return e.completeFlow(ctx, parent, value.MustOf(map[string]any{"error": "approval request timed out"}), false, false)

	default: // SuspendParked
		slot.PendingResult = &result
		statusValue, err := fs.ToValue()
		if err != nil {
			return err
		}
		return errors.Wrap(
			e.store.SetFlowStatus(ctx, parent.WorkspaceID, parent.ID, &statusValue, module.SuspendPolicy.RequiredEvents, suspendUntil),
			"persist suspended flow status",
		)
	}
}

// ResumeFlow re-evaluates a parked module's suspend policy after a new
// resume_job submission and continues the flow if it is now satisfied
// (or canceled/timed out). It is a no-op if the flow isn't currently
// parked on a suspend policy.
func (e *Engine) ResumeFlow(ctx context.Context, workspaceID string, flowJob jobid.ID) error {
	parent, err := e.store.GetQueuedJob(ctx, workspaceID, flowJob)
	if err != nil {
		return errors.Wrap(err, "get flow job")
	}
	if parent == nil || parent.FlowStatus == nil || parent.RawFlow == nil {
		return nil
	}

	fs, err := FlowStatusFromValue(*parent.FlowStatus)
	if err != nil {
		return err
	}
	var fv FlowValue
	if err := parent.RawFlow.Decode(&fv); err != nil {
		return errors.Wrap(err, "decode flow definition")
	}

	slot, module, ok := currentSlot(fs, fv)
	if !ok || module.SuspendPolicy == nil || slot.PendingResult == nil {
		return nil
	}

	result := *slot.PendingResult
	child := CompletionInfo{ChildJob: *slot.Job, Success: true, Result: result}
	return e.parkForSuspend(ctx, parent, &fs, fv, module, slot, child, result)
}

// continueModule finishes the success/failure bookkeeping that
// finishModule performs once a module's outcome is settled, shared by
// the immediate (no suspend policy, or already-satisfied) path and the
// resume path that reaches the same point after parking.
func (e *Engine) continueModule(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo, result value.Value, success bool) error {
	slot.Kind = StatusSuccess
	if !success {
		slot.Kind = StatusFailure
	}
	slot.Result = &result

	stop, skip, err := e.evaluateStopAfterIf(ctx, module.StopAfterIf, result)
	if err != nil {
		return err
	}

	if stop || (!success && fv.FailureModule != nil && fs.Step < len(fv.Modules)) {
		if !success && fv.FailureModule != nil && !stop {
			fs.Step = len(fv.Modules) // sentinel: failure module slot
			return e.persistAndDispatch(ctx, parent, fs, fv, *fv.FailureModule, value.Null)
		}
		return e.completeFlow(ctx, parent, result, success, skip)
	}

	fs.Step++
	if fs.Step >= len(fv.Modules) {
		return e.completeFlow(ctx, parent, result, success, false)
	}

	nextModule := fv.Modules[fs.Step]
	return e.persistAndDispatch(ctx, parent, fs, fv, nextModule, result)
}

// aggregateResult implements §4.2 step 4: a compound module
// (ForloopFlow, WhileloopFlow, BranchAll) that finishes successfully
// (including via skip_failures) reports the ordered array of its
// children's own results. A genuine, non-skipped failure instead
// reports the failing child's own result, matching a leaf module's
// failure result rather than a partial array.
func aggregateResult(module FlowModule, slot *FlowStatusModule, child CompletionInfo, success bool) value.Value {
	switch module.Kind {
	case ModuleForloop, ModuleWhileloop, ModuleBranchAll:
		if !success {
			return child.Result
		}
		return value.MustOf(slot.Results)
	default:
		return child.Result
	}
}

// shouldRetryNow evaluates the optional retry_if predicate.
func (e *Engine) shouldRetryNow(ctx context.Context, r *Retry, failureResult value.Value) (bool, error) {
	if r == nil || r.RetryIf == "" {
		return r != nil, nil
	}
	ok, err := e.eval.EvalBool(ctx, r.RetryIf, expreval.Bindings{PreviousResult: mustAny(failureResult)})
	if err != nil {
		return false, errors.Wrap(err, "evaluate retry_if")
	}
	return ok, nil
}

func mustAny(v value.Value) any {
	out, err := v.Any()
	if err != nil {
		return nil
	}
	return out
}

// argsToAny decodes an Args map into the plain map[string]any shape
// expreval.Bindings expects.
func argsToAny(args value.Args) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = mustAny(v)
	}
	return out
}

// scheduleRetry implements §4.2 step 6: record the failed child, bump
// fail_count, compute the backoff delay, and re-push the same module.
func (e *Engine) scheduleRetry(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, child CompletionInfo) error {
	fs.Retry.FailCount++
	fs.Retry.FailedJobs = append(fs.Retry.FailedJobs, child.ChildJob)
	fs.Retry.PreviousResult = &child.Result

	delay, err := NextDelay(*module.Retry, fs.Retry.FailCount, nil)
	if err != nil {
		return errors.Wrap(err, "compute retry delay")
	}
	scheduledFor := time.Now().Add(delay)

	slot.Kind = StatusInProgress
	slot.Iterator = nil
	slot.BranchAll = nil
	return e.persistAndDispatchAt(ctx, parent, fs, fv, module, child.Result, &scheduledFor)
}

// evaluateStopAfterIf implements §4.2 step 5.
func (e *Engine) evaluateStopAfterIf(ctx context.Context, cond *StopAfterIf, result value.Value) (stop bool, skip bool, err error) {
	if cond == nil {
		return false, false, nil
	}
	ok, err := e.eval.EvalBool(ctx, cond.Expr, expreval.Bindings{PreviousResult: mustAny(result)})
	if err != nil {
		return false, false, errors.Wrap(err, "evaluate stop_after_if")
	}
	return ok, ok && cond.SkipIfStopped, nil
}

// ---------------------------------------------------------------------
// Input-transform resolution (§4.2.3).
// ---------------------------------------------------------------------

// stepContext builds the `steps`/`by_id` input-transform bindings from
// the modules that have already completed in this flow.
func stepContext(fs FlowStatus) ([]any, map[string]any) {
	steps := make([]any, 0, len(fs.Modules))
	byID := make(map[string]any, len(fs.Modules))
	for _, m := range fs.Modules {
		if m.Kind != StatusSuccess && m.Kind != StatusFailure {
			continue
		}
		if m.Result == nil {
			continue
		}
		v := mustAny(*m.Result)
		steps = append(steps, v)
		byID[m.ID] = v
	}
	return steps, byID
}

// resumeValues loads the resume_job submissions recorded against this
// flow job, oldest first, for the `resume`/`resumes` bindings.
func (e *Engine) resumeValues(ctx context.Context, parent *store.QueuedJob) ([]any, error) {
	jobs, err := e.store.ListResumeJobs(ctx, parent.WorkspaceID, parent.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list resume jobs")
	}
	out := make([]any, len(jobs))
	for i, j := range jobs {
		out[i] = mustAny(j.Value)
	}
	return out, nil
}

// flowBindings assembles the full §4.2.3 binding set for evaluating an
// input transform against module, given the statically-resolved
// params gathered so far and the previous module's result.
func (e *Engine) flowBindings(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, params value.Args, previousResult value.Value) (expreval.Bindings, error) {
	steps, byID := stepContext(*fs)
	resumes, err := e.resumeValues(ctx, parent)
	if err != nil {
		return expreval.Bindings{}, err
	}
	var resume any
	if len(resumes) > 0 {
		resume = resumes[len(resumes)-1]
	}
	return expreval.Bindings{
		Params:         argsToAny(params),
		PreviousResult: mustAny(previousResult),
		FlowInput:      argsToAny(parent.Args),
		Resume:         resume,
		Resumes:        resumes,
		Steps:          steps,
		ByID:           byID,
	}, nil
}

// resolveArgs implements §4.2.3: Static transforms are resolved first
// into the `params` map, then Javascript transforms are evaluated
// against the Static values (each Javascript expr sees `params` as
// resolved by statics; evaluation order across Javascript keys
// themselves is unspecified, matching input_transforms being an
// unordered map rather than a list). Ai transforms are left for the
// AI-agent harness that builds the module's own prompt/tool-call loop
// downstream; they contribute no key here.
func (e *Engine) resolveArgs(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, previousResult value.Value) (value.Args, error) {
	mapped := make(value.Args, len(module.InputTransforms))
	for key, it := range module.InputTransforms {
		if it.Kind == TransformStatic {
			mapped[key] = it.Value
		}
	}
	for key, it := range module.InputTransforms {
		if it.Kind != TransformJavascript {
			continue
		}
		bindings, err := e.flowBindings(ctx, parent, fs, mapped, previousResult)
		if err != nil {
			return nil, err
		}
		v, err := e.eval.Eval(ctx, it.Expr, bindings)
		if err != nil {
			return nil, errors.Wrapf(err, "module %q: resolve input %q", module.ID, key)
		}
		mapped[key] = v
	}
	return mapped, nil
}

// evalIterator resolves a ForloopFlow module's `iterator` transform
// into the array it loops over.
func (e *Engine) evalIterator(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, previousResult value.Value) ([]value.Value, error) {
	if module.Iterator == nil {
		return nil, errors.Errorf("module %q: forloop has no iterator", module.ID)
	}

	var v value.Value
	switch module.Iterator.Kind {
	case TransformStatic:
		v = module.Iterator.Value
	case TransformJavascript:
		bindings, err := e.flowBindings(ctx, parent, fs, value.Args{}, previousResult)
		if err != nil {
			return nil, err
		}
		v, err = e.eval.Eval(ctx, module.Iterator.Expr, bindings)
		if err != nil {
			return nil, errors.Wrapf(err, "module %q: evaluate iterator", module.ID)
		}
	default:
		return nil, errors.Errorf("module %q: iterator transform %q unsupported", module.ID, module.Iterator.Kind)
	}

	var items []value.Value
	if err := v.Decode(&items); err != nil {
		return nil, errors.Wrapf(err, "module %q: iterator did not evaluate to an array", module.ID)
	}
	return items, nil
}

// iterArgs builds the per-iteration body args: the loop body's own
// FlowInput is {"iter": {"index", "value"}}, matching the source
// system's forloop job-args convention.
func iterArgs(index int, item value.Value) value.Args {
	return value.Args{"iter": value.MustOf(map[string]any{"index": index, "value": mustAny(item)})}
}

// ---------------------------------------------------------------------
// Dispatch.
// ---------------------------------------------------------------------

// persistAndPushIteration re-dispatches a ForloopFlow/WhileloopFlow
// module for its next element after persisting the updated iterator
// index. It pushes directly (bypassing the module-kind switch in
// persistAndDispatchAt) since this is a continuation of an
// already-initialized iterator, not a fresh dispatch.
func (e *Engine) persistAndPushIteration(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, slot *FlowStatusModule) error {
	idx := slot.Iterator.Index
	var item value.Value
	if idx < len(slot.Iterator.Itered) {
		item = slot.Iterator.Itered[idx]
	}
	payload, rawFlow, flowStatus := nestedFlowPush(module.Modules)
	return e.pushChild(ctx, parent, fs, payload, iterArgs(idx, item), store.JobKindFlow, moduleTag(module), rawFlow, flowStatus, nil)
}

func (e *Engine) persistAndPushBranch(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, slot *FlowStatusModule) error {
	return e.dispatchBranchAllIndex(ctx, parent, fs, module, slot.BranchAll.Branch, nil)
}

func (e *Engine) dispatchBranchAllIndex(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, idx int, scheduledFor *time.Time) error {
	payload, rawFlow, flowStatus := nestedFlowPush(module.Branches[idx].Modules)
	return e.pushChild(ctx, parent, fs, payload, value.Args{}, store.JobKindFlow, moduleTag(module), rawFlow, flowStatus, scheduledFor)
}

// persistAndDispatch writes the updated FlowStatus back to the parent
// row and pushes the first dispatch for module.
func (e *Engine) persistAndDispatch(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, previousResult value.Value) error {
	return e.persistAndDispatchAt(ctx, parent, fs, fv, module, previousResult, nil)
}

// flowArgsAsResult lets a flow's own starting args double as the
// "previous result" seen by the first module's input transforms (the
// spec's previous_result binding has no real predecessor for module
// 0, so it mirrors flow_input there, matching the source system).
func flowArgsAsResult(args value.Args) value.Value {
	if len(args) == 0 {
		return value.Null
	}
	return value.MustOf(args)
}

// persistAndDispatchAt is the single dispatch entry point for a
// module's first attempt (fresh entry, or a retry restarting it from
// scratch): it resolves the module's own kind-specific start behavior,
// persisting FlowStatus first so a crash between persist and push
// always leaves state consistent with "child not yet pushed".
func (e *Engine) persistAndDispatchAt(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, previousResult value.Value, scheduledFor *time.Time) error {
	slot, _, ok := currentSlot(*fs, fv)
	if !ok {
		return errors.Errorf("flow job %s: no slot for module %q", parent.ID, module.ID)
	}

	switch module.Kind {
	case ModuleForloop, ModuleWhileloop:
		return e.startIteratorModule(ctx, parent, fs, fv, module, slot, previousResult, scheduledFor)
	case ModuleBranchOne:
		return e.startBranchOneModule(ctx, parent, fs, fv, module, slot, previousResult, scheduledFor)
	case ModuleBranchAll:
		return e.startBranchAllModule(ctx, parent, fs, fv, module, slot, previousResult, scheduledFor)
	default:
		args, err := e.resolveArgs(ctx, parent, fs, module, previousResult)
		if err != nil {
			return err
		}

		var (
			payload             store.Payload
			rawFlow, flowStatus *value.Value
		)
		if module.Kind == ModuleFlowScript {
			// FlowScript's body is whatever module.Modules carries
			// (normally none, since it names a content-addressed
			// script by FlowNodeID rather than nesting modules); give
			// it real flow state so StartFlow doesn't error, even
			// though it will typically complete immediately via the
			// empty-modules shortcut.
			p, rf, fsv := nestedFlowPush(module.Modules)
			payload, rawFlow, flowStatus = p, &rf, &fsv
		} else {
			payload, err = modulePayload(module)
			if err != nil {
				return err
			}
		}
		return e.pushChild(ctx, parent, fs, payload, args, moduleJobKind(module.Kind), moduleTag(module), rawFlow, flowStatus, scheduledFor)
	}
}

// startIteratorModule evaluates module's iterator (if ForloopFlow) and
// pushes the first iteration, or completes immediately if there is
// nothing to iterate over.
func (e *Engine) startIteratorModule(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, previousResult value.Value, scheduledFor *time.Time) error {
	if module.Kind == ModuleWhileloop {
		slot.Kind = StatusInProgress
		slot.Iterator = &IteratorState{Itered: []value.Value{value.Null}}
		return e.persistAndPushIteration(ctx, parent, fs, module, slot)
	}

	itered, err := e.evalIterator(ctx, parent, fs, module, previousResult)
	if err != nil {
		return err
	}

	slot.Kind = StatusInProgress
	if len(itered) == 0 {
		return e.finishEmptyCompound(ctx, parent, fs, fv, module, slot, value.MustOf([]value.Value{}))
	}

	if module.Parallel {
		slot.Iterator = &IteratorState{Itered: itered}
		slot.FlowJobs = make([]jobid.ID, 0, len(itered))
		slot.Results = make([]value.Value, len(itered))
		return e.startParallelIterations(ctx, parent, fs, module, slot, scheduledFor)
	}

	slot.Iterator = &IteratorState{Itered: itered}
	return e.persistAndPushIteration(ctx, parent, fs, module, slot)
}

// startParallelIterations pushes every iteration's body at once. The
// Parallelism cap on module is accepted but not enforced: every
// iteration is pushed up front rather than refilled as slots free up,
// a simplification documented in DESIGN.md.
func (e *Engine) startParallelIterations(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, module FlowModule, slot *FlowStatusModule, scheduledFor *time.Time) error {
	for i, item := range slot.Iterator.Itered {
		payload, rawFlow, flowStatus := nestedFlowPush(module.Modules)
		statusValue, err := fs.ToValue()
		if err != nil {
			return err
		}
		if err := e.store.SetFlowStatus(ctx, parent.WorkspaceID, parent.ID, &statusValue, 0, nil); err != nil {
			return errors.Wrap(err, "persist flow status")
		}
		childID, err := e.queue.Push(ctx, queue.PushParams{
			WorkspaceID:    parent.WorkspaceID,
			Payload:        payload,
			Args:           iterArgs(i, item),
			AsUser:         parent.CreatedBy,
			PermissionedAs: parent.PermissionedAs,
			ScheduledFor:   scheduledFor,
			ParentJob:      &parent.ID,
			IsFlowStep:     true,
			Tag:            moduleTag(module),
			JobKind:        store.JobKindFlow,
			RawFlow:        &rawFlow,
			FlowStatus:     &flowStatus,
		})
		if err != nil {
			return errors.Wrap(err, "push parallel iteration")
		}
		slot.FlowJobs = append(slot.FlowJobs, childID)
	}
	statusValue, err := fs.ToValue()
	if err != nil {
		return err
	}
	return errors.Wrap(e.store.SetFlowStatus(ctx, parent.WorkspaceID, parent.ID, &statusValue, 0, nil), "persist flow status")
}

// startBranchOneModule evaluates each branch's Expr in order, running
// the first that matches (or Default if none do), and pushes its body.
func (e *Engine) startBranchOneModule(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, previousResult value.Value, scheduledFor *time.Time) error {
	chosen := -1
	for i, b := range module.Branches {
		ok, err := e.eval.EvalBool(ctx, b.Expr, expreval.Bindings{PreviousResult: mustAny(previousResult)})
		if err != nil {
			return errors.Wrapf(err, "module %q: evaluate branch %d", module.ID, i)
		}
		if ok {
			chosen = i
			break
		}
	}

	slot.Kind = StatusInProgress
	slot.BranchChosen = &chosen

	body := module.Default
	if chosen >= 0 {
		body = module.Branches[chosen].Modules
	}
	if len(body) == 0 {
		return e.finishEmptyCompound(ctx, parent, fs, fv, module, slot, value.Null)
	}

	payload, rawFlow, flowStatus := nestedFlowPush(body)
	return e.pushChild(ctx, parent, fs, payload, value.Args{}, store.JobKindFlow, moduleTag(module), rawFlow, flowStatus, scheduledFor)
}

// startBranchAllModule runs every branch in turn (sequentially: true
// concurrent branch execution is not implemented, see DESIGN.md).
func (e *Engine) startBranchAllModule(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, previousResult value.Value, scheduledFor *time.Time) error {
	n := len(module.Branches)
	slot.Kind = StatusInProgress
	slot.BranchAll = &BranchAllState{Branch: 0, Len: n, PreviousResult: previousResult}

	if n == 0 {
		return e.finishEmptyCompound(ctx, parent, fs, fv, module, slot, value.MustOf([]value.Value{}))
	}
	return e.dispatchBranchAllIndex(ctx, parent, fs, module, 0, scheduledFor)
}

// finishEmptyCompound settles a compound module that has nothing to
// run (a zero-element forloop, a branch-all with no branches, or a
// branch-one whose chosen arm has an empty body) without pushing a
// child job. The nominal CompletionInfo carries parent.ID as a
// placeholder "child" reference since no child job actually ran.
func (e *Engine) finishEmptyCompound(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, fv FlowValue, module FlowModule, slot *FlowStatusModule, result value.Value) error {
	child := CompletionInfo{ChildJob: parent.ID, Success: true, Result: result}
	return e.continueModule(ctx, parent, fs, fv, module, slot, child, result, true)
}

// persistFlowStatus writes fs back to the parent row without pushing
// anything, used when a parallel iteration completes but others are
// still outstanding.
func (e *Engine) persistFlowStatus(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus) error {
	statusValue, err := fs.ToValue()
	if err != nil {
		return err
	}
	return errors.Wrap(e.store.SetFlowStatus(ctx, parent.WorkspaceID, parent.ID, &statusValue, 0, nil), "persist flow status")
}

// pushChild persists fs and pushes one child job for it. rawFlow/
// flowStatus are non-nil only for a nested-flow push (a compound
// module's body, dispatched as its own inline sub-flow).
func (e *Engine) pushChild(ctx context.Context, parent *store.QueuedJob, fs *FlowStatus, payload store.Payload, args value.Args, jobKind store.JobKind, tag string, rawFlow *value.Value, flowStatus *value.Value, scheduledFor *time.Time) error {
	statusValue, err := fs.ToValue()
	if err != nil {
		return err
	}
	if err := e.store.SetFlowStatus(ctx, parent.WorkspaceID, parent.ID, &statusValue, 0, nil); err != nil {
		return errors.Wrap(err, "persist flow status")
	}

	_, err = e.queue.Push(ctx, queue.PushParams{
		WorkspaceID:    parent.WorkspaceID,
		Payload:        payload,
		Args:           args,
		AsUser:         parent.CreatedBy,
		PermissionedAs: parent.PermissionedAs,
		ScheduledFor:   scheduledFor,
		ParentJob:      &parent.ID,
		IsFlowStep:     true,
		Tag:            tag,
		JobKind:        jobKind,
		RawFlow:        rawFlow,
		FlowStatus:     flowStatus,
	})
	return errors.Wrap(err, "push next flow step")
}

// nestedFlowPush builds the inline-flow payload plus the RawFlow/
// FlowStatus a nested sub-flow job needs to be self-sufficient:
// StartFlow/AdvanceAfterJobCompletion both decode parent.RawFlow, not
// Payload.FlowValue, so a compound module's body must carry both.
func nestedFlowPush(modules []FlowModule) (store.Payload, value.Value, value.Value) {
	fv := FlowValue{Modules: modules}
	fvValue := value.MustOf(fv)
	statusValue := value.MustOf(InitFlowStatus(fv))
	return store.Payload{Kind: store.PayloadInlineFlow, FlowValue: fvValue}, fvValue, statusValue
}

// modulePayload builds the queue.Payload for dispatching a leaf (or
// Flow-by-path / FlowScript) module. Argument resolution happens in
// resolveArgs before this is called; modulePayload only sets the
// discriminator fields needed to route and run the job.
func modulePayload(module FlowModule) (store.Payload, error) {
	switch module.Kind {
	case ModuleScript:
		return store.Payload{Kind: store.PayloadScriptHash, ScriptPath: module.ScriptPath, ScriptHash: module.ScriptHash}, nil
	case ModuleRawScript:
		return store.Payload{Kind: store.PayloadInlineCode, Content: module.Content, Language: module.Lang, Lock: module.Lock}, nil
	case ModuleFlow:
		// Flow-by-path: the referenced flow's own definition isn't
		// resolved here (there is no flow-definition store in this
		// module), so this job is pushed without RawFlow and will
		// need one attached by whatever resolves FlowPath before
		// StartFlow runs. See DESIGN.md.
		return store.Payload{Kind: store.PayloadFlowByPath, FlowPath: module.FlowPath}, nil
	case ModuleIdentity:
		return store.Payload{Kind: store.PayloadInlineCode, Language: "identity"}, nil
	case ModuleAIAgent:
		tools := make([]string, len(module.Tools))
		for i, tool := range module.Tools {
			tools[i] = tool.ID
		}
		return store.Payload{Kind: store.PayloadAIAgent, Content: module.Content, Tools: tools}, nil
	default:
		// ModuleForloop/ModuleWhileloop/ModuleBranchOne/ModuleBranchAll/
		// ModuleFlowScript are handled directly in persistAndDispatchAt,
		// which builds their inline-flow payload via nestedFlowPush.
		return store.Payload{}, errors.Errorf("module %q: kind %q has no leaf payload", module.ID, module.Kind)
	}
}

// moduleJobKind returns the JobKind a module's pushed child must carry
// so worker/dispatcher.go routes it to processFlow (flow-invoking
// kinds) rather than processLeaf.
func moduleJobKind(kind ModuleKind) store.JobKind {
	switch kind {
	case ModuleFlow, ModuleForloop, ModuleWhileloop, ModuleBranchOne, ModuleBranchAll, ModuleFlowScript:
		return store.JobKindFlow
	case ModuleScript:
		return store.JobKindScript
	case ModuleRawScript:
		return store.JobKindPreview
	case ModuleIdentity:
		return store.JobKindIdentity
	default:
		return store.JobKindScript
	}
}

func moduleTag(module FlowModule) string {
	if module.Tag != nil {
		return *module.Tag
	}
	return ""
}

// completeFlow implements §4.2 step 8: complete the parent job with
// the last module's result (or the stop_after_if result), recursing
// into the parent's own parent flow if there is one.
func (e *Engine) completeFlow(ctx context.Context, parent *store.QueuedJob, result value.Value, success bool, isSkipped bool) error {
	_, err := e.queue.Complete(ctx, queue.CompleteParams{
		WorkspaceID: parent.WorkspaceID,
		ID:          parent.ID,
		Success:     success,
		Result:      result,
		IsSkipped:   isSkipped,
	})
	if err != nil {
		return errors.Wrap(err, "complete flow job")
	}

	if parent.ParentJob == nil {
		return nil
	}
	return e.AdvanceAfterJobCompletion(ctx, parent.WorkspaceID, *parent.ParentJob, CompletionInfo{
		ChildJob:  parent.ID,
		Success:   success,
		Result:    result,
		IsSkipped: isSkipped,
	})
}
