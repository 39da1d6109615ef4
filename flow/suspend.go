package flow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/internal/jobid"
	"github.com/jobctl/orchestrator/internal/value"
	"github.com/jobctl/orchestrator/store"
)

// DefaultSuspendTimeout is §4.2.2 step 3's default.
const DefaultSuspendTimeout = 30 * time.Minute

// SignResumeToken computes HMAC_SHA256(key, job_id_bytes ||
// resume_id_be32 || approver?), the signature a resume URL embeds.
// No pack library wraps raw HMAC over an arbitrary byte layout the way
// this protocol needs (see DESIGN.md); golang-jwt stays reserved for
// whole-token signing at the auth gate.
func SignResumeToken(key string, job jobid.ID, resumeID uint32, approver string) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(job[:])
	var resumeIDBuf [4]byte
	binary.BigEndian.PutUint32(resumeIDBuf[:], resumeID)
	mac.Write(resumeIDBuf[:])
	if approver != "" {
		mac.Write([]byte(approver))
	}
	return mac.Sum(nil)
}

// VerifyResumeToken reports whether sig is the expected signature for
// (job, resumeID, approver) under key.
func VerifyResumeToken(key string, job jobid.ID, resumeID uint32, approver string, sig []byte) bool {
	expected := SignResumeToken(key, job, resumeID, approver)
	return hmac.Equal(expected, sig)
}

// Resolver is the subset of store.Store suspend/resume needs.
type Resolver interface {
	GetWorkspaceSetting(ctx context.Context, workspaceID string) (*store.WorkspaceSetting, error)
	ListResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) ([]*store.ResumeJob, error)
	CountResumeJobs(ctx context.Context, workspaceID string, flow jobid.ID) (approved int, disapproved int, err error)
	CreateResumeJob(ctx context.Context, params *store.CreateResumeJob) (*store.ResumeJob, error)
}

// SubmitResume verifies and records a resume submission, §4.2.2 step 4.
// The deterministic resume_job.id = job XOR resume_id primary key
// absorbs duplicate submissions as a no-op upsert at the store layer.
func SubmitResume(ctx context.Context, r Resolver, workspaceID string, flow, job jobid.ID, resumeID uint32, approver string, sig []byte, value value.Value, isCancel bool) (*store.ResumeJob, error) {
	ws, err := r.GetWorkspaceSetting(ctx, workspaceID)
	if err != nil {
		return nil, errors.Wrap(err, "get workspace setting")
	}
	if ws.SigningKey == "" {
		return nil, apierr.New(apierr.InternalErr, "workspace %s has no resume signing key configured", workspaceID)
	}
	if !VerifyResumeToken(ws.SigningKey, job, resumeID, approver, sig) {
		return nil, apierr.New(apierr.PermissionDenied, "resume signature mismatch")
	}

	var approverPtr *string
	if approver != "" {
		approverPtr = &approver
	}

	return r.CreateResumeJob(ctx, &store.CreateResumeJob{
		ResumeID: resumeID,
		Job:      job,
		Flow:     flow,
		Value:    value,
		Approver: approverPtr,
		IsCancel: isCancel,
	})
}

// SuspendOutcome is what AdvanceAfterJobCompletion does after checking
// a module's suspend policy.
type SuspendOutcome int

const (
	SuspendSatisfied SuspendOutcome = iota // resume_job count met, proceed
	SuspendParked                          // not enough resumes yet, park the flow
	SuspendCanceled                        // a resume_job has is_cancel=true
	SuspendTimedOut                        // suspend_until has elapsed
)

// EvaluateSuspend implements §4.2.2 steps 1-3 and 5: given the
// policy and the current resume tally, decide what the engine should
// do next. now and suspendUntil (if the module is already parked) let
// the caller detect a timeout.
func EvaluateSuspend(ctx context.Context, r Resolver, workspaceID string, flow, job jobid.ID, policy Suspend, suspendUntil *time.Time, now time.Time) (SuspendOutcome, error) {
	approved, disapproved, err := r.CountResumeJobs(ctx, workspaceID, flow)
	if err != nil {
		return 0, errors.Wrap(err, "count resume jobs")
	}
	if disapproved > 0 {
		return SuspendCanceled, nil
	}
	if approved >= policy.RequiredEvents {
		return SuspendSatisfied, nil
	}
	if suspendUntil != nil && !suspendUntil.After(now) {
		return SuspendTimedOut, nil
	}
	return SuspendParked, nil
}

// SuspendDeadline computes the suspend_until value, §4.2.2 step 3.
func SuspendDeadline(policy Suspend, now time.Time) time.Time {
	timeout := policy.Timeout
	if timeout == 0 {
		timeout = DefaultSuspendTimeout
	}
	return now.Add(timeout)
}
