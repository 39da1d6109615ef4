// Package apierr carries the typed error kinds the core surfaces,
// independent of transport, and maps them to HTTP status codes at the
// edge (see server/router/api/v1/jobs).
package apierr

import (
	"fmt"
	"net/http"
)

// Kind is one of the error kinds enumerated in the error handling
// design: NotFound, BadRequest, ExecutionErr, InternalErr,
// PermissionDenied, Timeout.
type Kind string

const (
	NotFound         Kind = "NotFound"
	BadRequest       Kind = "BadRequest"
	ExecutionErr     Kind = "ExecutionErr"
	InternalErr      Kind = "InternalErr"
	PermissionDenied Kind = "PermissionDenied"
	Timeout          Kind = "Timeout"
)

// Error is the typed error the core returns; StepID is populated when
// the error originates from a specific flow module.
type Error struct {
	Kind    Kind
	Message string
	StepID  string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind carrying cause.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithStep attaches the originating module id.
func (e *Error) WithStep(stepID string) *Error {
	e2 := *e
	e2.StepID = stepID
	return &e2
}

// HTTPStatus maps a Kind to the HTTP status code the route handlers
// should respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case BadRequest:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case Timeout:
		return http.StatusGatewayTimeout
	case ExecutionErr:
		return http.StatusUnprocessableEntity
	case InternalErr:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the {error:{kind,message,step_id?}} JSON shape used when
// a job's own result records a failure, per the error handling design.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// ToEnvelope converts any error into the wire envelope, defaulting to
// InternalErr for errors that aren't *Error.
func ToEnvelope(err error) Envelope {
	if e, ok := err.(*Error); ok {
		return Envelope{EnvelopeBody{Kind: e.Kind, Message: e.Message, StepID: e.StepID}}
	}
	return Envelope{EnvelopeBody{Kind: InternalErr, Message: err.Error()}}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
