// Package apperr provides the structured error type shared by every
// component. Errors carry a wire code so the HTTP layer can render the
// service error shape without inspecting component internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind on the wire.
type Code string

const (
	CodeInvalidArgument       Code = "InvalidArgument"
	CodeInvalidAPIKey         Code = "InvalidApiKey"
	CodeForbidden             Code = "Forbidden"
	CodeResourceNotFound      Code = "ResourceNotFound"
	CodeResourceAlreadyExists Code = "ResourceAlreadyExists"
	CodeOperationNotAllowed   Code = "OperationNotAllowed"
	CodeInvalidFilter         Code = "InvalidFilter"
	CodeUpstreamFailure       Code = "UpstreamFailure"
	CodeServiceUnavailable    Code = "ServiceUnavailable"
	CodeInternal              Code = "InternalServerError"
)

// Error is the structured error used across component boundaries.
type Error struct {
	// Code is the wire error code.
	Code Code

	// Message is the human-readable description.
	Message string

	// Target optionally names the offending field or resource.
	Target string

	// Details carries nested per-item errors, if any.
	Details []Detail

	// Cause is the wrapped underlying error.
	Cause error
}

// Detail is a nested error entry rendered under "details".
type Detail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works across wrapping.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithTarget sets the offending field or resource name.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// WithDetail appends a nested detail entry.
func (e *Error) WithDetail(code, target, message string) *Error {
	e.Details = append(e.Details, Detail{Code: code, Target: target, Message: message})
	return e
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause. A nil err yields nil.
func Wrap(code Code, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// InvalidArgument reports a malformed or out-of-range input.
func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

// InvalidFilter reports a filter expression that failed to parse or evaluate.
func InvalidFilter(format string, args ...any) *Error {
	return New(CodeInvalidFilter, format, args...)
}

// NotFound reports an absent named resource.
func NotFound(kind, name string) *Error {
	e := New(CodeResourceNotFound, "%s '%s' was not found", kind, name)
	e.Target = name
	return e
}

// AlreadyExists reports a create against an existing name.
func AlreadyExists(kind, name string) *Error {
	e := New(CodeResourceAlreadyExists, "%s '%s' already exists", kind, name)
	e.Target = name
	return e
}

// InvalidAPIKey reports missing or unrecognized credentials.
func InvalidAPIKey(format string, args ...any) *Error {
	return New(CodeInvalidAPIKey, format, args...)
}

// Forbidden reports authenticated but insufficient access.
func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

// OperationNotAllowed reports a request that conflicts with current state,
// such as triggering an indexer that is already running.
func OperationNotAllowed(format string, args ...any) *Error {
	return New(CodeOperationNotAllowed, format, args...)
}

// Upstream reports a failure in an external collaborator (connector,
// custom skill endpoint, embedding endpoint).
func Upstream(err error, format string, args ...any) *Error {
	return Wrap(CodeUpstreamFailure, err, format, args...)
}

// Unavailable reports a transient condition worth retrying.
func Unavailable(format string, args ...any) *Error {
	return New(CodeServiceUnavailable, format, args...)
}

// Internal reports an unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	if err == nil {
		return New(CodeInternal, format, args...)
	}
	return Wrap(CodeInternal, err, format, args...)
}

// From coerces any error into an *Error. Unknown errors become internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Cause: err}
}

// CodeOf extracts the wire code, defaulting to InternalServerError.
func CodeOf(err error) Code {
	if ae := From(err); ae != nil {
		return ae.Code
	}
	return CodeInternal
}

// HTTPStatus maps a wire code to its HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeInvalidFilter:
		return http.StatusBadRequest
	case CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeResourceAlreadyExists:
		return http.StatusConflict
	case CodeOperationNotAllowed:
		return http.StatusConflict
	case CodeUpstreamFailure:
		return http.StatusBadGateway
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
