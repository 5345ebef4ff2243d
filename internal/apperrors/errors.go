// Package apperrors provides structured application errors shared by the queue client,
// the submission backends and the orchestrator.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrPrecondition = errors.New("precondition failed")
	ErrSubmission   = errors.New("submission error")
	ErrLaunch       = errors.New("launch error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "queue.endpoint")
	Resource string // For not found/conflict/precondition (e.g., "job")
	Op       string // Operation that failed (e.g., "docker.createContainer")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Precondition reports an operation refused because the resource is in the wrong state.
func Precondition(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrPrecondition,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Submission reports that the execution backend rejected a job description.
func Submission(op string, cause error) error {
	return &Error{
		Sentinel: ErrSubmission,
		Message:  fmt.Sprintf("failed to create job on the execution backend: %v", cause),
		Op:       op,
		Cause:    cause,
	}
}

// Launch reports that a created submission could not be started.
func Launch(op string, cause error) error {
	return &Error{
		Sentinel: ErrLaunch,
		Message:  fmt.Sprintf("failed to start job on the execution backend: %v", cause),
		Op:       op,
		Cause:    cause,
	}
}

// Unavailable reports a remote service that cannot currently be reached.
func Unavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
