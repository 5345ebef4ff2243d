package job

import (
	"context"
	"time"
)

// Backend is an execution backend that accepts job descriptions.
type Backend interface {
	// Create registers a submission without starting it.
	// Failures are apperrors.ErrSubmission.
	Create(ctx context.Context, desc *Description) (Handle, error)
}

// Handle is a backend's reference to one submission.
type Handle interface {
	// ID is the backend-assigned identity, written to the job log.
	ID() string

	// Start begins execution. Failures are apperrors.ErrLaunch.
	Start(ctx context.Context) error

	// State returns the current state without blocking.
	State(ctx context.Context) (State, error)

	// Wait blocks until the submission reaches a terminal state or the timeout
	// elapses, and returns the state observed last.
	Wait(ctx context.Context, timeout time.Duration) (State, error)

	// ReadOutput returns the captured stdout and stderr. It is best-effort:
	// streams that cannot be read are returned empty.
	ReadOutput(ctx context.Context) Output

	// Cancel stops the submission. Cancelling a terminal submission is a no-op.
	Cancel(ctx context.Context) error
}
