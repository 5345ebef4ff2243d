package job

import (
	"context"
	"errors"
	"time"
)

// ErrLogNotSent is wrapped by Queue.Update errors when the job record was accepted
// but its log text was not. The remote status is then already the pushed one.
var ErrLogNotSent = errors.New("job log not sent")

// Queue is the remote job queue as seen by the orchestrator.
type Queue interface {
	// FetchNext returns the oldest submitted job for the platform, or nil when there is none.
	FetchNext(ctx context.Context) (*Job, error)

	// Update replaces the remote job with j and appends j.Log to the remote log.
	// On success j.Log is cleared. A failure after the job record was accepted
	// wraps ErrLogNotSent and leaves j.Log in place.
	Update(ctx context.Context, j *Job) error

	// Kill marks an active job as failed with an operator-facing message.
	// Jobs that are not submitted or running fail with apperrors.ErrPrecondition.
	Kill(ctx context.Context, j *Job, message string) error
}

// Provisioner places a job's code and input data in its working directory.
type Provisioner interface {
	Provision(ctx context.Context, code, workdir string) error
	FetchInputs(ctx context.Context, items []DataItem, workdir string) error
}

// Harvester registers files produced by a run as output data.
type Harvester interface {
	// Harvest returns the data items of files under workdir modified at or after since.
	// Any failure aborts the whole harvest.
	Harvest(ctx context.Context, workdir string, since time.Time) ([]DataItem, error)
}
