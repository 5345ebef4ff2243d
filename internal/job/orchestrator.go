// Package job drives queue jobs through an execution backend: retrieval, submission,
// polling, output harvesting and status reporting.
package job

import (
	"context"
	"errors"
	"fmt"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/observability"
	"log/slog"
	"time"
)

// Orchestrator defaults
const (
	DefaultPollTimeout  = 10 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Clean-up of a cycle stopped while jobs are in flight
const (
	interruptTimeout = time.Minute
	interruptMessage = "interrupted before completion"
)

// Config holds the collaborators and settings of an Orchestrator.
type Config struct {
	Queue       Queue
	Backend     Backend
	Provisioner Provisioner
	Harvester   Harvester
	Metrics     *observability.Metrics // optional
	Logger      *slog.Logger           // optional, defaults to slog.Default()

	Description DescriptionConfig
	MaxLogSize  int

	PollTimeout   time.Duration // bounded wait of a single poll
	PollInterval  time.Duration // pause between poll rounds
	JobTimeout    time.Duration // maximum run time per job; zero disables the deadline
	MaxPollErrors int           // consecutive poll failures before a job is killed; zero never kills

	Now func() time.Time // optional clock
}

// Submission is a job started on the execution backend and not yet terminal.
type Submission struct {
	Job         *Job
	Description *Description
	Handle      Handle
	StartTime   time.Time
	Deadline    time.Time // zero when no deadline applies

	state      State
	pollErrors int
	logger     *slog.Logger
}

// Orchestrator runs one orchestration cycle at a time. It is not safe for concurrent use.
type Orchestrator struct {
	queue       Queue
	backend     Backend
	provisioner Provisioner
	harvester   Harvester
	metrics     *observability.Metrics
	logger      *slog.Logger
	mapper      Mapper
	description DescriptionConfig

	pollTimeout   time.Duration
	pollInterval  time.Duration
	jobTimeout    time.Duration
	maxPollErrors int

	now func() time.Time
}

// NewOrchestrator creates an orchestrator from its configuration.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Queue == nil:
		return nil, apperrors.Validation("queue", "queue client is required")
	case cfg.Backend == nil:
		return nil, apperrors.Validation("backend", "execution backend is required")
	case cfg.Provisioner == nil:
		return nil, apperrors.Validation("provisioner", "code provisioner is required")
	case cfg.Harvester == nil:
		return nil, apperrors.Validation("harvester", "output harvester is required")
	case cfg.Description.WorkingRoot == "":
		return nil, apperrors.Validation("working_directory", "working directory root is required")
	case cfg.JobTimeout < 0:
		return nil, apperrors.Validation("job_timeout", "job timeout must not be negative")
	}

	o := &Orchestrator{
		queue:         cfg.Queue,
		backend:       cfg.Backend,
		provisioner:   cfg.Provisioner,
		harvester:     cfg.Harvester,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		mapper:        NewMapper(cfg.MaxLogSize),
		description:   cfg.Description,
		pollTimeout:   cfg.PollTimeout,
		pollInterval:  cfg.PollInterval,
		jobTimeout:    cfg.JobTimeout,
		maxPollErrors: cfg.MaxPollErrors,
		now:           cfg.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.pollTimeout <= 0 {
		o.pollTimeout = DefaultPollTimeout
	}
	if o.pollInterval < 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// RunCycle retrieves pending jobs, submits them and waits until every submission is terminal.
// It returns the jobs that were started on the backend, whatever their outcome.
// A retrieval error does not stop the jobs already fetched from being processed; it is
// returned once they are done.
func (o *Orchestrator) RunCycle(ctx context.Context) ([]*Job, error) {
	start := o.now()
	defer func() {
		o.metrics.RecordCycle(ctx, o.now().Sub(start))
	}()

	jobs, retrieveErr := o.RetrievePending(ctx)
	if retrieveErr != nil {
		o.logger.Error("Job retrieval failed", "error", retrieveErr, "retrieved", len(jobs))
	}
	o.metrics.RecordRetrieved(ctx, len(jobs))
	o.logger.Info("Retrieved pending jobs", "count", len(jobs))

	inFlight := o.Submit(ctx, jobs)
	o.logger.Info("Submitted jobs", "count", len(inFlight), "rejected", len(jobs)-len(inFlight))

	waitErr := o.Wait(ctx, inFlight)

	submitted := make([]*Job, 0, len(inFlight))
	for _, sub := range inFlight {
		submitted = append(submitted, sub.Job)
	}

	if retrieveErr != nil {
		retrieveErr = fmt.Errorf("retrieve pending jobs: %w", retrieveErr)
	}
	return submitted, errors.Join(retrieveErr, waitErr)
}

// RetrievePending fetches jobs until the queue is empty or hands back a job already
// fetched in this call. Jobs are returned in arrival order. On a fetch error the jobs
// collected so far are returned with the error.
func (o *Orchestrator) RetrievePending(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	seen := make(map[int64]bool)
	for {
		if err := ctx.Err(); err != nil {
			return jobs, err
		}
		j, err := o.queue.FetchNext(ctx)
		if err != nil {
			return jobs, err
		}
		if j == nil {
			return jobs, nil
		}
		if seen[j.ID] {
			o.logger.Debug("Queue returned an already retrieved job", "jobId", j.ID)
			return jobs, nil
		}
		seen[j.ID] = true
		jobs = append(jobs, j)
	}
}

// Submit provisions and starts each job in turn. A job that fails any step is killed
// with the failure message and the remaining jobs are unaffected. The returned
// submissions are the jobs now in flight.
func (o *Orchestrator) Submit(ctx context.Context, jobs []*Job) []*Submission {
	inFlight := make([]*Submission, 0, len(jobs))
	for _, j := range jobs {
		logger := o.logger.With("jobId", j.ID)

		sub, err := o.submit(ctx, j, logger)
		if err != nil {
			logger.Error("Job submission failed", "error", err)
			o.kill(ctx, j, err.Error(), observability.PhaseSubmission, logger)
			continue
		}
		o.metrics.RecordSubmitted(ctx)

		// The pending report carries the submission ID, so it always goes first.
		o.report(ctx, sub, StatePending)
		state, err := sub.Handle.State(ctx)
		if err != nil || state.Terminal() {
			// Terminal states are reported by Wait.
			state = StatePending
		}
		if state == StateRunning {
			o.report(ctx, sub, state)
		}
		inFlight = append(inFlight, sub)
		logger.Info("Job submitted", "submissionId", sub.Handle.ID(), "state", state)
	}
	return inFlight
}

func (o *Orchestrator) submit(ctx context.Context, j *Job, logger *slog.Logger) (*Submission, error) {
	workdir := WorkingDirectory(o.description.WorkingRoot, j.ID)

	if err := o.provisioner.Provision(ctx, j.Code, workdir); err != nil {
		return nil, err
	}
	if len(j.InputData) > 0 {
		if err := o.provisioner.FetchInputs(ctx, j.InputData, workdir); err != nil {
			return nil, fmt.Errorf("failed to download input data: %w", err)
		}
	}

	desc, err := BuildDescription(j, o.description)
	if err != nil {
		return nil, fmt.Errorf("failed to build job description: %w", err)
	}

	handle, err := o.backend.Create(ctx, desc)
	if err != nil {
		return nil, err
	}

	start := o.now()
	if err := handle.Start(ctx); err != nil {
		return nil, err
	}

	sub := &Submission{
		Job:         j,
		Description: desc,
		Handle:      handle,
		StartTime:   start,
		logger:      logger.With("submissionId", handle.ID()),
	}
	if o.jobTimeout > 0 {
		sub.Deadline = start.Add(o.jobTimeout)
	}
	return sub, nil
}

// Wait polls the in-flight submissions until all of them are terminal.
// Each round drains the current set into the set for the next round.
// If ctx ends first, the submissions still in flight are interrupted.
func (o *Orchestrator) Wait(ctx context.Context, inFlight []*Submission) error {
	for len(inFlight) > 0 {
		next := make([]*Submission, 0, len(inFlight))
		for i, sub := range inFlight {
			if err := ctx.Err(); err != nil {
				o.interrupt(ctx, append(next, inFlight[i:]...))
				return err
			}
			if o.poll(ctx, sub) {
				next = append(next, sub)
			}
		}
		inFlight = next

		if len(inFlight) == 0 || o.pollInterval == 0 {
			continue
		}
		timer := time.NewTimer(o.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.interrupt(ctx, inFlight)
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// poll observes one submission once and reports whether it is still in flight.
func (o *Orchestrator) poll(ctx context.Context, sub *Submission) bool {
	if !sub.Deadline.IsZero() && o.now().After(sub.Deadline) {
		o.expire(ctx, sub)
		return false
	}

	state, err := sub.Handle.Wait(ctx, o.pollTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		sub.pollErrors++
		sub.logger.Warn("Job poll failed", "error", err, "consecutiveErrors", sub.pollErrors)
		if o.maxPollErrors > 0 && sub.pollErrors >= o.maxPollErrors {
			if cancelErr := sub.Handle.Cancel(ctx); cancelErr != nil {
				sub.logger.Warn("Failed to cancel submission", "error", cancelErr)
			}
			msg := fmt.Sprintf("lost track of the job on the execution backend: %v", err)
			o.kill(ctx, sub.Job, msg, observability.PhasePolling, sub.logger)
			return false
		}
		return true
	}
	sub.pollErrors = 0

	switch state {
	case StatePending, StateRunning:
		if state != sub.state {
			o.report(ctx, sub, state)
		}
		return true
	case StateDone:
		o.complete(ctx, sub)
		return false
	case StateFailed:
		o.fail(ctx, sub)
		return false
	case StateCanceled:
		o.cancel(ctx, sub)
		return false
	default:
		sub.logger.Error("Unknown backend state", "state", int(state))
		return true
	}
}

// report pushes a non-terminal state change. Push failures are logged; the unsent
// log text stays on the job and goes out with the next push.
func (o *Orchestrator) report(ctx context.Context, sub *Submission, state State) {
	updated := o.mapper.Apply(sub.Job, Transition{
		State:        state,
		SubmissionID: sub.Handle.ID(),
		At:           o.now(),
	})
	o.checkTransition(sub, updated)
	if err := o.queue.Update(ctx, updated); err != nil {
		sub.logger.Warn("Failed to update job status", "status", updated.Status, "error", err)
	}
	sub.Job = updated
	sub.state = state
}

// complete harvests the outputs of a successful run and reports it finished.
// A failure to harvest or to push the finished record kills the job; a lost log alone does not.
func (o *Orchestrator) complete(ctx context.Context, sub *Submission) {
	duration := o.now().Sub(sub.StartTime)
	output := sub.Handle.ReadOutput(ctx)

	items, err := o.harvester.Harvest(ctx, sub.Description.WorkingDirectory, sub.StartTime)
	if err != nil {
		sub.logger.Error("Output harvesting failed", "error", err)
		o.kill(ctx, sub.Job, err.Error(), observability.PhaseOutput, sub.logger)
		sub.logger.Info("Job killed because of faulty output handling")
		return
	}
	o.metrics.RecordHarvested(ctx, len(items))

	updated := o.mapper.Apply(sub.Job, Transition{
		State:        StateDone,
		SubmissionID: sub.Handle.ID(),
		Output:       output,
		At:           o.now(),
	})
	updated.OutputData = append(updated.OutputData, items...)
	o.checkTransition(sub, updated)

	err = o.queue.Update(ctx, updated)
	if errors.Is(err, ErrLogNotSent) {
		// The queue already holds the finished record; only the log is missing.
		sub.logger.Warn("Failed to send the log of the finished job, retrying", "error", err)
		if err := o.queue.Update(ctx, updated); err != nil {
			sub.logger.Error("Finished job log lost", "error", err)
		}
		err = nil
	}
	if err != nil {
		sub.logger.Error("Failed to report finished job", "error", err)
		// Kill against the last reported status so the kill is accepted,
		// keeping the log and outputs of the finished run.
		killed := sub.Job.Clone()
		killed.Log = updated.Log
		killed.OutputData = updated.OutputData
		msg := fmt.Sprintf("failed to update the job reflecting the produced output data: %v", err)
		o.kill(ctx, killed, msg, observability.PhaseOutput, sub.logger)
		sub.Job = killed
		sub.logger.Info("Job killed because of faulty output handling")
		return
	}
	sub.Job = updated
	o.metrics.RecordCompleted(ctx, string(StatusFinished), duration)
	sub.logger.Info("Job finished", "outputs", len(items), "duration", duration)
}

// fail reports a run that failed on the backend. No outputs are harvested.
func (o *Orchestrator) fail(ctx context.Context, sub *Submission) {
	duration := o.now().Sub(sub.StartTime)
	updated := o.mapper.Apply(sub.Job, Transition{
		State:        StateFailed,
		SubmissionID: sub.Handle.ID(),
		Output:       sub.Handle.ReadOutput(ctx),
		At:           o.now(),
	})
	o.checkTransition(sub, updated)
	if err := o.queue.Update(ctx, updated); err != nil {
		sub.logger.Warn("Failed to report failed job", "error", err)
	}
	sub.Job = updated
	o.metrics.RecordCompleted(ctx, string(StatusError), duration)
	sub.logger.Info("Job failed", "duration", duration)
}

// cancel records a backend-side cancellation in the log and kills the job, so the
// queue sees it end in error exactly once.
func (o *Orchestrator) cancel(ctx context.Context, sub *Submission) {
	updated := o.mapper.Apply(sub.Job, Transition{
		State:        StateCanceled,
		SubmissionID: sub.Handle.ID(),
		At:           o.now(),
	})
	o.kill(ctx, updated, "canceled by the execution backend", observability.PhaseCanceled, sub.logger)
	sub.Job = updated
	sub.logger.Info("Job canceled by the execution backend")
}

// expire cancels a submission that ran past its deadline and kills the job.
func (o *Orchestrator) expire(ctx context.Context, sub *Submission) {
	if err := sub.Handle.Cancel(ctx); err != nil {
		sub.logger.Warn("Failed to cancel submission", "error", err)
	}
	msg := fmt.Sprintf("exceeded the maximum run time of %s", o.jobTimeout)
	o.kill(ctx, sub.Job, msg, observability.PhaseTimeout, sub.logger)
	sub.logger.Info("Job killed after exceeding its deadline", "deadline", sub.Deadline)
}

// interrupt cancels submissions abandoned by a stopped cycle and kills their jobs,
// so none stays running in the queue with nothing left to watch it.
func (o *Orchestrator) interrupt(ctx context.Context, remaining []*Submission) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()

	for _, sub := range remaining {
		if err := sub.Handle.Cancel(ctx); err != nil {
			sub.logger.Warn("Failed to cancel submission", "error", err)
		}
		o.kill(ctx, sub.Job, interruptMessage, observability.PhaseInterrupt, sub.logger)
		sub.logger.Info("Job killed because the cycle was interrupted")
	}
}

func (o *Orchestrator) kill(ctx context.Context, j *Job, message, phase string, logger *slog.Logger) {
	if err := o.queue.Kill(ctx, j, message); err != nil {
		logger.Error("Failed to kill job", "error", err, "message", message)
	}
	o.metrics.RecordKilled(ctx, phase)
}

func (o *Orchestrator) checkTransition(sub *Submission, updated *Job) {
	if !sub.Job.Status.CanTransitionTo(updated.Status) {
		sub.logger.Warn("Unexpected status transition", "from", sub.Job.Status, "to", updated.Status)
	}
}
