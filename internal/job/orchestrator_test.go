package job

import (
	"context"
	"errors"
	"fmt"
	"jobrunner/internal/apperrors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeQueue serves jobs in order and records every push.
type fakeQueue struct {
	mu        sync.Mutex
	pending   []*Job
	fetchErr  error
	updateErr func(*Job) error
	updates   []*Job
	kills     []killCall
}

type killCall struct {
	id      int64
	message string
	log     string
	outputs int
}

func (q *fakeQueue) FetchNext(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		if q.fetchErr != nil {
			return nil, q.fetchErr
		}
		return nil, nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j, nil
}

func (q *fakeQueue) Update(ctx context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.updateErr != nil {
		if err := q.updateErr(j); err != nil {
			return err
		}
	}
	q.updates = append(q.updates, j.Clone())
	j.Log = ""
	return nil
}

func (q *fakeQueue) Kill(ctx context.Context, j *Job, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !j.Status.Active() {
		return apperrors.Precondition("job", fmt.Sprint(j.ID), "cannot kill a job with status "+string(j.Status))
	}
	q.kills = append(q.kills, killCall{id: j.ID, message: message, log: j.Log, outputs: len(j.OutputData)})
	j.Status = StatusError
	j.Log = ""
	return nil
}

func (q *fakeQueue) updatesFor(id int64) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, u := range q.updates {
		if u.ID == id {
			out = append(out, u)
		}
	}
	return out
}

// fakeHandle replays a fixed sequence of states; the last one repeats.
type fakeHandle struct {
	id        string
	startErr  error
	initial   State
	states    []State
	waitErr   error
	output    Output
	waits     int
	cancelled bool
}

func (h *fakeHandle) ID() string {
	return h.id
}

func (h *fakeHandle) Start(ctx context.Context) error {
	return h.startErr
}

func (h *fakeHandle) ReadOutput(ctx context.Context) Output {
	return h.output
}

func (h *fakeHandle) State(ctx context.Context) (State, error) {
	return h.initial, nil
}

func (h *fakeHandle) Wait(ctx context.Context, timeout time.Duration) (State, error) {
	h.waits++
	if h.waitErr != nil {
		return 0, h.waitErr
	}
	if len(h.states) == 0 {
		return StateRunning, nil
	}
	s := h.states[0]
	if len(h.states) > 1 {
		h.states = h.states[1:]
	}
	return s, nil
}

func (h *fakeHandle) Cancel(ctx context.Context) error {
	h.cancelled = true
	return nil
}

type fakeBackend struct {
	handles    map[int64]*fakeHandle
	createErrs map[int64]error
	created    []*Description
}

func (b *fakeBackend) Create(ctx context.Context, desc *Description) (Handle, error) {
	if err := b.createErrs[desc.JobID]; err != nil {
		return nil, err
	}
	b.created = append(b.created, desc)
	h, ok := b.handles[desc.JobID]
	if !ok {
		return nil, apperrors.Submission("fake.create", errors.New("no handle configured"))
	}
	return h, nil
}

type fakeProvisioner struct {
	errs     map[string]error
	inputErr error
	workdirs []string
	inputs   int
}

func (p *fakeProvisioner) Provision(ctx context.Context, code, workdir string) error {
	p.workdirs = append(p.workdirs, workdir)
	return p.errs[code]
}

func (p *fakeProvisioner) FetchInputs(ctx context.Context, items []DataItem, workdir string) error {
	p.inputs += len(items)
	return p.inputErr
}

type fakeHarvester struct {
	items []DataItem
	err   error
	calls []harvestCall
}

type harvestCall struct {
	workdir string
	since   time.Time
}

func (h *fakeHarvester) Harvest(ctx context.Context, workdir string, since time.Time) ([]DataItem, error) {
	h.calls = append(h.calls, harvestCall{workdir: workdir, since: since})
	return h.items, h.err
}

// stepClock advances by a fixed step on every reading.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type fixture struct {
	queue       *fakeQueue
	backend     *fakeBackend
	provisioner *fakeProvisioner
	harvester   *fakeHarvester
	cfg         Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		queue:       &fakeQueue{},
		backend:     &fakeBackend{handles: map[int64]*fakeHandle{}, createErrs: map[int64]error{}},
		provisioner: &fakeProvisioner{errs: map[string]error{}},
		harvester:   &fakeHarvester{},
	}
	f.cfg = Config{
		Queue:       f.queue,
		Backend:     f.backend,
		Provisioner: f.provisioner,
		Harvester:   f.harvester,
		Description: testDescriptionConfig(t.TempDir()),
		PollTimeout: time.Millisecond,
	}
	return f
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(f.cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

func TestNewOrchestratorValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cfg := f.cfg
	cfg.Queue = nil
	if _, err := NewOrchestrator(cfg); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error without queue, got %v", err)
	}

	cfg = f.cfg
	cfg.Description.WorkingRoot = ""
	if _, err := NewOrchestrator(cfg); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error without working root, got %v", err)
	}

	if _, err := NewOrchestrator(f.cfg); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRetrievePending(t *testing.T) {
	t.Parallel()
	fetchErr := errors.New("connection reset")

	tests := []struct {
		name     string
		pending  []int64
		fetchErr error
		wantIDs  []int64
		wantErr  bool
	}{
		{"empty queue", nil, nil, nil, false},
		{"all distinct", []int64{1, 2, 3}, nil, []int64{1, 2, 3}, false},
		{"stops at duplicate", []int64{1, 2, 1, 3}, nil, []int64{1, 2}, false},
		{"error keeps collected jobs", []int64{1, 2}, fetchErr, []int64{1, 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			for _, id := range tt.pending {
				f.queue.pending = append(f.queue.pending, &Job{ID: id, Status: StatusSubmitted})
			}
			f.queue.fetchErr = tt.fetchErr

			jobs, err := f.orchestrator(t).RetrievePending(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if len(jobs) != len(tt.wantIDs) {
				t.Fatalf("Expected %d jobs, got %d", len(tt.wantIDs), len(jobs))
			}
			for i, j := range jobs {
				if j.ID != tt.wantIDs[i] {
					t.Errorf("job %d: expected ID %d, got %d", i, tt.wantIDs[i], j.ID)
				}
			}
		})
	}
}

func TestRunCycleFinished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 1, Code: "print('hi')", Status: StatusSubmitted}}
	f.backend.handles[1] = &fakeHandle{
		id:      "container-1",
		initial: StatePending,
		states:  []State{StateRunning, StateRunning, StateDone},
		output:  Output{Stdout: "hello out", Stderr: "hello err"},
	}
	f.harvester.items = []DataItem{
		{URL: "http://data/job_1/a.dat", ResourceURI: "/api/v2/dataitem/1"},
		{URL: "http://data/job_1/b.dat", ResourceURI: "/api/v2/dataitem/2"},
	}

	submitted, err := f.orchestrator(t).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(submitted) != 1 || submitted[0].ID != 1 {
		t.Fatalf("Expected job 1 to be submitted, got %v", submitted)
	}

	updates := f.queue.updatesFor(1)
	var statuses []Status
	for _, u := range updates {
		statuses = append(statuses, u.Status)
	}
	want := []Status{StatusSubmitted, StatusRunning, StatusFinished}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Fatalf("Expected pushes %v, got %v", want, statuses)
	}

	if !strings.Contains(updates[0].Log, "Job ID: container-1\n") {
		t.Errorf("Expected submission identifier in log, got %q", updates[0].Log)
	}

	final := updates[2]
	if len(final.OutputData) != 2 {
		t.Errorf("Expected 2 output data items, got %d", len(final.OutputData))
	}
	out := strings.Index(final.Log, "hello out")
	errIdx := strings.Index(final.Log, "hello err")
	if out < 0 || errIdx < 0 || out > errIdx {
		t.Errorf("Expected stdout then stderr in log, got %q", final.Log)
	}
	if final.TimestampCompletion == "" {
		t.Error("Expected completion timestamp")
	}
	if len(f.queue.kills) != 0 {
		t.Errorf("Expected no kills, got %v", f.queue.kills)
	}

	if len(f.harvester.calls) != 1 {
		t.Fatalf("Expected one harvest, got %d", len(f.harvester.calls))
	}
	if f.harvester.calls[0].workdir != f.backend.created[0].WorkingDirectory {
		t.Errorf("Expected harvest of %q, got %q", f.backend.created[0].WorkingDirectory, f.harvester.calls[0].workdir)
	}
}

func TestRunCycleFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 2, Code: "raise", Status: StatusSubmitted}}
	f.backend.handles[2] = &fakeHandle{
		id:     "container-2",
		states: []State{StateFailed},
		output: Output{Stdout: "partial", Stderr: "Traceback"},
	}

	if _, err := f.orchestrator(t).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	updates := f.queue.updatesFor(2)
	final := updates[len(updates)-1]
	if final.Status != StatusError {
		t.Errorf("Expected status error, got %s", final.Status)
	}
	if !strings.Contains(final.Log, "partial") || !strings.Contains(final.Log, "Traceback") {
		t.Errorf("Expected output in log, got %q", final.Log)
	}
	if len(f.harvester.calls) != 0 {
		t.Errorf("Expected no harvest for a failed job, got %d", len(f.harvester.calls))
	}
}

func TestSubmitCreateFailureKillsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.backend.createErrs[3] = apperrors.Submission("fake.create", errors.New("invalid description"))
	f.backend.handles[4] = &fakeHandle{id: "container-4", states: []State{StateDone}}
	jobs := []*Job{
		{ID: 3, Code: "print(3)", Status: StatusSubmitted},
		{ID: 4, Code: "print(4)", Status: StatusSubmitted},
	}

	o := f.orchestrator(t)
	inFlight := o.Submit(context.Background(), jobs)

	if len(inFlight) != 1 || inFlight[0].Job.ID != 4 {
		t.Fatalf("Expected only job 4 in flight, got %d submissions", len(inFlight))
	}
	if len(f.queue.kills) != 1 {
		t.Fatalf("Expected one kill, got %d", len(f.queue.kills))
	}
	kill := f.queue.kills[0]
	if kill.id != 3 || !strings.Contains(kill.message, "failed to create job on the execution backend") {
		t.Errorf("Unexpected kill %+v", kill)
	}
	if len(f.queue.updatesFor(3)) != 0 {
		t.Error("Expected no status push for the rejected job")
	}
}

func TestSubmitPreSubmissionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		job     *Job
		setup   func(*fixture)
		wantMsg string
	}{
		{
			name: "provisioning",
			job:  &Job{ID: 5, Code: "https://example.com/broken.tar.gz", Status: StatusSubmitted},
			setup: func(f *fixture) {
				f.provisioner.errs["https://example.com/broken.tar.gz"] = errors.New("unable to retrieve code")
			},
			wantMsg: "unable to retrieve code",
		},
		{
			name: "input data",
			job: &Job{ID: 6, Code: "x", Status: StatusSubmitted,
				InputData: []DataItem{{URL: "http://example.com/in.dat"}}},
			setup:   func(f *fixture) { f.provisioner.inputErr = errors.New("404") },
			wantMsg: "failed to download input data",
		},
		{
			name: "description",
			job: &Job{ID: 7, Code: "x", Status: StatusSubmitted,
				HardwareConfig: map[string]any{"pyNN_version": "9.9"}},
			setup:   func(f *fixture) {},
			wantMsg: "failed to build job description",
		},
		{
			name:    "launch",
			job:     &Job{ID: 8, Code: "x", Status: StatusSubmitted},
			setup: func(f *fixture) {
				f.backend.handles[8] = &fakeHandle{id: "c8", startErr: apperrors.Launch("fake.start", errors.New("no slots"))}
			},
			wantMsg: "failed to start job on the execution backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			tt.setup(f)

			inFlight := f.orchestrator(t).Submit(context.Background(), []*Job{tt.job})
			if len(inFlight) != 0 {
				t.Fatalf("Expected no submissions, got %d", len(inFlight))
			}
			if len(f.queue.kills) != 1 || !strings.Contains(f.queue.kills[0].message, tt.wantMsg) {
				t.Errorf("Expected kill containing %q, got %v", tt.wantMsg, f.queue.kills)
			}
		})
	}
}

func TestWaitHarvestFailureKillsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 9, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[9] = &fakeHandle{id: "c9", states: []State{StateDone}}
	f.harvester.err = errors.New("failed to copy files: disk full")

	if _, err := f.orchestrator(t).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.queue.kills) != 1 || f.queue.kills[0].message != "failed to copy files: disk full" {
		t.Fatalf("Expected kill with harvest message, got %v", f.queue.kills)
	}
	for _, u := range f.queue.updatesFor(9) {
		if u.Status == StatusFinished {
			t.Error("Expected job not to be reported finished")
		}
	}
}

func TestWaitFinalPushFailureKillsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 10, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[10] = &fakeHandle{id: "c10", states: []State{StateDone}, output: Output{Stdout: "done"}}
	f.harvester.items = []DataItem{{URL: "http://data/job_10/out.dat"}}
	f.queue.updateErr = func(j *Job) error {
		if j.Status == StatusFinished {
			return apperrors.FromHTTPStatus("queue.update", 500, "database locked")
		}
		return nil
	}

	if _, err := f.orchestrator(t).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.queue.kills) != 1 {
		t.Fatalf("Expected one kill, got %d", len(f.queue.kills))
	}
	kill := f.queue.kills[0]
	if !strings.Contains(kill.message, "database locked") {
		t.Errorf("Expected kill message to carry the push error, got %q", kill.message)
	}
	if !strings.Contains(kill.log, "finished") || kill.outputs != 1 {
		t.Errorf("Expected kill to carry the finished log and outputs, got %+v", kill)
	}
}

func TestWaitLostLogKeepsFinishedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 18, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[18] = &fakeHandle{id: "c18", states: []State{StateDone}, output: Output{Stdout: "done"}}
	failed := false
	f.queue.updateErr = func(j *Job) error {
		if j.Status == StatusFinished && !failed {
			failed = true
			return fmt.Errorf("%w: %w", ErrLogNotSent, apperrors.FromHTTPStatus("queue.log", 500, "database locked"))
		}
		return nil
	}

	submitted, err := f.orchestrator(t).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.queue.kills) != 0 {
		t.Errorf("Expected no kill once the finished record was accepted, got %v", f.queue.kills)
	}
	updates := f.queue.updatesFor(18)
	final := updates[len(updates)-1]
	if final.Status != StatusFinished || !strings.Contains(final.Log, "finished") {
		t.Errorf("Expected the finished log to be resent, got %s %q", final.Status, final.Log)
	}
	if submitted[0].Status != StatusFinished {
		t.Errorf("Expected job to stay finished, got %s", submitted[0].Status)
	}
}

func TestWaitCanceledKillsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 11, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[11] = &fakeHandle{id: "c11", states: []State{StateRunning, StateCanceled}}

	if _, err := f.orchestrator(t).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if len(f.queue.kills) != 1 {
		t.Fatalf("Expected one kill, got %d", len(f.queue.kills))
	}
	kill := f.queue.kills[0]
	if kill.message != "canceled by the execution backend" {
		t.Errorf("Unexpected kill message %q", kill.message)
	}
	if !strings.Contains(kill.log, "    canceled\n") {
		t.Errorf("Expected canceled entry in log, got %q", kill.log)
	}
	if len(f.harvester.calls) != 0 {
		t.Error("Expected no harvest for a canceled job")
	}
}

func TestWaitDeadlineKillsJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	handle := &fakeHandle{id: "c12", states: []State{StateRunning}}
	f.queue.pending = []*Job{{ID: 12, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[12] = handle

	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: 20 * time.Second}
	f.cfg.Now = clock.Now
	f.cfg.JobTimeout = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.orchestrator(t).RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if !handle.cancelled {
		t.Error("Expected the submission to be cancelled")
	}
	if len(f.queue.kills) != 1 || !strings.Contains(f.queue.kills[0].message, "exceeded the maximum run time of 1m0s") {
		t.Errorf("Expected deadline kill, got %v", f.queue.kills)
	}
	if handle.waits == 0 {
		t.Error("Expected the job to be polled before its deadline")
	}
}

func TestWaitPollErrorsKillJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	handle := &fakeHandle{id: "c13", waitErr: errors.New("daemon not responding")}
	f.queue.pending = []*Job{{ID: 13, Code: "x", Status: StatusSubmitted}}
	f.backend.handles[13] = handle
	f.cfg.MaxPollErrors = 3

	if _, err := f.orchestrator(t).RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if handle.waits != 3 {
		t.Errorf("Expected 3 polls, got %d", handle.waits)
	}
	if len(f.queue.kills) != 1 || !strings.Contains(f.queue.kills[0].message, "daemon not responding") {
		t.Errorf("Expected poll error kill, got %v", f.queue.kills)
	}
}

func TestWaitContextCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cfg.PollInterval = time.Hour
	handle := &fakeHandle{id: "c14", states: []State{StateRunning}}
	f.backend.handles[14] = handle

	o := f.orchestrator(t)
	inFlight := o.Submit(context.Background(), []*Job{{ID: 14, Code: "x", Status: StatusSubmitted}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := o.Wait(ctx, inFlight); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if !handle.cancelled {
		t.Error("Expected the interrupted submission to be cancelled")
	}
	if len(f.queue.kills) != 1 || f.queue.kills[0].id != 14 || f.queue.kills[0].message != "interrupted before completion" {
		t.Errorf("Expected the interrupted job to be killed, got %v", f.queue.kills)
	}
	if inFlight[0].Job.Status != StatusError {
		t.Errorf("Expected the interrupted job to end in error, got %s", inFlight[0].Job.Status)
	}
}

func TestWaitInterruptKillsEveryInFlightJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{
		{ID: 15, Code: "x", Status: StatusSubmitted},
		{ID: 16, Code: "y", Status: StatusSubmitted},
	}
	f.backend.handles[15] = &fakeHandle{id: "c15", states: []State{StateRunning}}
	f.backend.handles[16] = &fakeHandle{id: "c16", states: []State{StateRunning}}
	o := f.orchestrator(t)
	inFlight := o.Submit(context.Background(), f.queue.pending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := o.Wait(ctx, inFlight); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	if len(f.queue.kills) != 2 {
		t.Fatalf("Expected both jobs to be killed, got %v", f.queue.kills)
	}
	for id, h := range f.backend.handles {
		if !h.cancelled {
			t.Errorf("job %d: expected submission to be cancelled", id)
		}
	}
}

func TestSubmitReportsSubmissionIDWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.backend.handles[17] = &fakeHandle{id: "4242", initial: StateRunning}

	inFlight := f.orchestrator(t).Submit(context.Background(), []*Job{{ID: 17, Code: "x", Status: StatusSubmitted}})
	if len(inFlight) != 1 {
		t.Fatalf("Expected one submission, got %d", len(inFlight))
	}

	updates := f.queue.updatesFor(17)
	if len(updates) != 2 {
		t.Fatalf("Expected pending then running pushes, got %d", len(updates))
	}
	if updates[0].Status != StatusSubmitted || !strings.HasPrefix(updates[0].Log, "Job ID: 4242\n") {
		t.Errorf("Expected the first push to carry the submission ID, got %s %q", updates[0].Status, updates[0].Log)
	}
	if updates[1].Status != StatusRunning {
		t.Errorf("Expected the second push to be running, got %s", updates[1].Status)
	}
}

func TestRunCycleProcessesJobsIndependently(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{
		{ID: 20, Code: "bad", Status: StatusSubmitted},
		{ID: 21, Code: "x", Status: StatusSubmitted},
		{ID: 22, Code: "y", Status: StatusSubmitted},
	}
	f.provisioner.errs["bad"] = errors.New("exception occurred while writing script")
	f.backend.handles[21] = &fakeHandle{id: "c21", states: []State{StateRunning, StateDone}}
	f.backend.handles[22] = &fakeHandle{id: "c22", states: []State{StateFailed}}

	submitted, err := f.orchestrator(t).RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if len(submitted) != 2 {
		t.Fatalf("Expected 2 submitted jobs, got %d", len(submitted))
	}

	final := map[int64]Status{}
	for _, j := range submitted {
		final[j.ID] = j.Status
	}
	if final[21] != StatusFinished || final[22] != StatusError {
		t.Errorf("Unexpected final statuses %v", final)
	}
	if len(f.queue.kills) != 1 || f.queue.kills[0].id != 20 {
		t.Errorf("Expected only job 20 to be killed, got %v", f.queue.kills)
	}
}

func TestRunCycleReturnsRetrievalError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.queue.pending = []*Job{{ID: 30, Code: "x", Status: StatusSubmitted}}
	f.queue.fetchErr = apperrors.FromHTTPStatus("queue.next", 503, "maintenance")
	f.backend.handles[30] = &fakeHandle{id: "c30", states: []State{StateDone}}

	submitted, err := f.orchestrator(t).RunCycle(context.Background())
	if !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Expected retrieval error, got %v", err)
	}
	if len(submitted) != 1 || submitted[0].Status != StatusFinished {
		t.Errorf("Expected the fetched job to be processed, got %v", submitted)
	}
}
