// Package local implements the job.Backend interface with host processes.
// It is meant for development and for sites without a batch system.
package local

import (
	"context"
	"errors"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/job"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Backend runs each job as a child process in its working directory.
type Backend struct{}

// New creates a local backend.
func New() *Backend {
	return &Backend{}
}

// Create checks that the executable can be found and prepares the process.
func (b *Backend) Create(ctx context.Context, desc *job.Description) (job.Handle, error) {
	path, err := exec.LookPath(desc.Executable)
	if err != nil {
		return nil, apperrors.Submission("local.lookPath", err)
	}
	if info, err := os.Stat(desc.WorkingDirectory); err != nil || !info.IsDir() {
		if err == nil {
			err = errors.New("not a directory")
		}
		return nil, apperrors.Submission("local.workdir", err)
	}

	return &process{
		name:       desc.Name,
		path:       path,
		args:       desc.Arguments,
		dir:        desc.WorkingDirectory,
		stdoutPath: desc.OutputPath(),
		stderrPath: desc.ErrorPath(),
		done:       make(chan struct{}),
	}, nil
}

// Ready always succeeds: the host is the backend.
func (b *Backend) Ready(ctx context.Context) error {
	return nil
}

// process is one job's child process.
type process struct {
	name       string
	path       string
	args       []string
	dir        string
	stdoutPath string
	stderrPath string

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	canceled bool
	exitErr  error
	done     chan struct{} // closed when the process has exited
}

func (p *process) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		return strconv.Itoa(p.cmd.Process.Pid)
	}
	return p.name
}

func (p *process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.canceled {
		return apperrors.Launch("local.start", errors.New("process already started"))
	}

	stdout, err := os.Create(p.stdoutPath)
	if err != nil {
		return apperrors.Launch("local.stdout", err)
	}
	stderr, err := os.Create(p.stderrPath)
	if err != nil {
		stdout.Close()
		return apperrors.Launch("local.stderr", err)
	}

	cmd := exec.Command(p.path, p.args...)
	cmd.Dir = p.dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return apperrors.Launch("local.start", err)
	}
	p.cmd = cmd
	p.started = true

	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()

		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	return nil
}

func (p *process) State(ctx context.Context) (job.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(), nil
}

func (p *process) stateLocked() job.State {
	if !p.started {
		if p.canceled {
			return job.StateCanceled
		}
		return job.StatePending
	}
	select {
	case <-p.done:
	default:
		return job.StateRunning
	}
	switch {
	case p.canceled:
		return job.StateCanceled
	case p.exitErr != nil:
		return job.StateFailed
	default:
		return job.StateDone
	}
}

func (p *process) Wait(ctx context.Context, timeout time.Duration) (job.State, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if started {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return job.StatePending, ctx.Err()
		case <-p.done:
		case <-timer.C:
		}
	}
	return p.State(ctx)
}

func (p *process) ReadOutput(ctx context.Context) job.Output {
	return job.Output{
		Stdout: readFile(p.stdoutPath),
		Stderr: readFile(p.stderrPath),
	}
}

func (p *process) Cancel(ctx context.Context) error {
	p.mu.Lock()
	if p.stateLocked().Terminal() {
		p.mu.Unlock()
		return nil
	}
	p.canceled = true
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	proc := p.cmd.Process
	p.mu.Unlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return apperrors.Internal("local.kill", err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to read job output", "path", path, "error", err)
		}
		return ""
	}
	return string(data)
}

// Verify Backend implements job.Backend
var _ job.Backend = (*Backend)(nil)
