// Package docker implements the job.Backend interface using the Docker API.
// Each job runs in its own container on the host Docker daemon, with the job's
// working directory bind-mounted at the same path.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"jobrunner/internal/apperrors"
	"jobrunner/internal/job"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// Container labels
const (
	labelManagedBy = "managed-by"
	labelJobID     = "job.id"
	labelJobQueue  = "job.queue"
	managedBy      = "jobrunner"
)

// wrapperScript runs the job command with its streams redirected to the job's files.
const wrapperScript = `exec "$@" >"$JOB_STDOUT" 2>"$JOB_STDERR"`

// stopTimeout is the grace period in seconds given to a canceled container.
const stopTimeout = 10

// Config holds configuration for the Docker backend.
type Config struct {
	Image string // image the jobs run in (required)
	User  string // user the container runs as; empty for the image default
}

// Backend implements job.Backend using Docker.
type Backend struct {
	client *client.Client
	image  string
	user   string
	state  *stateRepo
}

// New creates a Docker backend talking to the daemon configured in the environment.
func New(cfg Config) (*Backend, error) {
	if cfg.Image == "" {
		return nil, apperrors.Validation("backend.docker_image", "docker image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Backend{
		client: dockerClient,
		image:  cfg.Image,
		user:   cfg.User,
		state:  newStateRepo(),
	}, nil
}

// Create pulls the image if needed and creates a stopped container for the job.
func (b *Backend) Create(ctx context.Context, desc *job.Description) (job.Handle, error) {
	if err := b.state.reserve(desc.Name); err != nil {
		return nil, apperrors.Submission("docker.reserve", err)
	}

	success := false
	defer func() {
		if !success {
			b.state.release(desc.Name)
		}
	}()

	// Detached so that a request deadline does not abort a long pull.
	if err := b.pullImageIfNeeded(context.WithoutCancel(ctx), b.image); err != nil {
		return nil, apperrors.Submission("docker.pullImage", err)
	}

	containerConfig, hostConfig := containerSpec(desc, b.image, b.user)
	containerName := fmt.Sprintf("jobrunner-%s-%s", desc.Name, uuid.NewString()[:8])
	resp, err := b.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, apperrors.Submission("docker.createContainer", err)
	}

	b.state.commit(desc.Name, resp.ID)
	success = true

	slog.Debug("Created job container", "jobId", desc.JobID, "container", shortID(resp.ID))
	return &handle{
		backend:     b,
		name:        desc.Name,
		containerID: resp.ID,
		stdoutPath:  desc.OutputPath(),
		stderrPath:  desc.ErrorPath(),
	}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (b *Backend) Ready(ctx context.Context) error {
	if _, err := b.client.Ping(ctx); err != nil {
		return apperrors.Unavailable("docker.ping", err)
	}
	return nil
}

// Prune removes exited job containers left behind by earlier runs.
func (b *Backend) Prune(ctx context.Context) (int, error) {
	containers, err := b.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedBy),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return 0, apperrors.Unavailable("docker.listContainers", err)
	}

	for _, c := range containers {
		b.removeContainer(ctx, c.ID)
	}
	return len(containers), nil
}

// Close removes the containers still tracked and releases the Docker client.
func (b *Backend) Close() error {
	ctx := context.Background()
	for name, id := range b.state.list() {
		if id == "" {
			continue
		}
		slog.Warn("Removing job container left at shutdown", "job", name, "container", shortID(id))
		_ = b.stopContainer(ctx, id)
		b.removeContainer(ctx, id)
		b.state.release(name)
	}
	return b.client.Close()
}

func (b *Backend) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := b.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	slog.Info("Pulling job image", "image", imageName)
	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (b *Backend) stopContainer(ctx context.Context, containerID string) error {
	timeout := stopTimeout
	return b.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (b *Backend) removeContainer(ctx context.Context, containerID string) {
	if err := b.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove job container", "container", shortID(containerID), "error", err)
	}
}

// containerSpec builds the container and host configuration for a job.
func containerSpec(desc *job.Description, imageName, user string) (*container.Config, *container.HostConfig) {
	cmd := make([]string, 0, len(desc.Arguments)+5)
	cmd = append(cmd, "/bin/sh", "-c", wrapperScript, managedBy, desc.Executable)
	cmd = append(cmd, desc.Arguments...)

	containerConfig := &container.Config{
		Image:      imageName,
		Cmd:        cmd,
		User:       user,
		WorkingDir: desc.WorkingDirectory,
		Env: []string{
			"JOB_ID=" + strconv.FormatInt(desc.JobID, 10),
			"JOB_STDOUT=" + desc.OutputPath(),
			"JOB_STDERR=" + desc.ErrorPath(),
		},
		Labels: map[string]string{
			labelManagedBy: managedBy,
			labelJobID:     strconv.FormatInt(desc.JobID, 10),
			labelJobQueue:  desc.Queue,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: desc.WorkingDirectory,
				Target: desc.WorkingDirectory,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(desc.Resources.CPUs * 1e9),
			Memory:   desc.Resources.MemoryBytes,
		},
	}

	return containerConfig, hostConfig
}

// stateFromContainer maps a container state onto a submission state.
func stateFromContainer(s *container.State) job.State {
	if s == nil {
		return job.StateFailed
	}
	switch s.Status {
	case "created":
		return job.StatePending
	case "running", "paused", "restarting":
		return job.StateRunning
	case "exited":
		if s.OOMKilled || s.ExitCode != 0 {
			return job.StateFailed
		}
		return job.StateDone
	case "dead":
		return job.StateFailed
	default:
		if s.Running {
			return job.StateRunning
		}
		return job.StateFailed
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// handle is one job container.
type handle struct {
	backend     *Backend
	name        string
	containerID string
	stdoutPath  string
	stderrPath  string

	mu       sync.Mutex
	canceled bool
	final    *job.State // set once the container is terminal and removed
}

func (h *handle) ID() string {
	return shortID(h.containerID)
}

func (h *handle) Start(ctx context.Context) error {
	if err := h.backend.client.ContainerStart(ctx, h.containerID, container.StartOptions{}); err != nil {
		h.backend.removeContainer(context.WithoutCancel(ctx), h.containerID)
		h.backend.state.release(h.name)
		return apperrors.Launch("docker.startContainer", err)
	}
	return nil
}

func (h *handle) State(ctx context.Context) (job.State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.final != nil {
		return *h.final, nil
	}

	inspect, err := h.backend.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return job.StatePending, apperrors.Internal("docker.inspectContainer", err)
	}

	state := stateFromContainer(inspect.State)
	if h.canceled && state != job.StatePending && state != job.StateRunning {
		state = job.StateCanceled
	}
	if state.Terminal() {
		if inspect.State != nil && inspect.State.Error != "" {
			slog.Warn("Job container reported an error", "container", h.ID(), "error", inspect.State.Error)
		}
		h.finish(ctx, state)
	}
	return state, nil
}

// finish records the terminal state and removes the container. Called with mu held.
func (h *handle) finish(ctx context.Context, state job.State) {
	h.final = &state
	h.backend.removeContainer(context.WithoutCancel(ctx), h.containerID)
	h.backend.state.release(h.name)
}

func (h *handle) Wait(ctx context.Context, timeout time.Duration) (job.State, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h.mu.Lock()
	done := h.final != nil
	h.mu.Unlock()

	if !done {
		statusCh, errCh := h.backend.client.ContainerWait(waitCtx, h.containerID, container.WaitConditionNotRunning)
		select {
		case <-waitCtx.Done():
		case err := <-errCh:
			if waitCtx.Err() == nil {
				return job.StatePending, apperrors.Internal("docker.waitContainer", err)
			}
		case <-statusCh:
		}
	}

	if err := ctx.Err(); err != nil {
		return job.StatePending, err
	}
	return h.State(ctx)
}

func (h *handle) ReadOutput(ctx context.Context) job.Output {
	return job.Output{
		Stdout: readFile(h.stdoutPath),
		Stderr: readFile(h.stderrPath),
	}
}

func (h *handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.final != nil {
		return nil
	}
	h.canceled = true

	if err := h.backend.stopContainer(context.WithoutCancel(ctx), h.containerID); err != nil {
		return apperrors.Internal("docker.stopContainer", err)
	}
	h.finish(ctx, job.StateCanceled)
	return nil
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
