package docker

import (
	"jobrunner/internal/apperrors"
	"sync"
)

// stateRepo tracks the containers this backend created and has not yet removed.
type stateRepo struct {
	mu         sync.RWMutex
	containers map[string]string // job name -> container ID, empty while creating
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		containers: make(map[string]string),
	}
}

// reserve claims a job name. A job can have one live container per process.
func (r *stateRepo) reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.containers[name]; exists {
		return apperrors.Conflict("job", name, "job already has a container")
	}
	r.containers[name] = ""
	return nil
}

// commit records the container created for a reserved name.
func (r *stateRepo) commit(name, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[name] = containerID
}

// release forgets a job name and returns its container ID, if any.
func (r *stateRepo) release(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.containers[name]
	if exists {
		delete(r.containers, name)
	}
	return id, exists
}

// list returns a snapshot of the tracked containers.
func (r *stateRepo) list() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string, len(r.containers))
	for name, id := range r.containers {
		result[name] = id
	}
	return result
}
