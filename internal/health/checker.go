// Package health checks that the services the job runner depends on are reachable.
package health

import (
	"context"
	"slices"
	"sync"
	"time"
)

// ReadinessChecker is the interface for readiness checks.
// Implemented by the queue client and the execution backends.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Checker performs health checks on dependencies.
type Checker struct {
	timeout    time.Duration
	components map[string]ReadinessChecker
}

// NewChecker creates a health checker with a per-component timeout (default 5s).
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{
		timeout:    timeout,
		components: make(map[string]ReadinessChecker),
	}
}

// Register adds a named component to check. A nil checker is reported as not configured.
func (c *Checker) Register(name string, rc ReadinessChecker) {
	c.components[name] = rc
}

// Names returns the registered component names in order.
func (c *Checker) Names() []string {
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Readiness checks all components concurrently. The overall status is healthy only
// if every component is, and unhealthy when nothing is registered.
func (c *Checker) Readiness(ctx context.Context) *Response {
	if len(c.components) == 0 {
		return &Response{Status: StatusUnhealthy}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]CheckResult, len(c.components))
	)
	for name, rc := range c.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.check(ctx, rc)
			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	overallStatus := StatusHealthy
	for _, result := range checks {
		if result.Status != StatusHealthy {
			overallStatus = StatusUnhealthy
		}
	}

	return &Response{
		Status: overallStatus,
		Checks: checks,
	}
}

// check verifies one component is ready.
func (c *Checker) check(ctx context.Context, rc ReadinessChecker) CheckResult {
	if rc == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "not configured",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := rc.Ready(ctx)
	latency := time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency,
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Latency: latency,
	}
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}
