package observability

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// pushJobName groups pushed series in the Pushgateway.
const pushJobName = "jobrunner"

// Metrics holds the instruments of one orchestration cycle.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider
	common   metric.MeasurementOption

	// Traffic
	JobsRetrieved    metric.Int64Counter
	JobsSubmitted    metric.Int64Counter
	OutputsHarvested metric.Int64Counter

	// Outcomes
	JobsCompleted metric.Int64Counter
	JobsKilled    metric.Int64Counter

	// Latency
	JobDuration   metric.Float64Histogram
	CycleDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on a private Prometheus registry.
// Every measurement carries the platform and backend attributes.
func NewMetrics(ctx context.Context, platform, backend string) (*Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("jobrunner")
	m := &Metrics{
		registry: registry,
		provider: provider,
		common:   metric.WithAttributes(platformAttr(platform), backendAttr(backend)),
	}

	m.JobsRetrieved, err = meter.Int64Counter(
		"jobs_retrieved_total",
		metric.WithDescription("Total number of jobs fetched from the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs started on the execution backend"),
	)
	if err != nil {
		return nil, err
	}

	m.OutputsHarvested, err = meter.Int64Counter(
		"outputs_harvested_total",
		metric.WithDescription("Total number of output files registered with the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs reported with a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsKilled, err = meter.Int64Counter(
		"jobs_killed_total",
		metric.WithDescription("Total number of jobs killed, by phase"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to a terminal backend state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"cycle_duration_seconds",
		metric.WithDescription("Orchestration cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Registry returns the registry the instruments are exported to.
func (m *Metrics) Registry() *promclient.Registry {
	return m.registry
}

// RecordRetrieved records jobs fetched from the queue.
func (m *Metrics) RecordRetrieved(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.JobsRetrieved.Add(ctx, int64(n), m.common)
}

// RecordSubmitted records a job started on the execution backend.
func (m *Metrics) RecordSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobsSubmitted.Add(ctx, 1, m.common)
}

// RecordKilled records a job killed in the given phase.
func (m *Metrics) RecordKilled(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.JobsKilled.Add(ctx, 1, m.common, WithPhase(phase))
}

// RecordCompleted records a job reaching a terminal backend state.
func (m *Metrics) RecordCompleted(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsCompleted.Add(ctx, 1, m.common, WithStatus(status))
	m.JobDuration.Record(ctx, duration.Seconds(), m.common, WithStatus(status))
}

// RecordHarvested records output files registered for a job.
func (m *Metrics) RecordHarvested(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OutputsHarvested.Add(ctx, int64(n), m.common)
}

// RecordCycle records the duration of one orchestration cycle.
func (m *Metrics) RecordCycle(ctx context.Context, duration time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Record(ctx, duration.Seconds(), m.common)
}

// Push flushes the instruments and pushes the registry to a Pushgateway.
// The process is short-lived, so there is nothing to scrape.
func (m *Metrics) Push(ctx context.Context, gatewayURL string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	pusher := push.New(gatewayURL, pushJobName).Gatherer(m.registry)
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}

// Shutdown releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
