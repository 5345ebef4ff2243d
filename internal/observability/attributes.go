// Package observability provides metrics for orchestration cycles.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrPhase    = "phase"
	attrStatus   = "status"
	attrPlatform = "platform"
	attrBackend  = "backend"
)

// Kill phases
const (
	PhaseSubmission = "submission"
	PhaseOutput     = "output"
	PhaseTimeout    = "timeout"
	PhasePolling    = "polling"
	PhaseCanceled   = "canceled"
	PhaseInterrupt  = "interrupt"
)

func phaseAttr(phase string) attribute.KeyValue {
	return attribute.String(attrPhase, phase)
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func platformAttr(platform string) attribute.KeyValue {
	return attribute.String(attrPlatform, platform)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

// WithPhase returns a metric option with the phase attribute.
func WithPhase(phase string) metric.MeasurementOption {
	return metric.WithAttributes(phaseAttr(phase))
}

// WithStatus returns a metric option with the status attribute.
func WithStatus(status string) metric.MeasurementOption {
	return metric.WithAttributes(statusAttr(status))
}
