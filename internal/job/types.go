package job

import (
	"encoding/json"
	"maps"
	"slices"
)

// Status is the queue-side status of a job.
type Status string

// Status constants
const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusError     Status = "error"
)

// Active reports whether the job is still owned by an execution attempt.
// Only active jobs may be killed.
func (s Status) Active() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// CanTransitionTo reports whether moving from s to next is a valid queue transition.
// Resetting any status back to submitted is allowed; it is an operator action.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next || next == StatusSubmitted {
		return true
	}
	switch s {
	case StatusSubmitted:
		return next == StatusRunning || next == StatusFinished || next == StatusError
	case StatusRunning:
		return next == StatusFinished || next == StatusError
	default:
		return false
	}
}

// DataItem references a file registered with the queue.
type DataItem struct {
	URL         string `json:"url"`
	ResourceURI string `json:"resource_uri,omitempty"`
}

// Job is a queue-owned job record.
//
// Log is never part of the job body: it holds log text appended locally that has not
// yet been pushed to the queue's log endpoint. Fields the queue sends that are not
// modelled here are kept and written back unchanged, since updates are full replaces.
type Job struct {
	ID                  int64          `json:"id"`
	Code                string         `json:"code"`
	Command             string         `json:"command,omitempty"`
	HardwareConfig      map[string]any `json:"hardware_config"`
	HardwarePlatform    string         `json:"hardware_platform,omitempty"`
	Status              Status         `json:"status"`
	InputData           []DataItem     `json:"input_data"`
	OutputData          []DataItem     `json:"output_data"`
	ResourceURI         string         `json:"resource_uri"`
	TimestampSubmission string         `json:"timestamp_submission,omitempty"`
	TimestampCompletion string         `json:"timestamp_completion,omitempty"`
	ResourceUsage       *float64       `json:"resource_usage,omitempty"`
	Provenance          map[string]any `json:"provenance,omitempty"`
	Log                 string         `json:"-"`

	extra map[string]json.RawMessage
}

// jobJSON has Job's fields without its methods.
type jobJSON Job

// knownFields are the JSON keys decoded into Job fields.
var knownFields = []string{
	"id", "code", "command", "hardware_config", "hardware_platform", "status",
	"input_data", "output_data", "resource_uri", "timestamp_submission",
	"timestamp_completion", "resource_usage", "provenance", "log",
}

// UnmarshalJSON implements custom unmarshaling for Job, keeping unknown fields.
func (j *Job) UnmarshalJSON(data []byte) error {
	var fields jobJSON
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownFields {
		delete(raw, key)
	}

	*j = Job(fields)
	if len(raw) > 0 {
		j.extra = raw
	}
	return nil
}

// MarshalJSON implements custom marshaling for Job, writing back unknown fields.
func (j Job) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(jobJSON(j))
	if err != nil {
		return nil, err
	}
	if len(j.extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a copy of the job that shares no slices or maps with the original.
func (j *Job) Clone() *Job {
	c := *j
	c.HardwareConfig = maps.Clone(j.HardwareConfig)
	c.Provenance = maps.Clone(j.Provenance)
	c.InputData = slices.Clone(j.InputData)
	c.OutputData = slices.Clone(j.OutputData)
	c.extra = maps.Clone(j.extra)
	if j.ResourceUsage != nil {
		usage := *j.ResourceUsage
		c.ResourceUsage = &usage
	}
	return &c
}
