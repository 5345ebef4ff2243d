package job

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxLogSize bounds each captured output stream appended to a job log.
const DefaultMaxLogSize = 10000

// TruncationMarker replaces the middle of an over-long output stream.
const TruncationMarker = "\n\n... truncated...\n\n"

// timestampLayout matches the queue's ISO-8601 timestamps.
const timestampLayout = "2006-01-02T15:04:05.000000"

// completedResourceUsage is reported until real accounting is available from the backends.
const completedResourceUsage = 1.0

// Output is the captured stdout and stderr of a submission.
type Output struct {
	Stdout string
	Stderr string
}

// Transition is one observation of a submission's backend state.
type Transition struct {
	State        State
	SubmissionID string
	Output       Output
	At           time.Time
}

// Mapper turns backend transitions into job updates.
type Mapper struct {
	MaxLogSize int
}

// NewMapper creates a mapper; a non-positive size uses DefaultMaxLogSize.
func NewMapper(maxLogSize int) Mapper {
	if maxLogSize <= 0 {
		maxLogSize = DefaultMaxLogSize
	}
	return Mapper{MaxLogSize: maxLogSize}
}

// Apply returns a copy of j updated for the transition. The input job is not modified.
// Log text is always appended, never replaced.
func (m Mapper) Apply(j *Job, t Transition) *Job {
	next := j.Clone()
	ts := t.At.Format(timestampLayout)

	var log strings.Builder
	log.WriteString(next.Log)

	switch t.State {
	case StatePending:
		next.Status = StatusSubmitted
		fmt.Fprintf(&log, "Job ID: %s\n", t.SubmissionID)
		fmt.Fprintf(&log, "%s    pending\n", ts)

	case StateRunning:
		next.Status = StatusRunning
		fmt.Fprintf(&log, "%s    running\n", ts)

	case StateDone:
		next.Status = StatusFinished
		m.complete(next, ts)
		fmt.Fprintf(&log, "%s    finished\n", ts)
		m.appendOutput(&log, t.Output)

	case StateFailed:
		next.Status = StatusError
		m.complete(next, ts)
		fmt.Fprintf(&log, "%s    failed\n", ts)
		m.appendOutput(&log, t.Output)

	case StateCanceled:
		// Log only: the orchestrator decides the queue status.
		fmt.Fprintf(&log, "%s    canceled\n", ts)
	}

	next.Log = log.String()
	return next
}

func (m Mapper) complete(j *Job, ts string) {
	usage := completedResourceUsage
	j.TimestampCompletion = ts
	j.ResourceUsage = &usage
	j.Provenance = map[string]any{}
}

func (m Mapper) appendOutput(log *strings.Builder, out Output) {
	log.WriteString("\n\n")
	log.WriteString(Truncate(out.Stdout, m.MaxLogSize))
	log.WriteString("\n\n")
	log.WriteString(Truncate(out.Stderr, m.MaxLogSize))
}

// Truncate shortens s to its first and last maxLength/2 characters joined by
// TruncationMarker when s is longer than maxLength characters.
func Truncate(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	half := maxLength / 2
	return string(runes[:half]) + TruncationMarker + string(runes[len(runes)-half:])
}
