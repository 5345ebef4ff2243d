package job

// State is the execution backend's view of a submission.
type State int

// Backends map their native states onto this closed set.
const (
	StatePending State = iota
	StateRunning
	StateDone
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions will be observed for the submission.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}
