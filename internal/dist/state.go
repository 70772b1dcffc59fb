package dist

import "fmt"

// JobState is the lifecycle position of one remote compile attempt.
type JobState string

// Job states. A job moves forward only:
// UNASSIGNED -> (WAITING_TOOLCHAIN | READY) -> STARTED -> COMPLETE | FAILED.
// FAILED may be entered from any non-terminal state.
const (
	JobStateUnassigned       JobState = "UNASSIGNED"
	JobStateWaitingToolchain JobState = "WAITING_TOOLCHAIN"
	JobStateReady            JobState = "READY"
	JobStateStarted          JobState = "STARTED"
	JobStateComplete         JobState = "COMPLETE"
	JobStateFailed           JobState = "FAILED"
)

var jobStateRank = map[JobState]int{
	JobStateUnassigned:       0,
	JobStateWaitingToolchain: 1,
	JobStateReady:            2,
	JobStateStarted:          3,
	JobStateComplete:         4,
	JobStateFailed:           4,
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	_, ok := jobStateRank[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	return s == JobStateComplete || s == JobStateFailed
}

// CanTransition reports whether a job in state s may move to next.
// Repeating the current state is allowed and treated as a no-op by callers.
func (s JobState) CanTransition(next JobState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == JobStateFailed {
		return true
	}

	switch s {
	case JobStateUnassigned:
		return next == JobStateWaitingToolchain || next == JobStateReady
	case JobStateWaitingToolchain:
		return next == JobStateReady
	case JobStateReady:
		return next == JobStateStarted
	case JobStateStarted:
		return next == JobStateComplete
	}
	return false
}

// Transition validates the move from s to next.
func (s JobState) Transition(next JobState) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// ParseJobState converts the wire form of a state.
func ParseJobState(v string) (JobState, error) {
	s := JobState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job state %q", v)
	}
	return s, nil
}
