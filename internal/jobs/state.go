package jobs

import "fmt"

// transitions lists the statuses reachable from each non-terminal status.
// processing may move straight to cleaned when the cleaning step runs
// without a separate job_complete report.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusCleaned, StatusFailed},
	StatusCompleted:  {StatusCleaned, StatusFailed},
}

// Terminal reports whether no further status transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusCleaned || s == StatusFailed
}

// Finished reports whether extraction is over, successfully or not.
func (s Status) Finished() bool {
	return s == StatusCompleted || s.Terminal()
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCleaned, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the job to status `to`, refusing moves out of terminal
// states and moves the state machine does not list.
func (j *Job) Transition(to Status) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
	}
	if !CanTransition(j.Status, to) {
		if j.Status.Finished() {
			return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}
