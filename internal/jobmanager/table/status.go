package table

import "fmt"

// Status is the lifecycle state of a single row of work.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every Status in lifecycle order.
var Statuses = []Status{
	StatusNotStarted,
	StatusQueued,
	StatusRunning,
	StatusFinished,
	StatusError,
	StatusCancelled,
}

// NOTE: Rows go through running on their way to finished, even when a job
// completes between two polls, so running_start_time is always populated for
// finished rows.
var allowedTransitions = map[Status][]Status{
	StatusNotStarted: {StatusQueued, StatusError, StatusCancelled},
	StatusQueued:     {StatusRunning, StatusError, StatusCancelled},
	StatusRunning:    {StatusFinished, StatusError, StatusCancelled},
	StatusFinished:   {},
	StatusError:      {},
	StatusCancelled:  {},
}

// ParseStatus returns the Status for s. The American spelling "canceled" is
// accepted for cancelled.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return StatusNotStarted, nil
	}

	if s == "canceled" {
		return StatusCancelled, nil
	}

	st := Status(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}

	return st, nil
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

// Active reports whether s occupies a backend slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether a row in from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}

	return false
}
