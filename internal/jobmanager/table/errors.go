package table

import (
	"errors"
	"fmt"
)

var (
	ErrRowOutOfRange = errors.New("row out of range")
	ErrNoPath        = errors.New("no snapshot path configured")
)

// InvalidTransitionError is returned when attempting a status transition that
// isn't reachable from a row's current status.
type InvalidTransitionError struct {
	Row  int
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("row %d: cannot go from %s to %s", e.Row, e.From, e.To)
}

func NewInvalidTransitionError(row int, from, to Status) InvalidTransitionError {
	return InvalidTransitionError{Row: row, From: from, To: to}
}

// DuplicateRegistrationError is returned when rows are registered with a
// Frame that already holds rows.
type DuplicateRegistrationError struct {
	Registered int
}

func (e DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("jobs already registered (%d rows)", e.Registered)
}
