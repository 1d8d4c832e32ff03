package jobmanager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nixpig/udpjobs/internal/jobmanager/normalize"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

var (
	ErrNoJobs           = errors.New("no jobs registered")
	ErrNoBackends       = errors.New("no backends registered")
	ErrDuplicateBackend = errors.New("backend already registered")
)

type (
	// ParameterFormatError is returned when a cell can't be parsed into the
	// representation its parameter schema requires.
	ParameterFormatError = normalize.ParameterFormatError

	// DuplicateRegistrationError is returned when jobs are added to a Manager
	// that already has jobs.
	DuplicateRegistrationError = table.DuplicateRegistrationError

	// InvalidTransitionError is returned when a row is moved to a status that
	// isn't reachable from its current status.
	InvalidTransitionError = table.InvalidTransitionError
)

// MissingParameterError is returned when process parameters have no value.
// Row is -1 when the error concerns every row rather than one.
type MissingParameterError struct {
	Parameters []string
	Row        int
}

func (e *MissingParameterError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf(
			"missing parameter column(s): %s",
			strings.Join(e.Parameters, ", "),
		)
	}

	return fmt.Sprintf(
		"row %d: missing parameter(s): %s",
		e.Row,
		strings.Join(e.Parameters, ", "),
	)
}

// AlreadyRunningError is returned when starting a run while one is active.
type AlreadyRunningError struct {
	RunID string
}

func (e AlreadyRunningError) Error() string {
	return fmt.Sprintf("run %s already running", e.RunID)
}
