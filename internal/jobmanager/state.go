package jobmanager

import (
	"sync/atomic"

	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
)

type RunState int

const (
	// RunStateIdle indicates no run has been started. It's also the zero value
	// for functions that return a (possibly absent) RunState.
	RunStateIdle RunState = iota

	// RunStateRunning indicates the control loop is submitting and polling
	// jobs in the background.
	RunStateRunning

	// RunStateCompleted indicates every row reached a terminal status.
	RunStateCompleted

	// RunStateStopped indicates the run was stopped and the remaining rows
	// cancelled.
	RunStateStopped

	// RunStateFailed indicates the run ended because of an error that isn't
	// attributable to a single row, e.g. the snapshot couldn't be written.
	RunStateFailed
)

// NOTE: This slice needs to be kept in sync with the RunState values.
var runStates = []string{
	"Idle",
	"Running",
	"Completed",
	"Stopped",
	"Failed",
}

// String implements the Stringer interface for RunState.
func (s RunState) String() string {
	if int(s) < 0 || int(s) >= len(runStates) {
		return runStates[0]
	}

	return runStates[s]
}

// Finished reports whether s is one of the end states of a run.
func (s RunState) Finished() bool {
	return s == RunStateCompleted || s == RunStateStopped || s == RunStateFailed
}

// AtomicRunState is a wrapper around an atomic.Int32 to provide atomic
// operations on a RunState.
type AtomicRunState struct {
	v atomic.Int32
}

// Load atomically loads the RunState value.
func (a *AtomicRunState) Load() RunState {
	return RunState(a.v.Load())
}

// Store atomically stores the RunState value.
func (a *AtomicRunState) Store(s RunState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new RunState.
func (a *AtomicRunState) CompareAndSwap(o, n RunState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// backendSlot is a registered backend and its concurrency limit.
type backendSlot struct {
	name    string
	backend backend.Backend
	limit   int

	// submitted only ever grows; it counts jobs created on the backend over
	// the lifetime of the Manager.
	submitted atomic.Int64
}

// BackendStats reports the load of a single backend.
type BackendStats struct {
	Name      string
	Limit     int
	Active    int
	Submitted int64
}
