package jobmanager

import (
	"context"
	"sync"
	"time"
)

// RunFunc is the body of a run. It must return once stop is closed or ctx is
// cancelled, reporting the state the run ended in.
type RunFunc func(ctx context.Context, stop <-chan struct{}) (RunState, error)

// Runner executes one RunFunc at a time in a background goroutine, isolated
// from the caller's context, and provides start/stop control over it.
type Runner struct {
	grace time.Duration
	state AtomicRunState

	mu      sync.Mutex
	current *execution
}

// execution is a single run of a RunFunc.
type execution struct {
	id string

	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc

	// err is written before done is closed.
	err  error
	done chan struct{}
}

// NewRunner creates a Runner whose Stop waits grace for a run to wind down
// before forcibly cancelling it.
func NewRunner(grace time.Duration) *Runner {
	return &Runner{grace: grace}
}

// Start launches fn in the background under the given run id and returns
// immediately. Trying to start while a run is active returns an
// AlreadyRunningError.
func (r *Runner) Start(ctx context.Context, id string, fn RunFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Load() == RunStateRunning {
		return AlreadyRunningError{RunID: r.current.id}
	}

	// Values are kept, cancellation isn't: a run outlives the request that
	// started it and only Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e := &execution{
		id:     id,
		stop:   make(chan struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.current = e
	r.state.Store(RunStateRunning)

	go func() {
		defer cancel()

		state, err := fn(runCtx, e.stop)
		if !state.Finished() {
			state = RunStateFailed
		}

		e.err = err
		r.state.Store(state)

		close(e.done)
	}()

	return nil
}

// Stop requests the active run to stop and blocks until it has exited. If it
// hasn't exited within the grace period, its context is cancelled to abort
// in-flight calls. Stop reports whether that was necessary. Calling Stop when
// no run is active is a no-op.
func (r *Runner) Stop() (forced bool) {
	r.mu.Lock()
	e := r.current
	r.mu.Unlock()

	if e == nil {
		return false
	}

	e.stopOnce.Do(func() { close(e.stop) })

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-e.done:
		return false

	case <-timer.C:
		e.cancel()
		<-e.done

		return true
	}
}

// ID returns the id of the most recent run, or empty if none was started.
func (r *Runner) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return ""
	}

	return r.current.id
}

// State returns the state of the most recent run.
func (r *Runner) State() RunState {
	return r.state.Load()
}

// Done returns a channel that is closed when the most recent run exits. It's
// closed already when no run was started.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		done := make(chan struct{})
		close(done)

		return done
	}

	return r.current.done
}

// Err returns the error the most recent run ended with, if it has ended.
func (r *Runner) Err() error {
	r.mu.Lock()
	e := r.current
	r.mu.Unlock()

	if e == nil {
		return nil
	}

	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}
