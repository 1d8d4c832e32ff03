package jobmanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nixpig/udpjobs/internal/jobmanager"
)

func TestRunner(t *testing.T) {
	t.Parallel()

	t.Run("Test initial state", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(time.Second)

		if got := r.State(); got != jobmanager.RunStateIdle {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.RunStateIdle)
		}

		select {
		case <-r.Done():
		default:
			t.Error("expected done to be closed without a run")
		}

		if r.Stop() {
			t.Error("expected stop without a run not to force")
		}
	})

	t.Run("Test run to completion", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(time.Second)

		if err := r.Start(context.Background(), "run-1", func(
			ctx context.Context,
			stop <-chan struct{},
		) (jobmanager.RunState, error) {
			return jobmanager.RunStateCompleted, nil
		}); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		<-r.Done()

		if got := r.State(); got != jobmanager.RunStateCompleted {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.RunStateCompleted)
		}

		if r.ID() != "run-1" {
			t.Errorf("expected id: got '%s', want 'run-1'", r.ID())
		}
	})

	t.Run("Test caller cancellation doesn't reach run", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(time.Second)

		ctx, cancel := context.WithCancel(context.Background())

		if err := r.Start(ctx, "run-1", func(
			ctx context.Context,
			stop <-chan struct{},
		) (jobmanager.RunState, error) {
			select {
			case <-ctx.Done():
				return jobmanager.RunStateFailed, ctx.Err()
			case <-stop:
				return jobmanager.RunStateStopped, nil
			}
		}); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		cancel()

		select {
		case <-r.Done():
			t.Fatal("expected run to outlive caller context")
		case <-time.After(20 * time.Millisecond):
		}

		if r.Stop() {
			t.Error("expected cooperative stop")
		}

		if got := r.State(); got != jobmanager.RunStateStopped {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.RunStateStopped)
		}
	})

	t.Run("Test duplicate start", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(time.Second)

		block := func(ctx context.Context, stop <-chan struct{}) (jobmanager.RunState, error) {
			<-stop
			return jobmanager.RunStateStopped, nil
		}

		if err := r.Start(context.Background(), "run-1", block); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		err := r.Start(context.Background(), "run-2", block)
		if !errors.As(err, &jobmanager.AlreadyRunningError{}) {
			t.Errorf("expected AlreadyRunningError: got '%v'", err)
		}

		r.Stop()

		if err := r.Start(context.Background(), "run-2", block); err != nil {
			t.Errorf("expected restart after stop: got '%v'", err)
		}

		r.Stop()
	})

	t.Run("Test forced stop", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(10 * time.Millisecond)

		if err := r.Start(context.Background(), "run-1", func(
			ctx context.Context,
			stop <-chan struct{},
		) (jobmanager.RunState, error) {
			// Ignores stop, only an aborted call ends it.
			<-ctx.Done()
			return jobmanager.RunStateStopped, ctx.Err()
		}); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if !r.Stop() {
			t.Error("expected stop to be forced")
		}

		if !errors.Is(r.Err(), context.Canceled) {
			t.Errorf("expected context cancelled: got '%v'", r.Err())
		}
	})

	t.Run("Test unfinished state is reported as failed", func(t *testing.T) {
		t.Parallel()

		r := jobmanager.NewRunner(time.Second)

		if err := r.Start(context.Background(), "run-1", func(
			ctx context.Context,
			stop <-chan struct{},
		) (jobmanager.RunState, error) {
			return jobmanager.RunStateRunning, nil
		}); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		<-r.Done()

		if got := r.State(); got != jobmanager.RunStateFailed {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.RunStateFailed)
		}
	})
}

func TestRunStateString(t *testing.T) {
	t.Parallel()

	scenarios := map[jobmanager.RunState]string{
		jobmanager.RunStateIdle:      "Idle",
		jobmanager.RunStateRunning:   "Running",
		jobmanager.RunStateCompleted: "Completed",
		jobmanager.RunStateStopped:   "Stopped",
		jobmanager.RunStateFailed:    "Failed",
		jobmanager.RunState(42):      "Idle",
	}

	for state, want := range scenarios {
		if got := state.String(); got != want {
			t.Errorf("expected state string: got '%s', want '%s'", got, want)
		}
	}
}
