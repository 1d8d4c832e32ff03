package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
	"github.com/nixpig/udpjobs/internal/jobmanager/events"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

// controller drives a single run. Its loop is the only code that mutates the
// frame while the run is active; per-backend goroutines do the network calls
// and hand their results back over channels.
type controller struct {
	runID        string
	frame        *table.Frame
	builder      *specBuilder
	backends     []*backendSlot
	jobOptions   func() map[string]any
	pollInterval time.Duration

	logger  *slog.Logger
	events  *events.Log
	publish func(*table.Frame)
	now     func() time.Time
}

type submission struct {
	row int
	req backend.JobRequest
}

type submitResult struct {
	row   int
	slot  *backendSlot
	jobID string
	err   error
}

type pollResult struct {
	row  int
	info backend.JobInfo
	err  error
}

// run executes the submit/poll loop until every row is terminal, stop is
// closed, or the snapshot can't be written. ctx is cancelled to abort
// in-flight backend calls.
func (c *controller) run(ctx context.Context, stop <-chan struct{}) (RunState, error) {
	c.logger.Info("run started", "run_id", c.runID, "rows", c.frame.Len())

	if err := c.orphaned(); err != nil {
		return c.fail(err)
	}

	for {
		if stopRequested(ctx, stop) {
			return c.cancel(ctx)
		}

		if err := c.poll(ctx, stop); err != nil {
			return c.fail(err)
		}

		if c.frame.Done() {
			c.logger.Info("run completed", "run_id", c.runID)
			return RunStateCompleted, nil
		}

		if stopRequested(ctx, stop) {
			return c.cancel(ctx)
		}

		if err := c.submit(ctx, stop); err != nil {
			return c.fail(err)
		}

		if c.frame.Done() {
			c.logger.Info("run completed", "run_id", c.runID)
			return RunStateCompleted, nil
		}

		timer := time.NewTimer(c.pollInterval)

		select {
		case <-stop:
			timer.Stop()
			return c.cancel(ctx)

		case <-ctx.Done():
			timer.Stop()
			return c.cancel(ctx)

		case <-timer.C:
		}
	}
}

func (c *controller) fail(err error) (RunState, error) {
	c.logger.Error("run failed", "run_id", c.runID, "err", err)
	return RunStateFailed, err
}

// orphaned marks rows that a previous run left queued or running without a
// backend job id, or on a backend that isn't registered for this run. Nothing
// could ever poll them.
func (c *controller) orphaned() error {
	changed := false

	for _, i := range c.frame.Select(table.StatusQueued, table.StatusRunning) {
		row, err := c.frame.Row(i)
		if err != nil {
			return err
		}

		var msg string

		switch {
		case row.BackendJobID == "":
			msg = "no backend job id recorded"
		case c.slot(row.BackendName) == nil:
			msg = fmt.Sprintf("backend %q is not registered", row.BackendName)
		default:
			continue
		}

		if err := c.mark(i, table.StatusError, table.WithError(msg)); err != nil {
			return err
		}

		changed = true
	}

	if changed {
		return c.persist()
	}

	return nil
}

// poll queries the status of every active row, one goroutine per backend,
// and applies the results as a single batch.
func (c *controller) poll(ctx context.Context, stop <-chan struct{}) error {
	work := make(map[*backendSlot][]table.Row)

	for _, i := range c.frame.Select(table.StatusQueued, table.StatusRunning) {
		row, err := c.frame.Row(i)
		if err != nil {
			return err
		}

		if slot := c.slot(row.BackendName); slot != nil {
			work[slot] = append(work[slot], row)
		}
	}

	if len(work) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		results []pollResult
		wg      sync.WaitGroup
	)

	for slot, rows := range work {
		wg.Go(func() {
			for _, row := range rows {
				if stopRequested(ctx, stop) {
					return
				}

				info, err := slot.backend.JobStatus(ctx, row.BackendJobID)

				mu.Lock()
				results = append(results, pollResult{row: row.Index, info: info, err: err})
				mu.Unlock()
			}
		})
	}

	wg.Wait()

	changed := false

	for _, res := range results {
		updated, err := c.applyPoll(ctx, res)
		if err != nil {
			return err
		}

		changed = changed || updated
	}

	if changed {
		return c.persist()
	}

	return nil
}

func (c *controller) applyPoll(ctx context.Context, res pollResult) (bool, error) {
	if res.err != nil {
		if ctx.Err() != nil {
			return false, nil
		}

		c.logger.Warn("poll job status", "row", res.row, "err", res.err)

		if err := c.frame.Note(res.row, fmt.Sprintf("poll: %v", res.err)); err != nil {
			return false, err
		}

		return true, nil
	}

	cleared, err := c.frame.ClearNote(res.row)
	if err != nil {
		return false, err
	}

	current, err := c.frame.Status(res.row)
	if err != nil {
		return false, err
	}

	switch res.info.Status {
	case backend.RemoteStatusRunning:
		if current == table.StatusQueued {
			return true, c.mark(res.row, table.StatusRunning)
		}

	case backend.RemoteStatusFinished:
		if current == table.StatusQueued {
			if err := c.mark(res.row, table.StatusRunning); err != nil {
				return false, err
			}
		}

		return true, c.mark(res.row, table.StatusFinished)

	case backend.RemoteStatusError:
		msg := res.info.Message
		if msg == "" {
			msg = "job failed on backend"
		}

		return true, c.mark(res.row, table.StatusError, table.WithError(msg))

	case backend.RemoteStatusCanceled:
		return true, c.mark(
			res.row,
			table.StatusCancelled,
			table.WithError("job canceled on backend"),
		)
	}

	return cleared, nil
}

// submit fills free backend slots with not_started rows in table order. Rows
// whose request can't be built are marked error and don't take a slot.
func (c *controller) submit(ctx context.Context, stop <-chan struct{}) error {
	pending := c.frame.Select(table.StatusNotStarted)
	if len(pending) == 0 {
		return nil
	}

	active := c.activeCounts()
	jobOptions := c.jobOptions()

	plan := make(map[*backendSlot][]submission)
	total := 0
	next := 0

	for _, slot := range c.backends {
		free := slot.limit - active[slot.name]

		for free > 0 && next < len(pending) {
			i := pending[next]
			next++

			row, err := c.frame.Row(i)
			if err != nil {
				return err
			}

			req, err := c.builder.build(row, jobOptions)
			if err != nil {
				c.logger.Warn("build job request", "row", i, "err", err)

				if err := c.mark(i, table.StatusError, table.WithError(err.Error())); err != nil {
					return err
				}

				if err := c.persist(); err != nil {
					return err
				}

				continue
			}

			plan[slot] = append(plan[slot], submission{row: i, req: req})
			free--
			total++
		}
	}

	if total == 0 {
		return nil
	}

	results := make(chan submitResult, total)

	var wg sync.WaitGroup

	for slot, subs := range plan {
		wg.Go(func() {
			for _, sub := range subs {
				if stopRequested(ctx, stop) {
					return
				}

				id, err := slot.backend.CreateJob(ctx, sub.req)
				results <- submitResult{row: sub.row, slot: slot, jobID: id, err: err}
			}
		})
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// Results keep being recorded after a persist failure so the frame still
	// knows about every job that was created.
	var persistErr error

	for res := range results {
		if err := c.applySubmit(ctx, res); err != nil {
			return err
		}

		if persistErr == nil {
			persistErr = c.persist()
		}
	}

	return persistErr
}

func (c *controller) applySubmit(ctx context.Context, res submitResult) error {
	if res.jobID != "" {
		res.slot.submitted.Add(1)
	}

	if res.err != nil {
		// Aborted by a forced stop; the row stays not_started and is
		// cancelled with the rest.
		if ctx.Err() != nil {
			return nil
		}

		c.logger.Warn(
			"submit job",
			"row", res.row,
			"backend", res.slot.name,
			"err", res.err,
		)

		return c.mark(
			res.row,
			table.StatusError,
			table.WithJob(res.slot.name, res.jobID),
			table.WithError(res.err.Error()),
		)
	}

	return c.mark(res.row, table.StatusQueued, table.WithJob(res.slot.name, res.jobID))
}

// cancel cancels the remote jobs of active rows where the backend supports
// it, then marks every non-terminal row cancelled.
func (c *controller) cancel(ctx context.Context) (RunState, error) {
	c.logger.Info("stopping run", "run_id", c.runID)

	work := make(map[*backendSlot][]table.Row)

	for _, i := range c.frame.Select(table.StatusQueued, table.StatusRunning) {
		row, err := c.frame.Row(i)
		if err != nil {
			return c.fail(err)
		}

		if slot := c.slot(row.BackendName); slot != nil {
			work[slot] = append(work[slot], row)
		}
	}

	var wg sync.WaitGroup

	for slot, rows := range work {
		canceller, ok := slot.backend.(backend.Canceller)
		if !ok {
			continue
		}

		wg.Go(func() {
			for _, row := range rows {
				if err := canceller.CancelJob(ctx, row.BackendJobID); err != nil {
					c.logger.Warn(
						"cancel remote job",
						"row", row.Index,
						"backend", slot.name,
						"job_id", row.BackendJobID,
						"err", err,
					)
				}
			}
		})
	}

	wg.Wait()

	for _, i := range c.frame.Select(
		table.StatusNotStarted,
		table.StatusQueued,
		table.StatusRunning,
	) {
		if err := c.mark(i, table.StatusCancelled); err != nil {
			return c.fail(err)
		}
	}

	if err := c.persist(); err != nil {
		return c.fail(err)
	}

	c.logger.Info("run stopped", "run_id", c.runID)

	return RunStateStopped, nil
}

// mark transitions row i and records the transition in the event log.
func (c *controller) mark(i int, to table.Status, opts ...table.MarkOption) error {
	now := c.now()

	from, err := c.frame.Mark(i, to, now, opts...)
	if err != nil {
		return err
	}

	row, err := c.frame.Row(i)
	if err != nil {
		return err
	}

	c.logger.Debug(
		"row transition",
		"row", i,
		"from", from,
		"to", to,
		"backend", row.BackendName,
		"job_id", row.BackendJobID,
	)

	if err := c.events.Emit(events.Event{
		Time:    now.UTC(),
		RunID:   c.runID,
		Row:     i,
		From:    from.String(),
		To:      to.String(),
		Backend: row.BackendName,
		JobID:   row.BackendJobID,
		Message: row.ErrorMessage,
	}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.logger.Warn("emit event", "row", i, "err", err)
	}

	return nil
}

func (c *controller) persist() error {
	if err := c.frame.Persist(); err != nil {
		return fmt.Errorf("persist job table: %w", err)
	}

	c.publish(c.frame)

	return nil
}

func (c *controller) slot(name string) *backendSlot {
	for _, s := range c.backends {
		if s.name == name {
			return s
		}
	}

	return nil
}

func (c *controller) activeCounts() map[string]int {
	counts := make(map[string]int, len(c.backends))

	for _, i := range c.frame.Select(table.StatusQueued, table.StatusRunning) {
		row, err := c.frame.Row(i)
		if err != nil {
			continue
		}

		counts[row.BackendName]++
	}

	return counts
}

func stopRequested(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
