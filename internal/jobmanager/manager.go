package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
	"github.com/nixpig/udpjobs/internal/jobmanager/events"
	"github.com/nixpig/udpjobs/internal/jobmanager/schema"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultGracePeriod  = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	// ProcessID is the id of the user-defined process every job runs.
	ProcessID string
	// Namespace is where backends resolve ProcessID, typically the URL of the
	// process definition.
	Namespace string

	FixedParameters FixedParameters
	JobOptions      map[string]any

	// OutputPath is where the job table snapshot of rows added with AddJobs
	// is written.
	OutputPath string

	PollInterval time.Duration
	GracePeriod  time.Duration

	Logger *slog.Logger
}

// Progress is a point in time view of the job table.
type Progress struct {
	Counts map[table.Status]int
	// Active is the number of queued and running rows per backend.
	Active map[string]int
}

// RunStatus reports the state of the Manager's most recent run.
type RunStatus struct {
	RunID    string
	State    RunState
	Err      error
	Counts   map[table.Status]int
	Backends []BackendStats
}

// Manager runs one job per row of a job table against a set of backends.
type Manager struct {
	cfg     Config
	process *schema.Process
	builder *specBuilder
	runner  *Runner
	logger  *slog.Logger

	progress atomic.Pointer[Progress]

	// mu guards the fields below. While a run is active the frame belongs to
	// the run's controller.
	mu         sync.Mutex
	frame      *table.Frame
	backends   []*backendSlot
	jobOptions map[string]any
	events     *events.Log
}

// NewManager creates a Manager for the process described by src. The process
// definition is fetched once, here.
func NewManager(ctx context.Context, cfg Config, src schema.Source) (*Manager, error) {
	if strings.TrimSpace(cfg.ProcessID) == "" {
		return nil, errors.New("process id cannot be empty")
	}

	process, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch process definition: %w", err)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	closed := events.NewLog()
	closed.Close()

	m := &Manager{
		cfg:     cfg,
		process: process,
		builder: &specBuilder{
			process:   process,
			processID: cfg.ProcessID,
			namespace: cfg.Namespace,
			fixed:     cfg.FixedParameters,
		},
		runner:     NewRunner(cfg.GracePeriod),
		logger:     logger.With("process_id", cfg.ProcessID),
		frame:      table.New(cfg.OutputPath),
		jobOptions: maps.Clone(cfg.JobOptions),
		events:     closed,
	}

	m.publish(m.frame)

	return m, nil
}

// AddBackend registers a backend that may run at most parallelJobs jobs at
// once. Backends added during a run take part from the next run on.
func (m *Manager) AddBackend(name string, b backend.Backend, parallelJobs int) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("backend name cannot be empty")
	}

	if b == nil {
		return errors.New("backend cannot be nil")
	}

	if parallelJobs < 1 {
		return fmt.Errorf("backend %s: parallel jobs must be at least 1", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.backends {
		if s.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
		}
	}

	m.backends = append(m.backends, &backendSlot{
		name:    name,
		backend: b,
		limit:   parallelJobs,
	})

	return nil
}

// AddJobs registers the job table. It may be called once per Manager; later
// calls return a DuplicateRegistrationError.
func (m *Manager) AddJobs(t *table.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runner.State() == RunStateRunning {
		return AlreadyRunningError{RunID: m.runner.ID()}
	}

	if err := m.frame.Register(t); err != nil {
		return err
	}

	m.publish(m.frame)

	m.logger.Info("jobs added", "rows", m.frame.Len(), "path", m.frame.Path())

	return nil
}

// ResumeFrom registers the job table from the snapshot at path, which the
// run then keeps persisting to. Rows already terminal are never resubmitted.
func (m *Manager) ResumeFrom(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runner.State() == RunStateRunning {
		return AlreadyRunningError{RunID: m.runner.ID()}
	}

	if m.frame.Registered() {
		return DuplicateRegistrationError{Registered: m.frame.Len()}
	}

	f, err := table.Load(path)
	if err != nil {
		return err
	}

	m.frame = f
	m.publish(f)

	counts := f.Counts()
	m.logger.Info(
		"resumed job table",
		"path", path,
		"rows", f.Len(),
		"finished", counts[table.StatusFinished],
		"error", counts[table.StatusError],
		"cancelled", counts[table.StatusCancelled],
	)

	return nil
}

// Start prepares the job table and launches a run in the background,
// returning its id. Missing geometry columns are reported here, before
// anything is submitted.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runner.State() == RunStateRunning {
		return "", AlreadyRunningError{RunID: m.runner.ID()}
	}

	if !m.frame.Registered() {
		return "", ErrNoJobs
	}

	if len(m.backends) == 0 {
		return "", ErrNoBackends
	}

	if err := m.builder.prepare(m.frame); err != nil {
		return "", err
	}

	lock, err := table.AcquireLock(m.frame.Path())
	if err != nil {
		return "", err
	}

	if err := m.frame.Persist(); err != nil {
		lock.Release()
		return "", fmt.Errorf("persist job table: %w", err)
	}

	runID := uuid.NewString()
	logger := m.logger.With("run_id", runID)
	log := events.NewLog()

	c := &controller{
		runID:        runID,
		frame:        m.frame,
		builder:      m.builder,
		backends:     append([]*backendSlot(nil), m.backends...),
		jobOptions:   m.JobOptions,
		pollInterval: m.cfg.PollInterval,
		logger:       logger,
		events:       log,
		publish:      m.publish,
		now:          time.Now,
	}

	run := func(ctx context.Context, stop <-chan struct{}) (RunState, error) {
		defer log.Close()

		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warn("release job table lock", "err", err)
			}
		}()

		return c.run(ctx, stop)
	}

	if err := m.runner.Start(ctx, runID, run); err != nil {
		lock.Release()
		return "", err
	}

	m.events = log

	return runID, nil
}

// Stop stops the active run, cancelling every row that hasn't reached a
// terminal status, and waits for it to exit. It's a no-op when no run is
// active.
func (m *Manager) Stop() {
	if m.runner.State() != RunStateRunning {
		return
	}

	if forced := m.runner.Stop(); forced {
		m.logger.Warn(
			"run did not stop within grace period, cancelled in-flight calls",
			"run_id", m.runner.ID(),
			"grace_period", m.cfg.GracePeriod,
		)
	}
}

// Wait blocks until the most recent run exits and returns its error.
func (m *Manager) Wait() error {
	<-m.runner.Done()
	return m.runner.Err()
}

// Done returns a channel that is closed when the most recent run exits.
func (m *Manager) Done() <-chan struct{} {
	return m.runner.Done()
}

// JobOptions returns a copy of the job options passed to every new job.
func (m *Manager) JobOptions() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.jobOptions)
}

// SetJobOptions replaces the job options. Jobs submitted after the call use
// the new options.
func (m *Manager) SetJobOptions(opts map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobOptions = maps.Clone(opts)
}

// ParameterSchema returns the schema of the named process parameter. The
// declared JSON schema is kept in its Raw field.
func (m *Manager) ParameterSchema(name string) (schema.Schema, bool) {
	p, ok := m.process.Lookup(name)
	if !ok {
		return schema.Schema{}, false
	}

	return p.Schema, true
}

// Process returns the process definition the Manager was created with.
func (m *Manager) Process() *schema.Process {
	return m.process
}

// Status reports the state of the most recent run and the job table.
func (m *Manager) Status() RunStatus {
	p := m.progress.Load()

	m.mu.Lock()
	slots := append([]*backendSlot(nil), m.backends...)
	m.mu.Unlock()

	stats := make([]BackendStats, 0, len(slots))
	for _, s := range slots {
		stats = append(stats, BackendStats{
			Name:      s.name,
			Limit:     s.limit,
			Active:    p.Active[s.name],
			Submitted: s.submitted.Load(),
		})
	}

	return RunStatus{
		RunID:    m.runner.ID(),
		State:    m.runner.State(),
		Err:      m.runner.Err(),
		Counts:   maps.Clone(p.Counts),
		Backends: stats,
	}
}

// Events returns an io.ReadCloser of the row transitions of the most recent
// run, one JSON object per line.
//
// Read returns all transitions since the run started and blocks waiting for
// new ones until the run exits.
func (m *Manager) Events() io.ReadCloser {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.events.Subscribe()
}

// Shutdown makes a 'best effort' attempt to stop the active run.
func (m *Manager) Shutdown() {
	m.Stop()
}

func (m *Manager) publish(f *table.Frame) {
	p := &Progress{
		Counts: f.Counts(),
		Active: make(map[string]int),
	}

	for _, i := range f.Select(table.StatusQueued, table.StatusRunning) {
		if row, err := f.Row(i); err == nil {
			p.Active[row.BackendName]++
		}
	}

	m.progress.Store(p)
}
