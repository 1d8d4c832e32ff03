// Package table holds the job table: one row per unit of work, each carrying
// the caller's parameter cells plus the bookkeeping needed to track the row's
// backend job. The table is persisted as a CSV snapshot after every status
// transition and can be loaded again to resume an interrupted run.
package table

import (
	"fmt"
	"slices"
	"time"
)

// Bookkeeping column names. These are stable across versions; snapshots
// missing any of them load with empty values.
const (
	ColumnStatus           = "status"
	ColumnBackendJobID     = "backend_job_id"
	ColumnBackendName      = "backend_name"
	ColumnErrorMessage     = "error_message"
	ColumnStartTime        = "start_time"
	ColumnRunningStartTime = "running_start_time"
)

var bookkeepingColumns = []string{
	ColumnStatus,
	ColumnBackendJobID,
	ColumnBackendName,
	ColumnErrorMessage,
	ColumnStartTime,
	ColumnRunningStartTime,
}

// DefaultGeometryColumn is the geometry column used when a Table doesn't name
// one.
const DefaultGeometryColumn = "geometry"

// IsBookkeeping reports whether name is reserved for job bookkeeping.
func IsBookkeeping(name string) bool {
	return slices.Contains(bookkeepingColumns, name)
}

// Table is a caller supplied set of rows. Every row has one cell per column.
type Table struct {
	Columns []string
	Rows    [][]string

	// GeometryColumn names the column holding each row's geometry as WKT.
	// Empty means DefaultGeometryColumn.
	GeometryColumn string
}

// Row is a copy of a single row of a Frame.
type Row struct {
	Index int
	Cells map[string]string

	Status           Status
	BackendJobID     string
	BackendName      string
	ErrorMessage     string
	StartTime        string
	RunningStartTime string
}

// Cell returns the value of the named cell and whether the row has it.
func (r Row) Cell(name string) (string, bool) {
	v, ok := r.Cells[name]
	return v, ok
}

type row struct {
	cells []string

	status           Status
	backendJobID     string
	backendName      string
	errorMessage     string
	startTime        string
	runningStartTime string
}

// Frame is the in-memory job table. It isn't safe for concurrent use; a
// single owner mutates it and persists after each change.
type Frame struct {
	path           string
	columns        []string
	geometryColumn string
	rows           []*row
	registered     bool
}

// New returns an empty Frame that persists to path.
func New(path string) *Frame {
	return &Frame{path: path, geometryColumn: DefaultGeometryColumn}
}

// Path returns the snapshot path.
func (f *Frame) Path() string {
	return f.path
}

// Registered reports whether the Frame holds rows.
func (f *Frame) Registered() bool {
	return f.registered
}

// Register populates the Frame from t. It may only be called once; later
// calls return a DuplicateRegistrationError and leave the Frame untouched.
func (f *Frame) Register(t *Table) error {
	if f.registered {
		return DuplicateRegistrationError{Registered: len(f.rows)}
	}

	if t == nil {
		return fmt.Errorf("no table")
	}

	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c == "" {
			return fmt.Errorf("empty column name")
		}

		if seen[c] {
			return fmt.Errorf("duplicate column %q", c)
		}

		if IsBookkeeping(c) {
			return fmt.Errorf("column %q is reserved", c)
		}

		seen[c] = true
	}

	rows := make([]*row, 0, len(t.Rows))
	for i, cells := range t.Rows {
		if len(cells) != len(t.Columns) {
			return fmt.Errorf(
				"row %d has %d cells, want %d",
				i,
				len(cells),
				len(t.Columns),
			)
		}

		rows = append(rows, &row{
			cells:  slices.Clone(cells),
			status: StatusNotStarted,
		})
	}

	f.columns = slices.Clone(t.Columns)
	f.rows = rows
	f.registered = true

	if t.GeometryColumn != "" {
		f.geometryColumn = t.GeometryColumn
	}

	return nil
}

// Len returns the number of rows.
func (f *Frame) Len() int {
	return len(f.rows)
}

// Columns returns the parameter column names, excluding bookkeeping columns.
func (f *Frame) Columns() []string {
	return slices.Clone(f.columns)
}

// HasColumn reports whether the Frame has a parameter column called name.
func (f *Frame) HasColumn(name string) bool {
	return slices.Contains(f.columns, name)
}

// GeometryColumn returns the designated geometry column name.
func (f *Frame) GeometryColumn() string {
	return f.geometryColumn
}

// SetColumn adds the column name with one value per row, or replaces its
// values if it exists.
func (f *Frame) SetColumn(name string, values []string) error {
	if IsBookkeeping(name) {
		return fmt.Errorf("column %q is reserved", name)
	}

	if len(values) != len(f.rows) {
		return fmt.Errorf(
			"column %q has %d values, want %d",
			name,
			len(values),
			len(f.rows),
		)
	}

	idx := slices.Index(f.columns, name)
	if idx < 0 {
		f.columns = append(f.columns, name)
		for i, r := range f.rows {
			r.cells = append(r.cells, values[i])
		}

		return nil
	}

	for i, r := range f.rows {
		r.cells[idx] = values[i]
	}

	return nil
}

// RenameColumn renames the column from to to. Renaming the geometry column
// keeps it designated as the geometry column.
func (f *Frame) RenameColumn(from, to string) error {
	idx := slices.Index(f.columns, from)
	if idx < 0 {
		return fmt.Errorf("no column %q", from)
	}

	if from == to {
		return nil
	}

	if IsBookkeeping(to) || f.HasColumn(to) {
		return fmt.Errorf("column %q already exists", to)
	}

	f.columns[idx] = to

	if f.geometryColumn == from {
		f.geometryColumn = to
	}

	return nil
}

// Row returns a copy of row i.
func (f *Frame) Row(i int) (Row, error) {
	if i < 0 || i >= len(f.rows) {
		return Row{}, ErrRowOutOfRange
	}

	r := f.rows[i]

	cells := make(map[string]string, len(f.columns))
	for j, c := range f.columns {
		cells[c] = r.cells[j]
	}

	return Row{
		Index:            i,
		Cells:            cells,
		Status:           r.status,
		BackendJobID:     r.backendJobID,
		BackendName:      r.backendName,
		ErrorMessage:     r.errorMessage,
		StartTime:        r.startTime,
		RunningStartTime: r.runningStartTime,
	}, nil
}

// Status returns the status of row i.
func (f *Frame) Status(i int) (Status, error) {
	if i < 0 || i >= len(f.rows) {
		return "", ErrRowOutOfRange
	}

	return f.rows[i].status, nil
}

// Select returns the indices of rows, in table order, whose status is one of
// statuses.
func (f *Frame) Select(statuses ...Status) []int {
	var indices []int
	for i, r := range f.rows {
		if slices.Contains(statuses, r.status) {
			indices = append(indices, i)
		}
	}

	return indices
}

// Counts returns the number of rows in each status.
func (f *Frame) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, r := range f.rows {
		counts[r.status]++
	}

	return counts
}

// Done reports whether every row is in a terminal status.
func (f *Frame) Done() bool {
	for _, r := range f.rows {
		if !r.status.Terminal() {
			return false
		}
	}

	return true
}

// MarkOption sets row bookkeeping alongside a transition.
type MarkOption func(*row)

// WithJob records the backend and backend job id of the row.
func WithJob(backendName, jobID string) MarkOption {
	return func(r *row) {
		r.backendName = backendName
		if jobID != "" {
			r.backendJobID = jobID
		}
	}
}

// WithError records the failure reason of the row.
func WithError(msg string) MarkOption {
	return func(r *row) {
		r.errorMessage = msg
	}
}

// Mark transitions row i to status to. It returns the row's previous status,
// or an InvalidTransitionError if to isn't reachable from it.
func (f *Frame) Mark(i int, to Status, now time.Time, opts ...MarkOption) (Status, error) {
	if i < 0 || i >= len(f.rows) {
		return "", ErrRowOutOfRange
	}

	r := f.rows[i]
	from := r.status

	if !CanTransition(from, to) {
		return from, NewInvalidTransitionError(i, from, to)
	}

	r.status = to

	ts := now.UTC().Format(time.RFC3339)
	switch to {
	case StatusQueued:
		r.startTime = ts
	case StatusRunning:
		r.runningStartTime = ts
	}

	for _, opt := range opts {
		opt(r)
	}

	return from, nil
}

// Note records msg against row i without changing its status.
func (f *Frame) Note(i int, msg string) error {
	if i < 0 || i >= len(f.rows) {
		return ErrRowOutOfRange
	}

	f.rows[i].errorMessage = msg

	return nil
}

// ClearNote removes a message recorded by Note and reports whether there was
// one.
func (f *Frame) ClearNote(i int) (bool, error) {
	if i < 0 || i >= len(f.rows) {
		return false, ErrRowOutOfRange
	}

	had := f.rows[i].errorMessage != ""
	f.rows[i].errorMessage = ""

	return had, nil
}
