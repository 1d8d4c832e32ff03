package table_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestFrame(t *testing.T) *table.Frame {
	t.Helper()

	f := table.New(filepath.Join(t.TempDir(), "jobs.csv"))

	if err := f.Register(&table.Table{
		Columns: []string{"date", "geometry"},
		Rows: [][]string{
			{"[2023-05-01, 2023-05-30]", "POINT(1 2)"},
			{"[2023-06-01, 2023-06-30]", "POINT(3 4)"},
			{"[2023-07-01, 2023-07-30]", "POINT(5 6)"},
		},
	}); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return f
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		from    table.Status
		to      table.Status
		allowed bool
	}{
		"not_started to queued":   {table.StatusNotStarted, table.StatusQueued, true},
		"not_started to error":    {table.StatusNotStarted, table.StatusError, true},
		"not_started to running":  {table.StatusNotStarted, table.StatusRunning, false},
		"not_started to finished": {table.StatusNotStarted, table.StatusFinished, false},
		"queued to running":       {table.StatusQueued, table.StatusRunning, true},
		"queued to finished":      {table.StatusQueued, table.StatusFinished, false},
		"queued to cancelled":     {table.StatusQueued, table.StatusCancelled, true},
		"running to finished":     {table.StatusRunning, table.StatusFinished, true},
		"running to error":        {table.StatusRunning, table.StatusError, true},
		"running to queued":       {table.StatusRunning, table.StatusQueued, false},
		"finished to cancelled":   {table.StatusFinished, table.StatusCancelled, false},
		"error to queued":         {table.StatusError, table.StatusQueued, false},
		"cancelled to queued":     {table.StatusCancelled, table.StatusQueued, false},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if got := table.CanTransition(config.from, config.to); got != config.allowed {
				t.Errorf("expected allowed: got '%t', want '%t'", got, config.allowed)
			}
		})
	}
}

func TestFrame(t *testing.T) {
	t.Parallel()

	t.Run("Test duplicate registration", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)

		err := f.Register(&table.Table{
			Columns: []string{"other"},
			Rows:    [][]string{{"x"}},
		})
		if !errors.As(err, &table.DuplicateRegistrationError{}) {
			t.Errorf("expected DuplicateRegistrationError: got '%v'", err)
		}

		if f.Len() != 3 {
			t.Errorf("expected rows untouched: got '%d', want '3'", f.Len())
		}

		if f.HasColumn("other") {
			t.Error("expected columns untouched")
		}
	})

	t.Run("Test invalid tables", func(t *testing.T) {
		t.Parallel()

		scenarios := map[string]*table.Table{
			"Ragged row":       {Columns: []string{"a", "b"}, Rows: [][]string{{"1"}}},
			"Duplicate column": {Columns: []string{"a", "a"}},
			"Reserved column":  {Columns: []string{"status"}},
			"Empty column":     {Columns: []string{""}},
		}

		for scenario, tbl := range scenarios {
			if err := table.New("").Register(tbl); err == nil {
				t.Errorf("%s: expected to receive error", scenario)
			}
		}
	})

	t.Run("Test mark follows state machine", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)

		if _, err := f.Mark(0, table.StatusQueued, now, table.WithJob("cdse", "j-1")); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		from, err := f.Mark(0, table.StatusFinished, now)

		var transitionErr table.InvalidTransitionError
		if !errors.As(err, &transitionErr) {
			t.Fatalf("expected InvalidTransitionError: got '%v'", err)
		}

		if from != table.StatusQueued || transitionErr.To != table.StatusFinished {
			t.Errorf("expected transition queued to finished: got '%v'", transitionErr)
		}

		if _, err := f.Mark(0, table.StatusRunning, now.Add(time.Minute)); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if _, err := f.Mark(0, table.StatusFinished, now); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		row, _ := f.Row(0)
		if row.BackendJobID != "j-1" || row.BackendName != "cdse" {
			t.Errorf("expected job bookkeeping: got '%+v'", row)
		}

		if row.StartTime != "2024-05-01T12:00:00Z" {
			t.Errorf("expected start time: got '%s'", row.StartTime)
		}

		if row.RunningStartTime != "2024-05-01T12:01:00Z" {
			t.Errorf("expected running start time: got '%s'", row.RunningStartTime)
		}

		if _, err := f.Mark(7, table.StatusQueued, now); !errors.Is(err, table.ErrRowOutOfRange) {
			t.Errorf("expected ErrRowOutOfRange: got '%v'", err)
		}
	})

	t.Run("Test note is cleared", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)

		if err := f.Note(0, "poll: timeout"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		had, err := f.ClearNote(0)
		if err != nil || !had {
			t.Errorf("expected note to be cleared: got '%t' '%v'", had, err)
		}

		row, _ := f.Row(0)
		if row.ErrorMessage != "" {
			t.Errorf("expected empty error message: got '%s'", row.ErrorMessage)
		}

		if had, _ := f.ClearNote(0); had {
			t.Error("expected no note left")
		}
	})

	t.Run("Test columns", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)

		if err := f.SetColumn("udp_id", []string{"BIOPAR", "BIOPAR", "BIOPAR"}); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := f.SetColumn("short", []string{"x"}); err == nil {
			t.Error("expected to receive error")
		}

		if err := f.RenameColumn("geometry", "polygon"); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if f.GeometryColumn() != "polygon" {
			t.Errorf("expected geometry column: got '%s', want 'polygon'", f.GeometryColumn())
		}

		if err := f.RenameColumn("date", "polygon"); err == nil {
			t.Error("expected to receive error")
		}

		row, _ := f.Row(1)
		if v, _ := row.Cell("polygon"); v != "POINT(3 4)" {
			t.Errorf("expected renamed cell: got '%s'", v)
		}

		if v, _ := row.Cell("udp_id"); v != "BIOPAR" {
			t.Errorf("expected injected cell: got '%s'", v)
		}
	})
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	t.Run("Test persist is idempotent", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)
		f.Mark(1, table.StatusQueued, now, table.WithJob("cdse", "j-2"))

		if err := f.Persist(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		first, _ := os.ReadFile(f.Path())

		if err := f.Persist(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		second, _ := os.ReadFile(f.Path())

		if !bytes.Equal(first, second) {
			t.Errorf("expected identical snapshots: got '%s', want '%s'", second, first)
		}

		entries, _ := os.ReadDir(filepath.Dir(f.Path()))
		if len(entries) != 1 {
			t.Errorf("expected only the snapshot on disk: got '%d' entries", len(entries))
		}
	})

	t.Run("Test load round trip", func(t *testing.T) {
		t.Parallel()

		f := newTestFrame(t)
		f.Mark(0, table.StatusQueued, now, table.WithJob("cdse", "j-1"))
		f.Mark(0, table.StatusRunning, now)
		f.Mark(0, table.StatusError, now, table.WithError("out of memory, \"retry\""))
		f.Mark(1, table.StatusQueued, now, table.WithJob("cdse", "j-2"))
		f.Mark(2, table.StatusCancelled, now)

		if err := f.Persist(); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		loaded, err := table.Load(f.Path())
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if !loaded.Registered() {
			t.Error("expected loaded frame to be registered")
		}

		for i := range f.Len() {
			want, _ := f.Row(i)
			got, _ := loaded.Row(i)

			if got.Status != want.Status ||
				got.BackendJobID != want.BackendJobID ||
				got.ErrorMessage != want.ErrorMessage ||
				got.Cells["geometry"] != want.Cells["geometry"] {
				t.Errorf("expected row %d: got '%+v', want '%+v'", i, got, want)
			}
		}

		var a, b bytes.Buffer
		f.Encode(&a)
		loaded.Encode(&b)

		if a.String() != b.String() {
			t.Errorf("expected re-encoded snapshot to match: got '%s', want '%s'", b.String(), a.String())
		}
	})

	t.Run("Test load older snapshot", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "old.csv")
		data := "date,status,backend_job_id\n[1],finished,j-1\n[2],,\n[3],canceled,\n"

		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("write snapshot: %v", err)
		}

		f, err := table.Load(path)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		want := []table.Status{table.StatusFinished, table.StatusNotStarted, table.StatusCancelled}
		for i, w := range want {
			if got, _ := f.Status(i); got != w {
				t.Errorf("expected row %d status: got '%s', want '%s'", i, got, w)
			}
		}

		if got := f.Columns(); len(got) != 1 || got[0] != "date" {
			t.Errorf("expected parameter columns: got '%v'", got)
		}
	})

	t.Run("Test load unknown status", func(t *testing.T) {
		t.Parallel()

		_, err := table.Decode(strings.NewReader("a,status\n1,exploded\n"))
		if err == nil {
			t.Error("expected to receive error")
		}
	})

	t.Run("Test persist without path", func(t *testing.T) {
		t.Parallel()

		if err := table.New("").Persist(); !errors.Is(err, table.ErrNoPath) {
			t.Errorf("expected ErrNoPath: got '%v'", err)
		}
	})
}

func TestLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.csv")

	lock, err := table.AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}

	if _, err := table.AcquireLock(path); err == nil {
		t.Fatal("expected second acquire to fail")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	lock2, err := table.AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	if err := lock2.Release(); err != nil {
		t.Fatalf("release second lock: %v", err)
	}
}
