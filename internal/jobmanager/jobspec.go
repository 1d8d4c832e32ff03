package jobmanager

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/nixpig/udpjobs/internal/jobmanager/backend"
	"github.com/nixpig/udpjobs/internal/jobmanager/normalize"
	"github.com/nixpig/udpjobs/internal/jobmanager/schema"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

// Columns the Manager reads or injects besides the process parameters.
const (
	ColumnUDPID        = "udp_id"
	ColumnUDPNamespace = "udp_namespace"
	ColumnTitle        = "title"
	ColumnDescription  = "description"
)

// FixedValue is the value of a fixed parameter: either one constant shared by
// every row, or one value per row.
type FixedValue struct {
	constant any
	perRow   []any
	isPerRow bool
}

// Const returns a FixedValue giving every row the value v. Lists are given
// to every row whole.
func Const(v any) FixedValue {
	return FixedValue{constant: v}
}

// PerRow returns a FixedValue giving row i the value values[i]. The number of
// values must match the number of rows.
func PerRow(values ...any) FixedValue {
	return FixedValue{perRow: values, isPerRow: true}
}

// cells renders the value as one table cell per row.
func (v FixedValue) cells(name string, rows int) ([]string, error) {
	if v.isPerRow && len(v.perRow) != rows {
		return nil, fmt.Errorf(
			"fixed parameter %s has %d values, want one per row (%d)",
			name,
			len(v.perRow),
			rows,
		)
	}

	cells := make([]string, rows)
	for i := range cells {
		value := v.constant
		if v.isPerRow {
			value = v.perRow[i]
		}

		cell, err := table.FormatCell(value)
		if err != nil {
			return nil, fmt.Errorf("fixed parameter %s: %w", name, err)
		}

		cells[i] = cell
	}

	return cells, nil
}

// FixedParameters are parameters shared across the rows of a run. They only
// apply to rows whose table has no column of the same name.
type FixedParameters map[string]FixedValue

// specBuilder turns rows of the job table into job requests.
type specBuilder struct {
	process   *schema.Process
	processID string
	namespace string
	fixed     FixedParameters
}

// prepare injects fixed parameters and the process columns into f and
// resolves the geometry parameter columns. It's safe to run on a Frame that
// has already been prepared, e.g. one loaded from a snapshot.
func (b *specBuilder) prepare(f *table.Frame) error {
	for _, name := range slices.Sorted(maps.Keys(b.fixed)) {
		if f.HasColumn(name) {
			continue
		}

		cells, err := b.fixed[name].cells(name, f.Len())
		if err != nil {
			return err
		}

		if err := f.SetColumn(name, cells); err != nil {
			return err
		}
	}

	if err := f.SetColumn(ColumnUDPID, repeat(b.processID, f.Len())); err != nil {
		return err
	}

	if err := f.SetColumn(ColumnUDPNamespace, repeat(b.namespace, f.Len())); err != nil {
		return err
	}

	geometries := b.process.Geometries()

	switch {
	case len(geometries) == 1:
		name := geometries[0]
		if f.HasColumn(name) || !f.HasColumn(f.GeometryColumn()) {
			return nil
		}

		if err := f.RenameColumn(f.GeometryColumn(), name); err != nil {
			return fmt.Errorf("rename geometry column: %w", err)
		}

	case len(geometries) > 1:
		var missing []string
		for _, name := range geometries {
			if !f.HasColumn(name) {
				missing = append(missing, name)
			}
		}

		if len(missing) > 0 {
			return &MissingParameterError{Parameters: missing, Row: -1}
		}
	}

	return nil
}

// build creates the job request for row.
func (b *specBuilder) build(
	row table.Row,
	jobOptions map[string]any,
) (backend.JobRequest, error) {
	var missing []string
	for _, param := range b.process.Parameters {
		if v, ok := row.Cell(param.Name); (!ok || v == "") && param.Required() {
			missing = append(missing, param.Name)
		}
	}

	if len(missing) > 0 {
		return backend.JobRequest{}, &MissingParameterError{
			Parameters: missing,
			Row:        row.Index,
		}
	}

	args := make(map[string]any, len(b.process.Parameters))
	for _, param := range b.process.Parameters {
		v, ok := row.Cell(param.Name)
		if !ok || v == "" {
			continue
		}

		normalized, err := normalize.Value(param.Name, v, param.Schema)
		if err != nil {
			return backend.JobRequest{}, err
		}

		args[param.Name] = normalized
	}

	processID := cellOr(row, ColumnUDPID, b.processID)

	summary, err := json.Marshal(args)
	if err != nil {
		return backend.JobRequest{}, fmt.Errorf("encode arguments: %w", err)
	}

	defaultText := fmt.Sprintf("Subjob %s - %s", processID, summary)

	return backend.JobRequest{
		ProcessID:   processID,
		Namespace:   cellOr(row, ColumnUDPNamespace, b.namespace),
		Arguments:   args,
		Title:       cellOr(row, ColumnTitle, defaultText),
		Description: cellOr(row, ColumnDescription, defaultText),
		JobOptions:  maps.Clone(jobOptions),
	}, nil
}

func cellOr(row table.Row, name, fallback string) string {
	if v, ok := row.Cell(name); ok && v != "" {
		return v
	}

	return fallback
}

func repeat(v string, n int) []string {
	values := make([]string, n)
	for i := range values {
		values[i] = v
	}

	return values
}
