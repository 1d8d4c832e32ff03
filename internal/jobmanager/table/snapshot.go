package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
)

// Persist writes the whole table to the snapshot path, replacing any previous
// snapshot. Readers of the path only ever see a complete snapshot.
func (f *Frame) Persist() error {
	if f.path == "" {
		return ErrNoPath
	}

	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		return err
	}

	return writeFileAtomic(f.path, buf.Bytes())
}

// Encode writes the table as CSV to w. Parameter columns come first, in
// table order, followed by the bookkeeping columns.
func (f *Frame) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := append(slices.Clone(f.columns), bookkeepingColumns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, r := range f.rows {
		record := append(
			slices.Clone(r.cells),
			string(r.status),
			r.backendJobID,
			r.backendName,
			r.errorMessage,
			r.startTime,
			r.runningStartTime,
		)

		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()

	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}

	return nil
}

// Load reads the snapshot at path into a new registered Frame that persists
// back to the same path.
func Load(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	f, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}

	f.path = path

	return f, nil
}

// Decode reads a CSV snapshot from r.
func Decode(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty snapshot")
		}

		return nil, fmt.Errorf("read header: %w", err)
	}

	f := &Frame{
		geometryColumn: DefaultGeometryColumn,
		registered:     true,
	}

	bookkeeping := make(map[string]int)
	var paramIdx []int

	for i, name := range header {
		if IsBookkeeping(name) {
			bookkeeping[name] = i
			continue
		}

		f.columns = append(f.columns, name)
		paramIdx = append(paramIdx, i)
	}

	field := func(record []string, name string) string {
		i, ok := bookkeeping[name]
		if !ok {
			return ""
		}

		return record[i]
	}

	for n := 0; ; n++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", n, err)
		}

		status, err := ParseStatus(field(record, ColumnStatus))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", n, err)
		}

		cells := make([]string, 0, len(paramIdx))
		for _, i := range paramIdx {
			cells = append(cells, record[i])
		}

		f.rows = append(f.rows, &row{
			cells:            cells,
			status:           status,
			backendJobID:     field(record, ColumnBackendJobID),
			backendName:      field(record, ColumnBackendName),
			errorMessage:     field(record, ColumnErrorMessage),
			startTime:        field(record, ColumnStartTime),
			runningStartTime: field(record, ColumnRunningStartTime),
		})
	}

	return f, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}

	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}

	return nil
}
