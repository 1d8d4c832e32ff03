package jobmanager

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixpig/udpjobs/internal/jobmanager/schema"
	"github.com/nixpig/udpjobs/internal/jobmanager/table"
)

func testProcess() *schema.Process {
	return &schema.Process{
		ID: "max_ndvi",
		Parameters: []schema.Parameter{
			{Name: "aoi", Schema: schema.Schema{Type: "object", Subtype: "geojson"}},
			{Name: "date", Schema: schema.Schema{Type: "array"}},
			{Name: "bands", Schema: schema.Schema{Type: "array"}, Optional: true},
			{Name: "scale", Schema: schema.Schema{Type: "integer"}, Default: json.RawMessage("10")},
		},
	}
}

func newTestBuilder(fixed FixedParameters) *specBuilder {
	return &specBuilder{
		process:   testProcess(),
		processID: "max_ndvi",
		namespace: "https://example.com/max_ndvi.json",
		fixed:     fixed,
	}
}

func newPreparedFrame(t *testing.T, b *specBuilder, tbl *table.Table) *table.Frame {
	t.Helper()

	f := table.New(filepath.Join(t.TempDir(), "jobs.csv"))
	require.NoError(t, f.Register(tbl))
	require.NoError(t, b.prepare(f))

	return f
}

func TestBuildNormalizesRow(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(nil)
	f := newPreparedFrame(t, b, &table.Table{
		Columns: []string{"date", "geometry"},
		Rows:    [][]string{{"[2023-05-01, 2023-05-30]", "POINT(1 2)"}},
	})

	row, err := f.Row(0)
	require.NoError(t, err)

	req, err := b.build(row, map[string]any{"driver-memory": "2G"})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"aoi":  map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}},
		"date": []any{"2023-05-01", "2023-05-30"},
	}, req.Arguments)

	assert.Equal(t, "max_ndvi", req.ProcessID)
	assert.Equal(t, "https://example.com/max_ndvi.json", req.Namespace)
	assert.Equal(t, map[string]any{"driver-memory": "2G"}, req.JobOptions)

	wantTitle := `Subjob max_ndvi - {"aoi":{"coordinates":[1,2],"type":"Point"},"date":["2023-05-01","2023-05-30"]}`
	assert.Equal(t, wantTitle, req.Title)
	assert.Equal(t, wantTitle, req.Description)
}

func TestBuildUsesRowTitle(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(nil)
	f := newPreparedFrame(t, b, &table.Table{
		Columns: []string{"aoi", "date", "title"},
		Rows:    [][]string{{"POINT(1 2)", "[2023-05-01]", "Ghent"}},
	})

	row, err := f.Row(0)
	require.NoError(t, err)

	req, err := b.build(row, nil)
	require.NoError(t, err)

	assert.Equal(t, "Ghent", req.Title)
	assert.Contains(t, req.Description, "Subjob max_ndvi - ")
}

func TestBuildMissingParameter(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(nil)
	f := newPreparedFrame(t, b, &table.Table{
		Columns: []string{"aoi", "date"},
		Rows: [][]string{
			{"POINT(1 2)", ""},
			{"POINT(1 2)", "[2023-05-01]"},
		},
	})

	row, err := f.Row(0)
	require.NoError(t, err)

	_, err = b.build(row, nil)

	var missing *MissingParameterError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, []string{"date"}, missing.Parameters)
	assert.Equal(t, 0, missing.Row)

	row, err = f.Row(1)
	require.NoError(t, err)

	req, err := b.build(row, nil)
	require.NoError(t, err)
	assert.NotContains(t, req.Arguments, "bands")
	assert.NotContains(t, req.Arguments, "scale")
}

func TestBuildMalformedValue(t *testing.T) {
	t.Parallel()

	b := newTestBuilder(nil)
	f := newPreparedFrame(t, b, &table.Table{
		Columns: []string{"aoi", "date"},
		Rows:    [][]string{{"POINT(1", "[2023-05-01]"}},
	})

	row, err := f.Row(0)
	require.NoError(t, err)

	_, err = b.build(row, nil)

	var formatErr *ParameterFormatError
	require.True(t, errors.As(err, &formatErr), "got %v", err)
	assert.Equal(t, "aoi", formatErr.Parameter)
}

func TestPrepareFixedParameters(t *testing.T) {
	t.Parallel()

	t.Run("Test constant is broadcast", func(t *testing.T) {
		t.Parallel()

		b := newTestBuilder(FixedParameters{
			"date":  Const([]any{"2023-01-01", "2023-12-31"}),
			"scale": Const(20),
		})

		f := newPreparedFrame(t, b, &table.Table{
			Columns: []string{"geometry"},
			Rows:    [][]string{{"POINT(1 2)"}, {"POINT(3 4)"}},
		})

		for i := range f.Len() {
			row, err := f.Row(i)
			require.NoError(t, err)

			req, err := b.build(row, nil)
			require.NoError(t, err)

			assert.Equal(t, []any{"2023-01-01", "2023-12-31"}, req.Arguments["date"])
			assert.Equal(t, int64(20), req.Arguments["scale"])
		}
	})

	t.Run("Test columns take precedence", func(t *testing.T) {
		t.Parallel()

		b := newTestBuilder(FixedParameters{"date": Const("[2000-01-01]")})

		f := newPreparedFrame(t, b, &table.Table{
			Columns: []string{"aoi", "date"},
			Rows:    [][]string{{"POINT(1 2)", "[2023-05-01]"}},
		})

		row, err := f.Row(0)
		require.NoError(t, err)

		req, err := b.build(row, nil)
		require.NoError(t, err)

		assert.Equal(t, []any{"2023-05-01"}, req.Arguments["date"])
	})

	t.Run("Test per-row values", func(t *testing.T) {
		t.Parallel()

		b := newTestBuilder(FixedParameters{"scale": PerRow(10, 20)})

		f := newPreparedFrame(t, b, &table.Table{
			Columns: []string{"aoi", "date"},
			Rows: [][]string{
				{"POINT(1 2)", "[2023-05-01]"},
				{"POINT(3 4)", "[2023-05-01]"},
			},
		})

		for i, want := range []int64{10, 20} {
			row, err := f.Row(i)
			require.NoError(t, err)

			req, err := b.build(row, nil)
			require.NoError(t, err)

			assert.Equal(t, want, req.Arguments["scale"])
		}
	})

	t.Run("Test object constant keeps its structure", func(t *testing.T) {
		t.Parallel()

		b := newTestBuilder(FixedParameters{
			"extent": Const(map[string]any{"west": 1.5, "east": 2}),
		})
		b.process.Parameters = append(b.process.Parameters, schema.Parameter{
			Name:   "extent",
			Schema: schema.Schema{Type: "object"},
		})

		f := newPreparedFrame(t, b, &table.Table{
			Columns: []string{"aoi", "date"},
			Rows:    [][]string{{"POINT(1 2)", "[2023-05-01]"}},
		})

		row, err := f.Row(0)
		require.NoError(t, err)

		req, err := b.build(row, nil)
		require.NoError(t, err)

		assert.Equal(t, map[string]any{"west": 1.5, "east": 2.0}, req.Arguments["extent"])
	})

	t.Run("Test per-row length mismatch", func(t *testing.T) {
		t.Parallel()

		b := newTestBuilder(FixedParameters{"scale": PerRow(10)})

		f := table.New(filepath.Join(t.TempDir(), "jobs.csv"))
		require.NoError(t, f.Register(&table.Table{
			Columns: []string{"aoi"},
			Rows:    [][]string{{"POINT(1 2)"}, {"POINT(3 4)"}},
		}))

		assert.Error(t, b.prepare(f))
	})
}

func TestPrepareGeometryColumns(t *testing.T) {
	t.Parallel()

	t.Run("Test default geometry column is renamed", func(t *testing.T) {
		t.Parallel()

		f := newPreparedFrame(t, newTestBuilder(nil), &table.Table{
			Columns: []string{"geometry", "date"},
			Rows:    [][]string{{"POINT(1 2)", "[2023-05-01]"}},
		})

		assert.True(t, f.HasColumn("aoi"))
		assert.False(t, f.HasColumn("geometry"))
		assert.True(t, f.HasColumn(ColumnUDPID))
		assert.True(t, f.HasColumn(ColumnUDPNamespace))
	})

	t.Run("Test designated geometry column is renamed", func(t *testing.T) {
		t.Parallel()

		f := newPreparedFrame(t, newTestBuilder(nil), &table.Table{
			Columns:        []string{"shape", "date"},
			Rows:           [][]string{{"POINT(1 2)", "[2023-05-01]"}},
			GeometryColumn: "shape",
		})

		assert.True(t, f.HasColumn("aoi"))
		assert.False(t, f.HasColumn("shape"))
	})

	t.Run("Test no geometry column", func(t *testing.T) {
		t.Parallel()

		f := newPreparedFrame(t, newTestBuilder(nil), &table.Table{
			Columns: []string{"shape", "date"},
			Rows:    [][]string{{"POINT(1 2)", "[2023-05-01]"}},
		})

		assert.True(t, f.HasColumn("shape"))
		assert.False(t, f.HasColumn("aoi"))
	})

	t.Run("Test multiple geometries must all be present", func(t *testing.T) {
		t.Parallel()

		b := &specBuilder{
			process: &schema.Process{
				ID: "compare",
				Parameters: []schema.Parameter{
					{Name: "aoi", Schema: schema.Schema{Type: "object", Subtype: "geojson"}},
					{Name: "reference", Schema: schema.Schema{Type: "object", Subtype: "geojson"}},
				},
			},
			processID: "compare",
		}

		f := table.New(filepath.Join(t.TempDir(), "jobs.csv"))
		require.NoError(t, f.Register(&table.Table{
			Columns: []string{"aoi"},
			Rows:    [][]string{{"POINT(1 2)"}},
		}))

		err := b.prepare(f)

		var missing *MissingParameterError
		require.True(t, errors.As(err, &missing), "got %v", err)
		assert.Equal(t, []string{"reference"}, missing.Parameters)
		assert.Equal(t, -1, missing.Row)
	})
}
