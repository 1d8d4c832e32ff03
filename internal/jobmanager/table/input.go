package table

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// ReadFile reads a Table from a CSV file, or a GeoJSON FeatureCollection when
// the file extension is .geojson or .json.
func ReadFile(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read feature collection: %w", err)
		}

		return ReadFeatureCollection(data)

	default:
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open table: %w", err)
		}
		defer file.Close()

		return ReadCSV(file)
	}
}

// ReadCSV reads a Table from CSV with a header row.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty table")
		}

		return nil, fmt.Errorf("read header: %w", err)
	}

	t := &Table{Columns: header}

	for n := 0; ; n++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", n, err)
		}

		t.Rows = append(t.Rows, record)
	}

	return t, nil
}

// ReadFeatureCollection reads a Table from a GeoJSON FeatureCollection. Each
// feature becomes a row; the union of feature properties become columns, in
// sorted order, followed by a geometry column holding the feature geometry
// as WKT.
func ReadFeatureCollection(data []byte) (*Table, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse feature collection: %w", err)
	}

	names := make(map[string]struct{})
	for _, feature := range fc.Features {
		for k := range feature.Properties {
			names[k] = struct{}{}
		}
	}

	columns := slices.Sorted(maps.Keys(names))

	geometryColumn := DefaultGeometryColumn
	for slices.Contains(columns, geometryColumn) {
		geometryColumn = "_" + geometryColumn
	}

	t := &Table{
		Columns:        append(slices.Clone(columns), geometryColumn),
		GeometryColumn: geometryColumn,
	}

	for i, feature := range fc.Features {
		record := make([]string, 0, len(t.Columns))

		for _, c := range columns {
			cell, err := FormatCell(feature.Properties[c])
			if err != nil {
				return nil, fmt.Errorf("feature %d property %s: %w", i, c, err)
			}

			record = append(record, cell)
		}

		geometry := ""
		if feature.Geometry != nil {
			geometry = wkt.MarshalString(feature.Geometry)
		}

		t.Rows = append(t.Rows, append(record, geometry))
	}

	return t, nil
}

// FormatCell renders v the way it is stored in a table cell. Strings are
// stored as-is, everything else as JSON, which the normalizer reads back as
// literal sequences or scalars.
func FormatCell(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return "", err
		}

		return string(data), nil
	}
}
