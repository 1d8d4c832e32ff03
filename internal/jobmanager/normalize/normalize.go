// Package normalize converts loosely typed tabular cell values into the
// argument values a backend expects, according to the parameter's schema.
//
// Each schema.Kind has one normalizer. Values that are not text are always
// passed through unchanged. Text for schemas of KindOther is only decoded
// when it holds a JSON object or array.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nixpig/udpjobs/internal/jobmanager/schema"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"gopkg.in/yaml.v3"
)

// ParameterFormatError is returned when a cell value can't be parsed into the
// representation its schema requires.
type ParameterFormatError struct {
	Parameter string
	Value     string
	Err       error
}

func (e *ParameterFormatError) Error() string {
	return fmt.Sprintf(
		"parameter %s: malformed value %q: %v",
		e.Parameter,
		e.Value,
		e.Err,
	)
}

func (e *ParameterFormatError) Unwrap() error {
	return e.Err
}

type normalizer func(text string, s schema.Schema) (any, error)

var normalizers = map[schema.Kind]normalizer{
	schema.KindArray:    normalizeArray,
	schema.KindGeometry: normalizeGeometry,
	schema.KindScalar:   normalizeScalar,
	schema.KindOther:    decodeComposite,
}

// Value normalizes value for the parameter called name with schema s.
func Value(name string, value any, s schema.Schema) (any, error) {
	text, ok := value.(string)
	if !ok {
		return value, nil
	}

	n, ok := normalizers[s.Kind()]
	if !ok {
		n = passThrough
	}

	v, err := n(text, s)
	if err != nil {
		return nil, &ParameterFormatError{Parameter: name, Value: text, Err: err}
	}

	return v, nil
}

func passThrough(text string, _ schema.Schema) (any, error) {
	return text, nil
}

// decodeComposite restores JSON objects and arrays written to a cell, such as
// a constant bbox. Any other text is passed through.
func decodeComposite(text string, _ schema.Schema) (any, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return text, nil
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return text, nil
	}

	return v, nil
}

// normalizeArray parses a literal sequence written in flow style, e.g.
// `[2023-05-01, 2023-05-30]` or `["a", 1, 2.5]`. Bare words decode as
// strings, dates included. Anchors, aliases and explicit tags are rejected.
func normalizeArray(text string, _ schema.Schema) (any, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, errors.New("not a literal sequence")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, err
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 {
		return nil, errors.New("not a single literal")
	}

	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, errors.New("not a literal sequence")
	}

	if err := checkLiteral(root); err != nil {
		return nil, err
	}

	keepDatesAsText(root)

	var values []any
	if err := root.Decode(&values); err != nil {
		return nil, err
	}

	if values == nil {
		values = []any{}
	}

	return values, nil
}

func checkLiteral(n *yaml.Node) error {
	if n.Kind == yaml.AliasNode || n.Anchor != "" {
		return errors.New("anchors and aliases are not literals")
	}

	if n.Style&yaml.TaggedStyle != 0 {
		return fmt.Errorf("explicit tag %s is not a literal", n.Tag)
	}

	for _, c := range n.Content {
		if err := checkLiteral(c); err != nil {
			return err
		}
	}

	return nil
}

// keepDatesAsText retags plain scalars that would resolve to timestamps so
// they decode as the text that was written.
func keepDatesAsText(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!timestamp" {
		n.Tag = "!!str"
	}

	for _, c := range n.Content {
		keepDatesAsText(c)
	}
}

// normalizeGeometry converts WKT, or GeoJSON text, into a GeoJSON geometry
// object.
func normalizeGeometry(text string, _ schema.Schema) (any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, errors.New("empty geometry")
	}

	var g *geojson.Geometry

	if strings.HasPrefix(trimmed, "{") {
		parsed, err := geojson.UnmarshalGeometry([]byte(trimmed))
		if err != nil {
			return nil, fmt.Errorf("parse GeoJSON: %w", err)
		}

		g = parsed
	} else {
		geom, err := wkt.Unmarshal(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse WKT: %w", err)
		}

		g = geojson.NewGeometry(geom)
	}

	data, err := g.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode GeoJSON: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode GeoJSON: %w", err)
	}

	return obj, nil
}

func normalizeScalar(text string, s schema.Schema) (any, error) {
	trimmed := strings.TrimSpace(text)

	switch s.Type {
	case "integer":
		if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return v, nil
		}

		// Tabular tools happily write integers as "10.0".
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || f != float64(int64(f)) {
			return nil, errors.New("not an integer")
		}

		return int64(f), nil

	case "number":
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, errors.New("not a number")
		}

		return f, nil

	case "boolean":
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return nil, errors.New("not a boolean")
		}

		return b, nil

	default:
		return text, nil
	}
}
