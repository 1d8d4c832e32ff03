// Package schema describes the parameters of a user-defined process and how
// each one should be coerced from tabular input.
package schema

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Kind classifies a parameter schema into one of the variants the normalizer
// knows how to handle.
type Kind int

const (
	KindOther Kind = iota
	KindScalar
	KindArray
	KindGeometry
)

var kinds = []string{
	"other",
	"scalar",
	"array",
	"geometry",
}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kinds) {
		return kinds[0]
	}

	return kinds[k]
}

// Schema is the subset of a parameter's JSON schema needed to normalize
// values, along with the schema as it was declared.
type Schema struct {
	Type    string
	Subtype string
	// Raw is the declared JSON schema. Empty for schemas built in code.
	Raw json.RawMessage
}

// MarshalJSON writes the declared schema back out unchanged. Schemas built in
// code are written from Type and Subtype.
func (s Schema) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}

	return json.Marshal(struct {
		Type    string `json:"type,omitempty"`
		Subtype string `json:"subtype,omitempty"`
	}{s.Type, s.Subtype})
}

// Map returns the declared schema as a JSON document, for callers that
// inspect keywords beyond type and subtype.
func (s Schema) Map() (any, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	return v, nil
}

// Kind returns the variant of the schema.
func (s Schema) Kind() Kind {
	switch {
	case s.Subtype == "geojson" || s.Subtype == "geometry":
		return KindGeometry
	case s.Type == "array":
		return KindArray
	case slices.Contains([]string{"string", "number", "integer", "boolean"}, s.Type):
		return KindScalar
	default:
		return KindOther
	}
}

// UnmarshalJSON accepts either a single schema object or a list of
// alternatives, in which case the first alternative that isn't the null type
// is used. The type keyword may itself be a string or a list of strings.
func (s *Schema) UnmarshalJSON(data []byte) error {
	if err := s.parse(data); err != nil {
		return err
	}

	s.Raw = slices.Clone(json.RawMessage(data))

	return nil
}

func (s *Schema) parse(data []byte) error {
	var alternatives []json.RawMessage
	if err := json.Unmarshal(data, &alternatives); err == nil {
		for _, alt := range alternatives {
			var candidate Schema
			if err := candidate.parse(alt); err != nil {
				return err
			}

			if candidate.Type != "null" {
				*s = candidate
				return nil
			}
		}

		*s = Schema{}
		return nil
	}

	var raw struct {
		Type    json.RawMessage `json:"type"`
		Subtype string          `json:"subtype"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	s.Subtype = raw.Subtype
	s.Type = ""

	if len(raw.Type) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw.Type, &single); err == nil {
		s.Type = single
		return nil
	}

	var multiple []string
	if err := json.Unmarshal(raw.Type, &multiple); err != nil {
		return fmt.Errorf("parse schema type: %w", err)
	}

	for _, t := range multiple {
		if t != "null" {
			s.Type = t
			break
		}
	}

	return nil
}

// Parameter is a single declared process parameter.
type Parameter struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      Schema          `json:"schema"`
	Optional    bool            `json:"optional,omitempty"`
	Default     json.RawMessage `json:"default,omitempty"`
}

// Required reports whether a value must be supplied for the parameter.
func (p Parameter) Required() bool {
	return !p.Optional && len(p.Default) == 0
}

// Process is a user-defined process definition.
type Process struct {
	ID          string      `json:"id"`
	Summary     string      `json:"summary,omitempty"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters"`
}

// Parse decodes a process definition from JSON.
func Parse(data []byte) (*Process, error) {
	var p Process
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse process definition: %w", err)
	}

	for i, param := range p.Parameters {
		if param.Name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
	}

	return &p, nil
}

// Names returns the declared parameter names in declaration order.
func (p *Process) Names() []string {
	names := make([]string, 0, len(p.Parameters))
	for _, param := range p.Parameters {
		names = append(names, param.Name)
	}

	return names
}

// Lookup returns the parameter with the given name.
func (p *Process) Lookup(name string) (Parameter, bool) {
	for _, param := range p.Parameters {
		if param.Name == name {
			return param, true
		}
	}

	return Parameter{}, false
}

// Geometries returns the names of the parameters with a geometry schema.
func (p *Process) Geometries() []string {
	var names []string
	for _, param := range p.Parameters {
		if param.Schema.Kind() == KindGeometry {
			names = append(names, param.Name)
		}
	}

	return names
}
