package record

import (
	"fmt"
)

// Field declares the semantic type of one field.
type Field struct {
	Name string
	Kind Kind
}

// Schema is the static description of a stream: key, sort key and the field
// type table. Fields not present in the table are passed through as strings.
type Schema struct {
	Stream string
	Key    []string

	// SortKey is the numeric identifier the backend orders by.
	SortKey string

	// UniqueSortKey is true when no two rows share a SortKey value.
	UniqueSortKey bool

	// Strict streams emit only declared fields; others also pass through
	// undeclared fields as strings.
	Strict bool

	Fields []Field

	kinds map[string]Kind
}

// NewSchema resolves the type table once and validates the key declaration.
func NewSchema(stream string, key []string, sortKey string, unique, strict bool, fields []Field) (*Schema, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("stream %s: at least one key field is required", stream)
	}

	kinds := make(map[string]Kind, len(fields))
	for _, f := range fields {
		if _, dup := kinds[f.Name]; dup {
			return nil, fmt.Errorf("stream %s: field %q declared twice", stream, f.Name)
		}
		kinds[f.Name] = f.Kind
	}

	for _, k := range key {
		if _, ok := kinds[k]; !ok {
			return nil, fmt.Errorf("stream %s: key field %q is not declared", stream, k)
		}
	}
	if kinds[sortKey] != KindInteger {
		return nil, fmt.Errorf("stream %s: sort key %q must be a declared integer field", stream, sortKey)
	}

	return &Schema{
		Stream:        stream,
		Key:           key,
		SortKey:       sortKey,
		UniqueSortKey: unique,
		Strict:        strict,
		Fields:        fields,
		kinds:         kinds,
	}, nil
}

// MustSchema is NewSchema for static catalogs; it panics on a bad declaration.
func MustSchema(stream string, key []string, sortKey string, unique, strict bool, fields []Field) *Schema {
	s, err := NewSchema(stream, key, sortKey, unique, strict, fields)
	if err != nil {
		panic(err)
	}
	return s
}

// KindOf returns the declared kind of a field and whether it is declared.
func (s *Schema) KindOf(name string) (Kind, bool) {
	k, ok := s.kinds[name]
	if !ok {
		return KindString, false
	}
	return k, true
}

// IsKey reports whether the field is a composite key component.
func (s *Schema) IsKey(name string) bool {
	for _, k := range s.Key {
		if k == name {
			return true
		}
	}
	return false
}

// JSONSchema renders the declared fields as a JSON Schema object.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		props[f.Name] = jsonType(f.Kind)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": !s.Strict,
	}
}

func jsonType(k Kind) map[string]any {
	switch k {
	case KindInteger:
		return map[string]any{"type": []string{"null", "integer"}}
	case KindDecimal:
		return map[string]any{"type": []string{"null", "number"}}
	case KindDate:
		return map[string]any{"type": []string{"null", "string"}, "format": "date"}
	case KindDateTime:
		return map[string]any{"type": []string{"null", "string"}, "format": "date-time"}
	default:
		return map[string]any{"type": []string{"null", "string"}}
	}
}
