package record

import (
	"encoding/json"
	"strings"
)

// Record is one validated, typed row of a stream.
type Record struct {
	Fields map[string]Value
	key    []string
}

// Get returns the value of a field.
func (r Record) Get(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// KeyFields returns the names of the composite key components.
func (r Record) KeyFields() []string { return r.key }

// Key renders the composite key as a single comparable string.
func (r Record) Key() string {
	parts := make([]string, len(r.key))
	for i, name := range r.key {
		parts[i] = r.Fields[name].Text()
	}
	return strings.Join(parts, "|")
}

// MarshalJSON encodes the record as a flat JSON object with sorted keys.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}
