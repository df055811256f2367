package record

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ValidationError reports a raw row that cannot become a record. It is
// recovered locally: the row is dropped and processing continues.
type ValidationError struct {
	Stream string
	Field  string
	Reason string
	Value  string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s %q: %s", e.Stream, e.Reason, e.Field, e.Value)
	}
	return fmt.Sprintf("%s: %s %q", e.Stream, e.Reason, e.Field)
}

// Drop reasons.
const (
	ReasonMissingKey     = "missing key component"
	ReasonUncoercibleKey = "uncoercible key component"
)

// Transformer validates raw rows against a schema and produces typed records.
type Transformer struct {
	schema *Schema
	logger zerolog.Logger
}

// NewTransformer creates a transformer for one stream.
func NewTransformer(schema *Schema, logger zerolog.Logger) *Transformer {
	return &Transformer{
		schema: schema,
		logger: logger.With().Str("stream", schema.Stream).Logger(),
	}
}

// Schema returns the schema the transformer validates against.
func (t *Transformer) Schema() *Schema { return t.schema }

// Transform returns a *ValidationError when a key component is missing or
// cannot be coerced. Non-key typed fields that fail coercion become null.
func (t *Transformer) Transform(raw map[string]any) (Record, error) {
	s := t.schema

	for _, k := range s.Key {
		v, ok := raw[k]
		if !ok || isEmpty(v) {
			return Record{}, &ValidationError{Stream: s.Stream, Field: k, Reason: ReasonMissingKey}
		}
	}

	fields := make(map[string]Value, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := raw[f.Name]
		if !ok || isEmpty(v) {
			fields[f.Name] = Null(f.Kind)
			continue
		}

		val, err := Coerce(f.Kind, v)
		if err != nil {
			if s.IsKey(f.Name) {
				return Record{}, &ValidationError{
					Stream: s.Stream,
					Field:  f.Name,
					Reason: ReasonUncoercibleKey,
					Value:  rawText(v),
				}
			}
			t.logger.Warn().
				Str("field", f.Name).
				Str("kind", string(f.Kind)).
				Err(err).
				Msg("Field coercion failed, value set to null")
		}
		fields[f.Name] = val
	}

	if !s.Strict {
		for name, v := range raw {
			if _, declared := s.KindOf(name); declared || name == "links" {
				continue
			}
			if isEmpty(v) {
				fields[name] = Null(KindString)
				continue
			}
			fields[name] = String(rawText(v))
		}
	}

	return Record{Fields: fields, key: s.Key}, nil
}

// SortID returns the record's sort key value.
func (t *Transformer) SortID(r Record) int64 {
	n, _ := r.Fields[t.schema.SortKey].Int64()
	return n
}

// RawSortID reads the sort key of an untransformed row. Rows dropped by
// Transform still carry a usable identifier when this succeeds.
func (t *Transformer) RawSortID(raw map[string]any) (int64, bool) {
	v, ok := raw[t.schema.SortKey]
	if !ok || isEmpty(v) {
		return 0, false
	}
	n, err := ToInt64(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
