// Package record holds the typed record model of the extraction pipeline:
// values, per-stream field type tables, and the validator/transformer that
// turns raw query rows into records.
package record

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the semantic type tag of a field.
type Kind string

const (
	KindString   Kind = "string"
	KindInteger  Kind = "integer"
	KindDecimal  Kind = "decimal"
	KindDate     Kind = "date"
	KindDateTime Kind = "datetime"
)

// DateLayout and DateTimeLayout are the normalized output representations.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = time.RFC3339
)

// Value is a typed field value. The zero Value is a null string.
type Value struct {
	kind  Kind
	valid bool
	i     int64
	d     decimal.Decimal
	t     time.Time
	s     string
}

// Null returns a null value of the given kind.
func Null(kind Kind) Value { return Value{kind: kind} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInteger, valid: true, i: v} }

// Decimal returns a decimal value.
func Decimal(v decimal.Decimal) Value { return Value{kind: KindDecimal, valid: true, d: v} }

// Date returns a calendar date value; the time of day is discarded.
func Date(v time.Time) Value {
	y, m, d := v.Date()
	return Value{kind: KindDate, valid: true, t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DateTime returns a timestamp value normalized to UTC.
func DateTime(v time.Time) Value { return Value{kind: KindDateTime, valid: true, t: v.UTC()} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, valid: true, s: v} }

// Kind returns the value's type tag.
func (v Value) Kind() Kind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return !v.valid }

// Int64 returns the integer payload.
func (v Value) Int64() (int64, bool) { return v.i, v.valid && v.kind == KindInteger }

// DecimalValue returns the decimal payload.
func (v Value) DecimalValue() (decimal.Decimal, bool) { return v.d, v.valid && v.kind == KindDecimal }

// Time returns the date or datetime payload.
func (v Value) Time() (time.Time, bool) {
	return v.t, v.valid && (v.kind == KindDate || v.kind == KindDateTime)
}

// Text renders the value in its normalized textual form; null renders as "".
func (v Value) Text() string {
	if !v.valid {
		return ""
	}
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.i, 10)
	case KindDecimal:
		return v.d.String()
	case KindDate:
		return v.t.Format(DateLayout)
	case KindDateTime:
		return v.t.Format(DateTimeLayout)
	default:
		return v.s
	}
}

// Equal reports whether two values have the same kind, nullness and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind() != o.Kind() || v.valid != o.valid {
		return false
	}
	if !v.valid {
		return true
	}
	if v.kind == KindDecimal {
		return v.d.Equal(o.d)
	}
	return v.Text() == o.Text()
}

// MarshalJSON emits integers and decimals as JSON numbers, everything else
// as JSON strings, and null as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.valid {
		return []byte("null"), nil
	}
	switch v.kind {
	case KindInteger, KindDecimal:
		return []byte(v.Text()), nil
	default:
		return json.Marshal(v.Text())
	}
}
