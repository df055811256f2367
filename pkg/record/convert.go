package record

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dateLayouts are the input formats NetSuite produces for calendar and
// timestamp columns, tried in order.
var dateLayouts = []string{
	"1/2/2006 3:04 pm",
	"1/2/2006 3:04 PM",
	"1/2/2006",
	"1/2/06",
	"2006-01-02",
	"01-02-2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// isEmpty reports whether a raw value counts as absent.
func isEmpty(raw any) bool {
	if raw == nil {
		return true
	}
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// rawText renders a raw decoded JSON value as text without reinterpreting it.
func rawText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// ToInt64 coerces an identifier value. Integral decimals such as "42.0" are
// accepted; fractional values are rejected.
func ToInt64(raw any) (int64, error) {
	s := strings.TrimSpace(rawText(raw))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return d.IntPart(), nil
}

// ToDecimal coerces a monetary value, stripping thousands separators and
// currency symbols.
func ToDecimal(raw any) (decimal.Decimal, error) {
	s := strings.TrimSpace(rawText(raw))
	s = strings.NewReplacer(",", "", "$", "").Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a decimal: %q", s)
	}
	return d, nil
}

// ParseTime parses a date or timestamp in any of the accepted layouts.
// Values without zone information are taken as UTC.
func ParseTime(raw any) (time.Time, error) {
	s := strings.TrimSpace(rawText(raw))
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}

// Coerce converts a non-empty raw value to the given kind.
func Coerce(kind Kind, raw any) (Value, error) {
	switch kind {
	case KindInteger:
		n, err := ToInt64(raw)
		if err != nil {
			return Null(kind), err
		}
		return Int(n), nil
	case KindDecimal:
		d, err := ToDecimal(raw)
		if err != nil {
			return Null(kind), err
		}
		return Decimal(d), nil
	case KindDate:
		t, err := ParseTime(raw)
		if err != nil {
			return Null(kind), err
		}
		return Date(t), nil
	case KindDateTime:
		t, err := ParseTime(raw)
		if err != nil {
			return Null(kind), err
		}
		return DateTime(t), nil
	default:
		return String(rawText(raw)), nil
	}
}
