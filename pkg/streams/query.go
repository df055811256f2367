package streams

import (
	"fmt"
	"strings"
)

// Template is a SuiteQL query split into the parts the planner varies per
// chunk. Predicates are always combined with AND in this order: template
// predicates, posting period, identifier continuation, last-modified.
type Template struct {
	Select string
	From   string
	Where  []string

	// IDColumn is the stable numeric sort key used for continuation.
	IDColumn string

	// PeriodColumn enables posting-period partitioning when set.
	PeriodColumn string

	// ModifiedColumns enable incremental filtering when set; a row matches
	// when any of them is on or after the cutoff.
	ModifiedColumns []string

	OrderBy string
}

// Predicates are the per-chunk filters applied to a template.
type Predicates struct {
	// Period is a posting period name such as "Jan 2025". Empty means all.
	Period string

	// LowerBound is the inclusive identifier floor, applied when Bounded.
	LowerBound int64
	Bounded    bool

	// LastModified is a YYYY-MM-DD cutoff. Empty disables the filter.
	LastModified string
}

// Render builds the SuiteQL statement for one chunk.
func (t Template) Render(p Predicates) string {
	where := make([]string, 0, len(t.Where)+3)
	for _, w := range t.Where {
		where = append(where, "("+w+")")
	}

	if p.Period != "" && t.PeriodColumn != "" {
		where = append(where, fmt.Sprintf("(BUILTIN.DF(%s) = %s)", t.PeriodColumn, quote(p.Period)))
	}
	if p.Bounded {
		where = append(where, fmt.Sprintf("(%s >= %d)", t.IDColumn, p.LowerBound))
	}
	if p.LastModified != "" && len(t.ModifiedColumns) > 0 {
		ors := make([]string, len(t.ModifiedColumns))
		for i, col := range t.ModifiedColumns {
			ors[i] = fmt.Sprintf("%s >= TO_DATE(%s, 'YYYY-MM-DD')", col, quote(p.LastModified))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(t.Select)
	b.WriteString(" FROM ")
	b.WriteString(t.From)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if t.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(t.OrderBy)
	}
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
