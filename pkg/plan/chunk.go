// Package plan divides a stream's query space into chunks small enough that
// offset pagination inside a chunk never crosses the backend's offset
// ceiling. Chunks past the first in a partition continue by identifier.
package plan

import (
	"fmt"

	"github.com/Sternrassler/ledger-extract/pkg/streams"
)

// AllLabel is the partition label of unpartitioned jobs.
const AllLabel = "all"

// Chunk is an identifier range [LowerBound, UpperBound) within one
// partition, fetched with offset pagination up to MaxPages pages.
type Chunk struct {
	// Seq numbers chunks across the whole job, starting at 0.
	Seq int

	// Label is the partition label used for checkpointing.
	Label string

	// Period is the posting period filter; empty when unpartitioned.
	Period string

	// LowerBound is inclusive and only applied when Bounded. The first
	// chunk of a fresh partition is unbounded.
	LowerBound int64
	Bounded    bool

	// UpperBound is exclusive and only meaningful once Closed.
	UpperBound int64
	Closed     bool

	// Continuation is set on chunks opened by identifier continuation.
	Continuation bool

	MaxPages     int
	PageSize     int
	LastModified string
}

// Offset returns the request offset of a page.
func (c Chunk) Offset(page int) int { return page * c.PageSize }

// IsLastPage reports whether page is the final page the chunk may request.
func (c Chunk) IsLastPage(page int) bool { return page == c.MaxPages-1 }

// Predicates returns the query filters of the chunk.
func (c Chunk) Predicates() streams.Predicates {
	return streams.Predicates{
		Period:       c.Period,
		LowerBound:   c.LowerBound,
		Bounded:      c.Bounded,
		LastModified: c.LastModified,
	}
}

func (c Chunk) String() string {
	lower := "-inf"
	if c.Bounded {
		lower = fmt.Sprint(c.LowerBound)
	}
	upper := "open"
	if c.Closed {
		upper = fmt.Sprint(c.UpperBound)
	}
	return fmt.Sprintf("%s#%d[%s,%s)", c.Label, c.Seq, lower, upper)
}

// MaxPages returns how many pages fit under the ceiling: every page i has
// offset i*pageSize and offset+pageSize <= ceiling.
func MaxPages(ceiling, pageSize int) int {
	if pageSize <= 0 || ceiling < pageSize {
		return 0
	}
	return (ceiling-pageSize)/pageSize + 1
}

// PlanningError reports a sort key that violates the ordering the planner
// relies on. It is fatal for the job.
type PlanningError struct {
	Stream string
	Chunk  string
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %s chunk %s: %s", e.Stream, e.Chunk, e.Reason)
}
