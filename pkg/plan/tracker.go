package plan

import "fmt"

// Tracker watches the sort key of rows released for one chunk.
type Tracker struct {
	stream string
	chunk  Chunk
	last   int64
	seen   bool
}

// NewTracker starts tracking a chunk.
func NewTracker(stream string, c Chunk) *Tracker {
	return &Tracker{stream: stream, chunk: c}
}

// Observe records the next identifier in release order.
func (t *Tracker) Observe(id int64) error {
	if t.chunk.Bounded && id < t.chunk.LowerBound {
		return &PlanningError{
			Stream: t.stream,
			Chunk:  t.chunk.String(),
			Reason: fmt.Sprintf("identifier %d below lower bound %d", id, t.chunk.LowerBound),
		}
	}
	if t.seen && id < t.last {
		return &PlanningError{
			Stream: t.stream,
			Chunk:  t.chunk.String(),
			Reason: fmt.Sprintf("sort key not monotonic: %d after %d", id, t.last),
		}
	}
	t.last = id
	t.seen = true
	return nil
}

// Last returns the highest identifier observed so far.
func (t *Tracker) Last() (int64, bool) { return t.last, t.seen }

// BoundaryStart returns the index where the trailing run of rows sharing
// the final identifier begins. Those rows are withheld from a closing chunk
// when the sort key is not unique.
func BoundaryStart(ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	last := ids[len(ids)-1]
	i := len(ids) - 1
	for i > 0 && ids[i-1] == last {
		i--
	}
	return i
}
