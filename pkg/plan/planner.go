package plan

import (
	"fmt"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var chunksPlanned = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "extract_chunks_planned_total",
		Help: "Chunks opened by the planner, by stream and kind (initial, continuation)",
	},
	[]string{"stream", "kind"},
)

// MaxPageSize is the largest page the query API serves.
const MaxPageSize = 1000

// Config is the planner's view of the job.
type Config struct {
	Stream string

	// Partitions are posting period labels in extraction order. Empty
	// means a single partition labelled AllLabel.
	Partitions []string

	PageSize      int
	OffsetCeiling int
	LastModified  string

	// UniqueSortKey selects how a full chunk continues: past its highest
	// identifier when unique, at its boundary identifier otherwise.
	UniqueSortKey bool
}

// Outcome is what the fetch of a chunk revealed.
type Outcome struct {
	// Exhausted is set when the chunk ended on a short or final page.
	Exhausted bool

	// LastID is the highest identifier kept in the chunk, or for
	// non-unique sort keys the boundary identifier whose rows were
	// withheld. Ignored when HasRows is false.
	LastID  int64
	HasRows bool
}

// Planner lazily yields chunks. It is driven by one goroutine.
type Planner struct {
	cfg      Config
	maxPages int
	pending  []string
	snapshot checkpoint.State
	current  *Chunk
	seq      int
	skipped  []string
}

// New creates a planner, skipping partitions the snapshot marks complete.
func New(cfg Config, snapshot checkpoint.State) (*Planner, error) {
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d out of range 1..%d", cfg.PageSize, MaxPageSize)
	}
	maxPages := MaxPages(cfg.OffsetCeiling, cfg.PageSize)
	if maxPages == 0 {
		return nil, fmt.Errorf("offset ceiling %d is below page size %d", cfg.OffsetCeiling, cfg.PageSize)
	}

	labels := cfg.Partitions
	if len(labels) == 0 {
		labels = []string{AllLabel}
	}

	p := &Planner{cfg: cfg, maxPages: maxPages, snapshot: snapshot}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if seen[l] {
			continue
		}
		seen[l] = true
		if snapshot.IsCompleted(l) {
			p.skipped = append(p.skipped, l)
			continue
		}
		p.pending = append(p.pending, l)
	}
	return p, nil
}

// Skipped returns the partitions skipped because they were already complete.
func (p *Planner) Skipped() []string { return p.skipped }

// MaxPagesPerChunk returns the page budget of every chunk.
func (p *Planner) MaxPagesPerChunk() int { return p.maxPages }

// Next returns the chunk to fetch, or false when the plan is complete.
func (p *Planner) Next() (Chunk, bool) {
	if p.current != nil {
		return *p.current, true
	}
	if len(p.pending) == 0 {
		return Chunk{}, false
	}

	label := p.pending[0]
	p.pending = p.pending[1:]

	c := Chunk{
		Seq:          p.seq,
		Label:        label,
		MaxPages:     p.maxPages,
		PageSize:     p.cfg.PageSize,
		LastModified: p.cfg.LastModified,
	}
	if len(p.cfg.Partitions) > 0 {
		c.Period = label
	}
	if id, ok := p.snapshot.Resume(label); ok {
		c.LowerBound = id + 1
		c.Bounded = true
	}

	p.seq++
	p.current = &c
	chunksPlanned.WithLabelValues(p.cfg.Stream, "initial").Inc()
	return c, true
}

// Advance closes the current chunk and returns it with its upper bound
// fixed. A chunk that was not exhausted opens an identifier continuation in
// the same partition; Advance fails if that continuation would not progress.
func (p *Planner) Advance(o Outcome) (Chunk, error) {
	if p.current == nil {
		return Chunk{}, fmt.Errorf("advance without an open chunk")
	}
	c := *p.current

	if o.Exhausted {
		c.UpperBound = c.LowerBound
		if o.HasRows {
			c.UpperBound = o.LastID + 1
		}
		c.Closed = true
		p.current = nil
		return c, nil
	}

	if !o.HasRows {
		return Chunk{}, &PlanningError{Stream: p.cfg.Stream, Chunk: c.String(), Reason: "full chunk without identifiers"}
	}

	next := o.LastID
	if p.cfg.UniqueSortKey {
		next = o.LastID + 1
	}
	if c.Bounded && next <= c.LowerBound {
		return Chunk{}, &PlanningError{
			Stream: p.cfg.Stream,
			Chunk:  c.String(),
			Reason: fmt.Sprintf("continuation at %d makes no progress; more rows share one identifier than the offset ceiling allows", next),
		}
	}

	c.UpperBound = next
	c.Closed = true

	cont := Chunk{
		Seq:          p.seq,
		Label:        c.Label,
		Period:       c.Period,
		LowerBound:   next,
		Bounded:      true,
		Continuation: true,
		MaxPages:     p.maxPages,
		PageSize:     c.PageSize,
		LastModified: c.LastModified,
	}
	p.seq++
	p.current = &cont
	chunksPlanned.WithLabelValues(p.cfg.Stream, "continuation").Inc()
	return c, nil
}
