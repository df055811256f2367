package pagination

// Assembler is a reorder buffer: a holding area keyed by page index and the
// next index to release.
type Assembler struct {
	next   int
	held   map[int]Page
	cutoff int
	hasCut bool
}

// NewAssembler creates an assembler expecting index 0 first.
func NewAssembler() *Assembler {
	return &Assembler{held: make(map[int]Page)}
}

// Add stores a page and returns the contiguous run that became releasable,
// in index order. Pages already released, duplicates and pages at or past
// the cutoff are dropped.
func (a *Assembler) Add(p Page) []Page {
	if p.Index < a.next || (a.hasCut && p.Index >= a.cutoff) {
		return nil
	}
	if _, dup := a.held[p.Index]; dup {
		return nil
	}
	a.held[p.Index] = p

	var out []Page
	for {
		if a.hasCut && a.next >= a.cutoff {
			break
		}
		page, ok := a.held[a.next]
		if !ok {
			break
		}
		delete(a.held, a.next)
		out = append(out, page)
		a.next++
	}
	return out
}

// Cut discards held pages with index >= from and rejects them from now on.
// It returns how many held pages were discarded.
func (a *Assembler) Cut(from int) int {
	if a.hasCut && from >= a.cutoff {
		return 0
	}
	a.cutoff = from
	a.hasCut = true

	dropped := 0
	for idx := range a.held {
		if idx >= from {
			delete(a.held, idx)
			dropped++
		}
	}
	return dropped
}

// Next returns the index the assembler is waiting for.
func (a *Assembler) Next() int { return a.next }

// Pending returns the number of held pages.
func (a *Assembler) Pending() int { return len(a.held) }
