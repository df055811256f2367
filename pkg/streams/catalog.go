// Package streams declares the extractable streams: their SuiteQL query
// templates and static field type tables.
package streams

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// ErrUnknownStream is returned when a selected stream is not in the catalog.
var ErrUnknownStream = errors.New("unknown stream")

// Stream is one extractable entity.
type Stream struct {
	Name        string
	Description string
	Schema      *record.Schema
	Query       Template
}

// Partitionable reports whether the stream can be chunked by posting period.
func (s Stream) Partitionable() bool { return s.Query.PeriodColumn != "" }

// Incremental reports whether the stream honours a last-modified cutoff.
func (s Stream) Incremental() bool { return len(s.Query.ModifiedColumns) > 0 }

// Catalog is an ordered set of streams.
type Catalog struct {
	streams []Stream
	index   map[string]int
}

// NewCatalog builds a catalog; stream names must be unique.
func NewCatalog(streams ...Stream) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(streams))}
	for _, s := range streams {
		if _, dup := c.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stream %s", s.Name)
		}
		if s.Schema == nil || s.Schema.Stream != s.Name {
			return nil, fmt.Errorf("stream %s: schema missing or misnamed", s.Name)
		}
		if s.Query.IDColumn == "" {
			return nil, fmt.Errorf("stream %s: id column is required", s.Name)
		}
		c.index[s.Name] = len(c.streams)
		c.streams = append(c.streams, s)
	}
	return c, nil
}

// Default returns the NetSuite general ledger catalog.
func Default() *Catalog {
	all := append([]Stream{GeneralLedgerDetail()}, Dimensions()...)
	c, err := NewCatalog(all...)
	if err != nil {
		panic(err)
	}
	return c
}

// All returns every stream in catalog order.
func (c *Catalog) All() []Stream {
	out := make([]Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Get looks up a stream by name.
func (c *Catalog) Get(name string) (Stream, error) {
	i, ok := c.index[name]
	if !ok {
		return Stream{}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	return c.streams[i], nil
}

// Select resolves a selection in the order given; an empty selection means
// every stream.
func (c *Catalog) Select(names []string) ([]Stream, error) {
	if len(names) == 0 {
		return c.All(), nil
	}
	out := make([]Stream, 0, len(names))
	seen := make(map[string]bool, len(names))
	var unknown []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		s, err := c.Get(n)
		if err != nil {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, s)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, strings.Join(unknown, ", "))
	}
	return out, nil
}
