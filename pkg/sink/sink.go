// Package sink is the output boundary of an extraction: the sinks that
// receive flushed batches and the batch writer that commits checkpoints
// after each flush.
package sink

import (
	"context"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// Sink receives the output of one run. A batch is written as one unit:
// either all of its records are accepted or the call fails.
type Sink interface {
	WriteSchema(ctx context.Context, schema *record.Schema) error
	WriteBatch(ctx context.Context, stream string, records []record.Record) error
	WriteState(ctx context.Context, stream string, state checkpoint.State) error
	Close() error
}
