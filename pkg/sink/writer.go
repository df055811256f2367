package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/record"
)

var (
	batchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_batches_flushed_total",
		Help: "Batches flushed to the sink by stream and trigger",
	}, []string{"stream", "trigger"})

	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_records_written_total",
		Help: "Records written to the sink by stream",
	}, []string{"stream"})
)

// DefaultBatchSize is the number of records buffered before a flush.
const DefaultBatchSize = 1000

// End is the reason for a flush.
type End int

const (
	// EndBatch is a flush because the buffer reached the batch size.
	EndBatch End = iota
	// EndWindow closes a chunk whose partition continues in another chunk.
	EndWindow
	// EndPartition closes the last chunk of a partition.
	EndPartition
)

func (e End) String() string {
	switch e {
	case EndBatch:
		return "batch"
	case EndWindow:
		return "window"
	case EndPartition:
		return "partition"
	default:
		return "unknown"
	}
}

// BatchWriter buffers validated records of one stream and flushes them to
// the sink. After every successful flush it commits the checkpoint through
// the ledger and emits the committed state.
type BatchWriter struct {
	sink      Sink
	ledger    *checkpoint.Ledger
	schema    *record.Schema
	batchSize int
	logger    zerolog.Logger

	label     string
	startedAt time.Time
	buf       []record.Record
	ids       []int64

	// committed is the last identifier committed for the current label;
	// flushed is the last identifier written to the sink under it.
	committed int64
	flushed   int64
	flushes   int
}

// NewBatchWriter creates a writer for the ledger's stream.
func NewBatchWriter(sink Sink, ledger *checkpoint.Ledger, schema *record.Schema, batchSize int, logger zerolog.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchWriter{
		sink:      sink,
		ledger:    ledger,
		schema:    schema,
		batchSize: batchSize,
		logger:    logger,
		buf:       make([]record.Record, 0, batchSize),
		ids:       make([]int64, 0, batchSize),
	}
}

// Begin starts a partition. Records added afterwards are committed under
// label. The buffer must be empty.
func (w *BatchWriter) Begin(label string, startedAt time.Time) error {
	if len(w.buf) > 0 {
		return fmt.Errorf("begin %s with %d unflushed records of %s", label, len(w.buf), w.label)
	}
	if label == w.label {
		return nil
	}

	w.label = label
	w.startedAt = startedAt
	w.committed = 0
	if id, ok := w.ledger.Snapshot().Resume(label); ok {
		w.committed = id
	}
	w.flushed = w.committed
	return nil
}

// Add buffers a record and flushes when the batch is full.
func (w *BatchWriter) Add(ctx context.Context, r record.Record) error {
	if w.label == "" {
		return fmt.Errorf("add before begin")
	}
	v, _ := r.Get(w.schema.SortKey)
	id, ok := v.Int64()
	if !ok {
		return fmt.Errorf("record %s has no %s", r.Key(), w.schema.SortKey)
	}

	w.buf = append(w.buf, r)
	w.ids = append(w.ids, id)
	if len(w.buf) >= w.batchSize {
		return w.Flush(ctx, EndBatch)
	}
	return nil
}

// Buffered returns the number of records waiting for a flush.
func (w *BatchWriter) Buffered() int { return len(w.buf) }

// Flushes returns the number of successful flushes.
func (w *BatchWriter) Flushes() int { return w.flushes }

// Flush writes the buffer as one batch and commits the checkpoint. A window
// or partition end commits even with an empty buffer, so progress and
// completion are recorded.
func (w *BatchWriter) Flush(ctx context.Context, end End) error {
	if len(w.buf) == 0 && end == EndBatch {
		return nil
	}

	stream := w.schema.Stream
	if len(w.buf) > 0 {
		if err := w.sink.WriteBatch(ctx, stream, w.buf); err != nil {
			return fmt.Errorf("flush %d records: %w", len(w.buf), err)
		}
	}

	committed := w.committedID(end)
	count := int64(len(w.buf))

	state, err := w.ledger.Commit(ctx, checkpoint.Progress{
		Label:           w.label,
		LastProcessedID: committed,
		Records:         count,
		StartedAt:       w.startedAt,
		Completed:       end == EndPartition,
	})
	if err != nil {
		return err
	}

	if len(w.ids) > 0 {
		w.flushed = w.ids[len(w.ids)-1]
	}
	w.buf = w.buf[:0]
	w.ids = w.ids[:0]
	if committed > w.committed {
		w.committed = committed
	}
	w.flushes++
	batchesFlushed.WithLabelValues(stream, end.String()).Inc()
	recordsWritten.WithLabelValues(stream).Add(float64(count))

	w.logger.Debug().
		Str("label", w.label).
		Str("trigger", end.String()).
		Int64("records", count).
		Int64("last_processed_id", committed).
		Int64("total_record_count", state.TotalRecordCount).
		Msg("Batch committed")

	if err := w.sink.WriteState(ctx, stream, state); err != nil {
		return fmt.Errorf("emit state: %w", err)
	}
	return nil
}

// committedID is the highest identifier whose rows are all in the sink once
// the buffer is flushed. With a non-unique sort key a size-triggered flush
// may cut through the rows of the last identifier, so only identifiers
// below it count.
func (w *BatchWriter) committedID(end End) int64 {
	if len(w.ids) == 0 {
		if end != EndBatch {
			return max(w.flushed, w.committed)
		}
		return w.committed
	}
	last := w.ids[len(w.ids)-1]
	if end != EndBatch || w.schema.UniqueSortKey {
		return last
	}

	for i := len(w.ids) - 2; i >= 0; i-- {
		if w.ids[i] < last {
			return max(w.ids[i], w.committed)
		}
	}
	return w.committed
}
