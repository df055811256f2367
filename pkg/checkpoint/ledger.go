package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var checkpointCommits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "extract_checkpoint_commits_total",
		Help: "Checkpoint commits by stream and result",
	},
	[]string{"stream", "result"},
)

// Progress describes one flushed batch.
type Progress struct {
	// Label is the partition the batch belongs to.
	Label string

	// LastProcessedID is the highest identifier whose rows are all flushed.
	LastProcessedID int64

	// Records is the number of records in the flush.
	Records int64

	// StartedAt is when the partition started; used on its first commit.
	StartedAt time.Time

	// Completed marks the partition as fully consumed.
	Completed bool
}

// Ledger owns the checkpoint state of one stream. Commit is its only
// mutating operation and is reserved for the batch writer.
type Ledger struct {
	mu     sync.Mutex
	stream string
	store  Store
	state  State
	logger zerolog.Logger
	now    func() time.Time
}

// OpenLedger loads the stream's checkpoint. A missing checkpoint starts
// empty; a corrupt one fails.
func OpenLedger(ctx context.Context, store Store, stream string, logger zerolog.Logger) (*Ledger, error) {
	state, err := store.Load(ctx, stream)
	switch {
	case errors.Is(err, ErrNotFound):
		state = NewState()
	case err != nil:
		return nil, err
	}

	l := &Ledger{
		stream: stream,
		store:  store,
		state:  state,
		logger: logger.With().Str("stream", stream).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	l.logger.Debug().
		Int64("last_processed_id", state.LastProcessedID).
		Strs("completed_chunks", state.CompletedChunks).
		Int64("total_record_count", state.TotalRecordCount).
		Msg("Checkpoint loaded")

	return l, nil
}

// Stream returns the stream the ledger belongs to.
func (l *Ledger) Stream() string { return l.stream }

// Snapshot returns a read-only copy of the committed state.
func (l *Ledger) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

// Commit applies a flushed batch and persists the result. The in-memory
// state only advances when the store accepted it. Identifiers and the
// completed set never shrink.
func (l *Ledger) Commit(ctx context.Context, p Progress) (State, error) {
	if p.Label == "" {
		return State{}, fmt.Errorf("commit without partition label")
	}
	if p.Records < 0 {
		return State{}, fmt.Errorf("commit with negative record count %d", p.Records)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	next := l.state.Clone()

	cs, seen := next.ChunkStats[p.Label]
	if cs.StartedAt == nil {
		started := p.StartedAt
		if started.IsZero() {
			started = now
		}
		cs.StartedAt = &started
	}
	cs.RecordCount += p.Records
	if !seen || p.LastProcessedID > cs.LastProcessedID {
		cs.LastProcessedID = p.LastProcessedID
	}
	if p.Completed {
		if cs.CompletedAt == nil {
			cs.CompletedAt = &now
		}
		if !next.IsCompleted(p.Label) {
			next.CompletedChunks = append(next.CompletedChunks, p.Label)
		}
	}
	next.ChunkStats[p.Label] = cs

	if p.LastProcessedID > next.LastProcessedID {
		next.LastProcessedID = p.LastProcessedID
	}
	next.TotalRecordCount += p.Records
	next.UpdatedAt = now

	if err := l.store.Save(ctx, l.stream, next); err != nil {
		checkpointCommits.WithLabelValues(l.stream, "error").Inc()
		return State{}, fmt.Errorf("save checkpoint: %w", err)
	}
	l.state = next
	checkpointCommits.WithLabelValues(l.stream, "ok").Inc()

	l.logger.Debug().
		Str("chunk", p.Label).
		Int64("committed", next.TotalRecordCount).
		Int64("last_processed_id", cs.LastProcessedID).
		Bool("completed", p.Completed).
		Msg("Checkpoint committed")

	return next.Clone(), nil
}
