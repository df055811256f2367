package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNotFound indicates no checkpoint exists for the stream.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt indicates persisted state is unreadable or inconsistent.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

var checkpointStoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "extract_checkpoint_store_errors_total",
		Help: "Checkpoint store failures by backend and operation",
	},
	[]string{"backend", "operation"},
)

// CorruptionError reports a checkpoint that cannot be trusted. The operator
// must repair it or reset the stream; it is never silently discarded.
type CorruptionError struct {
	Stream string
	Source string
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint for %s in %s is corrupt: %v", e.Stream, e.Source, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorrupt) match.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Store is a durable key-value store of stream checkpoints.
type Store interface {
	// Load returns ErrNotFound when the stream has no checkpoint and a
	// *CorruptionError when it cannot be decoded or validated.
	Load(ctx context.Context, stream string) (State, error)
	Save(ctx context.Context, stream string, state State) error
	Delete(ctx context.Context, stream string) error
}
