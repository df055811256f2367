// Package checkpoint persists per-stream extraction progress so an
// interrupted job can resume without re-fetching committed work.
//
// State is owned by a Ledger. Only the batch writer commits to it, and only
// after a flush reached the sink; everything else reads snapshots.
package checkpoint

import (
	"fmt"
	"time"
)

// ChunkStats is the progress of one partition label.
type ChunkStats struct {
	RecordCount     int64      `json:"record_count"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastProcessedID int64      `json:"last_processed_id"`
}

// State is the persisted progress of one stream.
type State struct {
	LastProcessedID  int64                 `json:"last_processed_id"`
	CompletedChunks  []string              `json:"completed_chunks"`
	TotalRecordCount int64                 `json:"total_record_count"`
	ChunkStats       map[string]ChunkStats `json:"chunk_stats"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// NewState returns an empty state.
func NewState() State {
	return State{
		CompletedChunks: []string{},
		ChunkStats:      map[string]ChunkStats{},
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.CompletedChunks = append([]string{}, s.CompletedChunks...)
	c.ChunkStats = make(map[string]ChunkStats, len(s.ChunkStats))
	for k, v := range s.ChunkStats {
		c.ChunkStats[k] = v
	}
	return c
}

// IsCompleted reports whether a partition label has been fully committed.
func (s State) IsCompleted(label string) bool {
	for _, l := range s.CompletedChunks {
		if l == label {
			return true
		}
	}
	return false
}

// Resume returns the last committed identifier of a partition.
func (s State) Resume(label string) (int64, bool) {
	cs, ok := s.ChunkStats[label]
	if !ok || (cs.RecordCount == 0 && cs.LastProcessedID == 0) {
		return 0, false
	}
	return cs.LastProcessedID, true
}

// Validate checks internal consistency of a loaded state.
func (s State) Validate() error {
	if s.TotalRecordCount < 0 {
		return fmt.Errorf("negative total_record_count %d", s.TotalRecordCount)
	}

	seen := make(map[string]bool, len(s.CompletedChunks))
	for _, l := range s.CompletedChunks {
		if l == "" {
			return fmt.Errorf("empty label in completed_chunks")
		}
		if seen[l] {
			return fmt.Errorf("duplicate label %q in completed_chunks", l)
		}
		seen[l] = true
	}

	var sum int64
	for label, cs := range s.ChunkStats {
		if cs.RecordCount < 0 {
			return fmt.Errorf("chunk %q: negative record_count %d", label, cs.RecordCount)
		}
		if cs.StartedAt != nil && cs.CompletedAt != nil && cs.CompletedAt.Before(*cs.StartedAt) {
			return fmt.Errorf("chunk %q: completed_at before started_at", label)
		}
		sum += cs.RecordCount
	}
	if sum > s.TotalRecordCount {
		return fmt.Errorf("chunk record counts (%d) exceed total_record_count (%d)", sum, s.TotalRecordCount)
	}
	return nil
}
