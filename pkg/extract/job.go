// Package extract runs extraction jobs: it drives the chunk planner, page
// fetcher, record transformer and batch writer for one stream at a time.
package extract

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/pagination"
	"github.com/Sternrassler/ledger-extract/pkg/plan"
	"github.com/Sternrassler/ledger-extract/pkg/sink"
	"github.com/Sternrassler/ledger-extract/pkg/streams"
)

// Job defaults.
const (
	DefaultPageSize      = 1000
	DefaultOffsetCeiling = 99000
)

// Job is the immutable configuration of one stream's extraction.
type Job struct {
	Stream streams.Stream

	// PostingPeriods partition the job; ignored for streams that cannot be
	// partitioned by period.
	PostingPeriods []string

	// LastModifiedDate (YYYY-MM-DD) limits incremental streams.
	LastModifiedDate string

	PageSize      int
	Concurrency   int
	BatchSize     int
	OffsetCeiling int

	// Timeout bounds the whole job. Zero means no limit.
	Timeout time.Duration

	// PageTimeout bounds one page including retries. Zero means no limit.
	PageTimeout time.Duration

	// Reset discards the stream's checkpoint before starting.
	Reset bool
}

// WithDefaults returns the job with zero values replaced by defaults.
func (j Job) WithDefaults() Job {
	if j.PageSize == 0 {
		j.PageSize = DefaultPageSize
	}
	if j.Concurrency == 0 {
		j.Concurrency = pagination.DefaultMaxConcurrency
	}
	if j.BatchSize == 0 {
		j.BatchSize = sink.DefaultBatchSize
	}
	if j.OffsetCeiling == 0 {
		j.OffsetCeiling = DefaultOffsetCeiling
	}
	return j
}

// Validate checks the job.
func (j Job) Validate() error {
	var errs []error
	if j.Stream.Schema == nil || j.Stream.Name == "" {
		errs = append(errs, errors.New("stream is required"))
	}
	if j.PageSize < 1 || j.PageSize > plan.MaxPageSize {
		errs = append(errs, fmt.Errorf("page size %d out of range 1..%d", j.PageSize, plan.MaxPageSize))
	}
	if j.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be positive, got %d", j.Concurrency))
	}
	if j.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", j.BatchSize))
	}
	if plan.MaxPages(j.OffsetCeiling, j.PageSize) == 0 {
		errs = append(errs, fmt.Errorf("offset ceiling %d is below page size %d", j.OffsetCeiling, j.PageSize))
	}
	if j.LastModifiedDate != "" {
		if _, err := time.Parse("2006-01-02", j.LastModifiedDate); err != nil {
			errs = append(errs, fmt.Errorf("last modified date %q is not YYYY-MM-DD", j.LastModifiedDate))
		}
	}
	if j.Timeout < 0 || j.PageTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// partitions returns the period labels that apply to the job's stream.
func (j Job) partitions() []string {
	if !j.Stream.Partitionable() {
		return nil
	}
	return j.PostingPeriods
}
