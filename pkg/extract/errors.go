package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/pagination"
	"github.com/Sternrassler/ledger-extract/pkg/plan"
	"github.com/Sternrassler/ledger-extract/pkg/suiteql"
)

// ErrorKind classifies a failed job.
type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindCheckpoint ErrorKind = "checkpoint"
	KindPlanning   ErrorKind = "planning"
	KindAuth       ErrorKind = "authentication"
	KindFetch      ErrorKind = "fetch"
	KindWrite      ErrorKind = "write"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

// JobError is the user-visible failure of a stream's extraction. The
// checkpoint in Committed is the last one persisted and stays valid.
type JobError struct {
	Stream    string
	Kind      ErrorKind
	Phase     Phase
	Committed checkpoint.State
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("extract %s failed (%s) during %s: %v", e.Stream, e.Kind, e.Phase, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// kindOf classifies err; fallback is used when nothing more specific applies.
func kindOf(err error, fallback ErrorKind) ErrorKind {
	var (
		perr *plan.PlanningError
		cerr *checkpoint.CorruptionError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, suiteql.ErrContextCancelled):
		return KindCancelled
	case errors.As(err, &perr):
		return KindPlanning
	case errors.As(err, &cerr):
		return KindCheckpoint
	case suiteql.IsAuthentication(err):
		return KindAuth
	}

	var ferr *pagination.FetchError
	if errors.As(err, &ferr) {
		return KindFetch
	}
	return fallback
}
