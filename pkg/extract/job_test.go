package extract

import (
	"testing"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/streams"
)

func TestJob_WithDefaults(t *testing.T) {
	j := Job{Stream: streams.GeneralLedgerDetail()}.WithDefaults()
	if j.PageSize != 1000 || j.Concurrency != 5 || j.BatchSize != 1000 || j.OffsetCeiling != 99000 {
		t.Errorf("WithDefaults() = %+v", j)
	}
	if err := j.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestJob_Validate(t *testing.T) {
	gl := streams.GeneralLedgerDetail()
	tests := []struct {
		name string
		job  Job
	}{
		{"no stream", Job{}},
		{"page size above cap", Job{Stream: gl, PageSize: 1001}},
		{"ceiling below page size", Job{Stream: gl, PageSize: 500, OffsetCeiling: 400}},
		{"negative concurrency", Job{Stream: gl, Concurrency: -2}},
		{"bad date", Job{Stream: gl, LastModifiedDate: "2025/01/01"}},
		{"negative timeout", Job{Stream: gl, Timeout: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.job.WithDefaults().Validate(); err == nil {
				t.Error("Validate() error = nil, want error")
			}
		})
	}
}

func TestJob_PartitionsOnlyForPeriodStreams(t *testing.T) {
	periods := []string{"Jan 2025"}

	gl := Job{Stream: streams.GeneralLedgerDetail(), PostingPeriods: periods}
	if got := gl.partitions(); len(got) != 1 {
		t.Errorf("GL partitions = %v, want %v", got, periods)
	}

	dim := Job{Stream: streams.Dimensions()[0], PostingPeriods: periods}
	if got := dim.partitions(); got != nil {
		t.Errorf("dimension partitions = %v, want nil", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Phase
		want     bool
	}{
		{PhaseInit, PhasePlanning, true},
		{PhasePlanning, PhaseFetchingChunk, true},
		{PhasePlanning, PhaseJobComplete, true},
		{PhaseFetchingChunk, PhaseValidating, true},
		{PhaseFetchingChunk, PhaseChunkComplete, true},
		{PhaseValidating, PhaseWriting, true},
		{PhaseWriting, PhaseValidating, true},
		{PhaseWriting, PhaseChunkComplete, true},
		{PhaseChunkComplete, PhasePlanning, true},
		{PhaseFetchingChunk, PhaseFailed, true},
		{PhaseInit, PhaseFetchingChunk, false},
		{PhaseValidating, PhaseChunkComplete, false},
		{PhaseJobComplete, PhasePlanning, false},
		{PhaseFailed, PhasePlanning, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine(t *testing.T) {
	m := newMachine()
	for _, p := range []Phase{PhasePlanning, PhaseFetchingChunk, PhaseValidating, PhaseWriting, PhaseChunkComplete, PhasePlanning, PhaseJobComplete} {
		if err := m.to(p); err != nil {
			t.Fatalf("to(%s) error = %v", p, err)
		}
	}
	if err := m.to(PhasePlanning); err == nil {
		t.Error("transition out of JOB_COMPLETE allowed")
	}
	m.fail()
	if m.phase != PhaseJobComplete {
		t.Errorf("fail() changed terminal phase to %s", m.phase)
	}

	m = newMachine()
	m.fail()
	if m.phase != PhaseFailed || len(m.history) != 2 {
		t.Errorf("phase = %s, history = %v", m.phase, m.history)
	}
}
