package extract

import "fmt"

// Phase is the state of a running job.
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhasePlanning      Phase = "PLANNING"
	PhaseFetchingChunk Phase = "FETCHING_CHUNK"
	PhaseValidating    Phase = "VALIDATING"
	PhaseWriting       Phase = "WRITING"
	PhaseChunkComplete Phase = "CHUNK_COMPLETE"
	PhaseJobComplete   Phase = "JOB_COMPLETE"
	PhaseFailed        Phase = "FAILED"
)

var transitions = map[Phase][]Phase{
	PhaseInit:          {PhasePlanning, PhaseFailed},
	PhasePlanning:      {PhaseFetchingChunk, PhaseJobComplete, PhaseFailed},
	PhaseFetchingChunk: {PhaseValidating, PhaseChunkComplete, PhaseFailed},
	PhaseValidating:    {PhaseWriting, PhaseFailed},
	PhaseWriting:       {PhaseValidating, PhaseChunkComplete, PhaseFailed},
	PhaseChunkComplete: {PhasePlanning, PhaseFailed},
}

// CanTransition reports whether a job may move from one phase to another.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseJobComplete || p == PhaseFailed
}

// machine tracks the phase of one job. It is owned by the coordinating
// goroutine.
type machine struct {
	phase   Phase
	history []Phase
}

func newMachine() *machine {
	return &machine{phase: PhaseInit, history: []Phase{PhaseInit}}
}

func (m *machine) to(next Phase) error {
	if !CanTransition(m.phase, next) {
		return fmt.Errorf("invalid phase transition %s -> %s", m.phase, next)
	}
	m.phase = next
	m.history = append(m.history, next)
	return nil
}

// fail moves to FAILED from any non-terminal phase.
func (m *machine) fail() {
	if m.phase.Terminal() {
		return
	}
	m.phase = PhaseFailed
	m.history = append(m.history, PhaseFailed)
}
