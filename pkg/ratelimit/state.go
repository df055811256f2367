// Package ratelimit tracks the query API's request budget and turns it into
// an effective fetch concurrency. Near the limit parallelism is reduced;
// requests are never refused.
package ratelimit

import (
	"time"
)

// Redis keys mirroring the budget for workers sharing one account.
const (
	RedisKeyRemaining      = "extract:rate_limit:remaining"
	RedisKeyResetTimestamp = "extract:rate_limit:reset_timestamp"
	RedisKeyLastUpdate     = "extract:rate_limit:last_update"
)

// Thresholds on remaining requests.
const (
	// ThresholdCritical drops fetching to a single request in flight.
	ThresholdCritical = 5

	// ThresholdWarning halves fetch concurrency.
	ThresholdWarning = 20
)

// DefaultThrottleWindow applies after a 429 that carries no Retry-After.
const DefaultThrottleWindow = 30 * time.Second

// Level is the pressure the budget is under.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "healthy"
	}
}

// State is the last known request budget.
type State struct {
	// Remaining is the number of requests left in the window; -1 is unknown.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets. Zero when unknown.
	ResetAt time.Time `json:"reset_at"`

	// Throttled is set by a 429 and holds until ResetAt.
	Throttled bool `json:"throttled"`

	LastUpdate time.Time `json:"last_update"`
}

// UnknownState is the budget before any response was seen.
func UnknownState() State { return State{Remaining: -1} }

// Level classifies the state at a point in time. Once the window has reset
// the budget is healthy again.
func (s State) Level(now time.Time) Level {
	if !s.ResetAt.IsZero() && !now.Before(s.ResetAt) {
		return LevelHealthy
	}
	if s.Throttled {
		return LevelCritical
	}
	switch {
	case s.Remaining < 0:
		return LevelHealthy
	case s.Remaining < ThresholdCritical:
		return LevelCritical
	case s.Remaining < ThresholdWarning:
		return LevelWarning
	default:
		return LevelHealthy
	}
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if s.ResetAt.IsZero() || d < 0 {
		return 0
	}
	return d
}

// Concurrency maps a level onto a concurrency limit.
func Concurrency(level Level, max int) int {
	if max < 1 {
		return 1
	}
	switch level {
	case LevelCritical:
		return 1
	case LevelWarning:
		if half := max / 2; half > 1 {
			return half
		}
		return 1
	default:
		return max
	}
}
