package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_rate_limit_remaining",
		Help: "Requests remaining in the current query API rate limit window",
	})

	rateLimitThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extract_rate_limit_throttled_total",
		Help: "Total number of 429 responses observed",
	})

	effectiveConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "extract_effective_concurrency",
		Help: "Fetch concurrency currently allowed by the rate limit tracker",
	})

	budgetConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extract_rate_limit_consumed_total",
		Help: "Request budget units consumed",
	})
)

// Rate limit headers read from query API responses.
const (
	HeaderRetryAfter = "Retry-After"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
)

// Tracker is the one piece of shared mutable state among fetch tasks. All
// updates go through its mutex.
type Tracker struct {
	mu        sync.Mutex
	state     State
	lastLevel Level
	redis     *redis.Client
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker. redisClient may be nil; when set, every
// update is mirrored so other workers of the same account can Sync it.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		state:  UnknownState(),
		redis:  redisClient,
		logger: logger,
		now:    time.Now,
	}
}

// State returns a copy of the current budget.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Consume takes one unit of budget for an outgoing request.
func (t *Tracker) Consume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	budgetConsumedTotal.Inc()
	if t.state.Remaining > 0 {
		t.state.Remaining--
		rateLimitRemaining.Set(float64(t.state.Remaining))
	}
}

// EffectiveConcurrency returns how many requests may be in flight now,
// given the configured maximum.
func (t *Tracker) EffectiveConcurrency(max int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	level := t.state.Level(t.now())
	n := Concurrency(level, max)
	effectiveConcurrency.Set(float64(n))

	if level != t.lastLevel {
		ev := t.logger.Info()
		if level > t.lastLevel {
			ev = t.logger.Warn()
		}
		ev.Str("level", level.String()).
			Int("remaining", t.state.Remaining).
			Int("effective_concurrency", n).
			Dur("until_reset", t.state.TimeUntilReset(t.now())).
			Msg("Rate limit level changed")
		t.lastLevel = level
	}
	return n
}

// Observe updates the budget from a response. Missing headers leave the
// corresponding fields unchanged; a 429 marks the budget throttled.
func (t *Tracker) Observe(ctx context.Context, status int, headers http.Header) error {
	now := t.now()

	var errs []error
	remaining, hasRemaining, err := intHeader(headers, HeaderRemaining)
	if err != nil {
		errs = append(errs, err)
	}
	resetIn, hasReset, err := intHeader(headers, HeaderReset)
	if err != nil {
		errs = append(errs, err)
	}
	retryAfter, hasRetryAfter := RetryAfter(headers, now)

	if !hasRemaining && !hasReset && !hasRetryAfter && status != http.StatusTooManyRequests {
		return errors.Join(errs...)
	}

	t.mu.Lock()
	s := t.state
	if !s.ResetAt.IsZero() && !now.Before(s.ResetAt) {
		s.Throttled = false
	}
	if hasRemaining {
		s.Remaining = remaining
		rateLimitRemaining.Set(float64(remaining))
	}
	if hasReset {
		s.ResetAt = now.Add(time.Duration(resetIn) * time.Second)
	}
	if status == http.StatusTooManyRequests {
		rateLimitThrottledTotal.Inc()
		s.Throttled = true
		wait := DefaultThrottleWindow
		if hasRetryAfter {
			wait = retryAfter
		}
		if until := now.Add(wait); until.After(s.ResetAt) {
			s.ResetAt = until
		}
	}
	s.LastUpdate = now
	t.state = s
	t.mu.Unlock()

	if t.redis != nil {
		if err := t.mirror(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sync replaces the local budget with the mirrored one when it is newer.
func (t *Tracker) Sync(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}

	vals, err := t.redis.MGet(ctx, RedisKeyRemaining, RedisKeyResetTimestamp, RedisKeyLastUpdate).Result()
	if err != nil {
		return fmt.Errorf("get rate limit state: %w", err)
	}
	if vals[0] == nil || vals[2] == nil {
		t.logger.Debug().Msg("No rate limit state in Redis")
		return nil
	}

	remaining, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return fmt.Errorf("parse remaining: %w", err)
	}
	lastUpdate, err := time.Parse(time.RFC3339Nano, fmt.Sprint(vals[2]))
	if err != nil {
		return fmt.Errorf("parse last update: %w", err)
	}
	var resetAt time.Time
	if vals[1] != nil {
		ts, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("parse reset timestamp: %w", err)
		}
		if ts > 0 {
			resetAt = time.Unix(ts, 0)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if lastUpdate.After(t.state.LastUpdate) {
		t.state.Remaining = remaining
		t.state.ResetAt = resetAt
		t.state.LastUpdate = lastUpdate
	}
	return nil
}

func (t *Tracker) mirror(ctx context.Context, s State) error {
	var reset int64
	if !s.ResetAt.IsZero() {
		reset = s.ResetAt.Unix()
	}

	pipe := t.redis.Pipeline()
	pipe.Set(ctx, RedisKeyRemaining, s.Remaining, 0)
	pipe.Set(ctx, RedisKeyResetTimestamp, reset, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, s.LastUpdate.Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

func intHeader(h http.Header, name string) (int, bool, error) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s header: %w", name, err)
	}
	return n, true, nil
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get(HeaderRetryAfter))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
