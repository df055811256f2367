package ratelimit

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestTracker(now time.Time) *Tracker {
	tracker := NewTracker(nil, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	tracker.now = func() time.Time { return now }
	return tracker
}

func TestObserve_Headers(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		status        int
		headers       map[string]string
		wantRemaining int
		wantThrottled bool
		wantConc      int
		wantErr       bool
	}{
		{
			name:          "healthy",
			status:        200,
			headers:       map[string]string{HeaderRemaining: "100", HeaderReset: "60"},
			wantRemaining: 100,
			wantConc:      8,
		},
		{
			name:          "warning",
			status:        200,
			headers:       map[string]string{HeaderRemaining: "15", HeaderReset: "30"},
			wantRemaining: 15,
			wantConc:      4,
		},
		{
			name:          "critical",
			status:        200,
			headers:       map[string]string{HeaderRemaining: "3", HeaderReset: "45"},
			wantRemaining: 3,
			wantConc:      1,
		},
		{
			name:          "429 with retry after",
			status:        http.StatusTooManyRequests,
			headers:       map[string]string{HeaderRetryAfter: "5"},
			wantRemaining: -1,
			wantThrottled: true,
			wantConc:      1,
		},
		{
			name:          "no headers",
			status:        200,
			headers:       nil,
			wantRemaining: -1,
			wantConc:      8,
		},
		{
			name:          "invalid remaining",
			status:        200,
			headers:       map[string]string{HeaderRemaining: "lots"},
			wantRemaining: -1,
			wantConc:      8,
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := newTestTracker(now)

			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}

			err := tracker.Observe(context.Background(), tt.status, headers)
			if (err != nil) != tt.wantErr {
				t.Errorf("Observe() error = %v, wantErr %v", err, tt.wantErr)
			}

			state := tracker.State()
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", state.Remaining, tt.wantRemaining)
			}
			if state.Throttled != tt.wantThrottled {
				t.Errorf("Throttled = %v, want %v", state.Throttled, tt.wantThrottled)
			}
			if got := tracker.EffectiveConcurrency(8); got != tt.wantConc {
				t.Errorf("EffectiveConcurrency(8) = %d, want %d", got, tt.wantConc)
			}
		})
	}
}

func TestTracker_RecoversAfterReset(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := newTestTracker(now)

	headers := http.Header{}
	headers.Set(HeaderRetryAfter, "2")
	if err := tracker.Observe(context.Background(), http.StatusTooManyRequests, headers); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if got := tracker.EffectiveConcurrency(5); got != 1 {
		t.Fatalf("EffectiveConcurrency() throttled = %d, want 1", got)
	}

	tracker.now = func() time.Time { return now.Add(3 * time.Second) }
	if got := tracker.EffectiveConcurrency(5); got != 5 {
		t.Errorf("EffectiveConcurrency() after reset = %d, want 5", got)
	}
}

func TestTracker_Consume(t *testing.T) {
	tracker := newTestTracker(time.Now())

	tracker.Consume()
	if got := tracker.State().Remaining; got != -1 {
		t.Errorf("Remaining after Consume on unknown budget = %d, want -1", got)
	}

	headers := http.Header{}
	headers.Set(HeaderRemaining, "21")
	headers.Set(HeaderReset, "60")
	tracker.Observe(context.Background(), 200, headers)

	tracker.Consume()
	tracker.Consume()
	if got := tracker.State().Remaining; got != 19 {
		t.Errorf("Remaining = %d, want 19", got)
	}
	if got := tracker.EffectiveConcurrency(6); got != 3 {
		t.Errorf("EffectiveConcurrency(6) = %d, want 3 once below warning", got)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"", 0, false},
		{"7", 7 * time.Second, true},
		{"-1", 0, false},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{"soon", 0, false},
	}

	for _, tt := range tests {
		h := http.Header{}
		if tt.value != "" {
			h.Set(HeaderRetryAfter, tt.value)
		}
		got, ok := RetryAfter(h, now)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("RetryAfter(%q) = %v, %v; want %v, %v", tt.value, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTracker_RedisMirror(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	writer := NewTracker(client, logger)

	headers := http.Header{}
	headers.Set(HeaderRemaining, "12")
	headers.Set(HeaderReset, "60")
	if err := writer.Observe(ctx, 200, headers); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	reader := NewTracker(client, logger)
	if err := reader.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := reader.State().Remaining; got != 12 {
		t.Errorf("synced Remaining = %d, want 12", got)
	}
	if got := reader.EffectiveConcurrency(10); got != 5 {
		t.Errorf("synced EffectiveConcurrency(10) = %d, want 5", got)
	}
}
