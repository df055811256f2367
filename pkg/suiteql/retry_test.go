package suiteql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		class       ErrorClass
		wantInitial time.Duration
		wantMax     time.Duration
	}{
		{ErrorClassServer, 1 * time.Second, 10 * time.Second},
		{ErrorClassRateLimit, 5 * time.Second, 60 * time.Second},
		{ErrorClassNetwork, 2 * time.Second, 30 * time.Second},
		{ErrorClassClient, 1 * time.Second, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			cfg := RetryConfigForErrorClass(tt.class)
			if cfg.InitialBackoff != tt.wantInitial || cfg.MaxBackoff != tt.wantMax {
				t.Errorf("RetryConfigForErrorClass(%s) = %+v", tt.class, cfg)
			}
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := cfg.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ErrorClassAuth, false},
		{ErrorClassClient, false},
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{"", false},
	}
	for _, tt := range tests {
		if got := shouldRetry(tt.class); got != tt.want {
			t.Errorf("shouldRetry(%q) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestRetryWithBackoff_FollowsLatestClass(t *testing.T) {
	policy := RetryPolicy{
		ErrorClassServer:    {MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
		ErrorClassRateLimit: {MaxAttempts: 4, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1},
	}

	calls := 0
	err := retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		if calls == 1 {
			return &APIError{StatusCode: 500, Class: ErrorClassServer}
		}
		return &APIError{StatusCode: 429, Class: ErrorClassRateLimit}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (rate limit budget)", calls)
	}
	if ClassOf(err) != ErrorClassRateLimit {
		t.Errorf("ClassOf() = %s, want rate_limit", ClassOf(err))
	}
}

func TestRetryWithBackoff_HonoursRetryAfter(t *testing.T) {
	policy := UniformRetryPolicy(RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1})

	start := time.Now()
	calls := 0
	retryWithBackoff(context.Background(), policy, zerolog.Nop(), func() error {
		calls++
		if calls == 1 {
			return &APIError{StatusCode: 429, Class: ErrorClassRateLimit, RetryAfter: 50 * time.Millisecond}
		}
		return nil
	})
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the Retry-After of 50ms", elapsed)
	}
}
