//go:build integration

package integration

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Sternrassler/ledger-extract/internal/testutil"
	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/extract"
	"github.com/Sternrassler/ledger-extract/pkg/ratelimit"
	"github.com/Sternrassler/ledger-extract/pkg/streams"
	"github.com/Sternrassler/ledger-extract/pkg/suiteql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newRunner(t *testing.T, mock *testutil.MockSuiteQL, redisClient *redis.Client, out *memorySink) *extract.Runner {
	t.Helper()
	tracker := ratelimit.NewTracker(redisClient, zerolog.Nop())
	client, err := suiteql.New(suiteql.Config{
		BaseURL: mock.URL(),
		Budget:  tracker,
		Retry:   fastRetry,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("suiteql.New() error = %v", err)
	}
	r, err := extract.NewRunner(extract.Config{
		Source:  client,
		Limiter: tracker,
		Store:   checkpoint.NewRedisStore(redisClient),
		Sink:    out,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

// TestRedisCheckpointResume interrupts a job after its first chunk and
// resumes it from the checkpoint held in Redis.
func TestRedisCheckpointResume(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockSuiteQL(testutil.MockConfig{IDColumn: "id", IDField: "id", Ceiling: 1000}, employees(2500))
	defer mock.Close()
	mock.SetFailure(func(query string, _, _ int) (int, map[string]string) {
		if strings.Contains(query, "id >= 1001") {
			return http.StatusBadRequest, nil
		}
		return 0, nil
	})

	stream, err := streams.Default().Get("netsuite_employee")
	if err != nil {
		t.Fatal(err)
	}
	job := extract.Job{Stream: stream, PageSize: 100, Concurrency: 4, BatchSize: 250, OffsetCeiling: 1000}
	ctx := context.Background()

	first := &memorySink{}
	_, err = newRunner(t, mock, redisClient, first).Run(ctx, job)
	var jobErr *extract.JobError
	if !errors.As(err, &jobErr) {
		t.Fatalf("first Run() error = %v, want *JobError", err)
	}
	if jobErr.Kind != extract.KindFetch {
		t.Errorf("Kind = %s, want %s", jobErr.Kind, extract.KindFetch)
	}

	state, err := checkpoint.NewRedisStore(redisClient).Load(ctx, stream.Name)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state.LastProcessedID != 1000 {
		t.Errorf("LastProcessedID = %d, want 1000", state.LastProcessedID)
	}

	mock.SetFailure(nil)
	second := &memorySink{}
	sum, err := newRunner(t, mock, redisClient, second).Run(ctx, job)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(second.ids) != 1500 {
		t.Fatalf("resumed run wrote %d records, want 1500", len(second.ids))
	}
	if second.ids[0] != 1001 {
		t.Errorf("resumed run started at id %d, want 1001", second.ids[0])
	}
	if sum.State.TotalRecordCount != 2500 {
		t.Errorf("TotalRecordCount = %d, want 2500", sum.State.TotalRecordCount)
	}
}

// TestRateLimitMirror shares the observed budget between two trackers.
func TestRateLimitMirror(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	a := ratelimit.NewTracker(redisClient, zerolog.Nop())
	b := ratelimit.NewTracker(redisClient, zerolog.Nop())

	headers := http.Header{}
	headers.Set(ratelimit.HeaderRemaining, "3")
	headers.Set(ratelimit.HeaderReset, "60")
	if err := a.Observe(ctx, http.StatusOK, headers); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	if err := b.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if got := b.State().Remaining; got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
	if a.EffectiveConcurrency(10) != b.EffectiveConcurrency(10) {
		t.Errorf("EffectiveConcurrency differs: %d vs %d", a.EffectiveConcurrency(10), b.EffectiveConcurrency(10))
	}
}
