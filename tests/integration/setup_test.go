//go:build integration

// Package integration runs the extractor against real Redis and Postgres
// containers.
package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/record"
	"github.com/Sternrassler/ledger-extract/pkg/suiteql"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// setupPostgres creates a Postgres container and returns its DSN.
func setupPostgres(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "extract",
			"POSTGRES_PASSWORD": "extract",
			"POSTGRES_DB":       "ledger",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://extract:extract@%s:%s/ledger?sslmode=disable", host, port.Port())
	return dsn, func() { container.Terminate(ctx) }
}

var fastRetry = suiteql.UniformRetryPolicy(suiteql.RetryConfig{
	MaxAttempts:       3,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        5 * time.Millisecond,
	BackoffMultiplier: 2,
})

func employees(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":          fmt.Sprint(i + 1),
			"entityid":    fmt.Sprintf("E%05d", i+1),
			"companyname": "Jane Doe",
		}
	}
	return rows
}

// memorySink keeps every written record id in order.
type memorySink struct {
	mu     sync.Mutex
	ids    []int64
	states []checkpoint.State
}

func (s *memorySink) WriteSchema(context.Context, *record.Schema) error { return nil }

func (s *memorySink) WriteBatch(_ context.Context, _ string, records []record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		v, _ := r.Get("id")
		id, _ := v.Int64()
		s.ids = append(s.ids, id)
	}
	return nil
}

func (s *memorySink) WriteState(_ context.Context, _ string, state checkpoint.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *memorySink) Close() error { return nil }
