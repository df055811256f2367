package checkpoint

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state", "checkpoint.json"))

	if _, err := store.Load(ctx, "gl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() on empty store error = %v, want ErrNotFound", err)
	}

	state := NewState()
	state.LastProcessedID = 42
	state.TotalRecordCount = 10
	state.CompletedChunks = []string{"Jan 2025"}
	state.ChunkStats["Jan 2025"] = ChunkStats{RecordCount: 10, LastProcessedID: 42}

	if err := store.Save(ctx, "gl", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "netsuite_account", NewState()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx, "gl")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.LastProcessedID != 42 || got.TotalRecordCount != 10 || !got.IsCompleted("Jan 2025") {
		t.Errorf("Load() = %+v, want saved state", got)
	}

	if err := store.Delete(ctx, "gl"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx, "gl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
	if _, err := store.Load(ctx, "netsuite_account"); err != nil {
		t.Errorf("Load() other stream after Delete error = %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(store.Path()), "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFileStore_Corruption(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unparseable document", `{"gl": `},
		{"wrong field type", `{"gl": {"last_processed_id": "x"}}`},
		{"unknown field", `{"gl": {"last_processed_id": 1, "bookmark": 2}}`},
		{"duplicate completed label", `{"gl": {"completed_chunks": ["a", "a"]}}`},
		{"counts exceed total", `{"gl": {"total_record_count": 1, "chunk_stats": {"a": {"record_count": 5}}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}

			_, err := NewFileStore(path).Load(context.Background(), "gl")
			var cerr *CorruptionError
			if !errors.As(err, &cerr) {
				t.Fatalf("Load() error = %v, want *CorruptionError", err)
			}
			if !errors.Is(err, ErrCorrupt) {
				t.Error("errors.Is(err, ErrCorrupt) = false, want true")
			}
		})
	}
}

func TestFileStore_DeleteRefusesCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewFileStore(path)
	if err := store.Delete(context.Background(), "gl"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Delete() error = %v, want ErrCorrupt", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "not json" {
		t.Errorf("document changed by refused Delete: %q, %v", data, err)
	}
	if _, err := os.Stat(path + ".corrupt"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Delete moved the document aside: %v", err)
	}
}

func TestFileStore_ResetAll(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupt document is moved aside", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "checkpoint.json")
		if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		store := NewFileStore(path)
		if err := store.ResetAll(ctx); err != nil {
			t.Fatalf("ResetAll() error = %v", err)
		}
		if _, err := os.Stat(path + ".corrupt"); err != nil {
			t.Errorf("corrupt document not preserved: %v", err)
		}
		if _, err := store.Load(ctx, "gl"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Load() after reset error = %v, want ErrNotFound", err)
		}
	})

	t.Run("valid document is removed", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
		for _, stream := range []string{"gl", "netsuite_account"} {
			if err := store.Save(ctx, stream, State{LastProcessedID: 7}); err != nil {
				t.Fatalf("Save(%s) error = %v", stream, err)
			}
		}
		if err := store.ResetAll(ctx); err != nil {
			t.Fatalf("ResetAll() error = %v", err)
		}
		for _, stream := range []string{"gl", "netsuite_account"} {
			if _, err := store.Load(ctx, stream); !errors.Is(err, ErrNotFound) {
				t.Errorf("Load(%s) after reset error = %v, want ErrNotFound", stream, err)
			}
		}
	})

	t.Run("missing file is a no-op", func(t *testing.T) {
		store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
		if err := store.ResetAll(ctx); err != nil {
			t.Errorf("ResetAll() error = %v", err)
		}
	})
}

func TestLedger_Commit(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	ledger, err := OpenLedger(ctx, store, "gl", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLedger() error = %v", err)
	}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = fixedClock(t0)

	steps := []Progress{
		{Label: "Jan 2025", LastProcessedID: 100, Records: 1000, StartedAt: t0},
		{Label: "Jan 2025", LastProcessedID: 180, Records: 400, Completed: true},
		{Label: "Feb 2025", LastProcessedID: 90, Records: 50},
	}
	for _, p := range steps {
		if _, err := ledger.Commit(ctx, p); err != nil {
			t.Fatalf("Commit(%+v) error = %v", p, err)
		}
	}

	got := ledger.Snapshot()
	if got.TotalRecordCount != 1450 {
		t.Errorf("TotalRecordCount = %d, want 1450", got.TotalRecordCount)
	}
	if got.LastProcessedID != 180 {
		t.Errorf("LastProcessedID = %d, want 180 (never decreases)", got.LastProcessedID)
	}
	if !got.IsCompleted("Jan 2025") || got.IsCompleted("Feb 2025") {
		t.Errorf("CompletedChunks = %v, want [Jan 2025]", got.CompletedChunks)
	}
	if id, ok := got.Resume("Feb 2025"); !ok || id != 90 {
		t.Errorf("Resume(Feb 2025) = %d, %v; want 90, true", id, ok)
	}
	jan := got.ChunkStats["Jan 2025"]
	if jan.RecordCount != 1400 || jan.CompletedAt == nil || jan.StartedAt == nil {
		t.Errorf("Jan stats = %+v", jan)
	}

	// Persisted and reloadable.
	reopened, err := OpenLedger(ctx, store, "gl", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenLedger() reopen error = %v", err)
	}
	if snap := reopened.Snapshot(); snap.TotalRecordCount != 1450 || len(snap.CompletedChunks) != 1 {
		t.Errorf("reopened state = %+v", snap)
	}
}

func TestLedger_SnapshotIsolated(t *testing.T) {
	ctx := context.Background()
	ledger, err := OpenLedger(ctx, NewFileStore(filepath.Join(t.TempDir(), "c.json")), "s", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	snap := ledger.Snapshot()
	snap.CompletedChunks = append(snap.CompletedChunks, "all")
	snap.ChunkStats["all"] = ChunkStats{RecordCount: 5}

	if got := ledger.Snapshot(); len(got.CompletedChunks) != 0 || len(got.ChunkStats) != 0 {
		t.Errorf("Snapshot mutation leaked into ledger: %+v", got)
	}
}

type failingStore struct{ Store }

func (failingStore) Save(context.Context, string, State) error { return errors.New("disk full") }

func TestLedger_CommitFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	base := NewFileStore(filepath.Join(t.TempDir(), "c.json"))
	ledger, err := OpenLedger(ctx, failingStore{base}, "s", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.Commit(ctx, Progress{Label: "all", LastProcessedID: 5, Records: 5}); err == nil {
		t.Fatal("Commit() error = nil, want save failure")
	}
	if got := ledger.Snapshot(); got.TotalRecordCount != 0 || got.LastProcessedID != 0 {
		t.Errorf("state advanced despite failed save: %+v", got)
	}
}

func TestOpenLedger_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	if err := os.WriteFile(path, []byte(`{"gl": {"total_record_count": -1}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenLedger(context.Background(), NewFileStore(path), "gl", zerolog.Nop()); !errors.Is(err, ErrCorrupt) {
		t.Errorf("OpenLedger() error = %v, want ErrCorrupt", err)
	}
}

// setupTestRedis connects to a local Redis and skips when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestRedisStore(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	store := NewRedisStore(client)

	if got := store.Key("gl"); got != "extract:checkpoint:gl" {
		t.Errorf("Key() = %s, want extract:checkpoint:gl", got)
	}
	if _, err := store.Load(ctx, "gl"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}

	state := NewState()
	state.LastProcessedID = 7
	state.TotalRecordCount = 3
	if err := store.Save(ctx, "gl", state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Load(ctx, "gl")
	if err != nil || got.LastProcessedID != 7 {
		t.Errorf("Load() = %+v, %v", got, err)
	}

	client.Set(ctx, store.Key("broken"), "{", 0)
	if _, err := store.Load(ctx, "broken"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load(broken) error = %v, want ErrCorrupt", err)
	}

	if err := store.Delete(ctx, "gl"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx, "gl"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() after Delete error = %v, want ErrNotFound", err)
	}
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil)
}
