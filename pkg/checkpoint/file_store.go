package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every stream's checkpoint in one JSON document, one
// object per stream. Writes replace the file atomically.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the file at path. The file is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

// Load implements Store.
func (f *FileStore) Load(ctx context.Context, stream string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		checkpointStoreErrors.WithLabelValues("file", "load").Inc()
		return State{}, err
	}

	raw, ok := doc[stream]
	if !ok {
		return State{}, ErrNotFound
	}
	return decodeState(stream, f.path, raw)
}

// Save implements Store.
func (f *FileStore) Save(ctx context.Context, stream string, state State) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		checkpointStoreErrors.WithLabelValues("file", "save").Inc()
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	doc[stream] = data

	if err := f.write(doc); err != nil {
		checkpointStoreErrors.WithLabelValues("file", "save").Inc()
		return err
	}
	return nil
}

// Delete implements Store. An unparseable document holds every stream's
// checkpoint, so Delete refuses it with a *CorruptionError; use ResetAll.
func (f *FileStore) Delete(ctx context.Context, stream string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		checkpointStoreErrors.WithLabelValues("file", "delete").Inc()
		return err
	}
	if _, ok := doc[stream]; !ok {
		return nil
	}
	delete(doc, stream)
	return f.write(doc)
}

// ResetAll discards the checkpoints of every stream. An unparseable
// document is moved aside to Path()+".corrupt", not erased.
func (f *FileStore) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.read()
	var cerr *CorruptionError
	switch {
	case errors.As(err, &cerr):
		if err := os.Rename(f.path, f.path+".corrupt"); err != nil {
			return fmt.Errorf("move corrupt checkpoint aside: %w", err)
		}
		return nil
	case err != nil:
		return err
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

func (f *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &CorruptionError{Stream: "*", Source: f.path, Err: err}
	}
	return doc, nil
}

func (f *FileStore) write(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace checkpoint file: %w", err)
	}
	return nil
}

func decodeState(stream, source string, raw []byte) (State, error) {
	state := NewState()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&state); err != nil {
		return State{}, &CorruptionError{Stream: stream, Source: source, Err: err}
	}
	if state.CompletedChunks == nil {
		state.CompletedChunks = []string{}
	}
	if state.ChunkStats == nil {
		state.ChunkStats = map[string]ChunkStats{}
	}
	if err := state.Validate(); err != nil {
		return State{}, &CorruptionError{Stream: stream, Source: source, Err: err}
	}
	return state, nil
}
