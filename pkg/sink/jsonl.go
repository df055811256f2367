package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// Message types of the JSON lines stream.
const (
	MessageSchema = "SCHEMA"
	MessageRecord = "RECORD"
	MessageState  = "STATE"
)

type schemaMessage struct {
	Type          string         `json:"type"`
	Stream        string         `json:"stream"`
	Schema        map[string]any `json:"schema"`
	KeyProperties []string       `json:"key_properties"`
}

type recordMessage struct {
	Type          string        `json:"type"`
	Stream        string        `json:"stream"`
	Record        record.Record `json:"record"`
	TimeExtracted string        `json:"time_extracted"`
}

type stateMessage struct {
	Type  string                      `json:"type"`
	Value map[string]checkpoint.State `json:"value"`
}

// JSONLSink writes SCHEMA, RECORD and STATE messages as JSON lines.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time

	// bookmarks accumulates the latest state of every stream, so each STATE
	// message carries the complete picture.
	bookmarks map[string]checkpoint.State
}

// NewJSONLSink creates a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{
		w:         w,
		now:       func() time.Time { return time.Now().UTC() },
		bookmarks: make(map[string]checkpoint.State),
	}
}

// WriteSchema emits the stream's SCHEMA message.
func (s *JSONLSink) WriteSchema(_ context.Context, schema *record.Schema) error {
	return s.writeLines(schemaMessage{
		Type:          MessageSchema,
		Stream:        schema.Stream,
		Schema:        schema.JSONSchema(),
		KeyProperties: schema.Key,
	})
}

// WriteBatch emits one RECORD message per record with a single write.
func (s *JSONLSink) WriteBatch(_ context.Context, stream string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	extracted := s.now().Format(time.RFC3339)
	msgs := make([]any, len(records))
	for i, r := range records {
		msgs[i] = recordMessage{Type: MessageRecord, Stream: stream, Record: r, TimeExtracted: extracted}
	}
	return s.writeLines(msgs...)
}

// WriteState emits a STATE message with the bookmarks of all streams seen.
func (s *JSONLSink) WriteState(_ context.Context, stream string, state checkpoint.State) error {
	s.mu.Lock()
	s.bookmarks[stream] = state.Clone()
	value := make(map[string]checkpoint.State, len(s.bookmarks))
	for k, v := range s.bookmarks {
		value[k] = v
	}
	s.mu.Unlock()

	return s.writeLines(stateMessage{Type: MessageState, Value: value})
}

// Close is a no-op; the writer belongs to the caller.
func (s *JSONLSink) Close() error { return nil }

func (s *JSONLSink) writeLines(msgs ...any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}
