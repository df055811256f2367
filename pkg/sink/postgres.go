package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/record"
)

// RecordRow is one extracted record. Rows are keyed by stream and composite
// record key, so a re-delivered record overwrites its earlier copy.
type RecordRow struct {
	bun.BaseModel `bun:"table:extracted_records,alias:er"`

	Stream      string          `bun:"stream,pk"`
	RecordKey   string          `bun:"record_key,pk"`
	Payload     json.RawMessage `bun:"payload,type:jsonb,notnull"`
	RunID       uuid.UUID       `bun:"run_id,type:uuid,notnull"`
	ExtractedAt time.Time       `bun:"extracted_at,notnull"`
}

// StreamRow holds the stream's schema and its latest committed state.
type StreamRow struct {
	bun.BaseModel `bun:"table:extract_streams,alias:es"`

	Stream        string            `bun:"stream,pk"`
	KeyProperties []string          `bun:"key_properties,type:jsonb"`
	Schema        map[string]any    `bun:"schema,type:jsonb"`
	State         *checkpoint.State `bun:"state,type:jsonb"`
	RunID         uuid.UUID         `bun:"run_id,type:uuid,notnull"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull,default:current_timestamp"`
}

// PostgresSink upserts batches into Postgres, one transaction per batch.
type PostgresSink struct {
	db     *bun.DB
	runID  uuid.UUID
	logger zerolog.Logger
	now    func() time.Time
}

// OpenPostgres connects to dsn and creates the sink tables when missing.
func OpenPostgres(ctx context.Context, dsn string, runID uuid.UUID, logger zerolog.Logger) (*PostgresSink, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	s := NewPostgresSink(db, runID, logger)
	if err := s.InitializeDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

// NewPostgresSink wraps an existing bun database.
func NewPostgresSink(db *bun.DB, runID uuid.UUID, logger zerolog.Logger) *PostgresSink {
	return &PostgresSink{
		db:     db,
		runID:  runID,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// InitializeDatabase creates the tables and indexes the sink writes to.
func (s *PostgresSink) InitializeDatabase(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*RecordRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create extracted_records table: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*RecordRow)(nil)).
		Index("idx_extracted_records_run_id").
		Column("run_id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create run_id index: %w", err)
	}

	_, err = s.db.NewCreateTable().
		Model((*StreamRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create extract_streams table: %w", err)
	}

	return nil
}

// WriteSchema records the stream's JSON schema and key properties.
func (s *PostgresSink) WriteSchema(ctx context.Context, schema *record.Schema) error {
	row := &StreamRow{
		Stream:        schema.Stream,
		KeyProperties: schema.Key,
		Schema:        schema.JSONSchema(),
		RunID:         s.runID,
		UpdatedAt:     s.now(),
	}

	_, err := s.db.NewInsert().
		Model(row).
		Column("stream", "key_properties", "schema", "run_id", "updated_at").
		On("CONFLICT (stream) DO UPDATE").
		Set("key_properties = EXCLUDED.key_properties").
		Set("schema = EXCLUDED.schema").
		Set("run_id = EXCLUDED.run_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save schema for %s: %w", schema.Stream, err)
	}
	return nil
}

// WriteBatch upserts the records in one transaction.
func (s *PostgresSink) WriteBatch(ctx context.Context, stream string, records []record.Record) error {
	rows, err := s.rows(stream, records)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (stream, record_key) DO UPDATE").
			Set("payload = EXCLUDED.payload").
			Set("run_id = EXCLUDED.run_id").
			Set("extracted_at = EXCLUDED.extracted_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert %d records for %s: %w", len(rows), stream, err)
		}

		s.logger.Debug().
			Str("stream", stream).
			Int("rows", len(rows)).
			Msg("Batch upserted")
		return nil
	})
}

// rows converts a batch to table rows. A key repeated within the batch
// keeps its last occurrence; Postgres rejects an upsert touching a row twice.
func (s *PostgresSink) rows(stream string, records []record.Record) ([]RecordRow, error) {
	now := s.now()
	index := make(map[string]int, len(records))
	rows := make([]RecordRow, 0, len(records))

	for _, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode record %s: %w", r.Key(), err)
		}
		row := RecordRow{
			Stream:      stream,
			RecordKey:   r.Key(),
			Payload:     payload,
			RunID:       s.runID,
			ExtractedAt: now,
		}
		if i, dup := index[row.RecordKey]; dup {
			rows[i] = row
			continue
		}
		index[row.RecordKey] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

// WriteState stores the committed checkpoint next to the stream's schema.
func (s *PostgresSink) WriteState(ctx context.Context, stream string, state checkpoint.State) error {
	st := state.Clone()
	row := &StreamRow{
		Stream:    stream,
		State:     &st,
		RunID:     s.runID,
		UpdatedAt: s.now(),
	}

	_, err := s.db.NewInsert().
		Model(row).
		Column("stream", "state", "run_id", "updated_at").
		On("CONFLICT (stream) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("run_id = EXCLUDED.run_id").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", stream, err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
