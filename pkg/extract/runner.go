package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/logging"
	"github.com/Sternrassler/ledger-extract/pkg/pagination"
	"github.com/Sternrassler/ledger-extract/pkg/plan"
	"github.com/Sternrassler/ledger-extract/pkg/record"
	"github.com/Sternrassler/ledger-extract/pkg/sink"
)

var (
	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_records_dropped_total",
		Help: "Raw rows dropped by validation, by stream and reason",
	}, []string{"stream", "reason"})

	chunksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_chunks_completed_total",
		Help: "Chunks fetched and committed, by stream",
	}, []string{"stream"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extract_jobs_total",
		Help: "Finished jobs by stream and result",
	}, []string{"stream", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "extract_job_duration_seconds",
		Help:    "Job duration by stream",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"stream"})
)

// Config wires a Runner to its collaborators.
type Config struct {
	Source  pagination.PageSource
	Limiter pagination.Limiter
	Store   checkpoint.Store
	Sink    sink.Sink

	// RunID tags logs; a random one is generated when zero.
	RunID uuid.UUID

	Logger zerolog.Logger
}

// Summary reports a finished job.
type Summary struct {
	Stream   string
	RunID    uuid.UUID
	Chunks   int
	Pages    int
	Records  int64
	Dropped  int64
	Skipped  []string
	State    checkpoint.State
	Duration time.Duration

	// Phases is the phase history of the job, ending in JOB_COMPLETE or
	// FAILED.
	Phases []Phase
}

// Runner executes jobs sequentially. Streams are independent: a failed
// stream does not roll back or stop the others in RunAll.
type Runner struct {
	source  pagination.PageSource
	limiter pagination.Limiter
	store   checkpoint.Store
	sink    sink.Sink
	runID   uuid.UUID
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("page source is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("sink is required")
	}
	runID := cfg.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	return &Runner{
		source:  cfg.Source,
		limiter: cfg.Limiter,
		store:   cfg.Store,
		sink:    cfg.Sink,
		runID:   runID,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// RunID returns the identifier of this run.
func (r *Runner) RunID() uuid.UUID { return r.runID }

// RunAll runs every job and joins their errors.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) ([]Summary, error) {
	var (
		summaries []Summary
		errs      []error
	)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		s, err := r.Run(ctx, job)
		summaries = append(summaries, s)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return summaries, errors.Join(errs...)
}

// run carries the state of one job through its chunks.
type run struct {
	job         Job
	machine     *machine
	ledger      *checkpoint.Ledger
	planner     *plan.Planner
	fetcher     *pagination.Fetcher
	transformer *record.Transformer
	writer      *sink.BatchWriter
	logger      zerolog.Logger
	summary     Summary
}

// Run extracts one stream. Failures are returned as *JobError.
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	job = job.WithDefaults()
	start := r.now()
	name := job.Stream.Name

	logger := logging.ForStream(r.logger, name, r.runID.String())
	ru := &run{
		job:     job,
		machine: newMachine(),
		logger:  logger,
		summary: Summary{Stream: name, RunID: r.runID},
	}

	err := r.execute(ctx, ru)

	ru.summary.Duration = r.now().Sub(start)
	jobDuration.WithLabelValues(name).Observe(ru.summary.Duration.Seconds())
	if ru.ledger != nil {
		ru.summary.State = ru.ledger.Snapshot()
	}

	if err != nil {
		jobErr := ru.failure(err)
		ru.summary.Phases = ru.machine.history
		jobsTotal.WithLabelValues(name, "failed").Inc()
		logger.Error().
			Str("kind", string(jobErr.Kind)).
			Str("phase", string(jobErr.Phase)).
			Int64("committed", jobErr.Committed.TotalRecordCount).
			Int64("last_processed_id", jobErr.Committed.LastProcessedID).
			Strs("completed_chunks", jobErr.Committed.CompletedChunks).
			Err(jobErr.Err).
			Msg("Extraction failed")
		return ru.summary, jobErr
	}

	ru.summary.Phases = ru.machine.history
	jobsTotal.WithLabelValues(name, "completed").Inc()
	logger.Info().
		Int("chunks", ru.summary.Chunks).
		Int("pages", ru.summary.Pages).
		Int64("records", ru.summary.Records).
		Int64("dropped", ru.summary.Dropped).
		Int64("total_record_count", ru.summary.State.TotalRecordCount).
		Dur("duration", ru.summary.Duration).
		Msg("Extraction complete")
	return ru.summary, nil
}

func (ru *run) failure(err error) *JobError {
	phase := ru.machine.phase
	ru.machine.fail()

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}

	fallback := KindFetch
	switch phase {
	case PhaseInit:
		fallback = KindConfig
	case PhaseWriting, PhaseChunkComplete:
		fallback = KindWrite
	}

	je := &JobError{
		Stream: ru.job.Stream.Name,
		Kind:   kindOf(err, fallback),
		Phase:  phase,
		Err:    err,
	}
	if ru.ledger != nil {
		je.Committed = ru.ledger.Snapshot()
	}
	return je
}

func (r *Runner) execute(ctx context.Context, ru *run) error {
	job := ru.job
	if err := job.Validate(); err != nil {
		return &JobError{Stream: job.Stream.Name, Kind: KindConfig, Phase: PhaseInit, Err: err}
	}

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	if job.Reset {
		if err := r.store.Delete(ctx, job.Stream.Name); err != nil {
			return fmt.Errorf("reset checkpoint: %w", err)
		}
		ru.logger.Warn().Msg("Checkpoint reset")
	}

	ledger, err := checkpoint.OpenLedger(ctx, r.store, job.Stream.Name, ru.logger)
	if err != nil {
		return &JobError{Stream: job.Stream.Name, Kind: KindCheckpoint, Phase: PhaseInit, Err: err}
	}
	ru.ledger = ledger

	planner, err := plan.New(plan.Config{
		Stream:        job.Stream.Name,
		Partitions:    job.partitions(),
		PageSize:      job.PageSize,
		OffsetCeiling: job.OffsetCeiling,
		LastModified:  job.LastModifiedDate,
		UniqueSortKey: job.Stream.Schema.UniqueSortKey,
	}, ledger.Snapshot())
	if err != nil {
		return &JobError{Stream: job.Stream.Name, Kind: KindConfig, Phase: PhaseInit, Err: err}
	}
	ru.planner = planner
	ru.summary.Skipped = planner.Skipped()
	if len(ru.summary.Skipped) > 0 {
		ru.logger.Info().Strs("skipped", ru.summary.Skipped).Msg("Skipping completed partitions")
	}

	if err := r.sink.WriteSchema(ctx, job.Stream.Schema); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}

	ru.fetcher = pagination.NewFetcher(r.source, r.limiter, pagination.Config{
		MaxConcurrency: job.Concurrency,
		PageTimeout:    job.PageTimeout,
	}, ru.logger)
	ru.transformer = record.NewTransformer(job.Stream.Schema, ru.logger)
	ru.writer = sink.NewBatchWriter(r.sink, ledger, job.Stream.Schema, job.BatchSize, ru.logger)

	ru.logger.Info().
		Int("page_size", job.PageSize).
		Int("concurrency", job.Concurrency).
		Int("max_pages_per_chunk", planner.MaxPagesPerChunk()).
		Strs("partitions", job.partitions()).
		Str("last_modified_date", job.LastModifiedDate).
		Msg("Extraction started")

	for {
		if err := ru.machine.to(PhasePlanning); err != nil {
			return err
		}
		chunk, ok := planner.Next()
		if !ok {
			break
		}
		if err := ru.chunk(ctx, chunk); err != nil {
			return err
		}
	}

	return ru.machine.to(PhaseJobComplete)
}

// chunk fetches, validates and writes one chunk, then closes it.
func (ru *run) chunk(ctx context.Context, c plan.Chunk) error {
	if err := ru.machine.to(PhaseFetchingChunk); err != nil {
		return err
	}
	logger := ru.logger.With().
		Str("chunk", c.Label).
		Int("chunk_seq", c.Seq).
		Int64("lower_bound", c.LowerBound).
		Bool("bounded", c.Bounded).
		Logger()
	logger.Info().Bool("continuation", c.Continuation).Msg("Fetching chunk")

	if err := ru.writer.Begin(c.Label, ru.startedAt(c.Label)); err != nil {
		return err
	}

	stream := ru.job.Stream
	unique := stream.Schema.UniqueSortKey
	tracker := plan.NewTracker(stream.Name, c)
	hold := &boundaryHold{}
	var dropped int64

	req := pagination.Request{
		ChunkSeq: c.Seq,
		Query:    stream.Query.Render(c.Predicates()),
		PageSize: c.PageSize,
		MaxPages: c.MaxPages,
	}

	res, err := ru.fetcher.Fetch(ctx, req, func(p pagination.Page) error {
		if err := ru.machine.to(PhaseValidating); err != nil {
			return err
		}
		v := ru.validate(p, logger)
		dropped += v.dropped
		for _, id := range v.observed {
			if err := tracker.Observe(id); err != nil {
				return err
			}
		}

		if err := ru.machine.to(PhaseWriting); err != nil {
			return err
		}
		if unique {
			return ru.add(ctx, v.records)
		}
		if len(v.observed) == 0 {
			return nil
		}
		return ru.add(ctx, hold.push(v.records, v.ids, v.observed[len(v.observed)-1]))
	})
	ru.summary.Pages += res.Pages
	ru.summary.Dropped += dropped

	if err != nil {
		var ferr *pagination.FetchError
		if errors.As(err, &ferr) && ctx.Err() == nil {
			// Pages before the failure are complete; keep their progress.
			if flushErr := ru.writer.Flush(ctx, sink.EndBatch); flushErr != nil {
				logger.Warn().Err(flushErr).Msg("Failed to flush before abort")
			}
		}
		return err
	}

	lastID, hasRows := tracker.Last()
	end := sink.EndWindow
	if res.Exhausted {
		if err := ru.add(ctx, hold.release()); err != nil {
			return err
		}
		end = sink.EndPartition
	} else if !unique {
		// The boundary identifier is fetched again by the continuation.
		withheld := hold.release()
		lastID, hasRows = hold.id, hold.seen
		logger.Debug().
			Int64("boundary_id", lastID).
			Int("withheld", len(withheld)).
			Msg("Withholding boundary rows")
	}

	closed, err := ru.planner.Advance(plan.Outcome{Exhausted: res.Exhausted, LastID: lastID, HasRows: hasRows})
	if err != nil {
		return err
	}

	if err := ru.machine.to(PhaseChunkComplete); err != nil {
		return err
	}
	if err := ru.writer.Flush(ctx, end); err != nil {
		return err
	}

	ru.summary.Chunks++
	chunksCompleted.WithLabelValues(stream.Name).Inc()
	logger.Info().
		Str("range", closed.String()).
		Int("pages", res.Pages).
		Int("records", res.Records).
		Int64("dropped", dropped).
		Bool("partition_complete", res.Exhausted).
		Int64("committed", ru.ledger.Snapshot().TotalRecordCount).
		Msg("Chunk complete")
	return nil
}

// validated is one page after validation. observed holds the sort key of
// every row that has one, dropped rows included, so continuation can move
// past a run of invalid rows.
type validated struct {
	records  []record.Record
	ids      []int64
	observed []int64
	dropped  int64
}

// validate transforms a page, dropping rows that fail validation.
func (ru *run) validate(p pagination.Page, logger zerolog.Logger) validated {
	v := validated{
		records:  make([]record.Record, 0, len(p.Records)),
		ids:      make([]int64, 0, len(p.Records)),
		observed: make([]int64, 0, len(p.Records)),
	}

	for i, raw := range p.Records {
		rec, err := ru.transformer.Transform(raw)
		if err != nil {
			v.dropped++
			reason := "invalid"
			var verr *record.ValidationError
			if errors.As(err, &verr) {
				reason = verr.Reason
			}
			recordsDropped.WithLabelValues(ru.job.Stream.Name, reason).Inc()
			logger.Warn().
				Int("page", p.Index).
				Int("row", p.Offset+i).
				Str("reason", reason).
				Err(err).
				Msg("Dropping invalid record")
			if id, ok := ru.transformer.RawSortID(raw); ok {
				v.observed = append(v.observed, id)
			}
			continue
		}
		id := ru.transformer.SortID(rec)
		v.records = append(v.records, rec)
		v.ids = append(v.ids, id)
		v.observed = append(v.observed, id)
	}
	return v
}

func (ru *run) add(ctx context.Context, recs []record.Record) error {
	for _, rec := range recs {
		if err := ru.writer.Add(ctx, rec); err != nil {
			return err
		}
		ru.summary.Records++
	}
	return nil
}

// startedAt keeps a resumed partition's original start time.
func (ru *run) startedAt(label string) time.Time {
	if cs, ok := ru.ledger.Snapshot().ChunkStats[label]; ok && cs.StartedAt != nil {
		return *cs.StartedAt
	}
	return time.Now().UTC()
}

// boundaryHold withholds the rows of the highest identifier seen so far
// until a higher identifier proves them complete. Used for sort keys that
// repeat across rows.
type boundaryHold struct {
	id   int64
	seen bool
	rows []record.Record
}

// push takes a page's records and the page's highest observed identifier,
// which may belong to a dropped row, and returns the records that may be
// written.
func (h *boundaryHold) push(recs []record.Record, ids []int64, last int64) []record.Record {
	var out []record.Record
	if h.seen && last != h.id {
		out = append(out, h.rows...)
		h.rows = nil
	}
	h.id = last
	h.seen = true

	start := len(recs)
	if start > 0 && ids[start-1] == last {
		start = plan.BoundaryStart(ids)
	}
	out = append(out, recs[:start]...)
	h.rows = append(h.rows, recs[start:]...)
	return out
}

// release empties the hold and returns its rows.
func (h *boundaryHold) release() []record.Record {
	rows := h.rows
	h.rows = nil
	return rows
}
