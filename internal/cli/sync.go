package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/ledger-extract/pkg/checkpoint"
	"github.com/Sternrassler/ledger-extract/pkg/config"
	"github.com/Sternrassler/ledger-extract/pkg/extract"
	"github.com/Sternrassler/ledger-extract/pkg/logging"
	"github.com/Sternrassler/ledger-extract/pkg/metrics"
	"github.com/Sternrassler/ledger-extract/pkg/ratelimit"
	"github.com/Sternrassler/ledger-extract/pkg/sink"
	"github.com/Sternrassler/ledger-extract/pkg/streams"
	"github.com/Sternrassler/ledger-extract/pkg/suiteql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// syncOptions are the command-line overrides of the config file.
type syncOptions struct {
	streams      []string
	periods      []string
	lastModified string
	pageSize     int
	concurrency  int
	batchSize    int
	statePath    string
	redisURL     string
	postgresDSN  string
	metricsAddr  string
	logLevel     string
	logPretty    bool
	timeout      time.Duration
	reset        bool
}

func newSyncCmd(configPath *string) *cobra.Command {
	var opts syncOptions

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Extract the selected streams, resuming from the last checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cmd, *configPath, opts)
		},
	}

	f := syncCmd.Flags()
	f.StringSliceVarP(&opts.streams, "streams", "s", nil, "Streams to extract (default: all)")
	f.StringSliceVar(&opts.periods, "periods", nil, "Posting periods, e.g. \"Jan 2025,Feb 2025\"")
	f.StringVar(&opts.lastModified, "last-modified", "", "Only records modified on or after this date (YYYY-MM-DD)")
	f.IntVar(&opts.pageSize, "page-size", 0, "Rows per SuiteQL page; values above 1000 are clamped")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Concurrent page requests")
	f.IntVar(&opts.batchSize, "batch-size", 0, "Records per sink batch")
	f.StringVar(&opts.statePath, "state-path", "", "Checkpoint file")
	f.StringVar(&opts.redisURL, "redis-url", "", "Redis URL for checkpoints and the shared rate-limit budget")
	f.StringVar(&opts.postgresDSN, "postgres-dsn", "", "Write records to Postgres instead of stdout")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	f.BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable logs")
	f.DurationVar(&opts.timeout, "timeout", 0, "Per-stream job timeout")
	f.BoolVar(&opts.reset, "reset", false, "Discard the selected streams' checkpoints and extract from scratch; "+
		"a corrupt checkpoint file can only be reset when every stream is selected")

	return syncCmd
}

// apply overlays the flags the user set on cfg.
func (o syncOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("streams") {
		cfg.Streams = o.streams
	}
	if f.Changed("periods") {
		cfg.PostingPeriods = o.periods
	}
	if f.Changed("last-modified") {
		cfg.LastModifiedDate = o.lastModified
	}
	if f.Changed("page-size") {
		cfg.PageSize = o.pageSize
	}
	if f.Changed("concurrency") {
		cfg.ConcurrentRequests = o.concurrency
	}
	if f.Changed("batch-size") {
		cfg.RecordBatchSize = o.batchSize
	}
	if f.Changed("state-path") {
		cfg.StatePath = o.statePath
	}
	if f.Changed("redis-url") {
		cfg.RedisURL = o.redisURL
	}
	if f.Changed("postgres-dsn") {
		cfg.PostgresDSN = o.postgresDSN
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}
	if f.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if f.Changed("log-pretty") {
		cfg.LogPretty = o.logPretty
	}
	if f.Changed("timeout") {
		cfg.JobTimeout = config.Duration(o.timeout)
	}
}

func runSync(ctx context.Context, cmd *cobra.Command, configPath string, opts syncOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})

	selected, err := streams.Default().Select(cfg.Streams)
	if err != nil {
		return err
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	auth, err := suiteql.NewOAuth1(creds)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logger.Info().Str("redis", redisClient.Options().Addr).Msg("Connected to Redis")
	}

	tracker := ratelimit.NewTracker(redisClient, logging.NewLogger("ratelimit"))
	if err := tracker.Sync(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load shared rate limit state")
	}

	client, err := suiteql.New(suiteql.Config{
		Account: cfg.Account,
		BaseURL: cfg.BaseURL,
		Auth:    auth,
		Budget:  tracker,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var store checkpoint.Store
	if redisClient != nil {
		store = checkpoint.NewRedisStore(redisClient)
	} else {
		fileStore := checkpoint.NewFileStore(cfg.StatePath)
		if opts.reset && selectsAll(selected) {
			if err := fileStore.ResetAll(ctx); err != nil {
				return err
			}
			logger.Warn().Str("path", fileStore.Path()).Msg("Checkpoint file reset")
		}
		store = fileStore
	}

	runID := uuid.New()
	out, err := openSink(ctx, cfg, runID, cmd.OutOrStdout(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close sink")
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(metricsCtx, cfg.MetricsAddr, logger); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	runner, err := extract.NewRunner(extract.Config{
		Source:  client,
		Limiter: tracker,
		Store:   store,
		Sink:    out,
		RunID:   runID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	jobs := make([]extract.Job, 0, len(selected))
	for _, s := range selected {
		jobs = append(jobs, extract.Job{
			Stream:           s,
			PostingPeriods:   cfg.PostingPeriods,
			LastModifiedDate: cfg.LastModifiedDate,
			PageSize:         cfg.PageSize,
			Concurrency:      cfg.ConcurrentRequests,
			BatchSize:        cfg.RecordBatchSize,
			OffsetCeiling:    cfg.OffsetCeiling,
			Timeout:          time.Duration(cfg.JobTimeout),
			PageTimeout:      time.Duration(cfg.PageTimeout),
			Reset:            opts.reset,
		})
	}

	logger.Info().
		Str("run_id", runID.String()).
		Int("streams", len(jobs)).
		Int("page_size", cfg.PageSize).
		Int("concurrency", cfg.ConcurrentRequests).
		Msg("Starting extraction")

	summaries, err := runner.RunAll(ctx, jobs)
	var records int64
	for _, s := range summaries {
		records += s.Records
	}
	logger.Info().
		Str("run_id", runID.String()).
		Int("streams", len(summaries)).
		Int64("records", records).
		Bool("ok", err == nil).
		Msg("Extraction finished")
	return err
}

// selectsAll reports whether selected covers every known stream.
func selectsAll(selected []streams.Stream) bool {
	names := make(map[string]bool, len(selected))
	for _, s := range selected {
		names[s.Name] = true
	}
	for _, s := range streams.Default().All() {
		if !names[s.Name] {
			return false
		}
	}
	return true
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

func openSink(ctx context.Context, cfg config.Config, runID uuid.UUID, stdout io.Writer, logger zerolog.Logger) (sink.Sink, error) {
	if cfg.PostgresDSN == "" {
		return sink.NewJSONLSink(stdout), nil
	}
	return sink.OpenPostgres(ctx, cfg.PostgresDSN, runID, logger)
}
