// Package metrics documents the extractor's Prometheus metrics and serves
// them. All metrics are defined in their respective packages (suiteql,
// pagination, ratelimit, sink, checkpoint, plan, extract) to maintain
// modularity and avoid circular dependencies.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the extractor.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/suiteql):
//   - extract_requests_total{status} (Counter): Query API requests by HTTP status
//   - extract_request_duration_seconds (Histogram): Request duration
//   - extract_errors_total{class} (Counter): Errors by class (auth, client, server, rate_limit, network)
//
// Retry Metrics (pkg/suiteql):
//   - extract_retries_total{error_class} (Counter): Retry attempts by error class
//   - extract_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - extract_retry_exhausted_total{error_class} (Counter): Pages that exhausted their retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - extract_rate_limit_remaining (Gauge): Remaining request budget, -1 when unknown
//   - extract_rate_limit_throttled_total (Counter): 429 responses observed
//   - extract_rate_limit_consumed_total (Counter): Requests charged against the budget
//   - extract_effective_concurrency (Gauge): Concurrency granted to the fetcher
//
// Fetch Metrics (pkg/pagination, pkg/plan):
//   - extract_pages_fetched_total{result} (Counter): Pages released, discarded or failed
//   - extract_pages_in_flight (Gauge): Page requests in flight
//   - extract_page_fetch_duration_seconds (Histogram): Page duration including retries
//   - extract_chunks_planned_total{stream, kind} (Counter): Initial and continuation chunks
//
// Output Metrics (pkg/extract, pkg/sink, pkg/checkpoint):
//   - extract_records_dropped_total{stream, reason} (Counter): Rows dropped by validation
//   - extract_batches_flushed_total{stream, trigger} (Counter): Flushes by trigger (batch, window, partition)
//   - extract_records_written_total{stream} (Counter): Records written to the sink
//   - extract_checkpoint_commits_total{stream, result} (Counter): Checkpoint commits
//   - extract_checkpoint_store_errors_total{backend, operation} (Counter): Store failures
//   - extract_chunks_completed_total{stream} (Counter): Chunks fetched and committed
//   - extract_jobs_total{stream, result} (Counter): Finished jobs
//   - extract_job_duration_seconds{stream} (Histogram): Job duration
//
// Example Prometheus Queries:
//
//   # Throughput
//   sum by (stream) (rate(extract_records_written_total[5m]))
//
//   # Drop Rate
//   sum(rate(extract_records_dropped_total[5m])) / sum(rate(extract_records_written_total[5m]))
//
//   # Throttling
//   extract_effective_concurrency < 5
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(extract_request_duration_seconds_bucket[5m]))

// Handler returns the HTTP handler exposing /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	return mux
}

// Serve exposes Handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
