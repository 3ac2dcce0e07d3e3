// Package metrics exposes the harvester's Prometheus metrics.
// All metrics are defined in their respective packages (ratelimit, client,
// pagination, checkpoint, driver, sink, orchestrator) and registered via
// promauto on the default registry.
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

// Registry is the default Prometheus registry used by the harvester.
var Registry = prometheus.DefaultRegisterer

// Handler returns a mux serving /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvester_rate_limit_grants_total (Counter): Requests granted by the limiter
//   - harvester_rate_limit_wait_seconds (Histogram): Time callers waited in Acquire
//   - harvester_rate_limit_holds_total (Counter): Retry-After holds applied
//
// Request Metrics (pkg/client):
//   - harvester_jira_requests_total{status} (Counter): Search requests by HTTP status
//   - harvester_jira_request_duration_seconds (Histogram): Search request duration
//   - harvester_jira_errors_total{class} (Counter): Failed requests by error class
//
// Retry Metrics (pkg/client):
//   - harvester_retries_total{error_class} (Counter): Retries scheduled
//   - harvester_retry_backoff_seconds{error_class} (Histogram): Wait before each retry
//   - harvester_retry_exhausted_total{error_class} (Counter): Pages that ran out of attempts
//
// Page Metrics (pkg/pagination):
//   - harvester_pages_fetched_total{source} (Counter): Pages fetched successfully
//   - harvester_page_attempts_total{outcome} (Counter): Page attempts by outcome
//   - harvester_page_fetch_duration_seconds (Histogram): Fetch duration including retries
//
// Checkpoint Metrics (pkg/checkpoint):
//   - harvester_checkpoint_operations_total{backend, operation} (Counter)
//   - harvester_checkpoint_errors_total{operation} (Counter)
//   - harvester_checkpoint_save_duration_seconds{backend} (Histogram)
//
// Driver Metrics (pkg/driver):
//   - harvester_records_committed_total{source} (Counter)
//   - harvester_pages_skipped_total{source} (Counter): Malformed pages skipped
//   - harvester_source_results_total{state} (Counter): Finished drives by final state
//   - harvester_commit_duration_seconds (Histogram): Sink write plus checkpoint save
//
// Sink Metrics (pkg/sink):
//   - harvester_sink_records_written_total{source} (Counter)
//   - harvester_sink_transform_errors_total{source} (Counter)
//   - harvester_sink_lines_truncated_total (Counter): Prepare calls that cut output
//
// Orchestrator Metrics (pkg/orchestrator):
//   - harvester_runs_total{result} (Counter): Runs by result (completed, partial, cancelled)
//   - harvester_active_sources (Gauge): Sources currently being driven
//   - harvester_run_duration_seconds (Histogram)
//
// Example Prometheus Queries:
//
//   # Request rate against the configured ceiling
//   rate(harvester_rate_limit_grants_total[1m]) * 60
//
//   # Retry share
//   sum(rate(harvester_retries_total[5m])) / sum(rate(harvester_jira_requests_total[5m]))
//
//   # P95 page latency including retries
//   histogram_quantile(0.95, rate(harvester_page_fetch_duration_seconds_bucket[5m]))
