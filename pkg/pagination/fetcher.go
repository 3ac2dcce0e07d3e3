package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/jira-harvester/pkg/client"
)

// Prometheus metrics for page fetching.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_pages_fetched_total",
		Help: "Total pages fetched by source",
	}, []string{"source"})

	pageAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_page_attempts_total",
		Help: "Total page fetch attempts by outcome",
	}, []string{"outcome"})

	pageFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_page_fetch_duration_seconds",
		Help:    "Time to fetch one page including rate limit waits and retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// DefaultPageSize is the number of issues requested per page.
const DefaultPageSize = 100

// Requester issues one unretried search request.
type Requester interface {
	Search(ctx context.Context, sr client.SearchRequest) (*client.SearchResponse, error)
}

// Limiter gates outbound requests.
type Limiter interface {
	Acquire(ctx context.Context) error
	Observe(retryAfter time.Duration)
}

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the maximum number of records requested per page.
	PageSize int
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{PageSize: DefaultPageSize}
}

// Fetcher fetches one page at a time under the shared rate limit and retry policy.
type Fetcher struct {
	requester Requester
	limiter   Limiter
	policy    *client.RetryPolicy
	config    Config
	wait      func(ctx context.Context, d time.Duration) error
	logger    zerolog.Logger
}

// NewFetcher creates a page fetcher.
func NewFetcher(requester Requester, limiter Limiter, policy *client.RetryPolicy, cfg Config, logger zerolog.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if policy == nil {
		policy = client.NewRetryPolicy(client.DefaultRetryConfig())
	}

	return &Fetcher{
		requester: requester,
		limiter:   limiter,
		policy:    policy,
		config:    cfg,
		wait:      client.Sleep,
		logger:    logger.With().Str("component", "page-fetcher").Logger(),
	}
}

// PageSize returns the configured page size.
func (f *Fetcher) PageSize() int {
	return f.config.PageSize
}

// SetWaitFunc replaces the backoff wait (for testing).
func (f *Fetcher) SetWaitFunc(wait func(ctx context.Context, d time.Duration) error) {
	f.wait = wait
}

// Fetch retrieves the page of src starting at cursor. limit caps the page below
// the configured page size; values <= 0 mean the full page size.
//
// The returned error is classified (see client.ClassOf). Retryable failures that
// ran out of attempts additionally match client.ErrRetryExhausted.
func (f *Fetcher) Fetch(ctx context.Context, src Source, cursor Cursor, limit int) (*Page, error) {
	if limit <= 0 || limit > f.config.PageSize {
		limit = f.config.PageSize
	}

	req := client.SearchRequest{
		JQL:        src.JQL(),
		Fields:     src.Fields,
		StartAt:    cursor.StartAt,
		MaxResults: limit,
	}

	start := time.Now()
	defer func() {
		pageFetchDuration.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		if err := f.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", client.ErrContextCancelled, err)
		}

		resp, err := f.requester.Search(ctx, req)
		if err == nil {
			page, parseErr := parsePage(resp, cursor, limit)
			if parseErr == nil {
				pageAttemptsTotal.WithLabelValues("success").Inc()
				pagesFetchedTotal.WithLabelValues(src.ID).Inc()
				return page, nil
			}
			err = parseErr
		}

		class := client.ClassOf(err)
		if class == client.ErrorClassCancelled {
			pageAttemptsTotal.WithLabelValues("cancelled").Inc()
			return nil, err
		}
		pageAttemptsTotal.WithLabelValues(string(class)).Inc()

		if retryAfter := client.RetryAfterOf(err); retryAfter > 0 {
			f.limiter.Observe(retryAfter)
		}

		decision := f.policy.Decide(attempt, err)
		if !decision.Retry {
			f.logger.Warn().
				Err(err).
				Str("source", src.ID).
				Int("start_at", cursor.StartAt).
				Int("attempt", attempt).
				Str("error_class", string(class)).
				Str("reason", decision.Reason).
				Msg("Giving up on page")
			if decision.Exhausted {
				return nil, f.policy.Exhausted(err)
			}
			return nil, err
		}

		f.logger.Warn().
			Err(err).
			Str("source", src.ID).
			Int("start_at", cursor.StartAt).
			Int("attempt", attempt).
			Str("error_class", string(class)).
			Dur("backoff", decision.After).
			Msg("Retrying page")

		if err := f.wait(ctx, decision.After); err != nil {
			return nil, err
		}
	}
}

// parsePage converts a search response into a Page. Every issue must carry a key.
func parsePage(resp *client.SearchResponse, cursor Cursor, limit int) (*Page, error) {
	if resp == nil {
		return nil, client.NewMalformedError("empty search response", nil)
	}

	records := make([]Record, 0, len(resp.Issues))
	for i, raw := range resp.Issues {
		var head struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, client.NewMalformedError(fmt.Sprintf("decode issue %d", cursor.StartAt+i), err)
		}
		if head.Key == "" {
			return nil, client.NewMalformedError(fmt.Sprintf("issue %d has no key", cursor.StartAt+i), nil)
		}
		records = append(records, Record{Key: head.Key, Raw: raw})
	}

	if len(records) > limit {
		return nil, client.NewMalformedError(
			fmt.Sprintf("server returned %d issues for a page of %d", len(records), limit), nil)
	}

	next := Cursor{StartAt: cursor.StartAt + len(records)}

	return &Page{
		Records:   records,
		Requested: limit,
		Next:      next,
		Terminal:  len(records) < limit || (resp.Total > 0 && next.StartAt >= resp.Total),
		Total:     resp.Total,
	}, nil
}
