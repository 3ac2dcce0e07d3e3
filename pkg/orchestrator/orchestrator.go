// Package orchestrator drives many sources under one shared request budget.
//
// Each source gets its own driver.Driver. Drivers run on a bounded pool
// (sequentially when MaxConcurrentSources is 1) and report their results over
// a channel; a failed source never stops the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/driver"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
)

// Prometheus metrics for runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_runs_total",
		Help: "Total runs by result (completed, partial, cancelled)",
	}, []string{"result"})

	activeSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvester_active_sources",
		Help: "Number of sources currently being driven",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_run_duration_seconds",
		Help:    "Wall time of complete runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)

var (
	// ErrSourceActive is returned when a source is already being driven.
	ErrSourceActive = errors.New("source is active")

	// ErrDuplicateSource is returned when a run names the same source twice.
	ErrDuplicateSource = errors.New("duplicate source")

	// ErrNoSources is returned when a run names no source.
	ErrNoSources = errors.New("no sources to run")
)

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrentSources bounds how many sources are driven at once.
	MaxConcurrentSources int

	Driver driver.Config
}

// DefaultConfig returns a sequential configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrentSources: 1}
}

// commentCounter is implemented by sinks that track written comments.
type commentCounter interface {
	Comments(sourceID string) int
}

// Orchestrator runs sources and owns their lifecycle.
type Orchestrator struct {
	fetcher driver.PageFetcher
	store   checkpoint.Store
	sink    driver.Sink
	config  Config
	logger  zerolog.Logger

	errorLog checkpoint.ErrorLog
	stats    checkpoint.StatsRecorder

	mu     sync.Mutex
	active map[string]bool
}

// New creates an orchestrator. The store's error log and statistics are used
// when the backend provides them.
func New(fetcher driver.PageFetcher, store checkpoint.Store, sink driver.Sink, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = 1
	}

	o := &Orchestrator{
		fetcher: fetcher,
		store:   store,
		sink:    sink,
		config:  cfg,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		active:  make(map[string]bool),
	}
	if l, ok := store.(checkpoint.ErrorLog); ok {
		o.errorLog = l
	}
	if s, ok := store.(checkpoint.StatsRecorder); ok {
		o.stats = s
	}
	return o
}

// Run drives every source until it completes, fails or ctx is cancelled.
// The returned error is only set for unusable input; per-source failures are
// reported in RunStats.
func (o *Orchestrator) Run(ctx context.Context, sources []pagination.Source) (*RunStats, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	for _, src := range sources {
		if err := src.Validate(); err != nil {
			return nil, err
		}
	}
	if err := o.claim(sources); err != nil {
		return nil, err
	}
	defer o.release(sources)

	stats := &RunStats{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now(),
		Sources:      make([]SourceReport, len(sources)),
		ErrorsByKind: make(map[string]int),
	}
	logger := o.logger.With().Str("run_id", stats.RunID).Logger()

	logger.Info().
		Int("sources", len(sources)).
		Int("concurrency", o.config.MaxConcurrentSources).
		Msg("Starting run")

	type indexed struct {
		index  int
		result driver.Result
	}
	results := make(chan indexed, len(sources))

	var g errgroup.Group
	g.SetLimit(o.config.MaxConcurrentSources)

	go func() {
		for i, src := range sources {
			g.Go(func() error {
				activeSources.Inc()
				defer activeSources.Dec()

				d := driver.New(src, o.fetcher, o.store, o.sink, o.errorLog, o.config.Driver, logger)
				results <- indexed{index: i, result: d.Run(ctx)}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	finished := 0
	for r := range results {
		finished++
		report := newSourceReport(r.result)
		stats.Sources[r.index] = report

		if kind := report.ErrorKind; kind != "" {
			stats.ErrorsByKind[kind]++
		}
		if r.result.State == driver.StateCompleted && r.result.Committed > 0 {
			o.recordStatistics(ctx, r.result)
		}

		event := logger.Info()
		if report.State == driver.StateFailed {
			event = logger.Error().Str("error_kind", report.ErrorKind).Str("error", report.Error)
		}
		event.
			Str("source", report.SourceID).
			Str("state", string(report.State)).
			Int("committed", report.Committed).
			Int("total_committed", report.TotalCommitted).
			Int("start_at", report.ResumeCursor.StartAt).
			Int("finished", finished).
			Int("total", len(sources)).
			Msg("Source finished")
	}

	stats.Elapsed = time.Since(stats.StartedAt)
	stats.Cancelled = ctx.Err() != nil

	result := "completed"
	switch {
	case stats.Cancelled:
		result = "cancelled"
	case stats.Failed() > 0:
		result = "partial"
	}
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(stats.Elapsed.Seconds())

	logger.Info().
		Str("result", result).
		Int("completed", stats.Completed()).
		Int("failed", stats.Failed()).
		Int("committed", stats.TotalCommitted()).
		Dur("duration", stats.Elapsed).
		Msg("Run finished")

	return stats, nil
}

// claim marks sources active, rejecting duplicates and sources that another
// Run is driving.
func (o *Orchestrator) claim(sources []pagination.Source) error {
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if seen[src.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID)
		}
		seen[src.ID] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, src := range sources {
		if o.active[src.ID] {
			return fmt.Errorf("%w: %s", ErrSourceActive, src.ID)
		}
	}
	for _, src := range sources {
		o.active[src.ID] = true
	}
	return nil
}

func (o *Orchestrator) release(sources []pagination.Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, src := range sources {
		delete(o.active, src.ID)
	}
}

func (o *Orchestrator) recordStatistics(ctx context.Context, res driver.Result) {
	if o.stats == nil {
		return
	}

	comments := 0
	if c, ok := o.sink.(commentCounter); ok {
		comments = c.Comments(res.SourceID)
	}

	finished := time.Now().UTC()
	err := o.stats.RecordStatistics(context.WithoutCancel(ctx), checkpoint.RunStatistics{
		SourceID:      res.SourceID,
		TotalRecords:  res.TotalCommitted,
		TotalComments: comments,
		StartedAt:     finished.Add(-res.Elapsed),
		FinishedAt:    finished,
		Duration:      res.Elapsed,
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("source", res.SourceID).Msg("Failed to record statistics")
	}
}

// Reset discards the checkpoint of a source so the next run starts over.
// It returns checkpoint.ErrNotFound when no checkpoint exists and
// ErrSourceActive while the source is being driven.
func (o *Orchestrator) Reset(ctx context.Context, sourceID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active[sourceID] {
		return fmt.Errorf("%w: %s", ErrSourceActive, sourceID)
	}

	if err := o.store.Reset(ctx, sourceID); err != nil {
		return err
	}

	o.logger.Info().Str("source", sourceID).Msg("Checkpoint reset")
	return nil
}

// Status returns every persisted checkpoint keyed by source ID.
func (o *Orchestrator) Status(ctx context.Context) (map[string]checkpoint.Checkpoint, error) {
	cps, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]checkpoint.Checkpoint, len(cps))
	for _, cp := range cps {
		out[cp.SourceID] = *cp
	}
	return out, nil
}

// Statistics returns the last recorded run statistics of a source, or nil
// when the backend keeps none.
func (o *Orchestrator) Statistics(ctx context.Context, sourceID string) (*checkpoint.RunStatistics, error) {
	if o.stats == nil {
		return nil, nil
	}
	st, err := o.stats.Statistics(ctx, sourceID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

// Errors returns the logged errors of a source, or nil when the backend keeps none.
func (o *Orchestrator) Errors(ctx context.Context, sourceID string) ([]checkpoint.ErrorEntry, error) {
	if o.errorLog == nil {
		return nil, nil
	}
	return o.errorLog.Errors(ctx, sourceID)
}
