// Package driver runs the pagination of one source to completion or failure.
//
// A Driver is a sequential state machine:
//
//	Idle -> Resuming -> Fetching -> Committing -> Fetching ... -> Completed
//	                        \-> Failed
//
// Records reach the sink before the checkpoint advances, so the checkpoint never
// claims more than the sink durably holds. A failed or cancelled driver leaves the
// checkpoint at its last committed page and the next run resumes there.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
)

// Prometheus metrics for source drivers.
var (
	recordsCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_records_committed_total",
		Help: "Total records committed by source",
	}, []string{"source"})

	pagesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_pages_skipped_total",
		Help: "Total malformed pages skipped by source",
	}, []string{"source"})

	sourceResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_source_results_total",
		Help: "Total finished source drives by final state",
	}, []string{"state"})

	commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_commit_duration_seconds",
		Help:    "Time to hand a page to the sink and save its checkpoint",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// ErrSinkRejected wraps failures of the record sink.
var ErrSinkRejected = errors.New("sink rejected records")

// State is a driver state.
type State string

const (
	StateIdle       State = "idle"
	StateResuming   State = "resuming"
	StateFetching   State = "fetching"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Sink durably accepts the records of one page. A nil return means the
// records are persisted.
type Sink interface {
	Accept(ctx context.Context, sourceID string, records []pagination.Record) error
}

// Preparer is implemented by sinks that must align their output with the
// committed record count before a source resumes.
type Preparer interface {
	Prepare(ctx context.Context, sourceID string, committed int) error
}

// PageFetcher fetches one page of a source.
type PageFetcher interface {
	Fetch(ctx context.Context, src pagination.Source, cursor pagination.Cursor, limit int) (*pagination.Page, error)
	PageSize() int
}

// Config holds driver configuration.
type Config struct {
	// SkipMalformedPages logs a malformed page and moves past it instead of
	// failing the source.
	SkipMalformedPages bool
}

// Result is the outcome of one Run.
type Result struct {
	SourceID string
	State    State

	// Status is the checkpoint status as last persisted.
	Status checkpoint.Status

	// Committed counts records committed during this run.
	Committed int

	// TotalCommitted is the checkpoint's committed count after the run.
	TotalCommitted int

	Pages        int
	SkippedPages int

	// Cursor is where the next run resumes.
	Cursor pagination.Cursor

	Elapsed   time.Duration
	Cancelled bool

	Err        error
	ErrorClass client.ErrorClass
}

// Failed reports whether the run ended in the Failed state.
func (r Result) Failed() bool {
	return r.State == StateFailed
}

// Kind returns the report name of the error class, or "" for a clean run.
func (r Result) Kind() string {
	if r.ErrorClass == "" {
		return ""
	}
	return r.ErrorClass.Kind()
}

// Driver drives the pagination of one source.
type Driver struct {
	source   pagination.Source
	fetcher  PageFetcher
	store    checkpoint.Store
	sink     Sink
	errorLog checkpoint.ErrorLog
	config   Config
	logger   zerolog.Logger

	mu      sync.Mutex
	state   State
	history []State
}

// New creates a driver for src. errorLog may be nil.
func New(src pagination.Source, fetcher PageFetcher, store checkpoint.Store, sink Sink, errorLog checkpoint.ErrorLog, cfg Config, logger zerolog.Logger) *Driver {
	return &Driver{
		source:   src,
		fetcher:  fetcher,
		store:    store,
		sink:     sink,
		errorLog: errorLog,
		config:   cfg,
		logger:   logger.With().Str("component", "driver").Str("source", src.ID).Logger(),
		state:    StateIdle,
		history:  []State{StateIdle},
	}
}

// State returns the current state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// History returns every state the driver has entered, in order.
func (d *Driver) History() []State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]State, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Driver) transition(to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == to {
		return
	}
	d.logger.Debug().Str("from", string(d.state)).Str("to", string(to)).Msg("State transition")
	d.state = to
	d.history = append(d.history, to)
}

// Run drives the source until it completes, fails or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) (res Result) {
	start := time.Now()
	res = Result{SourceID: d.source.ID}

	defer func() {
		res.State = d.State()
		res.Elapsed = time.Since(start)
		sourceResultsTotal.WithLabelValues(string(res.State)).Inc()
	}()

	if ctx.Err() != nil {
		res.Cancelled = true
		res.ErrorClass = client.ErrorClassCancelled
		// Report where the next run resumes. Reading is safe after cancellation.
		if cp, err := d.store.Load(context.WithoutCancel(ctx), d.source.ID); err == nil {
			d.describe(&res, cp)
		}
		return res
	}

	d.transition(StateResuming)

	cp, err := d.store.Load(ctx, d.source.ID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = checkpoint.New(d.source.ID)
		if err := d.store.Save(ctx, cp); err != nil {
			if ctx.Err() != nil {
				return d.cancel(&res, nil)
			}
			return d.fail(ctx, &res, nil, client.ErrorClassCheckpoint, fmt.Errorf("create checkpoint: %w", err))
		}
	case err != nil:
		if ctx.Err() != nil {
			return d.cancel(&res, nil)
		}
		return d.fail(ctx, &res, nil, client.ErrorClassCheckpoint, fmt.Errorf("load checkpoint: %w", err))
	}
	d.describe(&res, cp)

	if cp.IsComplete(d.source.Target) {
		d.logger.Info().Int("committed", cp.RecordsCommitted).Msg("Source already completed")
		d.transition(StateCompleted)
		return res
	}

	cp.Status = checkpoint.StatusInProgress
	if cp.RecordsCommitted >= d.source.Target {
		// Target lowered since the last run.
		cp.Status = checkpoint.StatusCompleted
	}
	cp.LastUpdatedAt = time.Now().UTC()
	if err := d.store.Save(ctx, cp); err != nil {
		if ctx.Err() != nil {
			return d.cancel(&res, nil)
		}
		return d.fail(ctx, &res, nil, client.ErrorClassCheckpoint, fmt.Errorf("mark in progress: %w", err))
	}
	d.describe(&res, cp)

	if cp.Status == checkpoint.StatusCompleted {
		d.transition(StateCompleted)
		return res
	}

	if p, ok := d.sink.(Preparer); ok {
		if err := p.Prepare(ctx, d.source.ID, cp.RecordsCommitted); err != nil {
			return d.fail(ctx, &res, cp, client.ErrorClassSink, fmt.Errorf("%w: prepare: %v", ErrSinkRejected, err))
		}
	}

	d.logger.Info().
		Int("start_at", cp.Cursor).
		Int("committed", cp.RecordsCommitted).
		Int("target", d.source.Target).
		Msg("Driving source")

	cursor := pagination.Cursor{StartAt: cp.Cursor}

	for {
		// No new request once cancellation is observed.
		if ctx.Err() != nil {
			return d.cancel(&res, cp)
		}

		d.transition(StateFetching)

		limit := d.source.Target - cp.RecordsCommitted
		if size := d.fetcher.PageSize(); size > 0 && limit > size {
			limit = size
		}

		page, err := d.fetcher.Fetch(ctx, d.source, cursor, limit)
		if err != nil {
			class := client.ClassOf(err)
			if class == client.ErrorClassCancelled {
				return d.cancel(&res, cp)
			}

			if class == client.ErrorClassMalformed && d.config.SkipMalformedPages {
				next, ok := d.skip(ctx, &res, cp, cursor, limit, err)
				if !ok {
					return res
				}
				cursor = next
				continue
			}

			return d.fail(ctx, &res, cp, class, err)
		}

		// The page is in hand; finish committing it even if the run is being cancelled.
		commitCtx := context.WithoutCancel(ctx)
		commitStart := time.Now()

		if len(page.Records) > 0 {
			if err := d.sink.Accept(commitCtx, d.source.ID, page.Records); err != nil {
				return d.fail(ctx, &res, cp, client.ErrorClassSink, fmt.Errorf("%w: %v", ErrSinkRejected, err))
			}
		}

		d.transition(StateCommitting)

		next := *cp
		next.RecordsCommitted += len(page.Records)
		next.Cursor = page.Next.StartAt
		if key := page.LastKey(); key != "" {
			next.LastRecordKey = key
		}
		done := next.RecordsCommitted >= d.source.Target || page.Terminal
		if done {
			next.Status = checkpoint.StatusCompleted
		}
		next.LastUpdatedAt = time.Now().UTC()

		if err := d.store.Save(commitCtx, &next); err != nil {
			return d.fail(ctx, &res, cp, client.ErrorClassCheckpoint, fmt.Errorf("save checkpoint: %w", err))
		}
		commitDuration.Observe(time.Since(commitStart).Seconds())

		cp = &next
		cursor = page.Next
		res.Committed += len(page.Records)
		res.Pages++
		d.describe(&res, cp)
		recordsCommittedTotal.WithLabelValues(d.source.ID).Add(float64(len(page.Records)))

		d.logger.Debug().
			Int("records", len(page.Records)).
			Int("committed", cp.RecordsCommitted).
			Int("start_at", cp.Cursor).
			Msg("Page committed")

		if done {
			d.transition(StateCompleted)
			d.logger.Info().
				Int("committed", cp.RecordsCommitted).
				Bool("exhausted", page.Terminal).
				Msg("Source completed")
			return res
		}
	}
}

// skip moves the cursor past a malformed page and persists the new position.
func (d *Driver) skip(ctx context.Context, res *Result, cp *checkpoint.Checkpoint, cursor pagination.Cursor, limit int, cause error) (pagination.Cursor, bool) {
	d.logger.Warn().
		Err(cause).
		Int("start_at", cursor.StartAt).
		Int("records", limit).
		Msg("Skipping malformed page")

	d.logError(ctx, cursor.StartAt, client.ErrorClassMalformed, "page skipped: "+cause.Error())
	pagesSkippedTotal.WithLabelValues(d.source.ID).Inc()

	d.transition(StateCommitting)

	next := *cp
	next.Cursor = cursor.StartAt + limit
	next.LastUpdatedAt = time.Now().UTC()
	if err := d.store.Save(context.WithoutCancel(ctx), &next); err != nil {
		*res = d.fail(ctx, res, cp, client.ErrorClassCheckpoint, fmt.Errorf("save checkpoint: %w", err))
		return cursor, false
	}

	*cp = next
	res.SkippedPages++
	d.describe(res, cp)
	return pagination.Cursor{StartAt: next.Cursor}, true
}

// fail enters Failed. The checkpoint is not written; cp (if known) is the last
// committed state the next run resumes from.
func (d *Driver) fail(ctx context.Context, res *Result, cp *checkpoint.Checkpoint, class client.ErrorClass, err error) Result {
	d.transition(StateFailed)
	res.Err = err
	res.ErrorClass = class
	if cp != nil {
		d.describe(res, cp)
	}

	d.logger.Error().
		Err(err).
		Str("error_class", string(class)).
		Int("start_at", res.Cursor.StartAt).
		Msg("Source failed")

	d.logError(ctx, res.Cursor.StartAt, class, err.Error())
	return *res
}

// cancel returns the driver to Idle. Committed progress is untouched.
func (d *Driver) cancel(res *Result, cp *checkpoint.Checkpoint) Result {
	d.transition(StateIdle)
	res.Cancelled = true
	res.ErrorClass = client.ErrorClassCancelled
	if cp != nil {
		d.describe(res, cp)
	}
	d.logger.Info().Int("start_at", res.Cursor.StartAt).Msg("Source cancelled")
	return *res
}

func (d *Driver) describe(res *Result, cp *checkpoint.Checkpoint) {
	res.Status = cp.Status
	res.TotalCommitted = cp.RecordsCommitted
	res.Cursor = pagination.Cursor{StartAt: cp.Cursor}
}

func (d *Driver) logError(ctx context.Context, cursor int, class client.ErrorClass, msg string) {
	if d.errorLog == nil {
		return
	}
	err := d.errorLog.LogError(context.WithoutCancel(ctx), checkpoint.ErrorEntry{
		SourceID:  d.source.ID,
		Cursor:    cursor,
		Kind:      class.Kind(),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to write error log")
	}
}
