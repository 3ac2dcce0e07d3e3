package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for the request budget.
var (
	rateLimitGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_rate_limit_grants_total",
		Help: "Total number of requests granted by the rate limiter",
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_rate_limit_wait_seconds",
		Help:    "Time callers spent waiting for a rate limit grant",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	rateLimitHoldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_rate_limit_holds_total",
		Help: "Total number of server-requested holds (Retry-After) observed",
	})
)

// Limiter is a token bucket with a hard per-minute ceiling and support for
// server-requested holds. It is safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	bucket    *rate.Limiter
	rpm       int
	burst     int
	window    []time.Time // grant times inside the last Window, oldest first
	heldUntil time.Time
	granted   int64

	now    func() time.Time
	logger zerolog.Logger
}

// New creates a limiter for the given budget.
func New(cfg Config, logger zerolog.Logger) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests_per_minute must be > 0 (got %d)", cfg.RequestsPerMinute)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Burst > cfg.RequestsPerMinute {
		cfg.Burst = cfg.RequestsPerMinute
	}

	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / Window.Seconds())

	return &Limiter{
		bucket: rate.NewLimiter(perSecond, cfg.Burst),
		rpm:    cfg.RequestsPerMinute,
		burst:  cfg.Burst,
		window: make([]time.Time, 0, cfg.RequestsPerMinute),
		now:    time.Now,
		logger: logger,
	}, nil
}

// Acquire blocks until one request may be sent or ctx is done.
// A cancelled wait does not consume a token.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		wait := l.reserve(l.now())
		l.mu.Unlock()

		if wait <= 0 {
			rateLimitGrantsTotal.Inc()
			rateLimitWaitSeconds.Observe(l.now().Sub(start).Seconds())
			return nil
		}

		l.logger.Debug().Dur("wait", wait).Msg("Waiting for rate limit grant")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Observe records a server-requested minimum delay. The next grant happens no
// earlier than now+retryAfter, regardless of available tokens.
func (l *Limiter) Observe(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}

	l.mu.Lock()
	until := l.now().Add(retryAfter)
	if until.After(l.heldUntil) {
		l.heldUntil = until
	}
	l.mu.Unlock()

	rateLimitHoldsTotal.Inc()
	l.logger.Warn().
		Dur("retry_after", retryAfter).
		Time("held_until", until).
		Msg("Remote requested backoff, holding rate limiter")
}

// Stats returns a snapshot of the limiter state.
func (l *Limiter) Stats() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	state := State{
		RequestsPerMinute:  l.rpm,
		Burst:              l.burst,
		Granted:            l.granted,
		RequestsLastMinute: len(l.window),
	}
	if now.Before(l.heldUntil) {
		state.HeldUntil = l.heldUntil
	}
	return state
}

// reserve grants a request at now and returns 0, or returns how long the
// caller must wait before trying again. Callers must hold l.mu.
func (l *Limiter) reserve(now time.Time) time.Duration {
	// Server holds take precedence over the token computation.
	if now.Before(l.heldUntil) {
		return l.heldUntil.Sub(now)
	}

	l.prune(now)
	if len(l.window) >= l.rpm {
		return l.window[0].Add(Window).Sub(now)
	}

	r := l.bucket.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay
	}

	l.window = append(l.window, now)
	l.granted++
	return 0
}

// prune drops grants that left the sliding window. Callers must hold l.mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}
