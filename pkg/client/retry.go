package client

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter spreads each delay by ±Jitter (0.2 = ±20%). Zero keeps the
	// schedule deterministic and monotonic.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Decision is the outcome of consulting the retry policy after a failed attempt.
type Decision struct {
	// Retry is false when the policy gives up.
	Retry bool

	// After is the delay before the next attempt.
	After time.Duration

	// Reason explains a give-up decision.
	Reason string

	// Exhausted is set when a retryable error ran out of attempts.
	Exhausted bool
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	config RetryConfig
	rand   func() float64
}

// NewRetryPolicy creates a policy, filling zero fields from DefaultRetryConfig.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}

	return &RetryPolicy{
		config: cfg,
		rand:   rand.Float64,
	}
}

// Config returns the effective configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// Backoff returns the exponential delay after the given failed attempt (1-based),
// capped at MaxBackoff.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.config.InitialBackoff) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.config.MaxBackoff) || math.IsInf(d, 1) {
		d = float64(p.config.MaxBackoff)
	}

	if p.config.Jitter > 0 {
		d *= 1 - p.config.Jitter + p.rand()*2*p.config.Jitter
		if d > float64(p.config.MaxBackoff) {
			d = float64(p.config.MaxBackoff)
		}
	}

	return time.Duration(d)
}

// Decide classifies the error of the given attempt (1-based) and returns the policy advice.
func (p *RetryPolicy) Decide(attempt int, err error) Decision {
	class := ClassOf(err)

	if !shouldRetry(class) {
		return Decision{
			Retry:  false,
			Reason: fmt.Sprintf("%s is not retryable", class.Kind()),
		}
	}

	if attempt >= p.config.MaxAttempts {
		retryExhaustedTotal.WithLabelValues(string(class)).Inc()
		return Decision{
			Retry:     false,
			Reason:    fmt.Sprintf("%d attempts exhausted", p.config.MaxAttempts),
			Exhausted: true,
		}
	}

	after := p.Backoff(attempt)
	if class == ErrorClassRateLimit {
		// The server's minimum delay wins over the computed backoff.
		if retryAfter := RetryAfterOf(err); retryAfter > 0 {
			after = retryAfter
		}
	}

	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(after.Seconds())

	return Decision{Retry: true, After: after}
}

// Exhausted wraps the last error of a give-up decision so that callers can
// match ErrRetryExhausted while the underlying class stays reachable via errors.As.
func (p *RetryPolicy) Exhausted(lastErr error) error {
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, p.config.MaxAttempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
