// Package ratelimit implements the shared request budget for the Jira API.
// A single Limiter is handed to every source driver so that the aggregate
// request rate of a run stays under the configured requests-per-minute,
// no matter how many projects are fetched concurrently.
package ratelimit

import (
	"time"
)

// Window is the sliding window the per-minute ceiling is enforced over.
const Window = time.Minute

// Default budget values.
const (
	// DefaultRequestsPerMinute matches the polite default for public Jira instances.
	DefaultRequestsPerMinute = 50

	// DefaultBurst allows short bursts of requests after idle periods.
	DefaultBurst = 5
)

// Config holds the limiter budget.
type Config struct {
	// RequestsPerMinute is the hard ceiling of grants in any 60s window.
	RequestsPerMinute int

	// Burst is the token bucket capacity.
	Burst int
}

// DefaultConfig returns the default request budget.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: DefaultRequestsPerMinute,
		Burst:             DefaultBurst,
	}
}

// State is a point-in-time snapshot of the limiter.
type State struct {
	// RequestsPerMinute is the configured ceiling.
	RequestsPerMinute int `json:"requests_per_minute"`

	// Burst is the configured bucket capacity.
	Burst int `json:"burst"`

	// Granted is the total number of grants since the limiter was created.
	Granted int64 `json:"granted"`

	// RequestsLastMinute is the number of grants inside the current window.
	RequestsLastMinute int `json:"requests_last_minute"`

	// HeldUntil is the earliest time the next grant may happen because the
	// remote asked us to back off. Zero when no hold is active.
	HeldUntil time.Time `json:"held_until"`
}

// Utilization returns the fraction of the per-minute budget used in the current window.
func (s State) Utilization() float64 {
	if s.RequestsPerMinute <= 0 {
		return 0
	}
	return float64(s.RequestsLastMinute) / float64(s.RequestsPerMinute)
}

// IsHeld returns true if a server-requested hold is still in effect at now.
func (s State) IsHeld(now time.Time) bool {
	return !s.HeldUntil.IsZero() && now.Before(s.HeldUntil)
}
