package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 1*time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", config.InitialBackoff)
	}
	if config.MaxBackoff != 30*time.Second {
		t.Errorf("MaxBackoff = %v, want 30s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
	if config.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", config.Jitter)
	}
}

func TestNewRetryPolicy_FillsDefaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{MaxAttempts: 5, Jitter: 3})
	cfg := policy.Config()

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", cfg.InitialBackoff)
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", cfg.BackoffMultiplier)
	}
	if cfg.Jitter != 0 {
		t.Errorf("Jitter = %v, want out-of-range value reset to 0", cfg.Jitter)
	}
}

func TestBackoff_ExponentialSchedule(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, expected := range want {
		if got := policy.Backoff(i + 1); got != expected {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestBackoff_Monotonic(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       20,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := policy.Backoff(attempt)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d == prev && d != 10*time.Second {
			t.Fatalf("Backoff(%d) = %v did not increase below the ceiling", attempt, d)
		}
		prev = d
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
		Jitter:            0.2,
	})

	for i := 0; i < 50; i++ {
		d := policy.Backoff(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Errorf("Delay %v outside jitter range [800ms, 1200ms]", d)
		}
	}
}

func TestDecide_Classification(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	tests := []struct {
		name      string
		err       error
		wantRetry bool
		wantAfter time.Duration
	}{
		{
			name:      "503 retried with base backoff",
			err:       &APIError{StatusCode: 503, ErrorClass: ErrorClassServer},
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "network error retried",
			err:       &APIError{ErrorClass: ErrorClassNetwork},
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "404 never retried",
			err:       &APIError{StatusCode: 404, ErrorClass: ErrorClassClient},
			wantRetry: false,
		},
		{
			name:      "400 never retried",
			err:       &APIError{StatusCode: 400, ErrorClass: ErrorClassClient},
			wantRetry: false,
		},
		{
			name:      "malformed body not retried",
			err:       NewMalformedError("decode", errors.New("eof")),
			wantRetry: false,
		},
		{
			name:      "429 without Retry-After falls back to backoff",
			err:       &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit},
			wantRetry: true,
			wantAfter: time.Second,
		},
		{
			name:      "429 with Retry-After 3 waits 3s",
			err:       &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: 3 * time.Second},
			wantRetry: true,
			wantAfter: 3 * time.Second,
		},
		{
			name:      "cancellation not retried",
			err:       context.Canceled,
			wantRetry: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(1, tt.err)
			if d.Retry != tt.wantRetry {
				t.Errorf("Retry = %v, want %v (reason %q)", d.Retry, tt.wantRetry, d.Reason)
			}
			if tt.wantRetry && d.After != tt.wantAfter {
				t.Errorf("After = %v, want %v", d.After, tt.wantAfter)
			}
			if !tt.wantRetry && d.Reason == "" {
				t.Error("give-up decision should carry a reason")
			}
		})
	}
}

func TestDecide_RetryAfterBeatsComputedBackoff(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxAttempts:       10,
		InitialBackoff:    10 * time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2,
	})

	// Retry-After is honoured even when it is shorter or longer than the computed delay.
	for _, retryAfter := range []time.Duration{2 * time.Second, 45 * time.Second} {
		err := &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit, RetryAfter: retryAfter}
		d := policy.Decide(2, err)
		if !d.Retry {
			t.Fatalf("Decide() gave up: %s", d.Reason)
		}
		if d.After < retryAfter {
			t.Errorf("After = %v, want >= %v", d.After, retryAfter)
		}
	}
}

func TestDecide_MaxAttemptsExhausted(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())
	err := &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}

	var delays []time.Duration
	attempt := 1
	for ; ; attempt++ {
		d := policy.Decide(attempt, err)
		if !d.Retry {
			break
		}
		delays = append(delays, d.After)
	}

	if attempt != 3 {
		t.Errorf("gave up after attempt %d, want 3", attempt)
	}
	if !policy.Decide(attempt, err).Exhausted {
		t.Error("final decision should be marked exhausted")
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", delays)
	}

	exhausted := policy.Exhausted(err)
	if !errors.Is(exhausted, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", exhausted)
	}
	var apiErr *APIError
	if !errors.As(exhausted, &apiErr) || apiErr.StatusCode != 503 {
		t.Errorf("exhausted error should keep the last APIError, got %v", exhausted)
	}
}

func TestSleep(t *testing.T) {
	start := time.Now()
	if err := Sleep(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Sleep returned after %v, want >= 20ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start = time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Sleep took %v", elapsed)
	}

	if err := Sleep(ctx, 0); !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Sleep(0) on cancelled ctx = %v, want ErrContextCancelled", err)
	}
}
