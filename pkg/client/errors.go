package client

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a request or backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of failures in the fetch pipeline.
type ErrorClass string

const (
	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassRateLimit represents 429 Too Many Requests responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassMalformed represents response bodies that cannot be parsed.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassCheckpoint represents failed checkpoint writes.
	ErrorClassCheckpoint ErrorClass = "checkpoint"

	// ErrorClassSink represents records the sink refused to persist.
	ErrorClassSink ErrorClass = "sink"

	// ErrorClassCancelled represents a cancelled run. Not a failure for reporting purposes.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Kind returns the name used for this class in run reports.
func (c ErrorClass) Kind() string {
	switch c {
	case ErrorClassNetwork:
		return "TransientNetworkError"
	case ErrorClassRateLimit:
		return "RateLimitedError"
	case ErrorClassServer:
		return "ServerError"
	case ErrorClassClient:
		return "ClientError"
	case ErrorClassMalformed:
		return "MalformedDataError"
	case ErrorClassCheckpoint:
		return "CheckpointPersistenceError"
	case ErrorClassSink:
		return "SinkError"
	case ErrorClassCancelled:
		return "CancellationRequested"
	default:
		return "UnknownError"
	}
}

// APIError represents a classified failure of a single Jira request.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string

	// RetryAfter is the server-requested minimum delay (429 responses only).
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("jira %s error: %s: %v", e.ErrorClass, e.Message, e.Err)
		}
		return fmt.Sprintf("jira %s error: %s", e.ErrorClass, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("jira %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("jira %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewMalformedError wraps a parse failure of an otherwise successful response.
func NewMalformedError(msg string, err error) *APIError {
	return &APIError{
		StatusCode: 200,
		ErrorClass: ErrorClassMalformed,
		Message:    msg,
		Err:        err,
	}
}

// ClassOf returns the class of err. Context errors are classified as cancelled
// and anything unrecognised is treated as a network failure.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}

	if errors.Is(err, ErrContextCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassCancelled
	}

	return ErrorClassNetwork
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassNetwork, ErrorClassRateLimit, ErrorClassServer:
		return true
	default:
		// Client errors waste budget, malformed bodies will not parse on retry.
		return false
	}
}
