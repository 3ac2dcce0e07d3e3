// Package client provides the Jira REST client used by the fetch pipeline,
// together with the error taxonomy and the retry policy that classify and
// recover its failures.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Jira client operations.
var (
	jiraRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_jira_requests_total",
		Help: "Total Jira requests by status",
	}, []string{"status"})

	jiraRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_jira_request_duration_seconds",
		Help:    "Jira request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	jiraErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_jira_errors_total",
		Help: "Total Jira request errors by class",
	}, []string{"class"})
)

// SearchPath is the Jira REST v2 issue search endpoint.
const SearchPath = "/rest/api/2/search"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 64 << 20

// DefaultFields are the issue fields requested when none are configured.
var DefaultFields = []string{
	"summary", "description", "status", "priority", "issuetype",
	"created", "updated", "resolutiondate", "labels", "components",
	"assignee", "reporter", "comment",
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the Jira server, e.g. https://issues.apache.org/jira
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Fields requested when a SearchRequest does not name any.
	Fields []string

	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      userAgent,
		Fields:         DefaultFields,
		RequestTimeout: 30 * time.Second,
	}
}

// SearchRequest describes one page of a JQL search.
type SearchRequest struct {
	JQL        string
	Fields     []string
	StartAt    int
	MaxResults int
}

// SearchResponse is the decoded body of a search page.
type SearchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

// Client issues single, unretried requests against the Jira REST API and
// classifies every failure into an *APIError.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new Jira client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultFields
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{},
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "jira-client").Logger(),
	}, nil
}

// Search performs one search request. The request is bounded by the
// configured per-attempt timeout as well as ctx.
func (c *Client) Search(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	fields := sr.Fields
	if len(fields) == 0 {
		fields = c.config.Fields
	}

	query := url.Values{}
	query.Set("jql", sr.JQL)
	query.Set("fields", strings.Join(fields, ","))
	query.Set("startAt", strconv.Itoa(sr.StartAt))
	query.Set("maxResults", strconv.Itoa(sr.MaxResults))

	endpoint := *c.baseURL
	endpoint.Path = c.baseURL.Path + SearchPath
	endpoint.RawQuery = query.Encode()

	attemptCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("jql", sr.JQL).
		Int("start_at", sr.StartAt).
		Int("max_results", sr.MaxResults).
		Msg("Executing Jira search")

	startTime := time.Now()
	defer func() {
		jiraRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The run was cancelled, not the attempt timing out.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		jiraErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		jiraRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, &APIError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer resp.Body.Close()

	jiraRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		}
		jiraErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			ErrorClass: classifyStatus(resp.StatusCode),
			Message:    resp.Status,
		}
		if apiErr.ErrorClass == ErrorClassRateLimit {
			apiErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		jiraErrorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()

		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(apiErr.ErrorClass)).
			Dur("retry_after", apiErr.RetryAfter).
			Int("start_at", sr.StartAt).
			Msg("Jira request error")

		return nil, apiErr
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		jiraErrorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return nil, NewMalformedError("decode search response", err)
	}

	return &out, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		// 1xx/3xx are not expected from the search endpoint.
		return ErrorClassMalformed
	}
}

// ParseRetryAfter parses a Retry-After header given either as delay-seconds
// or as an HTTP date. Unparseable or past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
