// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"time"
)

var projectPattern = regexp.MustCompile(`project\s*=\s*"?([A-Za-z0-9_]+)"?`)

// MockResponse overrides the normal search response for one request.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// RecordedRequest is one search request seen by the mock.
type RecordedRequest struct {
	Time       time.Time
	Project    string
	StartAt    int
	MaxResults int
	UserAgent  string
}

// MockJira is a configurable mock of the Jira search endpoint.
// Each registered project serves a deterministic list of issues keyed
// "<PROJECT>-<n>" in pagination order.
type MockJira struct {
	server *httptest.Server

	mu       sync.Mutex
	projects map[string]int
	scripted map[string][]MockResponse
	requests []RecordedRequest
}

// NewMockJira creates and starts a new mock Jira server.
func NewMockJira() *MockJira {
	mock := &MockJira{
		projects: make(map[string]int),
		scripted: make(map[string][]MockResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/2/search", mock.handleSearch)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockJira) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockJira) Close() {
	m.server.Close()
}

// AddProject registers a project holding total issues.
func (m *MockJira) AddProject(key string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[key] = total
}

// Enqueue queues responses served, in order, to the next requests for project
// before normal pagination resumes.
func (m *MockJira) Enqueue(project string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[project] = append(m.scripted[project], responses...)
}

// Requests returns a copy of all recorded requests.
func (m *MockJira) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsFor returns the recorded requests for one project.
func (m *MockJira) RequestsFor(project string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Project == project {
			out = append(out, r)
		}
	}
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockJira) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *MockJira) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startAt, _ := strconv.Atoi(q.Get("startAt"))
	maxResults, _ := strconv.Atoi(q.Get("maxResults"))

	project := ""
	if match := projectPattern.FindStringSubmatch(q.Get("jql")); match != nil {
		project = match[1]
	}

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Time:       time.Now(),
		Project:    project,
		StartAt:    startAt,
		MaxResults: maxResults,
		UserAgent:  r.Header.Get("User-Agent"),
	})

	var scripted *MockResponse
	if queue := m.scripted[project]; len(queue) > 0 {
		next := queue[0]
		scripted = &next
		m.scripted[project] = queue[1:]
	}
	total, known := m.projects[project]
	m.mu.Unlock()

	if scripted != nil {
		writeMockResponse(w, *scripted)
		return
	}

	if !known {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"errorMessages":["The value '%s' does not exist for the field 'project'."]}`, project)
		return
	}

	if maxResults <= 0 {
		maxResults = 50
	}

	issues := make([]map[string]any, 0, maxResults)
	for i := startAt; i < total && len(issues) < maxResults; i++ {
		issues = append(issues, NewIssue(project, i+1))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"startAt":    startAt,
		"maxResults": maxResults,
		"total":      total,
		"issues":     issues,
	})
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		_, _ = w.Write([]byte(resp.Body))
	}
}

// IssueKey returns the key of the n-th (1-based) issue of a project.
func IssueKey(project string, n int) string {
	return fmt.Sprintf("%s-%d", project, n)
}

// NewIssue builds a raw Jira issue as returned by the search endpoint.
func NewIssue(project string, n int) map[string]any {
	key := IssueKey(project, n)
	return map[string]any{
		"id":   strconv.Itoa(10000 + n),
		"key":  key,
		"self": "https://jira.example.com/rest/api/2/issue/" + key,
		"fields": map[string]any{
			"summary":     fmt.Sprintf("Issue %d of %s", n, project),
			"description": fmt.Sprintf("<p>Steps to reproduce issue %d</p>\n{code}throw new RuntimeException();{code}", n),
			"status":      map[string]any{"name": "Open"},
			"priority":    map[string]any{"name": "Major"},
			"issuetype":   map[string]any{"name": "Bug"},
			"created":     "2025-10-01T10:00:00.000+0000",
			"updated":     "2025-10-02T10:00:00.000+0000",
			"labels":      []string{"test"},
			"components":  []map[string]any{{"name": "core"}},
			"reporter":    map[string]any{"displayName": "Reporter " + project},
			"comment": map[string]any{
				"comments": []map[string]any{
					{
						"author":  map[string]any{"displayName": "Commenter"},
						"created": "2025-10-01T11:00:00.000+0000",
						"body":    fmt.Sprintf("Confirmed on %s", key),
					},
				},
			},
		},
	}
}

// NewServerErrorResponse creates a 5xx response.
func NewServerErrorResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"errorMessages":["Service Unavailable"]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRateLimitResponse creates a 429 response with an optional Retry-After header.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorMessages":["Rate limit exceeded"]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"errorMessages":["Not found"]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewMalformedResponse creates a 200 response whose body is not valid JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"startAt":0,"issues":[{"key":`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewSlowResponse creates a successful-looking response delayed by d.
func NewSlowResponse(d time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"startAt":0,"maxResults":0,"total":0,"issues":[]}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Delay:      d,
	}
}
