package driver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/jira-harvester/internal/testutil"
	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
)

type nopLimiter struct{}

func (nopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }
func (nopLimiter) Observe(time.Duration)             {}

// memSink keeps accepted record keys per source and truncates on Prepare.
type memSink struct {
	mu       sync.Mutex
	keys     map[string][]string
	accepts  int
	prepared []int
	fail     error
	onAccept func(accepts int)
}

func newMemSink() *memSink {
	return &memSink{keys: make(map[string][]string)}
}

func (s *memSink) Accept(ctx context.Context, sourceID string, records []pagination.Record) error {
	s.mu.Lock()
	if s.fail != nil {
		s.mu.Unlock()
		return s.fail
	}
	for _, r := range records {
		s.keys[sourceID] = append(s.keys[sourceID], r.Key)
	}
	s.accepts++
	n := s.accepts
	hook := s.onAccept
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (s *memSink) Prepare(ctx context.Context, sourceID string, committed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepared = append(s.prepared, committed)
	if len(s.keys[sourceID]) > committed {
		s.keys[sourceID] = s.keys[sourceID][:committed]
	}
	return nil
}

func (s *memSink) Keys(sourceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys[sourceID]...)
}

// failingStore fails every Save after the first allowed ones.
type failingStore struct {
	checkpoint.Store
	mu      sync.Mutex
	allowed int
}

func (s *failingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed <= 0 {
		return fmt.Errorf("%w: disk full", checkpoint.ErrPersistence)
	}
	s.allowed--
	return s.Store.Save(ctx, cp)
}

type memErrorLog struct {
	mu      sync.Mutex
	entries []checkpoint.ErrorEntry
}

func (l *memErrorLog) LogError(ctx context.Context, e checkpoint.ErrorEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memErrorLog) Errors(ctx context.Context, sourceID string) ([]checkpoint.ErrorEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []checkpoint.ErrorEntry
	for _, e := range l.entries {
		if e.SourceID == sourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// cancellingStore cancels the run on the first Save, as a signal arriving
// while the checkpoint is written would.
type cancellingStore struct {
	checkpoint.Store
	cancel context.CancelFunc
}

func (s *cancellingStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	s.cancel()
	return fmt.Errorf("%w: %v", checkpoint.ErrPersistence, ctx.Err())
}

type harness struct {
	mock    *testutil.MockJira
	store   checkpoint.Store
	sink    *memSink
	errLog  *memErrorLog
	fetcher *pagination.Fetcher
	waits   []time.Duration
}

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()

	mock := testutil.NewMockJira()
	t.Cleanup(mock.Close)

	c, err := client.New(client.DefaultConfig(mock.URL(), "jira-harvester-test/1.0"))
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	c.SetLogger(quietLogger())

	store, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	h := &harness{
		mock:   mock,
		store:  store,
		sink:   newMemSink(),
		errLog: &memErrorLog{},
	}
	h.fetcher = pagination.NewFetcher(c, nopLimiter{}, client.NewRetryPolicy(client.DefaultRetryConfig()),
		pagination.Config{PageSize: pageSize}, quietLogger())
	h.fetcher.SetWaitFunc(func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return ctx.Err()
	})
	return h
}

func (h *harness) driver(src pagination.Source, cfg Config) *Driver {
	return New(src, h.fetcher, h.store, h.sink, h.errLog, cfg, quietLogger())
}

func expectedKeys(project string, from, to int) []string {
	keys := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		keys = append(keys, testutil.IssueKey(project, i))
	}
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_InterruptedThenResumed(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)
	src := pagination.Source{ID: "KAFKA", Target: 1000}

	// First run stops after five committed pages.
	ctx, cancel := context.WithCancel(context.Background())
	h.sink.onAccept = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	res := h.driver(src, Config{}).Run(ctx)
	if !res.Cancelled || res.Failed() {
		t.Fatalf("first run: cancelled=%v state=%s err=%v", res.Cancelled, res.State, res.Err)
	}
	if res.Committed != 500 || res.Cursor.StartAt != 500 {
		t.Errorf("first run committed %d cursor %d, want 500/500", res.Committed, res.Cursor.StartAt)
	}

	cp, err := h.store.Load(context.Background(), "KAFKA")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != 500 || cp.RecordsCommitted != 500 || cp.Status != checkpoint.StatusInProgress {
		t.Errorf("checkpoint = %+v, want cursor 500, committed 500, in_progress", cp)
	}
	if n := h.mock.GetRequestCount(); n != 5 {
		t.Errorf("first run made %d requests, want 5", n)
	}

	// Restart with the same configuration.
	h.sink.onAccept = nil
	res = h.driver(src, Config{}).Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("second run state = %s, err = %v", res.State, res.Err)
	}
	if res.Committed != 500 || res.TotalCommitted != 1000 {
		t.Errorf("second run committed %d total %d, want 500/1000", res.Committed, res.TotalCommitted)
	}

	reqs := h.mock.RequestsFor("KAFKA")
	if reqs[5].StartAt != 500 {
		t.Errorf("resumed at startAt %d, want 500", reqs[5].StartAt)
	}

	cp, err = h.store.Load(context.Background(), "KAFKA")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.RecordsCommitted != 1000 || cp.Status != checkpoint.StatusCompleted {
		t.Errorf("checkpoint = %+v, want 1000 completed", cp)
	}
	if cp.LastRecordKey != "KAFKA-1000" {
		t.Errorf("LastRecordKey = %s, want KAFKA-1000", cp.LastRecordKey)
	}

	if got := h.sink.Keys("KAFKA"); !equalKeys(got, expectedKeys("KAFKA", 1, 1000)) {
		t.Errorf("sink holds %d keys, want KAFKA-1..KAFKA-1000 without gaps or duplicates", len(got))
	}
}

func TestRun_StateHistory(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("SPARK", 1000)

	d := h.driver(pagination.Source{ID: "SPARK", Target: 200}, Config{})
	res := d.Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", res.State, res.Err)
	}

	want := []State{StateIdle, StateResuming, StateFetching, StateCommitting, StateFetching, StateCommitting, StateCompleted}
	got := d.History()
	if len(got) != len(want) {
		t.Fatalf("History() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("History()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRun_ServerErrorsFailSourceAndKeepCursor(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	prior := &checkpoint.Checkpoint{SourceID: "KAFKA", Cursor: 500, RecordsCommitted: 500, Status: checkpoint.StatusInProgress}
	if err := h.store.Save(context.Background(), prior); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	h.mock.Enqueue("KAFKA",
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
		testutil.NewServerErrorResponse(http.StatusServiceUnavailable),
	)

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{}).Run(context.Background())
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	if res.ErrorClass.Kind() != "ServerError" {
		t.Errorf("kind = %s, want ServerError", res.ErrorClass.Kind())
	}
	if !errors.Is(res.Err, client.ErrRetryExhausted) {
		t.Errorf("Err = %v, want ErrRetryExhausted", res.Err)
	}
	if res.Cursor.StartAt != 500 || res.Committed != 0 {
		t.Errorf("resume cursor %d committed %d, want 500/0", res.Cursor.StartAt, res.Committed)
	}

	cp, err := h.store.Load(context.Background(), "KAFKA")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != 500 || cp.RecordsCommitted != 500 || cp.Status != checkpoint.StatusInProgress {
		t.Errorf("checkpoint = %+v, want unchanged 500/in_progress", cp)
	}
	if n := h.mock.GetRequestCount(); n != 3 {
		t.Errorf("requests = %d, want 3", n)
	}

	entries, _ := h.errLog.Errors(context.Background(), "KAFKA")
	if len(entries) != 1 || entries[0].Kind != "ServerError" || entries[0].Cursor != 500 {
		t.Errorf("error log = %+v, want one ServerError at 500", entries)
	}
}

func TestRun_ClientErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("HIVE", 100)
	h.mock.Enqueue("HIVE", testutil.NewNotFoundResponse())

	res := h.driver(pagination.Source{ID: "HIVE", Target: 100}, Config{}).Run(context.Background())
	if res.State != StateFailed || res.ErrorClass != client.ErrorClassClient {
		t.Fatalf("state = %s class = %s, want failed/client", res.State, res.ErrorClass)
	}
	if n := h.mock.GetRequestCount(); n != 1 {
		t.Errorf("requests = %d, want 1", n)
	}
	if len(h.waits) != 0 {
		t.Errorf("waits = %v, want none", h.waits)
	}
}

func TestRun_CompletedSourceIsNoOp(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	done := &checkpoint.Checkpoint{SourceID: "KAFKA", Cursor: 1000, RecordsCommitted: 1000, Status: checkpoint.StatusCompleted}
	if err := h.store.Save(context.Background(), done); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	d := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{})
	res := d.Run(context.Background())
	if res.State != StateCompleted || res.Committed != 0 || res.TotalCommitted != 1000 {
		t.Errorf("result = %+v, want completed no-op", res)
	}
	if n := h.mock.GetRequestCount(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
	if got := d.History(); len(got) != 3 || got[2] != StateCompleted {
		t.Errorf("History() = %v, want [idle resuming completed]", got)
	}
}

func TestRun_TerminalPageCompletesEarly(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("ZOOKEEPER", 250)

	res := h.driver(pagination.Source{ID: "ZOOKEEPER", Target: 1000}, Config{}).Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", res.State, res.Err)
	}
	if res.TotalCommitted != 250 || res.Pages != 3 {
		t.Errorf("committed %d in %d pages, want 250 in 3", res.TotalCommitted, res.Pages)
	}
	if res.Status != checkpoint.StatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}
}

func TestRun_LastPageRequestsOnlyRemainder(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 250}, Config{}).Run(context.Background())
	if res.State != StateCompleted || res.TotalCommitted != 250 {
		t.Fatalf("result = %+v", res)
	}

	reqs := h.mock.RequestsFor("KAFKA")
	if len(reqs) != 3 || reqs[2].MaxResults != 50 {
		t.Errorf("requests = %+v, want last with maxResults 50", reqs)
	}
}

func TestRun_SinkFailureDoesNotAdvanceCheckpoint(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)
	h.sink.fail = errors.New("disk full")

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{}).Run(context.Background())
	if res.State != StateFailed || res.ErrorClass != client.ErrorClassSink {
		t.Fatalf("state = %s class = %s, want failed/sink", res.State, res.ErrorClass)
	}
	if !errors.Is(res.Err, ErrSinkRejected) {
		t.Errorf("Err = %v, want ErrSinkRejected", res.Err)
	}

	cp, err := h.store.Load(context.Background(), "KAFKA")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != 0 || cp.RecordsCommitted != 0 {
		t.Errorf("checkpoint advanced to %d/%d", cp.Cursor, cp.RecordsCommitted)
	}
}

func TestRun_CheckpointFailureIsFatalAndRedeliversOnResume(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)
	base := h.store

	// pending + in_progress + two pages succeed, the third page's save fails.
	h.store = &failingStore{Store: base, allowed: 4}

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 500}, Config{}).Run(context.Background())
	if res.State != StateFailed || res.ErrorClass != client.ErrorClassCheckpoint {
		t.Fatalf("state = %s class = %s, want failed/checkpoint", res.State, res.ErrorClass)
	}
	if res.Kind() != "CheckpointPersistenceError" {
		t.Errorf("Kind() = %s", res.Kind())
	}
	if res.TotalCommitted != 200 || res.Cursor.StartAt != 200 {
		t.Errorf("reported %d committed at %d, want 200/200", res.TotalCommitted, res.Cursor.StartAt)
	}
	// The sink already holds the third page.
	if n := len(h.sink.Keys("KAFKA")); n != 300 {
		t.Errorf("sink holds %d records, want 300", n)
	}

	// Resume with a healthy store: the third page is delivered again, Prepare drops the stale copy.
	h.store = base
	res = h.driver(pagination.Source{ID: "KAFKA", Target: 500}, Config{}).Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("resume state = %s, err = %v", res.State, res.Err)
	}
	if got := h.sink.Keys("KAFKA"); !equalKeys(got, expectedKeys("KAFKA", 1, 500)) {
		t.Errorf("sink holds %d keys, want KAFKA-1..KAFKA-500 exactly once", len(got))
	}
}

func TestRun_SkipMalformedPages(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)
	h.mock.Enqueue("KAFKA", testutil.NewMalformedResponse())

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 300}, Config{SkipMalformedPages: true}).Run(context.Background())
	if res.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", res.State, res.Err)
	}
	if res.SkippedPages != 1 {
		t.Errorf("SkippedPages = %d, want 1", res.SkippedPages)
	}
	if res.TotalCommitted != 300 || res.Cursor.StartAt != 400 {
		t.Errorf("committed %d cursor %d, want 300/400", res.TotalCommitted, res.Cursor.StartAt)
	}

	keys := h.sink.Keys("KAFKA")
	if !equalKeys(keys, expectedKeys("KAFKA", 101, 400)) {
		t.Errorf("sink holds %d keys, want KAFKA-101..KAFKA-400", len(keys))
	}

	entries, _ := h.errLog.Errors(context.Background(), "KAFKA")
	if len(entries) != 1 || entries[0].Kind != "MalformedDataError" {
		t.Errorf("error log = %+v, want one MalformedDataError", entries)
	}
}

func TestRun_MalformedPageFailsByDefault(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)
	h.mock.Enqueue("KAFKA", testutil.NewMalformedResponse())

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 300}, Config{}).Run(context.Background())
	if res.State != StateFailed || res.ErrorClass != client.ErrorClassMalformed {
		t.Errorf("state = %s class = %s, want failed/malformed", res.State, res.ErrorClass)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{}).Run(ctx)
	if !res.Cancelled || res.State != StateIdle {
		t.Errorf("result = %+v, want cancelled in idle", res)
	}
	if h.mock.GetRequestCount() != 0 {
		t.Error("no request should be made")
	}
	if _, err := h.store.Load(context.Background(), "KAFKA"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestRun_CancelledWhileCreatingCheckpoint(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.store = &cancellingStore{Store: h.store, cancel: cancel}

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{}).Run(ctx)
	if !res.Cancelled || res.Failed() {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.State != StateIdle {
		t.Errorf("State = %s, want %s", res.State, StateIdle)
	}
	if res.ErrorClass != client.ErrorClassCancelled {
		t.Errorf("ErrorClass = %s, want %s", res.ErrorClass, client.ErrorClassCancelled)
	}
	if h.mock.GetRequestCount() != 0 {
		t.Error("no request should be made")
	}
	if len(h.errLog.entries) != 0 {
		t.Errorf("error log = %+v, want empty", h.errLog.entries)
	}
}

func TestRun_CancelledDuringBackoffKeepsProgress(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	ctx, cancel := context.WithCancel(context.Background())
	// The first wait cancels the run, as a signal arriving during backoff would.
	h.fetcher.SetWaitFunc(func(context.Context, time.Duration) error {
		cancel()
		return fmt.Errorf("%w: %v", client.ErrContextCancelled, context.Canceled)
	})
	h.sink.onAccept = func(n int) {
		if n == 2 {
			h.mock.Enqueue("KAFKA", testutil.NewServerErrorResponse(http.StatusServiceUnavailable))
		}
	}

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 1000}, Config{}).Run(ctx)
	if !res.Cancelled || res.Failed() {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	if res.TotalCommitted != 200 {
		t.Errorf("TotalCommitted = %d, want 200", res.TotalCommitted)
	}

	cp, err := h.store.Load(context.Background(), "KAFKA")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cp.Cursor != 200 || cp.Status != checkpoint.StatusInProgress {
		t.Errorf("checkpoint = %+v, want 200 in_progress", cp)
	}
}

func TestRun_LoweredTargetCompletesWithoutFetching(t *testing.T) {
	h := newHarness(t, 100)
	h.mock.AddProject("KAFKA", 5000)

	if err := h.store.Save(context.Background(), &checkpoint.Checkpoint{
		SourceID: "KAFKA", Cursor: 500, RecordsCommitted: 500, Status: checkpoint.StatusInProgress,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	res := h.driver(pagination.Source{ID: "KAFKA", Target: 300}, Config{}).Run(context.Background())
	if res.State != StateCompleted || res.Status != checkpoint.StatusCompleted {
		t.Errorf("result = %+v, want completed", res)
	}
	if h.mock.GetRequestCount() != 0 {
		t.Error("no request should be made")
	}
}
