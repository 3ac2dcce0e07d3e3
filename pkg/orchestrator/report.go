package orchestrator

import (
	"time"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/driver"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
)

// RunStats summarises one Run. It is rebuilt for every run and never persisted.
type RunStats struct {
	RunID     string
	StartedAt time.Time
	Elapsed   time.Duration

	// Sources holds one report per source in input order.
	Sources []SourceReport

	// ErrorsByKind counts failed and cancelled sources by error kind.
	ErrorsByKind map[string]int

	Cancelled bool
}

// SourceReport is the final state of one source in a run.
type SourceReport struct {
	SourceID string
	State    driver.State
	Status   checkpoint.Status

	// Committed counts records committed in this run, TotalCommitted all
	// records committed for the source so far.
	Committed      int
	TotalCommitted int
	Pages          int
	SkippedPages   int
	Elapsed        time.Duration
	Cancelled      bool

	// ErrorKind and Error are set for failed and cancelled sources.
	ErrorKind string
	Error     string

	// ResumeCursor is where the next run continues.
	ResumeCursor pagination.Cursor
}

func newSourceReport(res driver.Result) SourceReport {
	r := SourceReport{
		SourceID:       res.SourceID,
		State:          res.State,
		Status:         res.Status,
		Committed:      res.Committed,
		TotalCommitted: res.TotalCommitted,
		Pages:          res.Pages,
		SkippedPages:   res.SkippedPages,
		Elapsed:        res.Elapsed,
		Cancelled:      res.Cancelled,
		ErrorKind:      res.Kind(),
		ResumeCursor:   res.Cursor,
	}
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	return r
}

// Completed returns the number of sources that reached Completed.
func (s *RunStats) Completed() int {
	return s.count(func(r SourceReport) bool { return r.State == driver.StateCompleted })
}

// Failed returns the number of sources that ended in Failed.
func (s *RunStats) Failed() int {
	return s.count(func(r SourceReport) bool { return r.State == driver.StateFailed })
}

// TotalCommitted returns the records committed across all sources in this run.
func (s *RunStats) TotalCommitted() int {
	total := 0
	for _, r := range s.Sources {
		total += r.Committed
	}
	return total
}

// Report returns the report of a source, if it was part of the run.
func (s *RunStats) Report(sourceID string) (SourceReport, bool) {
	for _, r := range s.Sources {
		if r.SourceID == sourceID {
			return r, true
		}
	}
	return SourceReport{}, false
}

func (s *RunStats) count(match func(SourceReport) bool) int {
	n := 0
	for _, r := range s.Sources {
		if match(r) {
			n++
		}
	}
	return n
}
