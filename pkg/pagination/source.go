package pagination

import (
	"encoding/json"
	"fmt"
)

// Source is one independently paginated collection of issues, usually a project.
type Source struct {
	// ID identifies the source in checkpoints and reports, e.g. "KAFKA".
	ID string

	// Query is the JQL filter. Empty means all issues of project ID, newest first.
	Query string

	// Target is the number of records to collect before the source is complete.
	Target int

	// Fields overrides the issue fields requested from Jira.
	Fields []string
}

// JQL returns the search query for the source.
func (s Source) JQL() string {
	if s.Query != "" {
		return s.Query
	}
	return fmt.Sprintf("project = %s ORDER BY created DESC", s.ID)
}

// Validate reports configuration errors that would make the source unfetchable.
func (s Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.Target <= 0 {
		return fmt.Errorf("source %s: target must be > 0 (got %d)", s.ID, s.Target)
	}
	return nil
}

// Cursor is a position within a source's pagination.
type Cursor struct {
	StartAt int `json:"start_at"`
}

// Record is one raw issue as returned by the search endpoint.
type Record struct {
	Key string
	Raw json.RawMessage
}

// Page is the result of one successful fetch.
type Page struct {
	Records []Record

	// Requested is the page size that was asked for.
	Requested int

	// Next is the cursor after the last record of this page.
	Next Cursor

	// Terminal marks the source as exhausted.
	Terminal bool

	// Total is the server-reported size of the result set.
	Total int
}

// LastKey returns the key of the last record, or "" for an empty page.
func (p *Page) LastKey() string {
	if len(p.Records) == 0 {
		return ""
	}
	return p.Records[len(p.Records)-1].Key
}
