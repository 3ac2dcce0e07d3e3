package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/jira-harvester/pkg/transform"
)

// maxLineBytes bounds one output line while summarising.
const maxLineBytes = 8 << 20

// Summary describes the records in one output file.
type Summary struct {
	Path  string
	Total int

	// TransformErrors counts placeholder lines of records that failed transformation.
	TransformErrors int

	ByType   map[string]int
	ByStatus map[string]int

	// Samples holds the first transformed issues in file order.
	Samples []transform.Issue
}

// summaryLine decodes transformed, placeholder and raw lines alike.
type summaryLine struct {
	transform.Issue
	TransformError string `json:"transform_error"`

	// Raw search results, written when no transformer is configured.
	Key    string `json:"key"`
	Fields struct {
		Status    *struct{ Name string } `json:"status"`
		IssueType *struct{ Name string } `json:"issuetype"`
	} `json:"fields"`
}

// Summarize reads the output file of a source and groups its records by type
// and status. A trailing line without newline is an uncommitted partial write
// and is ignored. The returned error wraps os.ErrNotExist when the source has
// no output yet.
func (s *JSONLSink) Summarize(sourceID string, samples int) (*Summary, error) {
	path := s.Path(sourceID)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum := &Summary{
		Path:     path,
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for n := 1; ; n++ {
		line, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			line, err = readLongLine(r, line)
		}
		if err == io.EOF {
			// Whatever is left has no newline and was never committed.
			return sum, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		var rec summaryLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, n, err)
		}
		sum.add(&rec, samples)
	}
}

func (s *Summary) add(rec *summaryLine, samples int) {
	s.Total++

	switch {
	case rec.TransformError != "":
		s.TransformErrors++
	case rec.IssueID != "":
		s.ByType[rec.Metadata.Type]++
		s.ByStatus[rec.Metadata.Status]++
		if len(s.Samples) < samples {
			s.Samples = append(s.Samples, rec.Issue)
		}
	case rec.Key != "":
		s.ByType[rawName(rec.Fields.IssueType)]++
		s.ByStatus[rawName(rec.Fields.Status)]++
	}
}

func rawName(n *struct{ Name string }) string {
	if n == nil || n.Name == "" {
		return "Unknown"
	}
	return n.Name
}

// readLongLine continues a line that did not fit the reader's buffer.
func readLongLine(r *bufio.Reader, head []byte) ([]byte, error) {
	line := append([]byte(nil), head...)
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("line longer than %d bytes", maxLineBytes)
		}
		if err != bufio.ErrBufferFull {
			return line, err
		}
	}
}
