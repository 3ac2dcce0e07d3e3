// Package sink writes committed records to per-source JSON Lines files.
//
// Each committed record produces exactly one line, so a file holding N complete
// lines matches a checkpoint with N committed records. Prepare restores that
// alignment after a crash by cutting lines written past the last checkpoint.
package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint"
	"github.com/Sternrassler/jira-harvester/pkg/client"
	"github.com/Sternrassler/jira-harvester/pkg/pagination"
	"github.com/Sternrassler/jira-harvester/pkg/transform"
)

// Prometheus metrics for the JSONL sink.
var (
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_sink_records_written_total",
		Help: "Total records written to output files by source",
	}, []string{"source"})

	transformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_sink_transform_errors_total",
		Help: "Total records written without transformation because it failed",
	}, []string{"source"})

	linesTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_sink_lines_truncated_total",
		Help: "Total uncommitted output lines removed while preparing a source",
	})
)

// ErrOutputBehind is returned by Prepare when the output file holds fewer
// records than the checkpoint claims.
var ErrOutputBehind = errors.New("output file is behind checkpoint")

const fileSuffix = "_issues.jsonl"

// JSONLSink appends one JSON object per record to <dir>/<source>_issues.jsonl,
// with the source ID lower-cased.
type JSONLSink struct {
	dir         string
	transformer *transform.Transformer
	errorLog    checkpoint.ErrorLog
	logger      zerolog.Logger

	mu       sync.Mutex
	files    map[string]*os.File
	comments map[string]int
}

// New creates a sink writing into dir. A nil transformer writes the raw issue
// JSON. errorLog may be nil.
func New(dir string, transformer *transform.Transformer, errorLog checkpoint.ErrorLog, logger zerolog.Logger) (*JSONLSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &JSONLSink{
		dir:         dir,
		transformer: transformer,
		errorLog:    errorLog,
		logger:      logger.With().Str("component", "sink").Logger(),
		files:       make(map[string]*os.File),
		comments:    make(map[string]int),
	}, nil
}

// Path returns the output file of a source.
func (s *JSONLSink) Path(sourceID string) string {
	return filepath.Join(s.dir, strings.ToLower(sourceID)+fileSuffix)
}

// Prepare opens the output file of a source and truncates it to committed
// complete lines. It fails with ErrOutputBehind when fewer lines exist.
func (s *JSONLSink) Prepare(ctx context.Context, sourceID string, committed int) error {
	if sourceID == "" || strings.ContainsAny(sourceID, `/\`) {
		return fmt.Errorf("unusable source id %q", sourceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.files[sourceID]; ok {
		f.Close()
		delete(s.files, sourceID)
	}

	f, err := os.OpenFile(s.Path(sourceID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}

	offset, lines, extra, err := scanLines(f, committed)
	if err != nil {
		f.Close()
		return fmt.Errorf("scanning output file: %w", err)
	}
	if lines < committed {
		f.Close()
		return fmt.Errorf("%w: %s has %d records, checkpoint has %d", ErrOutputBehind, sourceID, lines, committed)
	}

	if extra {
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return fmt.Errorf("truncating output file: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("syncing output file: %w", err)
		}
		linesTruncated.Inc()
		s.logger.Warn().
			Str("source", sourceID).
			Int("committed", committed).
			Int64("offset", offset).
			Msg("Removed uncommitted output")
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seeking output file: %w", err)
	}

	s.files[sourceID] = f
	return nil
}

// scanLines returns the byte offset after the first want complete lines, how
// many complete lines were found up to want, and whether anything follows them.
func scanLines(f *os.File, want int) (offset int64, lines int, extra bool, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, false, err
	}

	r := bufio.NewReader(f)
	for lines < want {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// A trailing partial line is not a record.
			return offset, lines, len(line) > 0, nil
		}
		if err != nil {
			return 0, 0, false, err
		}
		offset += int64(len(line))
		lines++
	}

	_, err = r.ReadByte()
	switch {
	case err == io.EOF:
		return offset, lines, false, nil
	case err != nil:
		return 0, 0, false, err
	}
	return offset, lines, true, nil
}

// Accept writes one line per record and syncs the file before returning.
func (s *JSONLSink) Accept(ctx context.Context, sourceID string, records []pagination.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[sourceID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.Path(sourceID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		s.files[sourceID] = f
	}

	w := bufio.NewWriter(f)
	comments := 0
	for _, rec := range records {
		line, n := s.encode(ctx, sourceID, rec)
		comments += n
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("writing record %s: %w", rec.Key, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing record %s: %w", rec.Key, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing output file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing output file: %w", err)
	}

	s.comments[sourceID] += comments
	recordsWritten.WithLabelValues(sourceID).Add(float64(len(records)))
	return nil
}

// encode renders one record as a single JSON line and reports its comment count.
func (s *JSONLSink) encode(ctx context.Context, sourceID string, rec pagination.Record) ([]byte, int) {
	if s.transformer == nil {
		var buf bytes.Buffer
		if err := json.Compact(&buf, rec.Raw); err == nil {
			return buf.Bytes(), 0
		}
		return s.fallback(ctx, sourceID, rec, fmt.Errorf("raw record is not valid JSON"))
	}

	issue, err := s.transformer.Transform(rec.Raw)
	if err != nil {
		return s.fallback(ctx, sourceID, rec, err)
	}

	line, err := json.Marshal(issue)
	if err != nil {
		return s.fallback(ctx, sourceID, rec, err)
	}
	return line, issue.Content.CommentCount
}

type failedRecord struct {
	IssueID        string `json:"issue_id"`
	Source         string `json:"source"`
	TransformError string `json:"transform_error"`
}

// fallback writes a placeholder line so the line count still matches the
// committed record count, and records the failure in the error log.
func (s *JSONLSink) fallback(ctx context.Context, sourceID string, rec pagination.Record, cause error) ([]byte, int) {
	transformErrors.WithLabelValues(sourceID).Inc()
	s.logger.Warn().
		Err(cause).
		Str("source", sourceID).
		Str("record", rec.Key).
		Msg("Record transformation failed")

	if s.errorLog != nil {
		err := s.errorLog.LogError(ctx, checkpoint.ErrorEntry{
			SourceID:  sourceID,
			RecordKey: rec.Key,
			Kind:      client.ErrorClassMalformed.Kind(),
			Message:   cause.Error(),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write error log")
		}
	}

	line, _ := json.Marshal(failedRecord{
		IssueID:        rec.Key,
		Source:         sourceID,
		TransformError: cause.Error(),
	})
	return line, 0
}

// Comments returns the number of comments written for a source by this sink.
func (s *JSONLSink) Comments(sourceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comments[sourceID]
}

// Close closes all open output files.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for id, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
		delete(s.files, id)
	}
	return errors.Join(errs...)
}
