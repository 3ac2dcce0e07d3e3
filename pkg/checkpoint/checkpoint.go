// Package checkpoint persists per-source fetch progress so that an interrupted
// harvest resumes exactly where it stopped.
//
// Three Store backends are provided:
//   - SQLiteStore: embedded database, also keeps the error log and run statistics
//   - RedisStore: one JSON document per source, shared across hosts
//   - FileStore: one JSON file per source, atomic rename on save
//
// Every backend replaces a checkpoint atomically. A reload after a crash
// observes either the previous or the new checkpoint, never a mix.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that no checkpoint exists for the source.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrPersistence wraps every failed checkpoint write.
	ErrPersistence = errors.New("checkpoint persistence failed")

	// ErrInvalidCheckpoint indicates a checkpoint that fails validation or cannot be decoded.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Checkpoint is the durable progress record of one source.
type Checkpoint struct {
	SourceID string `json:"source_id"`

	// Cursor is the offset of the next record to fetch.
	Cursor int `json:"cursor"`

	RecordsCommitted int `json:"records_committed"`

	// LastRecordKey is the key of the last committed record, e.g. "KAFKA-1234".
	LastRecordKey string `json:"last_record_key,omitempty"`

	Status        Status    `json:"status"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// New returns a pending checkpoint at the initial cursor.
func New(sourceID string) *Checkpoint {
	return &Checkpoint{
		SourceID:      sourceID,
		Status:        StatusPending,
		LastUpdatedAt: time.Now().UTC(),
	}
}

// Validate checks the checkpoint invariants.
func (c *Checkpoint) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidCheckpoint)
	}
	if c.SourceID == "" {
		return fmt.Errorf("%w: source id is required", ErrInvalidCheckpoint)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCheckpoint, c.Status)
	}
	if c.Cursor < 0 || c.RecordsCommitted < 0 {
		return fmt.Errorf("%w: negative cursor or count", ErrInvalidCheckpoint)
	}
	return nil
}

// IsComplete reports whether the source needs no further fetching for target.
func (c *Checkpoint) IsComplete(target int) bool {
	return c.Status == StatusCompleted && c.RecordsCommitted >= target
}

// Store is a durable key-value record of per-source progress.
type Store interface {
	// Load returns the checkpoint of sourceID or ErrNotFound.
	Load(ctx context.Context, sourceID string) (*Checkpoint, error)

	// Save atomically replaces the checkpoint of cp.SourceID. Failures wrap ErrPersistence.
	Save(ctx context.Context, cp *Checkpoint) error

	// Reset deletes the checkpoint of sourceID or returns ErrNotFound.
	Reset(ctx context.Context, sourceID string) error

	// List returns all checkpoints ordered by source ID.
	List(ctx context.Context) ([]*Checkpoint, error)

	Close() error
}

// ErrorEntry is one logged record-level or page-level failure.
type ErrorEntry struct {
	SourceID  string    `json:"source_id"`
	RecordKey string    `json:"record_key,omitempty"`
	Cursor    int       `json:"cursor"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorLog records failures that did not stop the run, such as records that
// could not be transformed or skipped malformed pages.
type ErrorLog interface {
	LogError(ctx context.Context, entry ErrorEntry) error
	Errors(ctx context.Context, sourceID string) ([]ErrorEntry, error)
}

// RunStatistics summarises one completed run of a source.
type RunStatistics struct {
	SourceID      string        `json:"source_id"`
	TotalRecords  int           `json:"total_records"`
	TotalComments int           `json:"total_comments"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
}

// StatsRecorder persists per-source run statistics.
type StatsRecorder interface {
	RecordStatistics(ctx context.Context, stats RunStatistics) error
	Statistics(ctx context.Context, sourceID string) (*RunStatistics, error)
}

// validateForSave rejects cp before any write. The error matches both
// ErrPersistence and ErrInvalidCheckpoint.
func validateForSave(cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func persistenceError(op string, err error) error {
	checkpointErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
