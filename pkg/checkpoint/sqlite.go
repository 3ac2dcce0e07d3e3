package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Sternrassler/jira-harvester/pkg/checkpoint/migrations"
)

// SQLiteFile is the database file name inside the checkpoint directory.
const SQLiteFile = "checkpoints.db"

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps checkpoints, the error log and run statistics in one
// SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ ErrorLog      = (*SQLiteStore)(nil)
	_ StatsRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (and migrates) the checkpoint database in dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, SQLiteFile)

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Concurrent drivers share one connection; writes are serialised here
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: dbPath}

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		// "001_initial.up.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}

	return nil
}

// Load retrieves the checkpoint of a source.
func (s *SQLiteStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	checkpointOps.WithLabelValues("sqlite", "load").Inc()

	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, cursor, records_committed, last_record_key, status, last_updated_at
		FROM checkpoints WHERE source_id = ?
	`, sourceID)

	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		checkpointErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("loading checkpoint %s: %w", sourceID, err)
	}
	return cp, nil
}

// Save replaces the checkpoint of cp.SourceID inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	checkpointOps.WithLabelValues("sqlite", "save").Inc()

	start := time.Now()
	defer func() {
		checkpointSaveDuration.WithLabelValues("sqlite").Observe(time.Since(start).Seconds())
	}()

	if cp.LastUpdatedAt.IsZero() {
		cp.LastUpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (source_id, cursor, records_committed, last_record_key, status, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			cursor = excluded.cursor,
			records_committed = excluded.records_committed,
			last_record_key = excluded.last_record_key,
			status = excluded.status,
			last_updated_at = excluded.last_updated_at
	`, cp.SourceID, cp.Cursor, cp.RecordsCommitted, cp.LastRecordKey, string(cp.Status),
		cp.LastUpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return persistenceError("save", err)
	}

	if err := tx.Commit(); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

// Reset deletes the checkpoint of a source together with its logged errors
// and statistics.
func (s *SQLiteStore) Reset(ctx context.Context, sourceID string) error {
	checkpointOps.WithLabelValues("sqlite", "reset").Inc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE source_id = ?`, sourceID)
	if err != nil {
		return persistenceError("reset", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	for _, table := range []string{"errors", "statistics"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE source_id = ?`, sourceID); err != nil {
			return persistenceError("reset "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistenceError("commit", err)
	}
	return nil
}

// List returns all checkpoints ordered by source ID.
func (s *SQLiteStore) List(ctx context.Context) ([]*Checkpoint, error) {
	checkpointOps.WithLabelValues("sqlite", "list").Inc()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, cursor, records_committed, last_record_key, status, last_updated_at
		FROM checkpoints ORDER BY source_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LogError appends an entry to the error log.
func (s *SQLiteStore) LogError(ctx context.Context, entry ErrorEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO errors (source_id, record_key, cursor, kind, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.SourceID, entry.RecordKey, entry.Cursor, entry.Kind, entry.Message,
		entry.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("logging error: %w", err)
	}
	return nil
}

// Errors returns the logged errors of a source, oldest first.
func (s *SQLiteStore) Errors(ctx context.Context, sourceID string) ([]ErrorEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, record_key, cursor, kind, message, timestamp
		FROM errors WHERE source_id = ? ORDER BY id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("querying errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var ts string
		if err := rows.Scan(&e.SourceID, &e.RecordKey, &e.Cursor, &e.Kind, &e.Message, &ts); err != nil {
			return nil, fmt.Errorf("scanning error entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordStatistics stores the statistics of a finished run.
func (s *SQLiteStore) RecordStatistics(ctx context.Context, stats RunStatistics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics (source_id, total_records, total_comments, started_at, finished_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`, stats.SourceID, stats.TotalRecords, stats.TotalComments,
		stats.StartedAt.UTC().Format(timeLayout), stats.FinishedAt.UTC().Format(timeLayout),
		stats.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("recording statistics: %w", err)
	}
	return nil
}

// Statistics returns the most recent run statistics of a source.
func (s *SQLiteStore) Statistics(ctx context.Context, sourceID string) (*RunStatistics, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, total_records, total_comments, started_at, finished_at, duration_seconds
		FROM statistics WHERE source_id = ? ORDER BY id DESC LIMIT 1
	`, sourceID)

	var st RunStatistics
	var started, finished string
	var seconds float64
	if err := row.Scan(&st.SourceID, &st.TotalRecords, &st.TotalComments, &started, &finished, &seconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning statistics: %w", err)
	}
	st.StartedAt, _ = time.Parse(timeLayout, started)
	st.FinishedAt, _ = time.Parse(timeLayout, finished)
	st.Duration = time.Duration(seconds * float64(time.Second))
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var status, updated string
	if err := row.Scan(&cp.SourceID, &cp.Cursor, &cp.RecordsCommitted, &cp.LastRecordKey, &status, &updated); err != nil {
		return nil, err
	}
	cp.Status = Status(status)

	t, err := time.Parse(timeLayout, updated)
	if err != nil {
		return nil, fmt.Errorf("%w: last_updated_at %q", ErrInvalidCheckpoint, updated)
	}
	cp.LastUpdatedAt = t
	return &cp, nil
}
