package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const fileSuffix = ".json"

// FileStore keeps one JSON file per source. Save writes a temporary file,
// syncs it and renames it over the previous checkpoint.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a file-backed store in dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(sourceID string) (string, error) {
	if sourceID == "" || strings.ContainsAny(sourceID, `/\`) || sourceID == "." || sourceID == ".." {
		return "", fmt.Errorf("%w: unusable source id %q", ErrInvalidCheckpoint, sourceID)
	}
	return filepath.Join(s.dir, sourceID+fileSuffix), nil
}

// Load reads the checkpoint file of a source.
func (s *FileStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	checkpointOps.WithLabelValues("file", "load").Inc()

	p, err := s.path(sourceID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		checkpointErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	return decodeCheckpoint(data)
}

// Save atomically replaces the checkpoint file of cp.SourceID.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	checkpointOps.WithLabelValues("file", "save").Inc()

	start := time.Now()
	defer func() {
		checkpointSaveDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	}()

	p, err := s.path(cp.SourceID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if cp.LastUpdatedAt.IsZero() {
		cp.LastUpdatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return persistenceError("marshal", err)
	}

	if err := writeFileAtomic(p, data); err != nil {
		return persistenceError("file save", err)
	}
	return nil
}

// Reset removes the checkpoint file of a source.
func (s *FileStore) Reset(ctx context.Context, sourceID string) error {
	checkpointOps.WithLabelValues("file", "reset").Inc()

	p, err := s.path(sourceID)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return persistenceError("file reset", err)
	}
	return nil
}

// List returns all checkpoints ordered by source ID. Leftover temporary files
// from interrupted saves are ignored.
func (s *FileStore) List(ctx context.Context) ([]*Checkpoint, error) {
	checkpointOps.WithLabelValues("file", "list").Inc()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileSuffix))
	}
	sort.Strings(ids)

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
