package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/reconlab/mriserve/internal/model"
)

// FileStore keeps one {id}.json document per job in a single directory,
// alongside the result files. Writes go through a temp file and rename so a
// crashed writer leaves either the old or the new document, never a torn one.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed job store rooted at dir
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create persists a new job record
func (s *FileStore) Create(ctx context.Context, rec *model.JobRecord) error {
	if _, err := os.Stat(s.path(rec.ID)); err == nil {
		return fmt.Errorf("job %s already exists", rec.ID)
	}
	return s.write(rec)
}

// Get loads one job record by id
func (s *FileStore) Get(ctx context.Context, id string) (*model.JobRecord, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	return decodeRecord(data, id)
}

func decodeRecord(data []byte, id string) (*model.JobRecord, error) {
	var rec model.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode job record %s: %w", id, err)
	}
	if !rec.Status.Valid() {
		return nil, fmt.Errorf("job record %s has unknown status %q", id, rec.Status)
	}
	return &rec, nil
}

// Update applies patch to the stored record (read-modify-write, last writer wins)
func (s *FileStore) Update(ctx context.Context, id string, patch Patch) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	patch.apply(rec)
	return s.write(rec)
}

// List returns all job records, skipping malformed or partially written files
func (s *FileStore) List(ctx context.Context) ([]model.JobRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	var jobs []model.JobRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec, err := decodeRecord(data, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		jobs = append(jobs, *rec)
	}
	return jobs, nil
}

// Delete removes the job record file
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ErrNotFound
		}
		return fmt.Errorf("failed to delete job record: %w", err)
	}
	return nil
}

func (s *FileStore) write(rec *model.JobRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode job record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, rec.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write job record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace job record: %w", err)
	}
	return nil
}
