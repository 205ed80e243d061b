package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	indexFile    = "index.yaml"
	snapshotsDir = "snapshots"
	deltasDir    = "deltas"
)

// FileStore implements Store with one YAML file per record.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Init creates the directory layout.
func (s *FileStore) Init(_ context.Context) error {
	for _, d := range []string{s.dir, filepath.Join(s.dir, snapshotsDir), filepath.Join(s.dir, deltasDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", d, err)
		}
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// Migrate is a no-op; the layout has a single version.
func (s *FileStore) Migrate(_ context.Context) error {
	return nil
}

// HealthCheck verifies the state directory is reachable.
func (s *FileStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("state directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state path %s is not a directory", s.dir)
	}
	return nil
}

// LoadIndex reads index.yaml.
func (s *FileStore) LoadIndex(_ context.Context) (*Index, error) {
	var idx Index
	if err := s.readYAML(filepath.Join(s.dir, indexFile), &idx); err != nil {
		return nil, err
	}
	return &idx, nil
}

// SaveIndex writes index.yaml atomically.
func (s *FileStore) SaveIndex(_ context.Context, index *Index) error {
	if index == nil {
		return fmt.Errorf("index is nil")
	}
	return s.writeYAML(filepath.Join(s.dir, indexFile), index)
}

// LoadSnapshot reads snapshots/<location>.yaml.
func (s *FileStore) LoadSnapshot(_ context.Context, location string) (*SnapshotRecord, error) {
	path, err := s.recordPath(snapshotsDir, location)
	if err != nil {
		return nil, err
	}
	var rec SnapshotRecord
	if err := s.readYAML(path, &rec); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", location, err)
	}
	if rec.Location == "" {
		rec.Location = location
	}
	return &rec, nil
}

// SaveSnapshot writes a snapshot record atomically.
func (s *FileStore) SaveSnapshot(_ context.Context, record *SnapshotRecord) error {
	if record == nil {
		return fmt.Errorf("snapshot record is nil")
	}
	path, err := s.recordPath(snapshotsDir, record.Location)
	if err != nil {
		return err
	}
	return s.writeYAML(path, record)
}

// DeleteSnapshot removes a snapshot record. Missing records are not an error.
func (s *FileStore) DeleteSnapshot(_ context.Context, location string) error {
	path, err := s.recordPath(snapshotsDir, location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete snapshot %s: %w", location, err)
	}
	return nil
}

// SaveDelta writes deltas/<id>.yaml.
func (s *FileStore) SaveDelta(_ context.Context, delta *DeltaRecord) error {
	if delta == nil {
		return fmt.Errorf("delta record is nil")
	}
	path, err := s.recordPath(deltasDir, delta.ID)
	if err != nil {
		return err
	}
	return s.writeYAML(path, delta)
}

// ListDeltas returns every delta record, oldest first.
func (s *FileStore) ListDeltas(_ context.Context) ([]*DeltaRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, deltasDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list deltas: %w", err)
	}

	var deltas []*DeltaRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		var d DeltaRecord
		if err := s.readYAML(filepath.Join(s.dir, deltasDir, e.Name()), &d); err != nil {
			return nil, fmt.Errorf("delta %s: %w", e.Name(), err)
		}
		deltas = append(deltas, &d)
	}

	sort.SliceStable(deltas, func(i, j int) bool {
		return deltas[i].CreatedAt.Before(deltas[j].CreatedAt)
	})
	return deltas, nil
}

// DeleteDelta removes a delta record.
func (s *FileStore) DeleteDelta(_ context.Context, id string) error {
	path, err := s.recordPath(deltasDir, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delta %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to delete delta %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) recordPath(sub, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid record name %q", name)
	}
	return filepath.Join(s.dir, sub, name+".yaml"), nil
}

func (s *FileStore) readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) writeYAML(path string, in interface{}) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
