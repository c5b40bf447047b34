package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kpiengine/models"
)

// FileBackend stores one JSON document per snapshot under
// <dir>/<scope>/<subject>/<start>_<end>.json, with times in Unix nanoseconds
// and the subject base64url encoded so no id can alias another directory.
// Writes go to a temporary file that is renamed into place.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and returns a backend rooted there.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key models.SnapshotKey) string {
	name := strconv.FormatInt(key.PeriodStart.UnixNano(), 10) + "_" + strconv.FormatInt(key.PeriodEnd.UnixNano(), 10) + ".json"
	return filepath.Join(b.dir, string(key.Scope), subjectDir(key.SubjectID), name)
}

func subjectDir(id string) string {
	return "s_" + base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (b *FileBackend) Get(_ context.Context, key models.SnapshotKey) (*models.KPISnapshot, error) {
	snap, err := readSnapshot(b.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s: %w", key, models.ErrNotFound)
	}
	return snap, err
}

func (b *FileBackend) Put(_ context.Context, snap *models.KPISnapshot) error {
	path := b.path(snap.Key())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}
	return nil
}

func (b *FileBackend) List(_ context.Context, f Filter) ([]models.KPISnapshot, error) {
	root := b.dir
	if f.Scope != "" {
		root = filepath.Join(root, string(f.Scope))
		if f.SubjectID != "" {
			root = filepath.Join(root, subjectDir(f.SubjectID))
		}
	}

	out := make([]models.KPISnapshot, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		snap, err := readSnapshot(path)
		if err != nil {
			return err
		}
		if f.Match(snap) {
			out = append(out, *snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

func readSnapshot(path string) (*models.KPISnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap models.KPISnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &snap, nil
}
