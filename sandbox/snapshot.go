package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// SnapshotStore keeps copies of project files on local disk, one directory
// per project, so a recreated sandbox can be seeded with prior work.
type SnapshotStore struct {
	dir string
}

func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) projectDir(projectID string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) {
		return "", fmt.Errorf("invalid project id %q", projectID)
	}
	return filepath.Join(s.dir, projectID), nil
}

// Save copies files (relative to root) from the sandbox into the project's
// snapshot directory and returns how many were written.
func (s *SnapshotStore) Save(ctx context.Context, projectID string, src Filesystem, root string, files []string) (int, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		rel = CleanRelative(rel)
		content, err := src.Read(ctx, path.Join(root, rel))
		if err != nil {
			return written, fmt.Errorf("failed to read %s: %w", rel, err)
		}
		dest := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return written, err
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// Restore writes the project's snapshot into the sandbox under root. A
// project without a snapshot restores nothing.
func (s *SnapshotStore) Restore(ctx context.Context, projectID string, dst Filesystem, root string) (int, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	restored := 0
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, path.Join(root, filepath.ToSlash(rel)), string(content)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
		restored++
		return nil
	})
	return restored, err
}

// Files lists the snapshot's files relative to the project directory.
func (s *SnapshotStore) Files(projectID string) ([]string, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}
