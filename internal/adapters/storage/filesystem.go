package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"reportd/internal/domain"
)

// FilesystemSink stores artifacts under a root directory, keyed by
// slash-separated object paths. Writes go through a temp file and a
// rename, so readers never observe a half-written artifact.
type FilesystemSink struct {
	root string
}

func NewFilesystemSink(root string) (*FilesystemSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FilesystemSink{root: root}, nil
}

func (s *FilesystemSink) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid object path %q", path)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FilesystemSink) Put(ctx context.Context, path string, r io.Reader) (*domain.ObjectInfo, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp object: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("write object %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("finalize object %s: %w", path, err)
	}
	return &domain.ObjectInfo{Path: path, Size: size}, nil
}

func (s *FilesystemSink) GetStream(ctx context.Context, path string) (io.ReadCloser, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	return f, nil
}

func (s *FilesystemSink) Delete(ctx context.Context, path string) error {
	target, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

func (s *FilesystemSink) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return paths, nil
}

func (s *FilesystemSink) Stat(ctx context.Context, path string) (*domain.ObjectInfo, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("stat object %s: %w", path, err)
	}
	return &domain.ObjectInfo{Path: path, Size: info.Size()}, nil
}

var _ domain.ArtifactSink = (*FilesystemSink)(nil)
