// Package objectstore persists job artifacts on the local filesystem,
// keyed by slash-separated object keys under a single root directory.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when an object key has no stored content.
var ErrNotFound = errors.New("objectstore: not found")

// Store reads and writes artifact objects under a root directory.
type Store struct {
	root string
}

// New creates a store rooted at dir, creating it when missing.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("objectstore: root directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// PathFor resolves a key to its filesystem path without touching disk.
// Stage executors that shell out to external tools use this to hand the
// tool a real file.
func (s *Store) PathFor(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put streams content into the object at key, replacing any previous
// content. The write goes through a temp file and rename so readers never
// observe a partial object.
func (s *Store) Put(ctx context.Context, key string, reader io.Reader) error {
	path, err := s.PathFor(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objectstore: create parent for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("objectstore: create temp for %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("objectstore: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("objectstore: close temp for %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("objectstore: commit %s: %w", key, err)
	}
	return nil
}

// PutBytes stores a small in-memory object.
func (s *Store) PutBytes(ctx context.Context, key string, data []byte) error {
	return s.Put(ctx, key, strings.NewReader(string(data)))
}

// PutFile copies an existing local file into the store.
func (s *Store) PutFile(ctx context.Context, key, sourcePath string) error {
	file, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("objectstore: open source %s: %w", sourcePath, err)
	}
	defer file.Close()
	return s.Put(ctx, key, file)
}

// Open returns a reader over the object at key.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("objectstore: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: open %s: %w", key, err)
	}
	return file, nil
}

// ReadBytes loads a small object into memory.
func (s *Store) ReadBytes(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether an object is stored at key.
func (s *Store) Exists(key string) (bool, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return true, nil
}

// Remove deletes the object at key. Removing a missing object is not an
// error.
func (s *Store) Remove(key string) error {
	path, err := s.PathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objectstore: remove %s: %w", key, err)
	}
	return nil
}

func cleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", errors.New("objectstore: key is empty")
	}
	cleaned := filepath.ToSlash(filepath.Clean("/" + trimmed))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("objectstore: invalid key %q", key)
	}
	return cleaned, nil
}
