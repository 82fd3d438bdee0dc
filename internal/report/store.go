package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidName = errors.New("invalid report name")

// Store saves a report under name and returns where it was written.
type Store interface {
	Put(ctx context.Context, name string, content []byte) (string, error)
}

type FileStore struct {
	Dir string
}

func NewFileStore(dir string) FileStore {
	return FileStore{Dir: dir}
}

// Put writes content to Dir/name, creating parent directories as needed. Names must stay within Dir.
func (s FileStore) Put(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key, err := cleanName(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory for %q: %w", path, err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report %q: %w\nCheck that the output directory is writable", path, err)
	}

	return path, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimLeft(strings.TrimSpace(filepath.ToSlash(name)), "/")
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes the report directory", ErrInvalidName, name)
		}
	}

	return name, nil
}
