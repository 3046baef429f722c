package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend keeps artifacts under a base directory
type LocalBackend struct {
	baseDir string
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend creates baseDir if needed
func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("local staging backend: base directory must be specified")
	}

	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("local staging backend: failed to create %s: %w", baseDir, err)
		}
	case err != nil:
		return nil, fmt.Errorf("local staging backend: failed to stat %s: %w", baseDir, err)
	case !info.IsDir():
		return nil, fmt.Errorf("local staging backend: %s is not a directory", baseDir)
	}

	return &LocalBackend{baseDir: baseDir}, nil
}

// Type returns "local"
func (b *LocalBackend) Type() string { return "local" }

// Create writes a temp file then hard-links it into place, so a concurrent
// writer for the same key loses with ErrExists instead of clobbering.
func (b *LocalBackend) Create(ctx context.Context, key string, data []byte) error {
	fullPath, tmp, err := b.stage(key, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Put writes a temp file then renames it over the key
func (b *LocalBackend) Put(ctx context.Context, key string, data []byte) error {
	fullPath, tmp, err := b.stage(key, data)
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Get reads the file behind key
func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := b.resolvePath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// stage writes data to a temp file next to the key's final path
func (b *LocalBackend) stage(key string, data []byte) (fullPath, tmpPath string, err error) {
	fullPath, err = b.resolvePath(key)
	if err != nil {
		return "", "", err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(fullPath)+"-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("failed to close %s: %w", key, err)
	}

	return fullPath, tmp.Name(), nil
}

// resolvePath maps key under baseDir and rejects keys escaping it
func (b *LocalBackend) resolvePath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("staging key must not be empty")
	}

	base, err := filepath.Abs(b.baseDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base directory: %w", err)
	}
	full := filepath.Join(base, filepath.FromSlash(key))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("staging key %q escapes the base directory", key)
	}
	return full, nil
}
