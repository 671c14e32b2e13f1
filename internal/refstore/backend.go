package refstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgefab/conductor/internal/config"
)

var (
	ErrNotFound      = errors.New("reference not found")
	ErrInvalidConfig = errors.New("invalid refstore configuration")
)

// Backend stores and retrieves out-of-line payloads by key.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// NewBackend builds the configured backend.
func NewBackend(ctx context.Context, cfg *config.RefStoreConfig) (Backend, StorageType, error) {
	switch cfg.Backend {
	case "filesystem":
		return NewFilesystemBackend(cfg.Path), StorageFilesystem, nil
	case "s3":
		backend, err := NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, "", err
		}
		return backend, StorageS3, nil
	default:
		return nil, "", fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}
}

// FilesystemBackend stores payloads as files under a base path.
type FilesystemBackend struct {
	basePath string
}

func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{basePath: basePath}
}

func (f *FilesystemBackend) path(key string) (string, error) {
	if strings.Contains(key, "\x00") || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(f.basePath, clean), nil
}

func (f *FilesystemBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ref-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func (f *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening payload: %w", err)
	}

	return file, nil
}

func (f *FilesystemBackend) Delete(ctx context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing payload: %w", err)
	}
	return nil
}
