// Package assetstore persists encoded tile assets keyed by AssetKey.
// Writes overwrite by key, so a re-run of any stage replaces its own output.
package assetstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/cube-builder/pkg/types"
)

var log = slog.Default()

var (
	ErrNotFound = errors.New("asset not found")
	ErrClosed   = errors.New("asset store closed")
)

// Store is the storage collaborator used by the executors.
type Store interface {
	Put(ctx context.Context, key types.AssetKey, data []byte) error
	Get(ctx context.Context, key types.AssetKey) ([]byte, error)
	Exists(ctx context.Context, key types.AssetKey) (bool, error)
	Close() error
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore keeps one file per asset under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key types.AssetKey) string {
	return filepath.Join(s.root, filepath.FromSlash(key.String())+".cube")
}

// Put writes to a temp file and renames it, so readers never see a partial asset.
func (s *FileStore) Put(ctx context.Context, key types.AssetKey, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create asset dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".asset-*")
	if err != nil {
		return fmt.Errorf("failed to create temp asset: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close asset: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename asset: %w", err)
	}

	log.Debug("Asset written", "key", key.String(), "bytes", len(data))
	return nil
}

func (s *FileStore) Get(ctx context.Context, key types.AssetKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read asset: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, key types.AssetKey) (bool, error) {
	_, err := os.Stat(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat asset: %w", err)
	}
	return true, nil
}

func (s *FileStore) Close() error { return nil }
