// Package store persists session-to-conversation bindings so a
// restart does not sever conversation continuity. Bindings always
// live in memory; these providers add a best-effort snapshot behind
// them.
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a snapshot key does not exist.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotProvider is the storage backend for binding snapshots.
// Implementations cover the local filesystem and S3.
type SnapshotProvider interface {
	// Read returns the snapshot stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key, replacing any previous snapshot.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the snapshot under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all snapshot keys.
	List(ctx context.Context) ([]string, error)
}

// LocalProvider stores snapshots as files in a single directory.
type LocalProvider struct {
	dir string
}

// NewLocalProvider creates a provider rooted at dir.
func NewLocalProvider(dir string) *LocalProvider {
	return &LocalProvider{dir: dir}
}

func (p *LocalProvider) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (p *LocalProvider) Write(ctx context.Context, key string, data []byte) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(p.dir, key), data, 0o644)
}

func (p *LocalProvider) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(p.dir, key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (p *LocalProvider) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, entry.Name())
	}
	return keys, nil
}
