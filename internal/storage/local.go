// Package storage provides the artifact store used for job inputs and
// outputs.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists artifacts. The local implementation is used in
// development and tests; paths returned by Save are relative to the root
// and stable across restarts.
type Store interface {
	Save(ctx context.Context, path string, data []byte) (string, error)
	Load(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	// AbsPath resolves a stored path to a filesystem location.
	AbsPath(path string) string
}

// Local stores artifacts under a root directory on the local filesystem.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a Local store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Save writes data at path, creating parent directories as needed.
func (l *Local) Save(_ context.Context, path string, data []byte) (string, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(abs, data, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads the artifact at path.
func (l *Local) Load(_ context.Context, path string) ([]byte, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Delete removes the artifact at path. Missing files are not an error.
func (l *Local) Delete(_ context.Context, path string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AbsPath resolves a stored path to its filesystem location.
func (l *Local) AbsPath(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

// resolve rejects paths that escape the root.
func (l *Local) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid storage path: %s", path)
	}
	return filepath.Join(l.root, cleaned), nil
}
