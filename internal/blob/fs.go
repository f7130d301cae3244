package blob

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps blobs under a root directory, one file per locator. Writes
// go through a temp file + rename so readers never observe partial bytes.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(ctx context.Context, locator string, data []byte) error {
	path, err := s.resolve(locator)
	if err != nil {
		return err
	}

	if existing, err := os.ReadFile(path); err == nil {
		// Evidence is immutable: a re-put must carry identical bytes.
		if subtle.ConstantTimeCompare(existing, data) == 1 {
			return nil
		}
		return fmt.Errorf("blob %s already exists with different content", locator)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, locator string) ([]byte, error) {
	path, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", locator, err)
	}
	return data, nil
}

// resolve maps a locator onto the root and rejects escapes.
func (s *FSStore) resolve(locator string) (string, error) {
	if locator == "" || strings.Contains(locator, "..") || strings.HasPrefix(locator, "/") {
		return "", fmt.Errorf("invalid locator %q", locator)
	}
	return filepath.Join(s.root, filepath.FromSlash(locator)), nil
}

var _ Store = (*FSStore)(nil)
