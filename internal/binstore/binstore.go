// Package binstore persists opaque binary blobs as flat files under a
// single root directory. Keys come from Key, which hashes an identity
// string, so the same identity always lands in the same file. Writes go
// through a temp file and a rename, so a concurrent reader sees either the
// previous blob or the new one, never a torn write.
package binstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// ErrNotFound reports that nothing was ever stored under the requested key.
// Callers check it with errors.Is to tell a plain miss from an I/O failure.
var ErrNotFound = errors.New("binstore: not found")

// Store reads and writes blobs inside one directory.
type Store struct {
	root string
}

// Open ensures the root directory exists and returns a store over it.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("binstore: empty root path")
	}

	err := os.MkdirAll(root, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}

	return &Store{root: root}, nil
}

// Key derives the storage key for an identity string.
func Key(identity string) string {
	sum := sha256.Sum256([]byte(identity))

	return hex.EncodeToString(sum[:])
}

// Get returns the blob stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}

	return data, nil
}

// Put stores data under key, replacing any previous blob atomically.
func (s *Store) Put(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.root, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}

	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("close temp blob: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("chmod temp blob: %w", err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("rename temp blob: %w", err)
	}

	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, key)
}
