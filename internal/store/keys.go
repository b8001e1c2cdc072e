package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// KeyChecker answers whether a plan key has already been recorded. It is the
// only deduplication mechanism for incoming plans.
type KeyChecker interface {
	Exists(key string) (bool, error)
	Add(key string) error
}

// FileKeys treats a key as known when <dir>/<key>.json exists on disk.
type FileKeys struct {
	dir string
}

// NewFileKeys returns a KeyChecker backed by plan artifacts in dir.
func NewFileKeys(dir string) *FileKeys {
	return &FileKeys{dir: dir}
}

// Exists reports whether the plan artifact for key is present.
func (k *FileKeys) Exists(key string) (bool, error) {
	_, err := os.Stat(filepath.Join(k.dir, key+planSuffix))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Add is a no-op: writing the plan artifact is what registers the key.
func (k *FileKeys) Add(string) error { return nil }

// MemoryKeys is an in-process KeyChecker.
type MemoryKeys struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryKeys returns an empty in-memory KeyChecker.
func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{keys: make(map[string]struct{})}
}

func (k *MemoryKeys) Exists(key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[key]
	return ok, nil
}

func (k *MemoryKeys) Add(key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key] = struct{}{}
	return nil
}
