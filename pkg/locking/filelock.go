package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileLock is a Group backed by flock(2) lock files, coordinating processes
// that share a cache directory. Lock files are never removed; they are tiny
// and reusing them avoids a delete/acquire race.
type FileLock struct {
	dir string
}

// NewFileLock creates a FileLock group storing lock files under dir.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{dir: dir}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() error) error {
	sum := sha256.Sum256([]byte(key))
	path := filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".lock")

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	defer lock.Unlock()

	return fn()
}
