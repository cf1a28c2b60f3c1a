// Package locking provides keyed mutual exclusion for cache drivers whose
// multi-step operations (read-modify writes like Touch) are not atomic at
// the storage layer.
package locking

import "sync"

// Group runs functions with mutual exclusion over a key.
type Group interface {
	// DoWithLock runs fn while holding the lock for key.
	DoWithLock(key string, fn func() error) error
}

// NoOp is a Group that performs no locking; every call executes
// immediately. Useful when the caller already serializes access.
type NoOp struct{}

// NewNoOp creates a NoOp group.
func NewNoOp() *NoOp {
	return &NoOp{}
}

func (n *NoOp) DoWithLock(key string, fn func() error) error {
	return fn()
}

// MemLock is a Group backed by an in-memory mutex per key. It only
// coordinates within a single process; use FileLock when multiple processes
// share the same cache directory.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemLock creates a MemLock group.
func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *MemLock) DoWithLock(key string, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}
