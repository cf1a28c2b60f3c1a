// Package memory implements an in-process cache backend. It is fully
// synchronized, keeps entries in a plain map, and optionally runs a
// background sweeper that purges expired entries so the driver honors the
// delegated-expiry contract without a native TTL facility.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/bitmason/tagcache"
)

// Backend is the in-process driver.
type Backend struct {
	mu         sync.RWMutex
	entries    map[string]*tagcache.Entry
	usedBytes  int64
	maxBytes   int64
	defaultTTL time.Duration

	sweep time.Duration
	done  chan struct{}
	once  sync.Once
}

// New creates a memory backend. defaultTTL applies to saves that pass
// tagcache.TTLDefault. When cfg.SweepInterval() is positive, a janitor
// goroutine purges expired entries at that period until Close.
func New(cfg tagcache.MemoryConfig, defaultTTL time.Duration) *Backend {
	b := &Backend{
		entries:    make(map[string]*tagcache.Entry),
		maxBytes:   cfg.MaxBytes,
		defaultTTL: defaultTTL,
		sweep:      cfg.SweepInterval(),
		done:       make(chan struct{}),
	}
	if b.sweep > 0 {
		go b.janitor()
	}
	return b
}

func (b *Backend) janitor() {
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepExpired(time.Now())
		case <-b.done:
			return
		}
	}
}

func (b *Backend) sweepExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			b.deleteLocked(id)
		}
	}
}

// entrySize approximates the footprint charged against the quota.
func entrySize(e *tagcache.Entry) int64 {
	size := int64(len(e.ID) + len(e.Content))
	for _, t := range e.Tags {
		size += int64(len(t))
	}
	return size
}

func (b *Backend) deleteLocked(id string) {
	if e, ok := b.entries[id]; ok {
		b.usedBytes -= entrySize(e)
		delete(b.entries, id)
	}
}

func (b *Backend) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		return nil, tagcache.ErrNotFound
	}
	if !includeExpired && e.Expired(time.Now()) {
		return nil, tagcache.ErrNotFound
	}

	content := make([]byte, len(e.Content))
	copy(content, e.Content)
	return content, nil
}

func (b *Backend) Test(ctx context.Context, id string) (time.Time, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		return time.Time{}, tagcache.ErrNotFound
	}
	return e.CreatedAt, nil
}

func (b *Backend) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	now := time.Now()
	e := &tagcache.Entry{
		ID:        id,
		Content:   append([]byte(nil), content...),
		CreatedAt: now,
		ExpiresAt: tagcache.ResolveTTL(ttl, b.defaultTTL, now),
		Tags:      append([]string(nil), tags...),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(id)
	b.entries[id] = e
	b.usedBytes += entrySize(e)
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[id]; !ok {
		return tagcache.ErrNotFound
	}
	b.deleteLocked(id)
	return nil
}

func (b *Backend) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	if !mode.Valid() {
		return tagcache.ErrBadCleanMode
	}

	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch mode {
	case tagcache.CleanAll:
		b.entries = make(map[string]*tagcache.Entry)
		b.usedBytes = 0
		return nil

	case tagcache.CleanExpired:
		for id, e := range b.entries {
			if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
				b.deleteLocked(id)
			}
		}
		return nil
	}

	fm, _ := mode.FilterMode()
	for id, e := range b.entries {
		match, err := tagcache.MatchTags(e.Tags, tags, fm)
		if err != nil {
			return err
		}
		if match {
			b.deleteLocked(id)
		}
	}
	return nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) Tags(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	var tags []string
	for _, e := range b.entries {
		for _, t := range e.Tags {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				tags = append(tags, t)
			}
		}
	}
	return tags, nil
}

func (b *Backend) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ids []string
	for id, e := range b.entries {
		match, err := tagcache.MatchTags(e.Tags, tags, mode)
		if err != nil {
			return nil, err
		}
		if match {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (b *Backend) FillPercentage(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.maxBytes <= 0 {
		return 0, tagcache.ErrNoQuota
	}
	pct := int(100 * b.usedBytes / b.maxBytes)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (b *Backend) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[id]
	if !ok {
		return nil, tagcache.ErrNotFound
	}
	return &tagcache.Metadata{
		ExpiresAt: e.ExpiresAt,
		Tags:      append([]string(nil), e.Tags...),
		ModTime:   e.CreatedAt,
	}, nil
}

func (b *Backend) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok || e.ExpiresAt == nil || e.Expired(now) {
		return false, nil
	}
	exp := e.ExpiresAt.Add(extra)
	e.ExpiresAt = &exp
	return true, nil
}

func (b *Backend) Capabilities() tagcache.Capabilities {
	return tagcache.Capabilities{
		AutomaticCleaning: b.sweep > 0,
		Tags:              true,
		ExpiredRead:       true,
		Priorities:        false,
		InfiniteLifetime:  true,
		Enumeration:       true,
	}
}

func (b *Backend) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
