// Package fs implements a filesystem cache backend. Each entry is a data
// file plus a ".meta" sidecar holding id, timestamps and tags, spread over
// 256 fanout subdirectories. Writes go through a temp file and an atomic
// rename so partial files are never observed, and read-modify operations
// are serialized with flock-based locks so multiple processes can share the
// same cache directory.
//
// The filesystem has no native TTL facility: expired entries stay on disk
// (and stay readable with includeExpired) until Clean(CleanExpired) runs.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bitmason/tagcache"
	"github.com/bitmason/tagcache/pkg/locking"
)

const (
	metaSuffix = ".meta"
	tmpSuffix  = ".tmp"
	locksDir   = "locks"
)

// Backend is the filesystem driver.
type Backend struct {
	dir        string
	maxBytes   int64
	defaultTTL time.Duration
	locks      locking.Group
	logger     *zap.Logger
}

type entryMeta struct {
	ID      string
	Created time.Time
	Expires *time.Time
	Tags    []string
}

// New creates a filesystem backend rooted at cfg.Dir. The directory and its
// fanout subdirectories are created up front to avoid syscalls during
// writes. A nil logger disables logging.
func New(cfg tagcache.FSConfig, defaultTTL time.Duration, logger *zap.Logger) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.New("fs: cache directory not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	absDir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(absDir, fmt.Sprintf("%02x", i))
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create subdirectory %02x: %w", i, err)
		}
	}

	locks, err := locking.NewFileLock(filepath.Join(absDir, locksDir))
	if err != nil {
		return nil, err
	}

	return &Backend{
		dir:        absDir,
		maxBytes:   cfg.MaxBytes,
		defaultTTL: defaultTTL,
		locks:      locks,
		logger:     logger,
	}, nil
}

// dataPath converts an id to its cache file path. Files are organized into
// 256 subdirectories keyed by the first byte of the id's digest.
func (b *Backend) dataPath(id string) string {
	sum := sha256.Sum256([]byte(id))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(b.dir, name[:2], name)
}

func (b *Backend) metaPath(id string) string {
	return b.dataPath(id) + metaSuffix
}

// Sidecar format: one field per line, strings quoted so ids and tags can
// contain any character.
//
//	id:"x"
//	created:1700000000000          (unix milliseconds)
//	expires:1700003600000          (0 = never)
//	tag:"t1"                       (repeated)
func encodeMeta(m *entryMeta) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id:%s\n", strconv.Quote(m.ID))
	fmt.Fprintf(&sb, "created:%d\n", m.Created.UnixMilli())
	var expires int64
	if m.Expires != nil {
		expires = m.Expires.UnixMilli()
	}
	fmt.Fprintf(&sb, "expires:%d\n", expires)
	for _, t := range m.Tags {
		fmt.Fprintf(&sb, "tag:%s\n", strconv.Quote(t))
	}
	return sb.String()
}

func decodeMeta(data []byte) (*entryMeta, error) {
	meta := &entryMeta{}
	sawID := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "id:"):
			id, err := strconv.Unquote(strings.TrimPrefix(line, "id:"))
			if err != nil {
				return nil, fmt.Errorf("bad id field: %w", err)
			}
			meta.ID = id
			sawID = true
		case strings.HasPrefix(line, "created:"):
			sec, err := strconv.ParseInt(strings.TrimPrefix(line, "created:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad created field: %w", err)
			}
			meta.Created = time.UnixMilli(sec)
		case strings.HasPrefix(line, "expires:"):
			sec, err := strconv.ParseInt(strings.TrimPrefix(line, "expires:"), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad expires field: %w", err)
			}
			if sec != 0 {
				exp := time.UnixMilli(sec)
				meta.Expires = &exp
			}
		case strings.HasPrefix(line, "tag:"):
			tag, err := strconv.Unquote(strings.TrimPrefix(line, "tag:"))
			if err != nil {
				return nil, fmt.Errorf("bad tag field: %w", err)
			}
			meta.Tags = append(meta.Tags, tag)
		}
	}
	if !sawID {
		return nil, errors.New("metadata missing id field")
	}
	return meta, nil
}

// writeFileAtomic writes to a temp file and renames it into place so a
// partial file is never observed.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + tmpSuffix
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (b *Backend) readMeta(id string) (*entryMeta, error) {
	data, err := os.ReadFile(b.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, tagcache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	meta, err := decodeMeta(data)
	if err != nil {
		b.logger.Warn("corrupted cache metadata",
			zap.String("path", b.metaPath(id)),
			zap.Error(err))
		return nil, tagcache.ErrNotFound
	}
	return meta, nil
}

func (b *Backend) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	meta, err := b.readMeta(id)
	if err != nil {
		return nil, err
	}
	if !includeExpired && meta.Expires != nil && !meta.Expires.After(time.Now()) {
		return nil, tagcache.ErrNotFound
	}

	content, err := os.ReadFile(b.dataPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Sidecar without data, treat as a miss
			return nil, tagcache.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}
	return content, nil
}

func (b *Backend) Test(ctx context.Context, id string) (time.Time, error) {
	meta, err := b.readMeta(id)
	if err != nil {
		return time.Time{}, err
	}
	return meta.Created, nil
}

func (b *Backend) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	now := time.Now()
	meta := &entryMeta{
		ID:      id,
		Created: now,
		Expires: tagcache.ResolveTTL(ttl, b.defaultTTL, now),
		Tags:    tags,
	}

	return b.locks.DoWithLock(id, func() error {
		if err := writeFileAtomic(b.dataPath(id), content); err != nil {
			return err
		}
		return writeFileAtomic(b.metaPath(id), []byte(encodeMeta(meta)))
	})
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	return b.locks.DoWithLock(id, func() error {
		err := os.Remove(b.dataPath(id))
		if errors.Is(err, os.ErrNotExist) {
			return tagcache.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to remove cache file: %w", err)
		}
		if err := os.Remove(b.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove metadata: %w", err)
		}
		return nil
	})
}

// forEachMeta walks every sidecar in the fanout directories.
func (b *Backend) forEachMeta(fn func(meta *entryMeta) error) error {
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(b.dir, fmt.Sprintf("%02x", i))
		names, err := os.ReadDir(subdir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read cache directory: %w", err)
		}
		for _, de := range names {
			if de.IsDir() || !strings.HasSuffix(de.Name(), metaSuffix) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(subdir, de.Name()))
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue // removed concurrently
				}
				return fmt.Errorf("failed to read metadata: %w", err)
			}
			meta, err := decodeMeta(data)
			if err != nil {
				b.logger.Warn("skipping corrupted cache metadata",
					zap.String("path", filepath.Join(subdir, de.Name())),
					zap.Error(err))
				continue
			}
			if err := fn(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	if !mode.Valid() {
		return tagcache.ErrBadCleanMode
	}
	now := time.Now()

	var doomed []string
	err := b.forEachMeta(func(meta *entryMeta) error {
		switch mode {
		case tagcache.CleanAll:
			doomed = append(doomed, meta.ID)
			return nil
		case tagcache.CleanExpired:
			if meta.Expires != nil && meta.Expires.Before(now) {
				doomed = append(doomed, meta.ID)
			}
			return nil
		}

		fm, _ := mode.FilterMode()
		match, err := tagcache.MatchTags(meta.Tags, tags, fm)
		if err != nil {
			return err
		}
		if match {
			doomed = append(doomed, meta.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range doomed {
		if err := b.Remove(ctx, id); err != nil && !errors.Is(err, tagcache.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.forEachMeta(func(meta *entryMeta) error {
		ids = append(ids, meta.ID)
		return nil
	})
	return ids, err
}

func (b *Backend) Tags(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var tags []string
	err := b.forEachMeta(func(meta *entryMeta) error {
		for _, t := range meta.Tags {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				tags = append(tags, t)
			}
		}
		return nil
	})
	return tags, err
}

func (b *Backend) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	var ids []string
	err := b.forEachMeta(func(meta *entryMeta) error {
		match, err := tagcache.MatchTags(meta.Tags, tags, mode)
		if err != nil {
			return err
		}
		if match {
			ids = append(ids, meta.ID)
		}
		return nil
	})
	return ids, err
}

func (b *Backend) FillPercentage(ctx context.Context) (int, error) {
	if b.maxBytes <= 0 {
		return 0, tagcache.ErrNoQuota
	}

	var used int64
	for i := 0; i < 256; i++ {
		subdir := filepath.Join(b.dir, fmt.Sprintf("%02x", i))
		names, err := os.ReadDir(subdir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("failed to read cache directory: %w", err)
		}
		for _, de := range names {
			if de.IsDir() || strings.HasSuffix(de.Name(), tmpSuffix) {
				continue
			}
			info, err := de.Info()
			if err != nil {
				continue // removed concurrently
			}
			used += info.Size()
		}
	}

	pct := int(100 * used / b.maxBytes)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (b *Backend) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	meta, err := b.readMeta(id)
	if err != nil {
		return nil, err
	}
	return &tagcache.Metadata{
		ExpiresAt: meta.Expires,
		Tags:      meta.Tags,
		ModTime:   meta.Created,
	}, nil
}

func (b *Backend) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	extended := false
	err := b.locks.DoWithLock(id, func() error {
		meta, err := b.readMeta(id)
		if errors.Is(err, tagcache.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if meta.Expires == nil || !meta.Expires.After(time.Now()) {
			return nil
		}

		exp := meta.Expires.Add(extra)
		meta.Expires = &exp
		if err := writeFileAtomic(b.metaPath(id), []byte(encodeMeta(meta))); err != nil {
			return err
		}
		extended = true
		return nil
	})
	return extended, err
}

func (b *Backend) Capabilities() tagcache.Capabilities {
	return tagcache.Capabilities{
		AutomaticCleaning: false,
		Tags:              true,
		ExpiredRead:       true,
		Priorities:        false,
		InfiniteLifetime:  true,
		Enumeration:       true,
	}
}

func (b *Backend) Close() error {
	return nil
}
