// Package redis implements a Redis cache backend. Each entry is a hash
// holding content, timestamps and tags; finite lifetimes are delegated to
// Redis through PEXPIREAT so expired entries are purged without adapter
// intervention. Set-based indexes accelerate tag queries:
//
//	<prefix>:e:<id>   hash   entry fields (c, at, ex, tags)
//	<prefix>:ids      set    all entry ids
//	<prefix>:tags     set    all tags ever written
//	<prefix>:t:<tag>  set    ids carrying the tag
//
// Because Redis removes an entry hash at its exact expiry instant, the
// index sets can reference ids that no longer exist; enumeration filters
// them out and repairs the indexes as it goes. Expired reads
// (includeExpired) are therefore best-effort on this driver.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bitmason/tagcache"
)

// Hash field names.
const (
	fieldContent = "c"
	fieldCreated = "at"
	fieldExpires = "ex" // unix milliseconds, 0 = never
	fieldTags    = "tags"
)

// Backend is the Redis driver.
type Backend struct {
	client     *goredis.Client
	prefix     string
	defaultTTL time.Duration
}

// New creates a Redis backend and verifies the connection with a ping.
func New(ctx context.Context, cfg tagcache.RedisConfig, defaultTTL time.Duration) (*Backend, error) {
	cfg = cfg.WithDefaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Backend{
		client:     client,
		prefix:     cfg.Prefix,
		defaultTTL: defaultTTL,
	}, nil
}

func entryKey(prefix, id string) string { return prefix + ":e:" + id }
func idsKey(prefix string) string       { return prefix + ":ids" }
func tagsKey(prefix string) string      { return prefix + ":tags" }
func tagKey(prefix, tag string) string  { return prefix + ":t:" + tag }

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(tags)
	return string(data)
}

func decodeTags(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil, fmt.Errorf("bad tags field: %w", err)
	}
	return tags, nil
}

// expiresAt parses the ex field into an absolute expiry, nil for 0.
func expiresAt(field string) (*time.Time, error) {
	ms, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad expires field: %w", err)
	}
	if ms == 0 {
		return nil, nil
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

func (b *Backend) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	fields, err := b.client.HGetAll(ctx, entryKey(b.prefix, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, tagcache.ErrNotFound
	}

	if !includeExpired {
		exp, err := expiresAt(fields[fieldExpires])
		if err != nil {
			return nil, err
		}
		if exp != nil && !exp.After(time.Now()) {
			return nil, tagcache.ErrNotFound
		}
	}
	return []byte(fields[fieldContent]), nil
}

func (b *Backend) Test(ctx context.Context, id string) (time.Time, error) {
	created, err := b.client.HGet(ctx, entryKey(b.prefix, id), fieldCreated).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, tagcache.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis hget failed: %w", err)
	}
	ms, err := strconv.ParseInt(created, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad created field: %w", err)
	}
	return time.UnixMilli(ms), nil
}

func (b *Backend) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	now := time.Now()
	exp := tagcache.ResolveTTL(ttl, b.defaultTTL, now)
	key := entryKey(b.prefix, id)

	// Tags of the entry being replaced, so stale tag-index members get
	// removed in the same transaction.
	var oldTags []string
	oldField, err := b.client.HGet(ctx, key, fieldTags).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis hget failed: %w", err)
	}
	if err == nil {
		if oldTags, err = decodeTags(oldField); err != nil {
			return err
		}
	}

	var expMilli int64
	if exp != nil {
		expMilli = exp.UnixMilli()
	}

	keep := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		keep[t] = struct{}{}
	}

	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		fieldContent: content,
		fieldCreated: now.UnixMilli(),
		fieldExpires: expMilli,
		fieldTags:    encodeTags(tags),
	})
	if exp != nil {
		pipe.PExpireAt(ctx, key, *exp)
	} else {
		pipe.Persist(ctx, key)
	}
	pipe.SAdd(ctx, idsKey(b.prefix), id)
	for _, t := range tags {
		pipe.SAdd(ctx, tagsKey(b.prefix), t)
		pipe.SAdd(ctx, tagKey(b.prefix, t), id)
	}
	for _, t := range oldTags {
		if _, ok := keep[t]; !ok {
			pipe.SRem(ctx, tagKey(b.prefix, t), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	key := entryKey(b.prefix, id)

	tagsField, err := b.client.HGet(ctx, key, fieldTags).Result()
	if errors.Is(err, goredis.Nil) {
		// Entry gone (or never existed); drop any leftover index member.
		b.client.SRem(ctx, idsKey(b.prefix), id)
		return tagcache.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis hget failed: %w", err)
	}
	tags, err := decodeTags(tagsField)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, idsKey(b.prefix), id)
	for _, t := range tags {
		pipe.SRem(ctx, tagKey(b.prefix, t), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove failed: %w", err)
	}
	return nil
}

// matchingIDs resolves a tag predicate to candidate ids using the index
// sets. The result may include ids whose entries Redis already expired.
func (b *Backend) matchingIDs(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	if len(tags) == 0 {
		switch mode {
		case tagcache.MatchAll, tagcache.MatchNone:
			// Trivially satisfied by every entry
			return b.client.SMembers(ctx, idsKey(b.prefix)).Result()
		case tagcache.MatchAny:
			return nil, nil
		default:
			return nil, fmt.Errorf("%w: %d", tagcache.ErrBadFilterMode, int(mode))
		}
	}

	keys := make([]string, len(tags))
	for i, t := range tags {
		keys[i] = tagKey(b.prefix, t)
	}

	switch mode {
	case tagcache.MatchAll:
		return b.client.SInter(ctx, keys...).Result()
	case tagcache.MatchAny:
		return b.client.SUnion(ctx, keys...).Result()
	case tagcache.MatchNone:
		return b.client.SDiff(ctx, append([]string{idsKey(b.prefix)}, keys...)...).Result()
	}
	return nil, fmt.Errorf("%w: %d", tagcache.ErrBadFilterMode, int(mode))
}

// liveIDs filters candidates down to ids whose entry hash still exists,
// repairing the ids index for the ones Redis purged.
func (b *Backend) liveIDs(ctx context.Context, candidates []string) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	checks := make([]*goredis.IntCmd, len(candidates))
	for i, id := range candidates {
		checks[i] = pipe.Exists(ctx, entryKey(b.prefix, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis exists failed: %w", err)
	}

	live := candidates[:0]
	for i, id := range candidates {
		if checks[i].Val() > 0 {
			live = append(live, id)
		} else {
			b.client.SRem(ctx, idsKey(b.prefix), id)
		}
	}
	return live, nil
}

func (b *Backend) removeIDs(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := b.Remove(ctx, id); err != nil && !errors.Is(err, tagcache.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (b *Backend) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	if !mode.Valid() {
		return tagcache.ErrBadCleanMode
	}

	switch mode {
	case tagcache.CleanAll:
		return b.cleanAll(ctx)

	case tagcache.CleanExpired:
		// Redis purges expired hashes itself; what is left to do is
		// repairing the indexes for already-purged ids.
		ids, err := b.client.SMembers(ctx, idsKey(b.prefix)).Result()
		if err != nil {
			return fmt.Errorf("redis smembers failed: %w", err)
		}
		_, err = b.liveIDs(ctx, ids)
		return err
	}

	fm, _ := mode.FilterMode()
	ids, err := b.matchingIDs(ctx, fm, tags)
	if err != nil {
		return err
	}
	return b.removeIDs(ctx, ids)
}

func (b *Backend) cleanAll(ctx context.Context) error {
	ids, err := b.client.SMembers(ctx, idsKey(b.prefix)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers failed: %w", err)
	}
	tags, err := b.client.SMembers(ctx, tagsKey(b.prefix)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers failed: %w", err)
	}

	pipe := b.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, entryKey(b.prefix, id))
	}
	for _, t := range tags {
		pipe.Del(ctx, tagKey(b.prefix, t))
	}
	pipe.Del(ctx, idsKey(b.prefix), tagsKey(b.prefix))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis clean failed: %w", err)
	}
	return nil
}

func (b *Backend) IDs(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, idsKey(b.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	return b.liveIDs(ctx, ids)
}

func (b *Backend) Tags(ctx context.Context) ([]string, error) {
	all, err := b.client.SMembers(ctx, tagsKey(b.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}

	// A tag is reported while its index set is non-empty. Members that
	// only reference purged entries can keep a tag alive until the next
	// clean; that imprecision is accepted.
	var tags []string
	for _, t := range all {
		n, err := b.client.SCard(ctx, tagKey(b.prefix, t)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scard failed: %w", err)
		}
		if n > 0 {
			tags = append(tags, t)
		} else {
			b.client.SRem(ctx, tagsKey(b.prefix), t)
		}
	}
	return tags, nil
}

func (b *Backend) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	ids, err := b.matchingIDs(ctx, mode, tags)
	if err != nil {
		return nil, err
	}
	return b.liveIDs(ctx, ids)
}

// parseMemoryInfo extracts used_memory and maxmemory from an INFO memory
// reply.
func parseMemoryInfo(info string) (used, max int64) {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			used, _ = strconv.ParseInt(v, 10, 64)
		} else if v, ok := strings.CutPrefix(line, "maxmemory:"); ok {
			max, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return used, max
}

func (b *Backend) FillPercentage(ctx context.Context) (int, error) {
	info, err := b.client.Info(ctx, "memory").Result()
	if err != nil {
		return 0, fmt.Errorf("redis info failed: %w", err)
	}

	used, max := parseMemoryInfo(info)
	if max <= 0 {
		return 0, tagcache.ErrNoQuota
	}
	pct := int(100 * used / max)
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

func (b *Backend) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	fields, err := b.client.HGetAll(ctx, entryKey(b.prefix, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, tagcache.ErrNotFound
	}

	exp, err := expiresAt(fields[fieldExpires])
	if err != nil {
		return nil, err
	}
	tags, err := decodeTags(fields[fieldTags])
	if err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(fields[fieldCreated], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad created field: %w", err)
	}

	return &tagcache.Metadata{
		ExpiresAt: exp,
		Tags:      tags,
		ModTime:   time.UnixMilli(ms),
	}, nil
}

func (b *Backend) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	key := entryKey(b.prefix, id)

	field, err := b.client.HGet(ctx, key, fieldExpires).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis hget failed: %w", err)
	}
	exp, err := expiresAt(field)
	if err != nil {
		return false, err
	}
	if exp == nil || !exp.After(time.Now()) {
		return false, nil
	}

	newExp := exp.Add(extra)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, fieldExpires, newExp.UnixMilli())
	pipe.PExpireAt(ctx, key, newExp)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis touch failed: %w", err)
	}
	return true, nil
}

func (b *Backend) Capabilities() tagcache.Capabilities {
	return tagcache.Capabilities{
		AutomaticCleaning: true,
		Tags:              true,
		ExpiredRead:       false, // purged at the exact expiry instant
		Priorities:        false,
		InfiniteLifetime:  true,
		Enumeration:       true,
	}
}

func (b *Backend) Close() error {
	return b.client.Close()
}
