// Package tagcache defines a cache-backend abstraction with tag-based
// invalidation. Entries are opaque byte payloads keyed by a caller-supplied
// id, carry a set of string tags for group invalidation, and expire either
// never or at an absolute timestamp computed from a per-save lifetime.
//
// Concrete drivers live under backends/ (memory, fs, redis, mongo, s3) and
// cross-cutting decorators (logging, metrics, error tolerance, request
// deduplication) wrap any Backend.
package tagcache

import (
	"context"
	"time"
)

// Backend is the interface implemented by every cache driver.
// Implementations hold a single client/connection created at construction
// and reused for all operations; each operation is one independent request
// to the datastore and the datastore's own atomicity governs concurrent
// callers.
type Backend interface {
	// Load returns the content stored under id, or ErrNotFound on a miss.
	// An entry past its expiry counts as a miss unless includeExpired is
	// set, in which case the content is returned regardless of validity
	// (provided the datastore has not already purged it).
	Load(ctx context.Context, id string, includeExpired bool) ([]byte, error)

	// Test reports whether an entry exists, returning its creation time.
	// Expiry is not checked. Returns ErrNotFound when absent.
	Test(ctx context.Context, id string) (time.Time, error)

	// Save stores an entry, replacing any prior entry with the same id
	// wholesale. ttl follows the TTLDefault/TTLForever convention
	// (see ResolveTTL).
	Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error

	// Remove deletes the entry with the given id.
	// Returns ErrNotFound when no such entry exists.
	Remove(ctx context.Context, id string) error

	// Clean bulk-deletes entries according to mode. Tags are ignored for
	// CleanAll and CleanExpired. An unrecognized mode is ErrBadCleanMode,
	// never a silent no-op.
	Clean(ctx context.Context, mode CleanMode, tags []string) error

	// IDs enumerates every entry id.
	IDs(ctx context.Context) ([]string, error)

	// Tags enumerates the distinct union of tags across all entries.
	Tags(ctx context.Context) ([]string, error)

	// IDsByTags returns the ids whose tag set satisfies the predicate
	// selected by mode over the given tags.
	IDsByTags(ctx context.Context, mode FilterMode, tags []string) ([]string, error)

	// FillPercentage reports 100*used/total storage, capped at 100.
	// It fails when the datastore reports no usable total (ErrNoQuota).
	FillPercentage(ctx context.Context) (int, error)

	// Metadata returns the expiry, tags and modification time of an entry,
	// or ErrNotFound. Expiry is not checked.
	Metadata(ctx context.Context, id string) (*Metadata, error)

	// Touch extends a finite, not-yet-expired expiry by extra and reports
	// whether the extension was applied. Entries that do not exist, never
	// expire, or have already expired are left alone and return false.
	Touch(ctx context.Context, id string, extra time.Duration) (bool, error)

	// Capabilities describes what this driver supports.
	Capabilities() Capabilities

	// Close releases the underlying client/connection.
	Close() error
}

// Capabilities is a fixed per-driver descriptor.
type Capabilities struct {
	// AutomaticCleaning is true when the datastore purges expired entries
	// on its own (TTL index, EXPIREAT, sweeper goroutine).
	AutomaticCleaning bool

	// Tags is true when tag-based invalidation is supported.
	Tags bool

	// ExpiredRead is true when an expired-but-not-yet-purged entry can
	// still be read with Load(..., includeExpired=true).
	ExpiredRead bool

	// Priorities is always false; no driver implements write priorities.
	Priorities bool

	// InfiniteLifetime is true when entries can be stored without expiry.
	InfiniteLifetime bool

	// Enumeration is true when IDs/Tags/IDsByTags are fully supported.
	Enumeration bool
}
