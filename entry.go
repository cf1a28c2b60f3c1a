package tagcache

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound marks a cache miss: no entry under the requested id, or
	// the entry is expired and the caller did not ask for expired reads.
	ErrNotFound = errors.New("tagcache: entry not found")

	// ErrBadCleanMode is returned by Clean for an unrecognized mode.
	ErrBadCleanMode = errors.New("tagcache: unknown clean mode")

	// ErrBadFilterMode is returned by IDsByTags for an unrecognized mode.
	ErrBadFilterMode = errors.New("tagcache: unknown filter mode")

	// ErrNoQuota is returned by FillPercentage when the datastore reports
	// no total capacity (or the driver has no quota configured).
	ErrNoQuota = errors.New("tagcache: total storage size is zero")

	// ErrUnavailable is the generic failure the Tolerant decorator reports
	// for write operations instead of the driver-specific error.
	ErrUnavailable = errors.New("tagcache: backend unavailable")
)

// TTL sentinels for Save.
const (
	// TTLDefault selects the configured default lifetime.
	TTLDefault time.Duration = -1

	// TTLForever stores the entry without expiry.
	TTLForever time.Duration = 0
)

// ResolveTTL converts a Save ttl into an absolute expiry. A negative ttl
// selects defaultTTL, zero means no expiry (nil), and a positive ttl expires
// at now+ttl.
func ResolveTTL(ttl, defaultTTL time.Duration, now time.Time) *time.Time {
	if ttl < 0 {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return nil
	}
	exp := now.Add(ttl)
	return &exp
}

// Entry is a stored cache record. Writes are whole-record replacements; an
// Entry is never partially updated.
type Entry struct {
	ID        string
	Content   []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = never expires
	Tags      []string
}

// Expired reports whether the entry's expiry has been reached. Entries
// without an expiry never expire. An entry expiring exactly at now counts
// as expired: only a strictly future expiry is a hit.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Metadata is the read-only descriptor returned by Backend.Metadata.
type Metadata struct {
	ExpiresAt *time.Time
	Tags      []string
	ModTime   time.Time
}

// CleanMode selects the predicate for bulk deletion.
type CleanMode int

const (
	// CleanAll deletes every entry; tags are ignored.
	CleanAll CleanMode = iota

	// CleanExpired deletes entries whose expiry is strictly before now;
	// tags are ignored.
	CleanExpired

	// CleanMatchingAllTags deletes entries whose tag set contains every
	// given tag.
	CleanMatchingAllTags

	// CleanNotMatchingAnyTag deletes entries containing none of the given
	// tags.
	CleanNotMatchingAnyTag

	// CleanMatchingAnyTag deletes entries containing at least one of the
	// given tags.
	CleanMatchingAnyTag
)

func (m CleanMode) String() string {
	switch m {
	case CleanAll:
		return "all"
	case CleanExpired:
		return "expired"
	case CleanMatchingAllTags:
		return "matching-all-tags"
	case CleanNotMatchingAnyTag:
		return "not-matching-any-tag"
	case CleanMatchingAnyTag:
		return "matching-any-tag"
	}
	return fmt.Sprintf("CleanMode(%d)", int(m))
}

// FilterMode returns the tag predicate corresponding to a tag-driven clean
// mode. ok is false for CleanAll and CleanExpired, which do not filter by
// tags.
func (m CleanMode) FilterMode() (fm FilterMode, ok bool) {
	switch m {
	case CleanMatchingAllTags:
		return MatchAll, true
	case CleanNotMatchingAnyTag:
		return MatchNone, true
	case CleanMatchingAnyTag:
		return MatchAny, true
	}
	return 0, false
}

// Valid reports whether m is a known clean mode.
func (m CleanMode) Valid() bool {
	return m >= CleanAll && m <= CleanMatchingAnyTag
}

// FilterMode selects the predicate for tag-based id filtering.
type FilterMode int

const (
	// MatchAll selects entries containing every given tag.
	MatchAll FilterMode = iota

	// MatchAny selects entries containing at least one given tag.
	MatchAny

	// MatchNone selects entries containing none of the given tags.
	MatchNone
)

func (m FilterMode) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchAny:
		return "any"
	case MatchNone:
		return "none"
	}
	return fmt.Sprintf("FilterMode(%d)", int(m))
}

// MatchTags reports whether entryTags satisfies the predicate selected by
// mode over tags. With an empty tag list, MatchAll and MatchNone are
// trivially true and MatchAny is false.
func MatchTags(entryTags, tags []string, mode FilterMode) (bool, error) {
	have := make(map[string]struct{}, len(entryTags))
	for _, t := range entryTags {
		have[t] = struct{}{}
	}

	switch mode {
	case MatchAll:
		for _, t := range tags {
			if _, ok := have[t]; !ok {
				return false, nil
			}
		}
		return true, nil

	case MatchAny:
		for _, t := range tags {
			if _, ok := have[t]; ok {
				return true, nil
			}
		}
		return false, nil

	case MatchNone:
		for _, t := range tags {
			if _, ok := have[t]; ok {
				return false, nil
			}
		}
		return true, nil
	}

	return false, fmt.Errorf("%w: %d", ErrBadFilterMode, int(mode))
}
