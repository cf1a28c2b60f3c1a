package backends

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bitmason/tagcache"
)

// Tolerant wraps a Backend and shields callers from datastore errors on
// point operations: a failed Load/Test/Metadata is logged and reported as a
// plain miss (ErrNotFound), and a failed Save/Remove/Touch is logged and
// reported as ErrUnavailable, never as the driver-specific error.
// Enumeration (IDs, Tags, IDsByTags), Clean and FillPercentage errors
// propagate untouched.
//
// This reproduces a legacy contract where transient backend failures were
// indistinguishable from misses on point operations while bulk operations
// surfaced their errors. Callers that need to tell "absent" from "backend
// down" should use the driver directly instead.
type Tolerant struct {
	backend tagcache.Backend
	logger  *zap.Logger
}

// NewTolerant creates an error-tolerant wrapper around an existing backend.
func NewTolerant(backend tagcache.Backend, logger *zap.Logger) *Tolerant {
	return &Tolerant{backend: backend, logger: logger}
}

// swallowed reports whether err is a real failure to convert (as opposed to
// nil or an expected miss).
func swallowed(err error) bool {
	return err != nil && !errors.Is(err, tagcache.ErrNotFound)
}

func (t *Tolerant) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	content, err := t.backend.Load(ctx, id, includeExpired)
	if swallowed(err) {
		t.logger.Warn("load failed, reporting miss", zap.String("id", id), zap.Error(err))
		return nil, tagcache.ErrNotFound
	}
	return content, err
}

func (t *Tolerant) Test(ctx context.Context, id string) (time.Time, error) {
	created, err := t.backend.Test(ctx, id)
	if swallowed(err) {
		t.logger.Warn("test failed, reporting miss", zap.String("id", id), zap.Error(err))
		return time.Time{}, tagcache.ErrNotFound
	}
	return created, err
}

func (t *Tolerant) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	if err := t.backend.Save(ctx, id, content, tags, ttl); err != nil {
		t.logger.Warn("save failed", zap.String("id", id), zap.Error(err))
		return tagcache.ErrUnavailable
	}
	return nil
}

func (t *Tolerant) Remove(ctx context.Context, id string) error {
	err := t.backend.Remove(ctx, id)
	if swallowed(err) {
		t.logger.Warn("remove failed", zap.String("id", id), zap.Error(err))
		return tagcache.ErrUnavailable
	}
	return err
}

func (t *Tolerant) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	return t.backend.Clean(ctx, mode, tags)
}

func (t *Tolerant) IDs(ctx context.Context) ([]string, error) {
	return t.backend.IDs(ctx)
}

func (t *Tolerant) Tags(ctx context.Context) ([]string, error) {
	return t.backend.Tags(ctx)
}

func (t *Tolerant) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	return t.backend.IDsByTags(ctx, mode, tags)
}

func (t *Tolerant) FillPercentage(ctx context.Context) (int, error) {
	return t.backend.FillPercentage(ctx)
}

func (t *Tolerant) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	meta, err := t.backend.Metadata(ctx, id)
	if swallowed(err) {
		t.logger.Warn("metadata failed, reporting miss", zap.String("id", id), zap.Error(err))
		return nil, tagcache.ErrNotFound
	}
	return meta, err
}

func (t *Tolerant) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	extended, err := t.backend.Touch(ctx, id, extra)
	if swallowed(err) {
		t.logger.Warn("touch failed", zap.String("id", id), zap.Error(err))
		return false, tagcache.ErrUnavailable
	}
	return extended, err
}

func (t *Tolerant) Capabilities() tagcache.Capabilities {
	return t.backend.Capabilities()
}

func (t *Tolerant) Close() error {
	return t.backend.Close()
}
