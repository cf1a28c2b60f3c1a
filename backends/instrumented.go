package backends

import (
	"context"
	"errors"
	"time"

	"github.com/bitmason/tagcache"
	"github.com/bitmason/tagcache/pkg/metrics"
)

// Instrumented wraps a Backend and records per-operation latency quantiles
// and hit/miss/error counts into a metrics.Tracker.
type Instrumented struct {
	backend tagcache.Backend
	tracker *metrics.Tracker
}

// NewInstrumented creates a metrics wrapper around an existing backend.
func NewInstrumented(backend tagcache.Backend, tracker *metrics.Tracker) *Instrumented {
	return &Instrumented{backend: backend, tracker: tracker}
}

// Tracker exposes the underlying tracker for reporting.
func (i *Instrumented) Tracker() *metrics.Tracker {
	return i.tracker
}

// observe records latency plus the hit/miss/error outcome for a read-style
// operation where ErrNotFound means miss.
func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.tracker.Record(op, time.Since(start))
	switch {
	case err == nil:
		i.tracker.Hit(op)
	case errors.Is(err, tagcache.ErrNotFound):
		i.tracker.Miss(op)
	default:
		i.tracker.Error(op)
	}
}

// observeErr records latency plus error count for operations without a
// hit/miss outcome.
func (i *Instrumented) observeErr(op string, start time.Time, err error) {
	i.tracker.Record(op, time.Since(start))
	if err != nil {
		i.tracker.Error(op)
	}
}

func (i *Instrumented) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	start := time.Now()
	content, err := i.backend.Load(ctx, id, includeExpired)
	i.observe("load", start, err)
	return content, err
}

func (i *Instrumented) Test(ctx context.Context, id string) (time.Time, error) {
	start := time.Now()
	created, err := i.backend.Test(ctx, id)
	i.observe("test", start, err)
	return created, err
}

func (i *Instrumented) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	start := time.Now()
	err := i.backend.Save(ctx, id, content, tags, ttl)
	i.observeErr("save", start, err)
	return err
}

func (i *Instrumented) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := i.backend.Remove(ctx, id)
	i.observe("remove", start, err)
	return err
}

func (i *Instrumented) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	start := time.Now()
	err := i.backend.Clean(ctx, mode, tags)
	i.observeErr("clean", start, err)
	return err
}

func (i *Instrumented) IDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	ids, err := i.backend.IDs(ctx)
	i.observeErr("ids", start, err)
	return ids, err
}

func (i *Instrumented) Tags(ctx context.Context) ([]string, error) {
	start := time.Now()
	tags, err := i.backend.Tags(ctx)
	i.observeErr("tags", start, err)
	return tags, err
}

func (i *Instrumented) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	start := time.Now()
	ids, err := i.backend.IDsByTags(ctx, mode, tags)
	i.observeErr("ids_by_tags", start, err)
	return ids, err
}

func (i *Instrumented) FillPercentage(ctx context.Context) (int, error) {
	start := time.Now()
	pct, err := i.backend.FillPercentage(ctx)
	i.observeErr("fill_percentage", start, err)
	return pct, err
}

func (i *Instrumented) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	start := time.Now()
	meta, err := i.backend.Metadata(ctx, id)
	i.observe("metadata", start, err)
	return meta, err
}

func (i *Instrumented) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	start := time.Now()
	extended, err := i.backend.Touch(ctx, id, extra)
	i.observeErr("touch", start, err)
	return extended, err
}

func (i *Instrumented) Capabilities() tagcache.Capabilities {
	return i.backend.Capabilities()
}

func (i *Instrumented) Close() error {
	return i.backend.Close()
}
