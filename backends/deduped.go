package backends

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bitmason/tagcache"
)

// Deduped wraps a Backend and collapses concurrent identical reads into a
// single datastore request. Only Load, Test and Metadata are deduplicated;
// writes always reach the driver.
type Deduped struct {
	backend tagcache.Backend
	loads   singleflight.Group
	tests   singleflight.Group
	metas   singleflight.Group
}

// NewDeduped creates a deduplicating wrapper around an existing backend.
func NewDeduped(backend tagcache.Backend) *Deduped {
	return &Deduped{backend: backend}
}

func (d *Deduped) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	key := strconv.FormatBool(includeExpired) + "\x00" + id
	v, err, _ := d.loads.Do(key, func() (interface{}, error) {
		return d.backend.Load(ctx, id, includeExpired)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (d *Deduped) Test(ctx context.Context, id string) (time.Time, error) {
	v, err, _ := d.tests.Do(id, func() (interface{}, error) {
		return d.backend.Test(ctx, id)
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (d *Deduped) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	v, err, _ := d.metas.Do(id, func() (interface{}, error) {
		return d.backend.Metadata(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*tagcache.Metadata), nil
}

func (d *Deduped) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	return d.backend.Save(ctx, id, content, tags, ttl)
}

func (d *Deduped) Remove(ctx context.Context, id string) error {
	return d.backend.Remove(ctx, id)
}

func (d *Deduped) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	return d.backend.Clean(ctx, mode, tags)
}

func (d *Deduped) IDs(ctx context.Context) ([]string, error) {
	return d.backend.IDs(ctx)
}

func (d *Deduped) Tags(ctx context.Context) ([]string, error) {
	return d.backend.Tags(ctx)
}

func (d *Deduped) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	return d.backend.IDsByTags(ctx, mode, tags)
}

func (d *Deduped) FillPercentage(ctx context.Context) (int, error) {
	return d.backend.FillPercentage(ctx)
}

func (d *Deduped) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	return d.backend.Touch(ctx, id, extra)
}

func (d *Deduped) Capabilities() tagcache.Capabilities {
	return d.backend.Capabilities()
}

func (d *Deduped) Close() error {
	return d.backend.Close()
}
