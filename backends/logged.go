// Package backends provides cross-cutting decorators that wrap any
// tagcache.Backend: structured debug logging, latency/hit-rate metrics,
// legacy error tolerance, and load deduplication.
package backends

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bitmason/tagcache"
)

// Logged wraps a Backend and logs every operation at debug level. This
// keeps logging out of the driver implementations.
type Logged struct {
	backend tagcache.Backend
	logger  *zap.Logger
}

// NewLogged creates a logging wrapper around an existing backend.
func NewLogged(backend tagcache.Backend, logger *zap.Logger) *Logged {
	return &Logged{backend: backend, logger: logger}
}

func (l *Logged) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	content, err := l.backend.Load(ctx, id, includeExpired)
	switch {
	case errors.Is(err, tagcache.ErrNotFound):
		l.logger.Debug("load miss", zap.String("id", id))
	case err != nil:
		l.logger.Debug("load failed", zap.String("id", id), zap.Error(err))
	default:
		l.logger.Debug("load hit", zap.String("id", id), zap.Int("bytes", len(content)))
	}
	return content, err
}

func (l *Logged) Test(ctx context.Context, id string) (time.Time, error) {
	created, err := l.backend.Test(ctx, id)
	l.logger.Debug("test", zap.String("id", id), zap.Error(err))
	return created, err
}

func (l *Logged) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	err := l.backend.Save(ctx, id, content, tags, ttl)
	l.logger.Debug("save",
		zap.String("id", id),
		zap.Int("bytes", len(content)),
		zap.Strings("tags", tags),
		zap.Duration("ttl", ttl),
		zap.Error(err))
	return err
}

func (l *Logged) Remove(ctx context.Context, id string) error {
	err := l.backend.Remove(ctx, id)
	l.logger.Debug("remove", zap.String("id", id), zap.Error(err))
	return err
}

func (l *Logged) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	err := l.backend.Clean(ctx, mode, tags)
	l.logger.Debug("clean",
		zap.Stringer("mode", mode),
		zap.Strings("tags", tags),
		zap.Error(err))
	return err
}

func (l *Logged) IDs(ctx context.Context) ([]string, error) {
	ids, err := l.backend.IDs(ctx)
	l.logger.Debug("ids", zap.Int("count", len(ids)), zap.Error(err))
	return ids, err
}

func (l *Logged) Tags(ctx context.Context) ([]string, error) {
	tags, err := l.backend.Tags(ctx)
	l.logger.Debug("tags", zap.Int("count", len(tags)), zap.Error(err))
	return tags, err
}

func (l *Logged) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	ids, err := l.backend.IDsByTags(ctx, mode, tags)
	l.logger.Debug("ids by tags",
		zap.Stringer("mode", mode),
		zap.Strings("tags", tags),
		zap.Int("count", len(ids)),
		zap.Error(err))
	return ids, err
}

func (l *Logged) FillPercentage(ctx context.Context) (int, error) {
	pct, err := l.backend.FillPercentage(ctx)
	l.logger.Debug("fill percentage", zap.Int("pct", pct), zap.Error(err))
	return pct, err
}

func (l *Logged) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	meta, err := l.backend.Metadata(ctx, id)
	l.logger.Debug("metadata", zap.String("id", id), zap.Error(err))
	return meta, err
}

func (l *Logged) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	extended, err := l.backend.Touch(ctx, id, extra)
	l.logger.Debug("touch",
		zap.String("id", id),
		zap.Duration("extra", extra),
		zap.Bool("extended", extended),
		zap.Error(err))
	return extended, err
}

func (l *Logged) Capabilities() tagcache.Capabilities {
	return l.backend.Capabilities()
}

func (l *Logged) Close() error {
	l.logger.Debug("closing backend")
	return l.backend.Close()
}
