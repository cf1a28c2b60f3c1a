package backends

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitmason/tagcache"
	"github.com/bitmason/tagcache/backends/memory"
	"github.com/bitmason/tagcache/pkg/logging"
	"github.com/bitmason/tagcache/pkg/metrics"
)

// broken fails every operation with a driver-specific error; used to verify
// the Tolerant conversion rules.
type broken struct {
	err error
}

func (b *broken) Load(ctx context.Context, id string, includeExpired bool) ([]byte, error) {
	return nil, b.err
}
func (b *broken) Test(ctx context.Context, id string) (time.Time, error) {
	return time.Time{}, b.err
}
func (b *broken) Save(ctx context.Context, id string, content []byte, tags []string, ttl time.Duration) error {
	return b.err
}
func (b *broken) Remove(ctx context.Context, id string) error { return b.err }
func (b *broken) Clean(ctx context.Context, mode tagcache.CleanMode, tags []string) error {
	return b.err
}
func (b *broken) IDs(ctx context.Context) ([]string, error)  { return nil, b.err }
func (b *broken) Tags(ctx context.Context) ([]string, error) { return nil, b.err }
func (b *broken) IDsByTags(ctx context.Context, mode tagcache.FilterMode, tags []string) ([]string, error) {
	return nil, b.err
}
func (b *broken) FillPercentage(ctx context.Context) (int, error) { return 0, b.err }
func (b *broken) Metadata(ctx context.Context, id string) (*tagcache.Metadata, error) {
	return nil, b.err
}
func (b *broken) Touch(ctx context.Context, id string, extra time.Duration) (bool, error) {
	return false, b.err
}
func (b *broken) Capabilities() tagcache.Capabilities { return tagcache.Capabilities{} }
func (b *broken) Close() error                        { return nil }

func newMemory(t *testing.T) tagcache.Backend {
	t.Helper()
	b := memory.New(tagcache.MemoryConfig{MaxBytes: 1 << 20}, time.Hour)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestTolerantConvertsPointOps(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	driverErr := errors.New("connection reset")
	tol := NewTolerant(&broken{err: driverErr}, zap.NewNop())

	// Reads become plain misses
	_, err := tol.Load(ctx, "x", false)
	require.ErrorIs(err, tagcache.ErrNotFound)
	require.NotErrorIs(err, tagcache.ErrUnavailable)

	_, err = tol.Test(ctx, "x")
	require.ErrorIs(err, tagcache.ErrNotFound)

	_, err = tol.Metadata(ctx, "x")
	require.ErrorIs(err, tagcache.ErrNotFound)

	// Writes become the generic unavailable error
	require.ErrorIs(tol.Save(ctx, "x", []byte("v"), nil, tagcache.TTLDefault), tagcache.ErrUnavailable)
	require.ErrorIs(tol.Remove(ctx, "x"), tagcache.ErrUnavailable)
	_, err = tol.Touch(ctx, "x", time.Hour)
	require.ErrorIs(err, tagcache.ErrUnavailable)

	// The driver error never leaks
	require.NotErrorIs(tol.Save(ctx, "x", nil, nil, 0), driverErr)

	// Enumeration, clean and fill propagate untouched
	_, err = tol.IDs(ctx)
	require.ErrorIs(err, driverErr)
	_, err = tol.Tags(ctx)
	require.ErrorIs(err, driverErr)
	_, err = tol.IDsByTags(ctx, tagcache.MatchAny, []string{"a"})
	require.ErrorIs(err, driverErr)
	require.ErrorIs(tol.Clean(ctx, tagcache.CleanAll, nil), driverErr)
	_, err = tol.FillPercentage(ctx)
	require.ErrorIs(err, driverErr)
}

func TestTolerantPassesThroughMisses(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	tol := NewTolerant(newMemory(t), zap.NewNop())

	// A genuine miss stays a miss, a genuine hit stays a hit
	_, err := tol.Load(ctx, "x", false)
	require.ErrorIs(err, tagcache.ErrNotFound)

	require.NoError(tol.Save(ctx, "x", []byte("v"), nil, tagcache.TTLDefault))
	content, err := tol.Load(ctx, "x", false)
	require.NoError(err)
	require.Equal([]byte("v"), content)

	require.ErrorIs(tol.Remove(ctx, "absent"), tagcache.ErrNotFound)
}

func TestInstrumentedCountsOutcomes(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	inst := NewInstrumented(newMemory(t), metrics.NewTracker(0.01))

	require.NoError(inst.Save(ctx, "x", []byte("v"), []string{"t"}, tagcache.TTLDefault))

	_, err := inst.Load(ctx, "x", false)
	require.NoError(err)
	_, err = inst.Load(ctx, "missing", false)
	require.ErrorIs(err, tagcache.ErrNotFound)

	loads, err := inst.Tracker().GetStats("load")
	require.NoError(err)
	require.Equal(int64(2), loads.Count)
	require.Equal(int64(1), loads.Hits)
	require.Equal(int64(1), loads.Misses)
	require.Zero(loads.Errors)

	saves, err := inst.Tracker().GetStats("save")
	require.NoError(err)
	require.Equal(int64(1), saves.Count)
}

func TestInstrumentedCountsErrors(t *testing.T) {
	require := require.New(t)
	inst := NewInstrumented(&broken{err: errors.New("boom")}, metrics.NewTracker(0.01))

	_, _ = inst.Load(context.Background(), "x", false)
	stats, err := inst.Tracker().GetStats("load")
	require.NoError(err)
	require.Equal(int64(1), stats.Errors)
}

func TestLoggedPassesThrough(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	logger, err := logging.New("error", true)
	require.NoError(err)
	_, err = logging.New("nonsense", false)
	require.Error(err)

	logged := NewLogged(newMemory(t), logger)

	require.NoError(logged.Save(ctx, "x", []byte("v"), []string{"t"}, tagcache.TTLDefault))
	content, err := logged.Load(ctx, "x", false)
	require.NoError(err)
	require.Equal([]byte("v"), content)

	ok, err := logged.Touch(ctx, "x", time.Minute)
	require.NoError(err)
	require.True(ok)

	require.NoError(logged.Clean(ctx, tagcache.CleanAll, nil))
	_, err = logged.Load(ctx, "x", false)
	require.ErrorIs(err, tagcache.ErrNotFound)
}

func TestDeduped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	deduped := NewDeduped(newMemory(t))

	require.NoError(deduped.Save(ctx, "x", []byte("v"), nil, tagcache.TTLDefault))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			content, err := deduped.Load(ctx, "x", false)
			require.NoError(err)
			require.Equal([]byte("v"), content)
		}()
	}
	wg.Wait()

	// Errors pass through the flight group
	_, err := deduped.Load(ctx, "missing", false)
	require.ErrorIs(err, tagcache.ErrNotFound)
}
