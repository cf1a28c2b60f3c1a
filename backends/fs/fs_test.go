package fs

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bitmason/tagcache"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(tagcache.FSConfig{Dir: t.TempDir(), MaxBytes: 1 << 20}, time.Hour, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(tagcache.FSConfig{}, time.Hour, nil)
	require.Error(t, err)
}

func TestMetaRoundTrip(t *testing.T) {
	require := require.New(t)

	exp := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	in := &entryMeta{
		ID:      "weird id\nwith:newline",
		Created: time.UnixMilli(time.Now().UnixMilli()),
		Expires: &exp,
		Tags:    []string{"plain", "tag,with:punct\"', even quotes"},
	}

	out, err := decodeMeta([]byte(encodeMeta(in)))
	require.NoError(err)
	require.Equal(in.ID, out.ID)
	require.True(in.Created.Equal(out.Created))
	require.True(in.Expires.Equal(*out.Expires))
	require.Equal(in.Tags, out.Tags)

	// No expiry encodes as 0 and decodes as nil
	in.Expires = nil
	out, err = decodeMeta([]byte(encodeMeta(in)))
	require.NoError(err)
	require.Nil(out.Expires)
}

func TestDecodeMetaRejectsGarbage(t *testing.T) {
	_, err := decodeMeta([]byte("created:123\n"))
	require.Error(t, err, "missing id must be rejected")

	_, err = decodeMeta([]byte("id:\"x\"\ncreated:notanumber\n"))
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	require := require.New(t)
	b := newBackend(t)
	ctx := context.Background()

	before := time.Now().Truncate(time.Millisecond)
	require.NoError(b.Save(ctx, "x", []byte("hello"), []string{"t1"}, tagcache.TTLDefault))

	content, err := b.Load(ctx, "x", false)
	require.NoError(err)
	require.Equal([]byte("hello"), content)

	created, err := b.Test(ctx, "x")
	require.NoError(err)
	require.False(created.Before(before))

	meta, err := b.Metadata(ctx, "x")
	require.NoError(err)
	require.Equal([]string{"t1"}, meta.Tags)
	require.NotNil(meta.ExpiresAt)

	require.NoError(b.Clean(ctx, tagcache.CleanAll, nil))
	_, err = b.Load(ctx, "x", false)
	require.ErrorIs(err, tagcache.ErrNotFound)
}

func TestMisses(t *testing.T) {
	require := require.New(t)
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Load(ctx, "absent", false)
	require.ErrorIs(err, tagcache.ErrNotFound)
	_, err = b.Test(ctx, "absent")
	require.ErrorIs(err, tagcache.ErrNotFound)
	_, err = b.Metadata(ctx, "absent")
	require.ErrorIs(err, tagcache.ErrNotFound)
	require.ErrorIs(b.Remove(ctx, "absent"), tagcache.ErrNotFound)
}

func TestExpiry(t *testing.T) {
	require := require.New(t)
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(b.Save(ctx, "short", []byte("v"), nil, 50*time.Millisecond))
	time.Sleep(80 * time.Millisecond)

	_, err := b.Load(ctx, "short", false)
	require.ErrorIs(err, tagcache.ErrNotFound)

	// Still on disk, readable when validity is skipped
	content, err := b.Load(ctx, "short", true)
	require.NoError(err)
	require.Equal([]byte("v"), content)

	// CleanExpired purges it for real
	require.NoError(b.Clean(ctx, tagcache.CleanExpired, nil))
	_, err = b.Load(ctx, "short", true)
	require.ErrorIs(err, tagcache.ErrNotFound)
}

func seedTagged(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Save(ctx, "ab", []byte("1"), []string{"a", "b"}, tagcache.TTLDefault))
	require.NoError(t, b.Save(ctx, "a", []byte("2"), []string{"a"}, tagcache.TTLDefault))
	require.NoError(t, b.Save(ctx, "b", []byte("3"), []string{"b"}, tagcache.TTLDefault))
	require.NoError(t, b.Save(ctx, "c", []byte("4"), []string{"c"}, tagcache.TTLDefault))
}

func remaining(t *testing.T, b *Backend) []string {
	t.Helper()
	ids, err := b.IDs(context.Background())
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

func TestCleanByTags(t *testing.T) {
	ctx := context.Background()

	b := newBackend(t)
	seedTagged(t, b)
	require.NoError(t, b.Clean(ctx, tagcache.CleanMatchingAllTags, []string{"a", "b"}))
	require.Equal(t, []string{"a", "b", "c"}, remaining(t, b))

	b = newBackend(t)
	seedTagged(t, b)
	require.NoError(t, b.Clean(ctx, tagcache.CleanMatchingAnyTag, []string{"a", "b"}))
	require.Equal(t, []string{"c"}, remaining(t, b))

	b = newBackend(t)
	seedTagged(t, b)
	require.NoError(t, b.Clean(ctx, tagcache.CleanNotMatchingAnyTag, []string{"a", "b"}))
	require.Equal(t, []string{"a", "ab", "b"}, remaining(t, b))

	require.ErrorIs(t, b.Clean(ctx, tagcache.CleanMode(99), nil), tagcache.ErrBadCleanMode)
}

func TestEnumeration(t *testing.T) {
	require := require.New(t)
	b := newBackend(t)
	seedTagged(t, b)
	ctx := context.Background()

	tags, err := b.Tags(ctx)
	require.NoError(err)
	sort.Strings(tags)
	require.Equal([]string{"a", "b", "c"}, tags)

	ids, err := b.IDsByTags(ctx, tagcache.MatchAll, []string{"a", "b"})
	require.NoError(err)
	require.Equal([]string{"ab"}, ids)

	ids, err = b.IDsByTags(ctx, tagcache.MatchNone, []string{"a", "b"})
	require.NoError(err)
	require.Equal([]string{"c"}, ids)
}

func TestTouch(t *testing.T) {
	require := require.New(t)
	b := newBackend(t)
	ctx := context.Background()

	ok, err := b.Touch(ctx, "absent", time.Hour)
	require.NoError(err)
	require.False(ok)

	require.NoError(b.Save(ctx, "forever", []byte("v"), nil, tagcache.TTLForever))
	ok, err = b.Touch(ctx, "forever", time.Hour)
	require.NoError(err)
	require.False(ok)

	require.NoError(b.Save(ctx, "stale", []byte("v"), nil, 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	ok, err = b.Touch(ctx, "stale", time.Hour)
	require.NoError(err)
	require.False(ok)

	require.NoError(b.Save(ctx, "live", []byte("v"), nil, time.Hour))
	before, err := b.Metadata(ctx, "live")
	require.NoError(err)
	ok, err = b.Touch(ctx, "live", time.Hour)
	require.NoError(err)
	require.True(ok)
	after, err := b.Metadata(ctx, "live")
	require.NoError(err)
	require.True(after.ExpiresAt.Equal(before.ExpiresAt.Add(time.Hour)))
}

func TestFillPercentage(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	noQuota, err := New(tagcache.FSConfig{Dir: t.TempDir()}, time.Hour, nil)
	require.NoError(err)
	_, err = noQuota.FillPercentage(ctx)
	require.ErrorIs(err, tagcache.ErrNoQuota)

	b, err := New(tagcache.FSConfig{Dir: t.TempDir(), MaxBytes: 1024}, time.Hour, nil)
	require.NoError(err)

	pct, err := b.FillPercentage(ctx)
	require.NoError(err)
	require.Zero(pct)

	require.NoError(b.Save(ctx, "k", make([]byte, 512), nil, tagcache.TTLDefault))
	pct, err = b.FillPercentage(ctx)
	require.NoError(err)
	require.Greater(pct, 0)

	require.NoError(b.Save(ctx, "big", make([]byte, 4096), nil, tagcache.TTLDefault))
	pct, err = b.FillPercentage(ctx)
	require.NoError(err)
	require.Equal(100, pct)
}

func TestCapabilities(t *testing.T) {
	caps := newBackend(t).Capabilities()
	require.False(t, caps.AutomaticCleaning)
	require.True(t, caps.Tags)
	require.True(t, caps.ExpiredRead)
	require.True(t, caps.Enumeration)
}
