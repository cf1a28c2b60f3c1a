package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bitmason/tagcache"
)

func TestCleanFilter(t *testing.T) {
	require := require.New(t)
	now := time.Now()
	tags := []string{"a", "b"}

	filter, err := cleanFilter(tagcache.CleanAll, tags, now)
	require.NoError(err)
	require.Equal(bson.M{}, filter)

	filter, err = cleanFilter(tagcache.CleanExpired, tags, now)
	require.NoError(err)
	require.Equal(bson.M{"expires": bson.M{"$lt": now}}, filter)

	filter, err = cleanFilter(tagcache.CleanMatchingAllTags, tags, now)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$all": tags}}, filter)

	filter, err = cleanFilter(tagcache.CleanNotMatchingAnyTag, tags, now)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$nin": tags}}, filter)

	filter, err = cleanFilter(tagcache.CleanMatchingAnyTag, tags, now)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$in": tags}}, filter)

	_, err = cleanFilter(tagcache.CleanMode(17), tags, now)
	require.ErrorIs(err, tagcache.ErrBadCleanMode)
}

func TestTagFilter(t *testing.T) {
	require := require.New(t)
	tags := []string{"x"}

	filter, err := tagFilter(tagcache.MatchAll, tags)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$all": tags}}, filter)

	filter, err = tagFilter(tagcache.MatchAny, tags)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$in": tags}}, filter)

	filter, err = tagFilter(tagcache.MatchNone, tags)
	require.NoError(err)
	require.Equal(bson.M{"tags": bson.M{"$nin": tags}}, filter)

	_, err = tagFilter(tagcache.FilterMode(9), tags)
	require.ErrorIs(err, tagcache.ErrBadFilterMode)
}
