package tagcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveTTL(t *testing.T) {
	require := require.New(t)
	now := time.Now()

	exp := ResolveTTL(time.Minute, time.Hour, now)
	require.NotNil(exp)
	require.True(exp.Equal(now.Add(time.Minute)))

	exp = ResolveTTL(TTLDefault, time.Hour, now)
	require.NotNil(exp)
	require.True(exp.Equal(now.Add(time.Hour)))

	require.Nil(ResolveTTL(TTLForever, time.Hour, now))

	// Default lifetime of zero means entries live forever by default
	require.Nil(ResolveTTL(TTLDefault, 0, now))
}

func TestEntryExpired(t *testing.T) {
	require := require.New(t)
	now := time.Now()

	forever := &Entry{}
	require.False(forever.Expired(now))

	past := now.Add(-time.Second)
	require.True((&Entry{ExpiresAt: &past}).Expired(now))

	future := now.Add(time.Second)
	require.False((&Entry{ExpiresAt: &future}).Expired(now))

	// Expiring exactly now is a miss
	require.True((&Entry{ExpiresAt: &now}).Expired(now))
}

func TestMatchTags(t *testing.T) {
	entry := []string{"a", "b"}

	tests := []struct {
		name string
		mode FilterMode
		tags []string
		want bool
	}{
		{"all subset", MatchAll, []string{"a"}, true},
		{"all exact", MatchAll, []string{"a", "b"}, true},
		{"all missing", MatchAll, []string{"a", "c"}, false},
		{"all empty", MatchAll, nil, true},
		{"any hit", MatchAny, []string{"c", "b"}, true},
		{"any miss", MatchAny, []string{"c", "d"}, false},
		{"any empty", MatchAny, nil, false},
		{"none clear", MatchNone, []string{"c", "d"}, true},
		{"none hit", MatchNone, []string{"c", "a"}, false},
		{"none empty", MatchNone, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchTags(entry, tt.tags, tt.mode)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := MatchTags(entry, []string{"a"}, FilterMode(42))
	require.ErrorIs(t, err, ErrBadFilterMode)
}

func TestCleanModeFilterMode(t *testing.T) {
	require := require.New(t)

	fm, ok := CleanMatchingAllTags.FilterMode()
	require.True(ok)
	require.Equal(MatchAll, fm)

	fm, ok = CleanMatchingAnyTag.FilterMode()
	require.True(ok)
	require.Equal(MatchAny, fm)

	fm, ok = CleanNotMatchingAnyTag.FilterMode()
	require.True(ok)
	require.Equal(MatchNone, fm)

	_, ok = CleanAll.FilterMode()
	require.False(ok)
	_, ok = CleanExpired.FilterMode()
	require.False(ok)
}

func TestCleanModeValid(t *testing.T) {
	require := require.New(t)

	for _, m := range []CleanMode{CleanAll, CleanExpired, CleanMatchingAllTags, CleanNotMatchingAnyTag, CleanMatchingAnyTag} {
		require.True(m.Valid(), m.String())
	}
	require.False(CleanMode(-1).Valid())
	require.False(CleanMode(5).Valid())
}

func TestModeStrings(t *testing.T) {
	require := require.New(t)

	require.Equal("expired", CleanExpired.String())
	require.Equal("matching-any-tag", CleanMatchingAnyTag.String())
	require.Equal("CleanMode(42)", CleanMode(42).String())

	require.Equal("any", MatchAny.String())
	require.Equal("FilterMode(42)", FilterMode(42).String())
}
