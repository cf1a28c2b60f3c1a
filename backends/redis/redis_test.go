package redis

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require := require.New(t)
	require.Equal("C_Cache:e:x", entryKey("C_Cache", "x"))
	require.Equal("C_Cache:ids", idsKey("C_Cache"))
	require.Equal("C_Cache:tags", tagsKey("C_Cache"))
	require.Equal("C_Cache:t:session", tagKey("C_Cache", "session"))
}

func TestTagsCodec(t *testing.T) {
	require := require.New(t)

	require.Equal("[]", encodeTags(nil))
	tags, err := decodeTags("[]")
	require.NoError(err)
	require.Nil(tags)

	in := []string{"a", "tag with spaces", `qu"oted`}
	out, err := decodeTags(encodeTags(in))
	require.NoError(err)
	require.Equal(in, out)

	_, err = decodeTags("{not an array")
	require.Error(err)
}

func TestExpiresAt(t *testing.T) {
	require := require.New(t)

	exp, err := expiresAt("0")
	require.NoError(err)
	require.Nil(exp)

	now := time.Now().Truncate(time.Millisecond)
	exp, err = expiresAt(strconv.FormatInt(now.UnixMilli(), 10))
	require.NoError(err)
	require.True(now.Equal(*exp))

	_, err = expiresAt("soon")
	require.Error(err)
}

func TestParseMemoryInfo(t *testing.T) {
	require := require.New(t)

	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\nmaxmemory:4194304\r\nmaxmemory_policy:noeviction\r\n"
	used, max := parseMemoryInfo(info)
	require.Equal(int64(1048576), used)
	require.Equal(int64(4194304), max)

	used, max = parseMemoryInfo("used_memory:10\nmaxmemory:0\n")
	require.Equal(int64(10), used)
	require.Zero(max)
}
