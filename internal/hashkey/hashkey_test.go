package hashkey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumAndPrefix(t *testing.T) {
	k := Sum([]byte("http://a.test/"))
	require.Equal(t, Size, len(k))
	p := k.Prefix()
	require.Equal(t, k[:PrefixSize], p[:])
}

func TestHexRoundTrip(t *testing.T) {
	k := Sum([]byte("http://example.com/"))
	k2, err := FromHex(k.Hex())
	require.NoError(t, err)
	require.Equal(t, k, k2)
}

func TestFromHexRejectsWrongLength(t *testing.T) {
	_, err := FromHex("deadbeef")
	require.Error(t, err)
}

func TestCompareAndLess(t *testing.T) {
	a := HashKey{0x01}
	b := HashKey{0x02}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestRouterDefaultFour(t *testing.T) {
	r := NewRouter(4)
	require.Equal(t, 0, r.PartitionOf(0x1a))
	require.Equal(t, 3, r.PartitionOf(0xff))
	require.Equal(t, 2, r.PartitionOf(0x80))
	require.Equal(t, 1, r.PartitionOf(0x40))
}

func TestRouterPartitionStableForKey(t *testing.T) {
	r := NewRouter(4)
	k := Sum([]byte("http://a.test/"))
	require.Equal(t, r.PartitionOf(k[0]), r.Partition(k))
}

func TestPrefixRangeBounds(t *testing.T) {
	p := HashPrefix{0x1a, 0x2b, 0x3c, 0x4d}
	lo, hi := p.RangeBounds()
	require.Equal(t, p[:], lo[:PrefixSize])
	require.Equal(t, p[:], hi[:PrefixSize])
	for _, b := range hi[PrefixSize:] {
		require.Equal(t, byte(0xff), b)
	}
	for _, b := range lo[PrefixSize:] {
		require.Equal(t, byte(0x00), b)
	}
}
