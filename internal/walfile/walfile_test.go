package walfile

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "partition0.bin"))
	require.NoError(t, err)

	r := rand.New(rand.NewSource(1))
	var want []hashkey.HashKey
	for i := 0; i < 10; i++ {
		var k hashkey.HashKey
		r.Read(k[:])
		want = append(want, k)
		require.NoError(t, w.Append(k))
	}

	var got []hashkey.HashKey
	dropped, err := w.Replay(func(k hashkey.HashKey) { got = append(got, k) })
	require.NoError(t, err)
	require.Zero(t, dropped)
	require.Equal(t, want, got)
}

func TestTruncateResetsToZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partition0.bin")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(hashkey.HashKey{1}))
	require.NoError(t, w.Truncate())
	require.Zero(t, w.Size())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}

func TestReplayDropsTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partition0.bin")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(hashkey.HashKey{1}))
	require.NoError(t, w.Append(hashkey.HashKey{2}))
	require.NoError(t, w.Close())

	// simulate a torn write: append 10 extra bytes directly.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 10))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	var got []hashkey.HashKey
	dropped, err := w2.Replay(func(k hashkey.HashKey) { got = append(got, k) })
	require.NoError(t, err)
	require.Equal(t, 10, dropped)
	require.Len(t, got, 2)
}

func TestAtMostOnceCommit(t *testing.T) {
	// property: recovery yields exactly L/32 keys, trailing L mod 32 bytes ignored.
	dir := t.TempDir()
	path := filepath.Join(dir, "partition0.bin")
	w, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		var k hashkey.HashKey
		k[0] = byte(i)
		require.NoError(t, w.Append(k))
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	L := info.Size()

	w2, err := Open(path)
	require.NoError(t, err)
	var got []hashkey.HashKey
	_, err = w2.Replay(func(k hashkey.HashKey) { got = append(got, k) })
	require.NoError(t, err)
	require.Equal(t, int(L/hashkey.Size), len(got))
}
