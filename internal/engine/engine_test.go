package engine

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rpcpool/blacklistd/internal/activitylog"
	"github.com/rpcpool/blacklistd/internal/config"
	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/rpcpool/blacklistd/internal/metrics"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T, partitions, capacity int) *Engine {
	t.Helper()
	dir := t.TempDir()
	cfg := config.New(
		config.WithPartitions(partitions),
		config.WithIndexCapacity(capacity),
		config.WithDataDir(dir),
	)
	alog, err := activitylog.Open(filepath.Join(dir, "log", "activity"))
	require.NoError(t, err)
	t.Cleanup(func() { alog.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	e, err := Open(cfg, alog, m)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestIngestRoutesAndRejectsDuplicate(t *testing.T) {
	e := openTestEngine(t, 4, 8)
	key := hashkey.Sum([]byte("https://evil.example/phish"))

	require.NoError(t, e.Ingest(key))
	err := e.Ingest(key)
	require.ErrorIs(t, err, ErrAlreadyPresent)
}

func TestFullHashesForPrefixFindsIngestedKey(t *testing.T) {
	e := openTestEngine(t, 4, 8)
	key := hashkey.Sum([]byte("https://evil.example/phish"))
	require.NoError(t, e.Ingest(key))

	out := e.FullHashesForPrefix(key.Prefix())
	require.Equal(t, hashkey.Size, len(out))
	require.Equal(t, key[:], out)
}

func TestMetadataCountsAcrossPartitions(t *testing.T) {
	e := openTestEngine(t, 4, 1000)
	for i := 0; i < 20; i++ {
		key := hashkey.Sum([]byte{byte(i), byte(i * 7), byte(i * 13)})
		require.NoError(t, e.Ingest(key))
	}
	md := e.Metadata()
	require.Equal(t, 4, md.Partitions)
	require.Equal(t, 20, md.TotalCount)
}

func TestPrefixSnapshotsRejectOutOfRangePartition(t *testing.T) {
	e := openTestEngine(t, 4, 8)

	_, err := e.MemtablePrefixSnapshot(0)
	require.ErrorIs(t, err, ErrInvalidPartition)

	_, err = e.MemtablePrefixSnapshot(5)
	require.ErrorIs(t, err, ErrInvalidPartition)

	_, err = e.IndexPrefixSnapshot(5)
	require.ErrorIs(t, err, ErrInvalidPartition)
}

func TestMemtablePrefixSnapshotReflectsIngestedKey(t *testing.T) {
	e := openTestEngine(t, 1, 8)
	key := hashkey.Sum([]byte("https://evil.example/1"))
	require.NoError(t, e.Ingest(key))

	snap, err := e.MemtablePrefixSnapshot(1)
	require.NoError(t, err)
	require.Equal(t, hashkey.PrefixSize, len(snap))
	require.Equal(t, key[:hashkey.PrefixSize], snap)
}

func TestRecoverReplaysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.New(
		config.WithPartitions(2),
		config.WithIndexCapacity(1000),
		config.WithDataDir(dir),
	)
	alog, err := activitylog.Open(filepath.Join(dir, "log", "activity"))
	require.NoError(t, err)
	reg1 := prometheus.NewRegistry()
	m1 := metrics.New(reg1)

	e1, err := Open(cfg, alog, m1)
	require.NoError(t, err)

	key := hashkey.Sum([]byte("https://evil.example/recoverable"))
	require.NoError(t, e1.Ingest(key))
	require.NoError(t, e1.Close())
	require.NoError(t, alog.Close())

	alog2, err := activitylog.Open(filepath.Join(dir, "log", "activity"))
	require.NoError(t, err)
	t.Cleanup(func() { alog2.Close() })
	reg2 := prometheus.NewRegistry()
	m2 := metrics.New(reg2)

	e2, err := Open(cfg, alog2, m2)
	require.NoError(t, err)
	t.Cleanup(func() { e2.Close() })

	err = e2.Ingest(key)
	require.ErrorIs(t, err, ErrAlreadyPresent)
}
