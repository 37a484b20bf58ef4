// Package engine implements BlacklistEngine, the aggregate of every
// partition's Store. It is the only component in the system that touches
// concurrency primitives beyond a single partition's own locks, and owns
// the lock-ordering discipline (log ≺ idx ≺ memtable).
package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rpcpool/blacklistd/internal/activitylog"
	"github.com/rpcpool/blacklistd/internal/config"
	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/rpcpool/blacklistd/internal/metrics"
	"github.com/rpcpool/blacklistd/internal/partition"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrAlreadyPresent is surfaced unchanged from the partition layer so
// callers (the HTTP handlers) can map it to a 400 response.
var ErrAlreadyPresent = partition.ErrAlreadyPresent

// ErrInvalidPartition is returned when an external 1-based partition number
// is out of [1, P].
var ErrInvalidPartition = errors.New("engine: partition number out of range")

// Metadata is the payload of fetch-blacklist-metadata: [totalCount, P].
type Metadata struct {
	TotalCount int
	Partitions int
}

// Engine owns every partition's Store and routes requests to them.
type Engine struct {
	cfg    config.Config
	router hashkey.Router
	stores []*partition.Store // indexed 0..P-1 internally
	log    *activitylog.Logger
	m      *metrics.Metrics
}

// Open creates the data directory layout, opens every partition's Store,
// and recovers each from its WAL (concurrently, via an errgroup).
func Open(cfg config.Config, alog *activitylog.Logger, m *metrics.Metrics) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		router: hashkey.NewRouter(cfg.Partitions),
		stores: make([]*partition.Store, cfg.Partitions),
		log:    alog,
		m:      m,
	}

	for i := 0; i < cfg.Partitions; i++ {
		dir := partitionDir(cfg.DataDir, i)
		s, err := partition.Open(i, dir, cfg.IndexCapacity)
		if err != nil {
			return nil, fmt.Errorf("engine: open partition %d: %w", i, err)
		}
		e.stores[i] = s
	}

	walDir := filepath.Join(cfg.DataDir, "log", "write_ahead")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create wal dir %s: %w", walDir, err)
	}

	var g errgroup.Group
	for i := range e.stores {
		i := i
		g.Go(func() error {
			walPath := walPath(cfg.DataDir, i)
			if err := e.stores[i].Recover(walPath); err != nil {
				return fmt.Errorf("engine: recover partition %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	klog.Infof("engine: recovered %d partitions from data dir %s", cfg.Partitions, cfg.DataDir)
	return e, nil
}

// partitionDir is the on-disk path data/db/partition{1..P} (1-based
// externally), for the internal 0-based partition i.
func partitionDir(dataDir string, i int) string {
	return filepath.Join(dataDir, "db", fmt.Sprintf("partition%d", i+1))
}

// walPath is the on-disk path data/log/write_ahead/partition{1..P}.bin.
func walPath(dataDir string, i int) string {
	return filepath.Join(dataDir, "log", "write_ahead", fmt.Sprintf("partition%d.bin", i+1))
}

// externalToInternal converts a 1-based external partition number to its
// 0-based index, validating range.
func (e *Engine) externalToInternal(p int) (int, error) {
	if p < 1 || p > len(e.stores) {
		return 0, ErrInvalidPartition
	}
	return p - 1, nil
}

// Ingest adds key to the blacklist, routed by key[0]. Returns
// ErrAlreadyPresent if the key is already blacklisted.
func (e *Engine) Ingest(key hashkey.HashKey) error {
	i := e.router.Partition(key)
	s := e.stores[i]
	filesBefore := s.IndexFileCount()
	if err := s.Ingest(key); err != nil {
		if errors.Is(err, partition.ErrAlreadyPresent) {
			e.m.Rejects.WithLabelValues(labelFor(i)).Inc()
			return ErrAlreadyPresent
		}
		return fmt.Errorf("engine: ingest: %w", err)
	}
	e.m.Ingests.WithLabelValues(labelFor(i)).Inc()
	filesAfter := s.IndexFileCount()
	if filesAfter > filesBefore {
		e.m.Flushes.WithLabelValues(labelFor(i)).Inc()
	}
	e.m.MemtableLen.WithLabelValues(labelFor(i)).Set(float64(s.MemtableLen()))
	e.m.IndexFiles.WithLabelValues(labelFor(i)).Set(float64(filesAfter))
	return nil
}

func labelFor(internalPartition int) string {
	return fmt.Sprintf("%d", internalPartition+1)
}

// FullHashesForPrefix routes by the prefix's leading byte and returns every
// full 32-byte key in that partition whose prefix matches, as a
// concatenation of raw keys.
func (e *Engine) FullHashesForPrefix(prefix hashkey.HashPrefix) []byte {
	i := e.router.PartitionOf(prefix[0])
	lo, hi := prefix.RangeBounds()
	out := e.stores[i].Range(lo, hi)
	e.m.Queries.WithLabelValues("fetch-hashes").Inc()
	return out
}

// MemtablePrefixSnapshot returns the memtable tier's prefixes for the given
// 1-based external partition number.
func (e *Engine) MemtablePrefixSnapshot(externalPartition int) ([]byte, error) {
	i, err := e.externalToInternal(externalPartition)
	if err != nil {
		return nil, err
	}
	e.m.Queries.WithLabelValues("fetch-prefixes/memtable").Inc()
	return e.stores[i].MemtablePrefixSnapshot(), nil
}

// IndexPrefixSnapshot returns the index-file tier's prefixes for the given
// 1-based external partition number.
func (e *Engine) IndexPrefixSnapshot(externalPartition int) ([]byte, error) {
	i, err := e.externalToInternal(externalPartition)
	if err != nil {
		return nil, err
	}
	e.m.Queries.WithLabelValues("fetch-prefixes/index").Inc()
	return e.stores[i].IndexPrefixSnapshot(), nil
}

// Metadata returns [totalCount, P] for fetch-blacklist-metadata.
func (e *Engine) Metadata() Metadata {
	total := 0
	for _, s := range e.stores {
		total += s.ApproximateCount()
	}
	e.m.Queries.WithLabelValues("fetch-blacklist-metadata").Inc()
	return Metadata{TotalCount: total, Partitions: len(e.stores)}
}

// ActivityLog returns the engine's activity logger, for handlers that need
// to record a line or serve /get-logs.
func (e *Engine) ActivityLog() *activitylog.Logger {
	return e.log
}

// Close releases every partition's file handles.
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
