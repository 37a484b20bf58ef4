// Package partition implements PartitionStore: the memtable, WAL, and
// ordered index file set that together make up one partition of the
// blacklist, plus the flush policy that promotes a full memtable to a new
// immutable index file.
package partition

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/rpcpool/blacklistd/internal/indexfile"
	"github.com/rpcpool/blacklistd/internal/memtable"
	"github.com/rpcpool/blacklistd/internal/walfile"
)

// ErrAlreadyPresent is returned by Ingest when the key is already blacklisted,
// whether in an index file or the memtable.
var ErrAlreadyPresent = errors.New("partition: key is already blacklisted")

// Store is one partition: a memtable, its WAL mirror, and the ordered
// sequence of index files it has flushed.
//
// Lock ordering matches the engine-wide contract: idxMu is always acquired
// before memMu whenever both are needed. Both are plain sync.Mutex — a
// single per-partition lock would also be correct, but keeping them
// distinct documents which invariant each protects.
type Store struct {
	id       int
	dir      string
	capacity int

	idxMu sync.Mutex
	idx   *indexfile.Set

	memMu sync.Mutex
	mem   *memtable.MemTable
	wal   *walfile.WAL
}

// Open creates the partition's data directory if needed, opens its WAL, and
// loads its existing index files. It does not replay the WAL into the
// memtable; call Recover for that.
func Open(id int, dir string, capacity int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("partition %d: create data dir %s: %w", id, dir, err)
	}
	idx, err := indexfile.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("partition %d: load index files: %w", id, err)
	}
	return &Store{
		id:       id,
		dir:      dir,
		capacity: capacity,
		idx:      idx,
		mem:      memtable.New(),
	}, nil
}

// Recover replays walPath into the memtable. The WAL is created if missing.
func (s *Store) Recover(walPath string) error {
	w, err := walfile.Open(walPath)
	if err != nil {
		return fmt.Errorf("partition %d: open wal: %w", s.id, err)
	}
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if _, err := w.Replay(func(k hashkey.HashKey) { s.mem.Insert(k) }); err != nil {
		return fmt.Errorf("partition %d: replay wal: %w", s.id, err)
	}
	s.wal = w
	return nil
}

// Contains reports whether key is blacklisted in this partition: present in
// the memtable or any index file. Index files are checked first.
func (s *Store) Contains(key hashkey.HashKey) bool {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.idx.Contains(key) || s.mem.Contains(key)
}

// Ingest adds key to the partition if it is not already present. Returns
// ErrAlreadyPresent if it is (checked against index files, then the
// memtable). On success, the key is durable in the WAL before the call
// returns; if the memtable then reaches capacity, a flush runs before
// Ingest returns.
func (s *Store) Ingest(key hashkey.HashKey) error {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.memMu.Lock()
	defer s.memMu.Unlock()

	if s.idx.Contains(key) {
		return ErrAlreadyPresent
	}
	if s.mem.Contains(key) {
		return ErrAlreadyPresent
	}

	if err := s.wal.Append(key); err != nil {
		return fmt.Errorf("partition %d: ingest: %w", s.id, err)
	}
	s.mem.Insert(key)

	if s.mem.Len() < s.capacity {
		return nil
	}
	return s.flushLocked()
}

// flushLocked promotes the first `capacity` keys of the memtable to a new
// index file, then truncates the WAL and clears those keys from the
// memtable, in that order. Any keys beyond `capacity` (possible only after
// recovering a WAL left over-full by a prior crash) are kept and
// re-mirrored into the freshly truncated WAL. Callers must hold idxMu and
// memMu.
func (s *Store) flushLocked() error {
	all := s.mem.Keys()
	flushKeys := all[:s.capacity]
	remaining := all[s.capacity:]

	reader, err := indexfile.Flush(s.dir, flushKeys)
	if err != nil {
		return fmt.Errorf("partition %d: flush index file: %w", s.id, err)
	}

	if err := s.wal.Truncate(); err != nil {
		return fmt.Errorf("partition %d: truncate wal after flush: %w", s.id, err)
	}

	newMem := memtable.New()
	for _, k := range remaining {
		newMem.Insert(k)
		if err := s.wal.Append(k); err != nil {
			return fmt.Errorf("partition %d: remirror wal after flush: %w", s.id, err)
		}
	}

	s.idx.Append(reader)
	s.mem = newMem
	return nil
}

// Range returns the concatenation of the memtable's and index files'
// matching keys for [lo, hi]. The order between the two segments is
// unspecified; clients treat the payload as a bag.
func (s *Store) Range(lo, hi hashkey.HashKey) []byte {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	s.memMu.Lock()
	defer s.memMu.Unlock()

	out := s.idx.Range(lo, hi)
	for _, k := range s.mem.Range(lo, hi) {
		out = append(out, k[:]...)
	}
	return out
}

// MemtablePrefixSnapshot returns the 4-byte prefix of every memtable key.
func (s *Store) MemtablePrefixSnapshot() []byte {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	out := make([]byte, 0, s.mem.Len()*hashkey.PrefixSize)
	for _, k := range s.mem.Keys() {
		out = append(out, k[:hashkey.PrefixSize]...)
	}
	return out
}

// IndexPrefixSnapshot returns the 4-byte prefix of every index-file key.
func (s *Store) IndexPrefixSnapshot() []byte {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.idx.PrefixSnapshot()
}

// ApproximateCount returns fileCount*capacity + memtable length: an
// over-approximation of the true population by at most capacity-1 when the
// last index file is exactly full.
func (s *Store) ApproximateCount() int {
	s.idxMu.Lock()
	fileCount := s.idx.FileCount()
	s.idxMu.Unlock()

	s.memMu.Lock()
	memLen := s.mem.Len()
	s.memMu.Unlock()

	return fileCount*s.capacity + memLen
}

// MemtableLen returns the current memtable's key count.
func (s *Store) MemtableLen() int {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	return s.mem.Len()
}

// IndexFileCount returns the number of flushed index files.
func (s *Store) IndexFileCount() int {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.idx.FileCount()
}

// Close releases the partition's file handles.
func (s *Store) Close() error {
	var firstErr error
	if s.wal != nil {
		if err := s.wal.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
