// Package indexfile implements the immutable on-disk sorted index files
// that back a partition once its memtable is flushed: fixed-width records,
// binary search for point lookup, and range/prefix extraction.
package indexfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rpcpool/blacklistd/internal/hashkey"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/exp/mmap"
)

// fileNamePattern is the per-partition index filename: idx_NNN.bin, NNN
// starting at 001 and assigned monotonically.
const fileNamePattern = "idx_%03d.bin"

// Reader is a single immutable, mmap-backed index file holding up to
// Capacity sorted, distinct HashKeys.
type Reader struct {
	ra    io.ReaderAt
	count int // number of complete 32-byte records actually present
}

// Open mmaps the index file at path. A short trailing partial record (one
// that doesn't fill a whole hashkey.Size) is tolerated and simply excluded
// from count: it can only occur as the last file after an interrupted flush.
func Open(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap open %s: %w", path, err)
	}
	return &Reader{ra: ra, count: ra.Len() / hashkey.Size}, nil
}

// Close releases the mapping.
func (r *Reader) Close() error {
	if closer, ok := r.ra.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Count returns the number of complete keys in the file.
func (r *Reader) Count() int {
	return r.count
}

func (r *Reader) keyAt(i int) hashkey.HashKey {
	var k hashkey.HashKey
	if _, err := r.ra.ReadAt(k[:], int64(i)*hashkey.Size); err != nil {
		panic(fmt.Sprintf("indexfile: short read at record %d: %v", i, err))
	}
	return k
}

// Contains reports whether key appears in this file via binary search.
func (r *Reader) Contains(key hashkey.HashKey) bool {
	lo, hi := 0, r.count-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		got := r.keyAt(mid)
		switch key.Compare(got) {
		case 0:
			return true
		case -1:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return false
}

// lowerBound returns the index of the first key >= target (count if none).
func (r *Reader) lowerBound(target hashkey.HashKey) int {
	lo, hi := 0, r.count
	for lo < hi {
		mid := (lo + hi) >> 1
		if r.keyAt(mid).Compare(target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Range appends to out the raw bytes of every key k in this file with
// lo <= k <= hi, in ascending order, and returns the extended slice.
func (r *Reader) Range(lo, hi hashkey.HashKey, out []byte) []byte {
	if r.count == 0 {
		return out
	}
	start := r.lowerBound(lo)
	end := r.upperBound(hi)
	for i := start; i < end && i < r.count; i++ {
		k := r.keyAt(i)
		out = append(out, k[:]...)
	}
	return out
}

// upperBound returns the index of the first key strictly greater than
// target (count if none), i.e. an inclusive-of-target bound.
func (r *Reader) upperBound(target hashkey.HashKey) int {
	lo, hi := 0, r.count
	for lo < hi {
		mid := (lo + hi) >> 1
		if r.keyAt(mid).Compare(target) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// PrefixSnapshot appends the 4-byte prefix of every key in the file to out,
// in key order, and returns the extended slice.
func (r *Reader) PrefixSnapshot(out []byte) []byte {
	for i := 0; i < r.count; i++ {
		k := r.keyAt(i)
		out = append(out, k[:hashkey.PrefixSize]...)
	}
	return out
}

// Set is the ordered sequence of index files for one partition, opened in
// filename order. Files are probed sequentially (idx_001.bin, idx_002.bin,
// ...) and loading stops at the first gap, which also polices the
// monotonic-sequence invariant cheaply.
type Set struct {
	dir   string
	files []*Reader
}

// Load opens every existing idx_NNN.bin file in dir in sequence order.
func Load(dir string) (*Set, error) {
	s := &Set{dir: dir}
	for seq := 1; ; seq++ {
		path := filepath.Join(dir, fmt.Sprintf(fileNamePattern, seq))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				break
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		r, err := Open(path)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, r)
	}
	return s, nil
}

// FileCount returns the number of index files currently loaded.
func (s *Set) FileCount() int {
	return len(s.files)
}

// Contains is the OR of Contains across every file in the partition.
func (s *Set) Contains(key hashkey.HashKey) bool {
	for _, f := range s.files {
		if f.Contains(key) {
			return true
		}
	}
	return false
}

// Range concatenates each file's matching slice, in file order then key order.
func (s *Set) Range(lo, hi hashkey.HashKey) []byte {
	var out []byte
	for _, f := range s.files {
		out = f.Range(lo, hi, out)
	}
	return out
}

// PrefixSnapshot concatenates the 4-byte prefix of every key across all
// files, in file order then key order.
func (s *Set) PrefixSnapshot() []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, f := range s.files {
		buf.B = f.PrefixSnapshot(buf.B)
	}
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out
}

// Append registers a newly-written index file as the new highest-sequence
// file in the set.
func (s *Set) Append(r *Reader) {
	s.files = append(s.files, r)
}

// Close releases all open mappings.
func (s *Set) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Flush writes the given sorted, distinct keys (len(keys) must equal the
// engine's configured capacity N) to a new idx_NNN.bin file in dir, where
// NNN is one past the largest existing sequence number, and returns a Reader
// for the freshly written file. The write is made atomic by writing to a
// temporary file in the same directory and renaming into place.
func Flush(dir string, keys []hashkey.HashKey) (*Reader, error) {
	if !sort.SliceIsSorted(keys, func(i, j int) bool { return keys[i].Less(keys[j]) }) {
		return nil, fmt.Errorf("indexfile: flush requires keys in ascending order")
	}
	seq := 1
	for {
		path := filepath.Join(dir, fmt.Sprintf(fileNamePattern, seq))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		seq++
	}
	finalPath := filepath.Join(dir, fmt.Sprintf(fileNamePattern, seq))
	tmpPath := finalPath + ".tmp"

	buf := new(bytes.Buffer)
	buf.Grow(len(keys) * hashkey.Size)
	for _, k := range keys {
		buf.Write(k[:])
	}
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write index file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("rename index file into place %s: %w", finalPath, err)
	}
	return Open(finalPath)
}
