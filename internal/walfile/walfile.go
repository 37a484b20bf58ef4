// Package walfile implements the per-partition write-ahead log: an
// append-only file of 32-byte records that durably mirrors the memtable
// between flushes.
package walfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/rpcpool/blacklistd/internal/hashkey"
	"k8s.io/klog/v2"
)

// WAL is an append-only file of fixed-width records, one per ingested key
// that hasn't yet been promoted to an index file.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
	size int64
}

// Open opens (creating if missing) the WAL file at path.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat wal %s: %w", path, err)
	}
	return &WAL{file: f, path: path, size: info.Size()}, nil
}

// Append writes one 32-byte record. This is the commit barrier: once it
// returns nil, the key is durable even if the process crashes before the
// memtable insert or a later flush completes.
func (w *WAL) Append(key hashkey.HashKey) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.file.WriteAt(key[:], w.size)
	if err != nil {
		return fmt.Errorf("append wal record to %s: %w", w.path, err)
	}
	if n != hashkey.Size {
		return fmt.Errorf("short wal write to %s: wrote %d of %d bytes", w.path, n, hashkey.Size)
	}
	w.size += int64(n)
	return nil
}

// Replay reads every complete 32-byte record in insertion order, invoking fn
// for each. A trailing partial record (size not a multiple of 32) is a torn
// write from an interrupted append; it is dropped, and Replay logs one klog
// warning naming its size.
//
// Returns the number of trailing bytes dropped.
func (w *WAL) Replay(fn func(hashkey.HashKey)) (droppedTailBytes int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := make([]byte, w.size)
	if len(buf) > 0 {
		if _, err := w.file.ReadAt(buf, 0); err != nil {
			return 0, fmt.Errorf("read wal %s: %w", w.path, err)
		}
	}

	n := len(buf) / hashkey.Size
	for i := 0; i < n; i++ {
		var k hashkey.HashKey
		copy(k[:], buf[i*hashkey.Size:(i+1)*hashkey.Size])
		fn(k)
	}
	tail := len(buf) - n*hashkey.Size
	if tail > 0 {
		klog.Warningf("wal %s: dropping torn tail record of %d bytes", w.path, tail)
	}
	return tail, nil
}

// Truncate atomically resets the WAL to zero bytes. Callers must ensure the
// corresponding index file has been fully written before calling this, per
// the flush ordering contract.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate wal %s: %w", w.path, err)
	}
	w.size = 0
	return nil
}

// Size returns the current file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	return w.file.Close()
}
