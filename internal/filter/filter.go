// Package filter implements the client-side probabilistic membership
// filter: a Bloom filter sized for an expected entry count and target
// false-positive rate. It uses xxhash, reseeded per round the same way a
// murmur-style hash is reseeded by its seed argument.
package filter

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// epsilon pads the expected entry count so the filter stays under its
// target false-positive rate even once it reaches planned capacity.
const epsilon = 24

// Filter is a Bloom filter over 4-byte HashPrefix values.
type Filter struct {
	bits      []uint64 // bit array, 64 bits per word
	numBits   int
	hashCount int
}

// New builds a Filter sized for entryCount expected insertions at the given
// target false-positive probability p (0 < p < 1).
func New(entryCount int, p float64) (*Filter, error) {
	if entryCount <= 0 {
		return nil, fmt.Errorf("filter: entryCount must be positive, got %d", entryCount)
	}
	if p <= 0 || p >= 1 {
		return nil, fmt.Errorf("filter: false positive probability must be in (0,1), got %v", p)
	}

	n := float64(entryCount)
	m := math.Ceil(-(n + epsilon) * math.Log(p) / (math.Ln2 * math.Ln2))
	k := int(math.Floor((m / n) * math.Ln2))
	if k < 1 {
		k = 1
	}

	numBits := int(m)
	if numBits < 1 {
		numBits = 1
	}
	words := (numBits + 63) / 64

	return &Filter{
		bits:      make([]uint64, words),
		numBits:   numBits,
		hashCount: k,
	}, nil
}

// NumBits returns the size of the underlying bit array.
func (f *Filter) NumBits() int {
	return f.numBits
}

// HashCount returns k, the number of hash rounds per operation.
func (f *Filter) HashCount() int {
	return f.hashCount
}

// digest returns the bit index for key at hash round seed.
func (f *Filter) digest(key []byte, seed int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(seed))
	h := xxhash.New()
	h.Write(buf[:])
	h.Write(key)
	return int(h.Sum64() % uint64(f.numBits))
}

// Add sets the k bits for key (a 4-byte HashPrefix, though any []byte works).
func (f *Filter) Add(key []byte) {
	for i := 0; i < f.hashCount; i++ {
		f.setBit(f.digest(key, i))
	}
}

// MaybeContains reports whether all k bits for key are set: true means
// "possibly present" (subject to false positives); false is a definite
// negative.
func (f *Filter) MaybeContains(key []byte) bool {
	for i := 0; i < f.hashCount; i++ {
		if !f.getBit(f.digest(key, i)) {
			return false
		}
	}
	return true
}

func (f *Filter) setBit(i int) {
	f.bits[i/64] |= 1 << uint(i%64)
}

func (f *Filter) getBit(i int) bool {
	return f.bits[i/64]&(1<<uint(i%64)) != 0
}

// blobMagic tags the persisted format so Unmarshal can reject mismatched blobs.
const blobMagic = "BLF1"

// Marshal serializes the filter as an opaque blob. Interoperability with
// other implementations' blobs is not required, only round-tripping
// through this package.
func (f *Filter) Marshal() []byte {
	out := make([]byte, 0, len(blobMagic)+4+4+4+len(f.bits)*8)
	out = append(out, blobMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(f.numBits))
	out = binary.LittleEndian.AppendUint32(out, uint32(f.hashCount))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(f.bits)))
	for _, w := range f.bits {
		out = binary.LittleEndian.AppendUint64(out, w)
	}
	return out
}

// Unmarshal restores a Filter from a blob produced by Marshal.
func Unmarshal(blob []byte) (*Filter, error) {
	if len(blob) < len(blobMagic)+12 {
		return nil, fmt.Errorf("filter: blob too short")
	}
	if string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("filter: bad magic")
	}
	off := len(blobMagic)
	numBits := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4
	hashCount := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4
	wordCount := int(binary.LittleEndian.Uint32(blob[off:]))
	off += 4

	want := off + wordCount*8
	if len(blob) != want {
		return nil, fmt.Errorf("filter: blob length mismatch: want %d, got %d", want, len(blob))
	}

	bits := make([]uint64, wordCount)
	for i := 0; i < wordCount; i++ {
		bits[i] = binary.LittleEndian.Uint64(blob[off:])
		off += 8
	}

	return &Filter{bits: bits, numBits: numBits, hashCount: hashCount}, nil
}
