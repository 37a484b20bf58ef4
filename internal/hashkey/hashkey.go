// Package hashkey defines the fixed-width key and prefix types the rest of
// the engine is built around, plus partition routing.
package hashkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a HashKey: a SHA-256 digest.
const Size = sha256.Size

// PrefixSize is the length in bytes of a HashPrefix.
const PrefixSize = 4

// HashKey is the SHA-256 digest of a URL's bytes, total-ordered lexicographically.
type HashKey [Size]byte

// Sum computes the HashKey for the given URL bytes.
func Sum(url []byte) HashKey {
	return HashKey(sha256.Sum256(url))
}

// FromHex decodes a lowercase hex string into a HashKey. Returns an error if
// the decoded length isn't exactly Size bytes.
func FromHex(s string) (HashKey, error) {
	var k HashKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode hash key hex: %w", err)
	}
	if len(raw) != Size {
		return k, fmt.Errorf("hash key must be %d bytes, got %d", Size, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Hex returns the lowercase hex encoding of the key.
func (k HashKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Prefix returns the first PrefixSize bytes of the key.
func (k HashKey) Prefix() HashPrefix {
	var p HashPrefix
	copy(p[:], k[:PrefixSize])
	return p
}

// Less reports whether k sorts strictly before other.
func (k HashKey) Less(other HashKey) bool {
	for i := range k {
		if k[i] != other[i] {
			return k[i] < other[i]
		}
	}
	return false
}

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater than other.
func (k HashKey) Compare(other HashKey) int {
	for i := range k {
		if k[i] != other[i] {
			if k[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// HashPrefix is the first PrefixSize bytes of a HashKey.
type HashPrefix [PrefixSize]byte

// PrefixFromHex decodes a lowercase hex string into a HashPrefix.
func PrefixFromHex(s string) (HashPrefix, error) {
	var p HashPrefix
	raw, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("decode prefix hex: %w", err)
	}
	if len(raw) != PrefixSize {
		return p, fmt.Errorf("prefix must be %d bytes, got %d", PrefixSize, len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

func (p HashPrefix) Hex() string {
	return hex.EncodeToString(p[:])
}

// RangeBounds returns the inclusive lower and upper HashKey bounds that
// share this prefix: [prefix || 0x00..00, prefix || 0xff..ff].
func (p HashPrefix) RangeBounds() (lo, hi HashKey) {
	copy(lo[:PrefixSize], p[:])
	copy(hi[:PrefixSize], p[:])
	for i := PrefixSize; i < Size; i++ {
		hi[i] = 0xff
	}
	return lo, hi
}

// Router maps a key's leading byte to one of P partitions in [0, P).
type Router struct {
	partitions int
}

// NewRouter builds a Router for the given number of partitions. Panics if
// partitions is not in [1, 256], matching the invariant that PartitionId is
// derived from a single byte.
func NewRouter(partitions int) Router {
	if partitions < 1 || partitions > 256 {
		panic(fmt.Sprintf("hashkey: partitions out of range: %d", partitions))
	}
	return Router{partitions: partitions}
}

// Partitions returns P.
func (r Router) Partitions() int {
	return r.partitions
}

// Partition maps a key to its 0-based PartitionId: key[0]*P/256.
func (r Router) Partition(k HashKey) int {
	return int(k[0]) * r.partitions / 256
}

// PartitionOf is the general form over a raw leading byte, exposed for callers
// that only have the prefix (e.g. fetch-hashes routing).
func (r Router) PartitionOf(leadingByte byte) int {
	return int(leadingByte) * r.partitions / 256
}
