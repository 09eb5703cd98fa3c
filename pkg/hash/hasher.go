// Package hash provides the two small hashing primitives the storage
// engine uses: a bucket hasher for distributing rows across a table's
// pages, and a bloom filter for a cheap duplicate-key pre-check on insert.
// Both are grounded on the same dual-hash (xxhash + murmur3) pattern the
// original bloom filter used, now driving storage rather than a join probe.
package hash

import (
	"encoding/binary"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// Hasher maps a row's object id into [0, mod) buckets using xxhash as the
// primary hash function.
func Hasher(key int64, mod int64) int64 {
	if mod <= 0 {
		return 0
	}
	return int64(XxHasher(key, mod))
}

// XxHasher hashes key into [0, mod) with xxhash.
func XxHasher(key int64, mod int64) int64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	h := xxhash.Sum64(b[:])
	return int64(h % uint64(mod))
}

// MurmurHasher hashes key into [0, mod) with murmur3, used as the bloom
// filter's second, independent hash function.
func MurmurHasher(key int64, mod int64) int64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	h := murmur3.Sum64(b[:])
	return int64(h % uint64(mod))
}

// BloomFilter is a two-hash bloom filter over int64 keys. The storage
// engine uses one per table to short-circuit "does this primary key
// already exist" checks on insert before falling back to an exact scan.
type BloomFilter struct {
	size int64
	bits *bitset.BitSet
}

// NewBloomFilter creates a filter with room for `size` bits.
func NewBloomFilter(size int64) *BloomFilter {
	if size <= 0 {
		size = 1024
	}
	return &BloomFilter{size: size, bits: bitset.New(uint(size))}
}

// Insert adds key to the filter.
func (f *BloomFilter) Insert(key int64) {
	f.bits.Set(uint(XxHasher(key, f.size)))
	f.bits.Set(uint(MurmurHasher(key, f.size)))
}

// MaybeContains reports whether key might be present. A false result is
// conclusive (key is definitely absent); a true result requires an exact
// check, since bloom filters admit false positives.
func (f *BloomFilter) MaybeContains(key int64) bool {
	return f.bits.Test(uint(XxHasher(key, f.size))) && f.bits.Test(uint(MurmurHasher(key, f.size)))
}

// Clear resets the filter to empty, e.g. after a table is dropped and
// recreated.
func (f *BloomFilter) Clear() {
	f.bits.ClearAll()
}
