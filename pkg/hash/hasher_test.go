package hash

import "testing"

func TestHasherInRange(t *testing.T) {
	for _, key := range []int64{0, 1, 42, -7, 1 << 40} {
		h := Hasher(key, 16)
		if h < 0 || h >= 16 {
			t.Fatalf("hash out of range for key %d: %d", key, h)
		}
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	f := NewBloomFilter(1024)
	keys := []int64{1, 2, 3, 100, 9999}
	for _, k := range keys {
		f.Insert(k)
	}
	for _, k := range keys {
		if !f.MaybeContains(k) {
			t.Fatalf("bloom filter false negative for key %d", k)
		}
	}
}

func TestBloomFilterClear(t *testing.T) {
	f := NewBloomFilter(1024)
	f.Insert(5)
	f.Clear()
	if f.MaybeContains(5) {
		t.Fatal("expected cleared filter to not report previously-inserted key")
	}
}
