// Package fragidx maps 20-byte fragment content hashes to fragment IDs for
// dedup lookups. Buckets are chained through a per-ID next array, so the
// whole index is two flat integer slices regardless of fragment count.
package fragidx

const bucketBits = 22

// HashFunc returns the 20-byte content hash of a fragment ID, or nil when
// the ID should not be indexed (unknown size or out of range).
type HashFunc func(id uint32) []byte

// Index is an in-memory hash → fragment-ID map. The zero value is not
// usable; construct with New.
type Index struct {
	hash HashFunc
	head []uint32 // bucket → most recent ID, 0 = empty
	next []uint32 // ID → previous ID in the same bucket
	n    uint32   // IDs 1..n are indexed
}

// New returns an empty index resolving hashes through fn.
func New(fn HashFunc) *Index {
	return &Index{
		hash: fn,
		head: make([]uint32, 1<<bucketBits),
		next: make([]uint32, 1),
	}
}

func bucket(h []byte) uint32 {
	return (uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16) & (1<<bucketBits - 1)
}

// Add indexes fragment IDs up to and including n. IDs whose hash function
// returns nil are skipped. Adding is incremental; IDs at or below the
// current high-water mark are ignored.
func (ix *Index) Add(n uint32) {
	for id := ix.n + 1; id <= n; id++ {
		ix.next = append(ix.next, 0)
		h := ix.hash(id)
		if h == nil {
			continue
		}
		b := bucket(h)
		ix.next[id] = ix.head[b]
		ix.head[b] = id
	}
	if n > ix.n {
		ix.n = n
	}
}

// Find returns the ID of an indexed fragment with the given hash, or 0.
// Bucket candidates are confirmed with a full 20-byte compare.
func (ix *Index) Find(h []byte) uint32 {
	for id := ix.head[bucket(h)]; id != 0; id = ix.next[id] {
		got := ix.hash(id)
		if got != nil && string(got) == string(h) {
			return id
		}
	}
	return 0
}
