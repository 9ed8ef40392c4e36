package fragidx

import (
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	hashes  [][]byte
	unknown map[uint32]bool
}

func (tb *table) fn(id uint32) []byte {
	if int(id) >= len(tb.hashes) || tb.unknown[id] {
		return nil
	}
	return tb.hashes[id]
}

func newTable(n int) *table {
	tb := &table{hashes: make([][]byte, n), unknown: map[uint32]bool{}}
	for i := 1; i < n; i++ {
		var seed [8]byte
		binary.LittleEndian.PutUint64(seed[:], uint64(i))
		h := sha1.Sum(seed[:])
		tb.hashes[i] = h[:]
	}
	return tb
}

func TestFindAfterAdd(t *testing.T) {
	t.Parallel()
	tb := newTable(100)
	ix := New(tb.fn)
	ix.Add(99)

	for i := uint32(1); i < 100; i++ {
		assert.Equal(t, i, ix.Find(tb.hashes[i]))
	}
	missing := sha1.Sum([]byte("nowhere"))
	assert.Zero(t, ix.Find(missing[:]))
}

func TestIncrementalAdd(t *testing.T) {
	t.Parallel()
	tb := newTable(50)
	ix := New(tb.fn)
	ix.Add(10)
	assert.Zero(t, ix.Find(tb.hashes[20]))
	ix.Add(30)
	assert.Equal(t, uint32(20), ix.Find(tb.hashes[20]))
	// Re-adding a lower watermark is a no-op.
	ix.Add(5)
	assert.Equal(t, uint32(20), ix.Find(tb.hashes[20]))
}

func TestUnknownSizeNotIndexed(t *testing.T) {
	t.Parallel()
	tb := newTable(10)
	tb.unknown[4] = true
	ix := New(tb.fn)
	ix.Add(9)
	assert.Zero(t, ix.Find(tb.hashes[4]))
	assert.Equal(t, uint32(5), ix.Find(tb.hashes[5]))
}

func TestBucketCollisions(t *testing.T) {
	t.Parallel()
	// Force every hash into one bucket: identical first three bytes.
	tb := &table{hashes: make([][]byte, 20)}
	for i := 1; i < 20; i++ {
		h := make([]byte, 20)
		h[0], h[1], h[2] = 1, 2, 3
		h[19] = byte(i)
		tb.hashes[i] = h
	}
	ix := New(tb.fn)
	ix.Add(19)
	for i := uint32(1); i < 20; i++ {
		require.Equal(t, i, ix.Find(tb.hashes[i]), "collision chain must compare full hashes")
	}
}
