package codec

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Profile, src []byte) {
	t.Helper()
	enc, err := Compress(p, src)
	require.NoError(t, err)
	dec, err := NewDecoder(p.ID, bytes.NewReader(enc))
	require.NoError(t, err)
	defer dec.Close()
	got := make([]byte, len(src))
	_, err = io.ReadFull(dec, got)
	require.NoError(t, err)
	if p.E8E9 {
		E8E9Inverse(got)
	}
	assert.True(t, bytes.Equal(src, got), "round trip mismatch")
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()
	inputs := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte("compressible text "), 10_000),
		func() []byte { b := make([]byte, 250_000); rand.New(rand.NewSource(8)).Read(b); return b }(),
	}
	for id := Store; id <= ZstdBest; id++ {
		for _, src := range inputs {
			roundTrip(t, Profile{ID: id}, src)
		}
	}
}

func TestCompressibleDataShrinks(t *testing.T) {
	t.Parallel()
	src := bytes.Repeat([]byte("aaaaaaaabbbbbbbb"), 20_000)
	for _, id := range []ID{LZ4, ZstdFastest, ZstdDefault, ZstdBetter, ZstdBest} {
		enc, err := Compress(Profile{ID: id}, src)
		require.NoError(t, err)
		assert.Less(t, len(enc), len(src)/10, id.String())
	}
}

func TestE8E9Inverse(t *testing.T) {
	t.Parallel()
	src := make([]byte, 64_000)
	rand.New(rand.NewSource(6)).Read(src)
	for i := 0; i < len(src)-5; i += 31 {
		if i%62 == 0 {
			src[i] = 0xE8
		} else {
			src[i] = 0xE9
		}
	}
	want := append([]byte(nil), src...)
	e8e9Forward(src)
	assert.NotEqual(t, want, src, "transform must change call targets")
	E8E9Inverse(src)
	assert.Equal(t, want, src)
}

func TestParseMethod(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in        string
		level     int
		streaming bool
		wantErr   bool
	}{
		{in: "0", level: 0},
		{in: "3", level: 3},
		{in: "6", level: 6},
		{in: "x4", level: 4},
		{in: "s2", level: 2, streaming: true},
		{in: "s", level: 1, streaming: true},
		{in: "", wantErr: true},
		{in: "7", wantErr: true},
		{in: "abc", wantErr: true},
	} {
		m, err := ParseMethod(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrBadMethod, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.level, m.Level, tc.in)
		assert.Equal(t, tc.streaming, m.Streaming, tc.in)
	}
}

func TestProfileFor(t *testing.T) {
	t.Parallel()
	// Method 0 always stores.
	assert.Equal(t, Store, ProfileFor(Method{Level: 0}, 1023).ID)
	// Zero redundancy downgrades to store.
	assert.Equal(t, Store, ProfileFor(Method{Level: 3}, 0).ID)
	assert.Equal(t, Store, ProfileFor(Method{Level: 3}, 3).ID)
	// Redundant content keeps the level's codec.
	assert.Equal(t, LZ4, ProfileFor(Method{Level: 1}, 400).ID)
	assert.Equal(t, ZstdDefault, ProfileFor(Method{Level: 3}, 400).ID)
	assert.Equal(t, ZstdBest, ProfileFor(Method{Level: 6}, 400).ID)
	// The x86 flag turns on E8E9 except when storing.
	assert.True(t, ProfileFor(Method{Level: 3}, 400|2).E8E9)
	assert.False(t, ProfileFor(Method{Level: 3}, 400).E8E9)
	assert.False(t, ProfileFor(Method{Level: 0}, 400|2).E8E9)
}
