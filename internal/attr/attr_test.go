package attr

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeUnix(t *testing.T) {
	t.Parallel()
	a := int64(TagUnix) | 0o644<<8
	b := Encode(a)
	assert.Len(t, b, 3)
	assert.Equal(t, a, Decode(b))
}

func TestEncodeDecodeWindows(t *testing.T) {
	t.Parallel()
	a := int64(TagWindows) | 32<<8
	b := Encode(a)
	assert.Len(t, b, 5)
	assert.Equal(t, a, Decode(b))
}

func TestEncodeNone(t *testing.T) {
	t.Parallel()
	assert.Empty(t, Encode(0))
	assert.Zero(t, Decode(nil))
}

func TestString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "u100644", String(int64(TagUnix)|0o100644<<8))
	assert.Equal(t, "w32", String(int64(TagWindows)|32<<8))
	assert.Equal(t, "", String(0))
}

func TestPackApplyRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission-bit round trip is a Unix test")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o640))

	info, err := os.Stat(path)
	require.NoError(t, err)
	a := Pack(path, info)
	assert.Equal(t, byte(TagUnix), byte(a))
	assert.Equal(t, int64(0o640), a>>8&0o777)

	require.NoError(t, os.Chmod(path, 0o600))
	require.NoError(t, Apply(path, a))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestApplyIgnoresForeign(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	foreign := int64(TagWindows) | 32<<8
	if runtime.GOOS == "windows" {
		foreign = int64(TagUnix) | 0o600<<8
	}
	assert.NoError(t, Apply(path, foreign))
}
