package zpaq

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexStz/zpaq/internal/testutil"
)

// setNow pins the snapshot clock so archives are reproducible. Later calls
// within one test advance the clock by bumping the returned time.
func setNow(t *testing.T, at time.Time) {
	t.Helper()
	old := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = old })
}

func testTime(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func archivePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.zpaq")
}

// addTree archives srcDir and returns the stats.
func addTree(t *testing.T, arch, srcDir string, opts ...Option) *AddStats {
	t.Helper()
	stats, err := Add(context.Background(), arch, []string{srcDir}, opts...)
	require.NoError(t, err)
	return stats
}

// extractTree restores srcDir's subtree into a fresh directory and returns
// its contents keyed relative to the restored root.
func extractTree(t *testing.T, arch, srcDir string, opts ...Option) map[string][]byte {
	t.Helper()
	outDir := t.TempDir()
	restored := filepath.Join(outDir, "restored")
	opts = append(opts, WithTo(restored))
	_, err := Extract(context.Background(), arch, []string{srcDir}, opts...)
	require.NoError(t, err)
	return testutil.ReadTree(t, restored)
}

func TestRoundTripAllMethods(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	random := make([]byte, 300_000)
	rng.Read(random)
	files := map[string][]byte{
		"a.txt":       []byte("hello\n"),
		"dir/b.bin":   bytes.Repeat([]byte{0}, 1<<20),
		"dir/c.rand":  random,
		"dir/d/e.txt": bytes.Repeat([]byte("the quick brown fox "), 5000),
		"empty":       {},
	}
	for _, method := range []string{"0", "1", "2", "3", "4", "5", "6", "s1"} {
		t.Run("method"+method, func(t *testing.T) {
			setNow(t, testTime(1, 10))
			srcDir := filepath.Join(t.TempDir(), "src")
			testutil.WriteTree(t, srcDir, files)
			arch := archivePath(t)

			addTree(t, arch, srcDir, WithMethod(method), WithThreads(2))
			got := extractTree(t, arch, srcDir, WithThreads(2))
			require.Len(t, got, len(files))
			for path, want := range files {
				assert.Equal(t, want, got[path], "content mismatch for %s", path)
			}
		})
	}
}

func TestRoundTripPreservesTimes(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"f.txt": []byte("data")})
	mtime := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	testutil.Touch(t, filepath.Join(srcDir, "f.txt"), mtime)

	arch := archivePath(t)
	addTree(t, arch, srcDir)

	outDir := filepath.Join(t.TempDir(), "out")
	_, err := Extract(context.Background(), arch, []string{srcDir}, WithTo(outDir))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(outDir, "f.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().UTC().Truncate(time.Second).Equal(mtime),
		"mtime %v, want %v", info.ModTime().UTC(), mtime)
}

func TestSmallArchiveSize(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"a.txt":     []byte("hello\n"),
		"dir/b.bin": bytes.Repeat([]byte{0}, 1<<20),
	})
	arch := archivePath(t)
	addTree(t, arch, srcDir, WithMethod("3"), WithThreads(2))

	info, err := os.Stat(arch)
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(16<<10), "1 MiB of zeros should compress away")

	stats, err := Test(context.Background(), arch)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Versions)
	assert.Zero(t, stats.BadBlocks)
	assert.Zero(t, stats.DamagedFiles)
}

func TestIdempotentAdd(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"a.txt": []byte("hello\n"),
		"b.txt": bytes.Repeat([]byte("abc"), 10_000),
	})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	before, err := os.Stat(arch)
	require.NoError(t, err)

	stats := addTree(t, arch, srcDir)
	assert.Zero(t, stats.Added)
	assert.Zero(t, stats.Deleted)
	assert.Zero(t, stats.Fragments)

	after, err := os.Stat(arch)
	require.NoError(t, err)
	assert.Less(t, after.Size()-before.Size(), int64(256),
		"an unchanged add should append only a transaction head")
	assert.Equal(t, 2, stats.Version)
}

func TestDedupAcrossFiles(t *testing.T) {
	setNow(t, testTime(1, 10))
	rng := rand.New(rand.NewSource(7))
	content := make([]byte, 2<<20)
	rng.Read(content)

	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"orig.bin": content})
	arch := archivePath(t)
	addTree(t, arch, srcDir)
	before, err := os.Stat(arch)
	require.NoError(t, err)

	// A copy of an existing file adds no data blocks, only index records.
	testutil.WriteTree(t, srcDir, map[string][]byte{"copy.bin": content})
	stats := addTree(t, arch, srcDir)
	assert.Equal(t, 1, stats.Added)
	assert.Zero(t, stats.Fragments, "a byte-identical copy should dedup entirely")
	assert.Zero(t, stats.Blocks)

	after, err := os.Stat(arch)
	require.NoError(t, err)
	assert.Less(t, after.Size()-before.Size(), int64(4096))

	got := extractTree(t, arch, srcDir)
	assert.Equal(t, content, got["copy.bin"])
}

func TestDeleteAndUntil(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"a.txt": []byte("aaa"),
		"b.txt": []byte("bbb"),
	})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	setNow(t, testTime(1, 11))
	require.NoError(t, os.Remove(filepath.Join(srcDir, "a.txt")))
	stats := addTree(t, arch, srcDir)
	assert.Equal(t, 1, stats.Deleted)

	// Version 2 no longer has a.txt.
	got := extractTree(t, arch, srcDir)
	assert.NotContains(t, got, "a.txt")
	assert.Contains(t, got, "b.txt")

	// Version 1 still does.
	got = extractTree(t, arch, srcDir, WithUntil(1))
	assert.Contains(t, got, "a.txt")
}

func TestDeleteCommand(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"a.txt": []byte("aaa"),
		"b.txt": []byte("bbb"),
	})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	setNow(t, testTime(1, 11))
	target := pathJoinSlash(srcDir, "a.txt")
	stats, err := Delete(context.Background(), arch, []string{target})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)

	got := extractTree(t, arch, srcDir)
	assert.NotContains(t, got, "a.txt")
	assert.Contains(t, got, "b.txt")
}

func pathJoinSlash(parts ...string) string {
	return filepath.ToSlash(filepath.Join(parts...))
}

func TestUntilDateCutoff(t *testing.T) {
	setNow(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"f": []byte("x")})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	for _, tc := range []struct {
		until string
		want  int
	}{
		{"20250101", 0}, // 2025-01-01 23:59:59 excludes the snapshot
		{"20250102", 1}, // same-day cutoff includes it
		{"20250103", 1},
	} {
		u, err := ParseUntil(tc.until)
		require.NoError(t, err)
		cfg := defaultConfig()
		cfg.until = u
		a, err := openArchive(context.Background(), arch, cfg, true)
		require.NoError(t, err)
		assert.Equal(t, tc.want, a.versions(), "until %s", tc.until)
		a.Close()
	}
}

func TestCorruptDataBlock(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	rng := rand.New(rand.NewSource(3))
	good := make([]byte, 200_000)
	rng.Read(good)
	testutil.WriteTree(t, srcDir, map[string][]byte{"good.bin": good})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	// A second snapshot puts the victim in its own data block.
	setNow(t, testTime(1, 11))
	bad := make([]byte, 200_000)
	rng.Read(bad)
	testutil.WriteTree(t, srcDir, map[string][]byte{"bad.bin": bad})
	addTree(t, arch, srcDir)

	// Flip one byte inside the second snapshot's data block payload.
	cfg := defaultConfig()
	a, err := openArchive(context.Background(), arch, cfg, true)
	require.NoError(t, err)
	victim := a.ver[2].firstFragment
	off := a.ht[victim].csize
	require.Positive(t, off)
	a.Close()
	corruptByte(t, arch, off+100)

	stats, err := Test(context.Background(), arch)
	require.ErrorIs(t, err, ErrDamaged)
	assert.Equal(t, 1, stats.BadBlocks)
	assert.Equal(t, 1, stats.DamagedFiles)

	// Extraction restores the undamaged file and reports the loss.
	outDir := filepath.Join(t.TempDir(), "out")
	_, err = Extract(context.Background(), arch, []string{srcDir}, WithTo(outDir))
	require.ErrorIs(t, err, ErrMissingFragment)
	restored := testutil.ReadTree(t, outDir)
	assert.Equal(t, good, restored["good.bin"])
}

func corruptByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	var b [1]byte
	_, err = f.ReadAt(b[:], off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], off)
	require.NoError(t, err)
}

func TestIncrementalAddIsSmall(t *testing.T) {
	setNow(t, testTime(1, 10))
	rng := rand.New(rand.NewSource(11))
	content := make([]byte, 4<<20)
	rng.Read(content)

	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"big.bin": content})
	arch := archivePath(t)
	first := addTree(t, arch, srcDir)

	// Prepend 16 bytes: content-defined chunking realigns after the edit,
	// so almost all fragments dedup.
	setNow(t, testTime(1, 11))
	edited := append(make([]byte, 0, len(content)+16), []byte("0123456789abcdef")...)
	edited = append(edited, content...)
	testutil.WriteTree(t, srcDir, map[string][]byte{"big.bin": edited})
	testutil.Touch(t, filepath.Join(srcDir, "big.bin"), testTime(1, 11))
	second := addTree(t, arch, srcDir)

	assert.Less(t, second.Growth, first.Growth/4,
		"re-adding an edited file should store only the changed fragments")

	got := extractTree(t, arch, srcDir)
	assert.Equal(t, edited, got["big.bin"])
}

func TestParallelDeterminism(t *testing.T) {
	files := map[string][]byte{
		"a": bytes.Repeat([]byte("alpha beta gamma "), 50_000),
		"b": bytes.Repeat([]byte{0xAB}, 700_000),
		"c": []byte("short"),
	}
	var archives [][]byte
	for _, threads := range []int{1, 4} {
		setNow(t, testTime(1, 10))
		srcDir := filepath.Join(t.TempDir(), "src")
		testutil.WriteTree(t, srcDir, files)
		mtime := testTime(1, 9)
		for path := range files {
			testutil.Touch(t, filepath.Join(srcDir, path), mtime)
		}
		testutil.Touch(t, srcDir, mtime)
		arch := archivePath(t)
		stats, err := Add(context.Background(), arch, []string{srcDir},
			WithThreads(threads), WithTo("tree"))
		require.NoError(t, err)
		require.Positive(t, stats.Fragments)
		data, err := os.ReadFile(arch)
		require.NoError(t, err)
		archives = append(archives, data)
	}
	assert.Equal(t, archives[0], archives[1],
		"stored bytes must not depend on the thread count")
}

func TestRecoveryFromDamagedFragmentTable(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	rng := rand.New(rand.NewSource(5))
	content := make([]byte, 600_000)
	rng.Read(content)
	testutil.WriteTree(t, srcDir, map[string][]byte{"f.bin": content})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	// Corrupt the h block payload; the reader must fall back to the data
	// block's redundant trailer.
	cfg := defaultConfig()
	a, err := openArchive(context.Background(), arch, cfg, true)
	require.NoError(t, err)
	hOff := findBlock(t, a, 'h')
	a.Close()
	corruptByte(t, arch, hOff)

	got := extractTree(t, arch, srcDir)
	assert.Equal(t, content, got["f.bin"])
}

func TestFragileSkipsRecovery(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"f.bin": bytes.Repeat([]byte("xy"), 300_000)})
	arch := archivePath(t)
	addTree(t, arch, srcDir, WithFragile())

	// Fragile blocks still extract; they just carry no recovery trailer.
	got := extractTree(t, arch, srcDir, WithFragile())
	assert.Equal(t, bytes.Repeat([]byte("xy"), 300_000), got["f.bin"])

	stats, err := Test(context.Background(), arch)
	require.NoError(t, err)
	assert.Zero(t, stats.BadBlocks)
}

// findBlock walks the archive for the first journaling block with the given
// role and returns the offset of its payload area.
func findBlock(t *testing.T, a *archive, role byte) int64 {
	t.Helper()
	var off int64
	for {
		h, err := a.rd.Next(off)
		require.NoError(t, err)
		if _, r, _, ok := parseJidacName(h.Filename); ok && r == role {
			// Payload sits between the names and the SHA-1 trailer.
			return h.Offset + h.Size - 20 - h.CSize
		}
		off = h.Offset + h.Size
		require.Less(t, off, a.rd.Size(), "no %c block found", role)
	}
}

func TestExtractRefusesClobber(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"f": []byte("x")})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	// Without -to, extraction lands on the originals and must refuse.
	_, err := Extract(context.Background(), arch, []string{srcDir})
	require.ErrorIs(t, err, ErrClobber)

	// With -force it overwrites them.
	_, err = Extract(context.Background(), arch, []string{srcDir}, WithForce())
	require.NoError(t, err)
}

func TestListOutput(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"a.txt":     []byte("hello\n"),
		"dir/b.txt": []byte("world\n"),
	})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	var buf bytes.Buffer
	require.NoError(t, List(context.Background(), arch, nil, &buf))
	out := buf.String()
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "dir/b.txt")
	assert.Contains(t, out, "2025-03-01 10:00:00")

	buf.Reset()
	require.NoError(t, List(context.Background(), arch, nil, &buf, WithSummary(5)))
	sum := buf.String()
	assert.Contains(t, sum, "Top paths")
	assert.Contains(t, sum, "Top extensions")
	assert.Contains(t, sum, "Fragment references")
}

func TestStreamingRoundTrip(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	files := map[string][]byte{
		"one.txt": []byte("streaming one"),
		"two.bin": bytes.Repeat([]byte{7}, 123_456),
	}
	testutil.WriteTree(t, srcDir, files)
	arch := archivePath(t)
	addTree(t, arch, srcDir, WithMethod("s2"))

	got := extractTree(t, arch, srcDir)
	for path, want := range files {
		assert.Equal(t, want, got[path], path)
	}
}

func TestNotExcludes(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{
		"keep.txt":     []byte("keep"),
		"skip/nope.md": []byte("skip me"),
	})
	arch := archivePath(t)
	skip := pathJoinSlash(srcDir, "skip")
	addTree(t, arch, srcDir, WithNot(skip))

	got := extractTree(t, arch, srcDir)
	assert.Contains(t, got, "keep.txt")
	assert.NotContains(t, got, "skip/nope.md")
}

func TestIncompleteTransactionIgnored(t *testing.T) {
	setNow(t, testTime(1, 10))
	srcDir := filepath.Join(t.TempDir(), "src")
	testutil.WriteTree(t, srcDir, map[string][]byte{"f": []byte("v1")})
	arch := archivePath(t)
	addTree(t, arch, srcDir)

	// Simulate a crash mid-snapshot: append a reserved, never patched
	// transaction head.
	setNow(t, testTime(1, 11))
	blk, err := transactionBlock(dateNow(), 99, -1)
	require.NoError(t, err)
	f, err := os.OpenFile(arch, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(blk)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg := defaultConfig()
	a, err := openArchive(context.Background(), arch, cfg, true)
	require.NoError(t, err)
	assert.Equal(t, 1, a.versions(), "unpatched transaction must be dropped")
	a.Close()

	// The next add truncates the dangling head and appends normally.
	setNow(t, testTime(1, 12))
	testutil.WriteTree(t, srcDir, map[string][]byte{"g": []byte("v2")})
	addTree(t, arch, srcDir)
	got := extractTree(t, arch, srcDir)
	assert.Contains(t, got, "g")
}
