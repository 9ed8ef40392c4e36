package zpaq

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/AlexStz/zpaq/internal/blockio"
)

// TestStats reports the results of a full integrity scan.
type TestStats struct {
	Versions        int
	DatesMonotonic  bool
	Fragments       int
	KnownSize       int
	UnknownSize     int
	LargestFragment int64
	LargestBlock    int64
	Unreferenced    int // fragments no file version points at
	Missing         int // referenced fragments with no usable locator
	UncompressedLen int64
	ArchiveLen      int64
	BlocksTested    int
	BadBlocks       int
	DamagedFiles    int
	Errors          int
}

// Ratio returns archive bytes per uncompressed byte.
func (s *TestStats) Ratio() float64 {
	if s.UncompressedLen == 0 {
		return 0
	}
	return float64(s.ArchiveLen) / float64(s.UncompressedLen)
}

// Test reads the whole archive, cross-checks the journal structures, and
// decompresses every data block verifying fragment hashes, the redundant
// size lists, and the trailer identity fields. It returns ErrDamaged (with
// whatever statistics were gathered) when anything fails.
func Test(ctx context.Context, archivePath string, opts ...Option) (*TestStats, error) {
	cfg := defaultConfig()
	cfg.apply(opts)
	a, err := openArchive(ctx, archivePath, cfg, true)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	stats := &TestStats{Versions: a.versions(), DatesMonotonic: true, ArchiveLen: a.rd.Size()}
	badFrag := make([]bool, len(a.ht))
	a.structuralStats(stats, badFrag)
	if err := a.testBlocks(ctx, stats, badFrag); err != nil {
		return stats, err
	}
	a.countDamagedFiles(stats, badFrag)
	stats.Errors += int(a.errors.Load())
	if stats.BadBlocks > 0 || stats.DamagedFiles > 0 || stats.Missing > 0 {
		return stats, fmt.Errorf("%w: %d bad blocks, %d damaged files",
			ErrDamaged, stats.BadBlocks, stats.DamagedFiles)
	}
	return stats, nil
}

// structuralStats cross-checks the in-memory journal: date ordering,
// fragment accounting, and referenced-but-missing or unreferenced
// fragments.
func (a *archive) structuralStats(stats *TestStats, badFrag []bool) {
	var last Date
	for _, v := range a.ver[1:] {
		if v.date != 0 {
			if v.date <= last {
				stats.DatesMonotonic = false
			}
			last = v.date
		}
	}

	stats.Fragments = len(a.ht) - 1
	referenced := make([]bool, len(a.ht))
	for _, fe := range a.dt {
		for i := range fe.versions {
			for _, p := range fe.versions[i].ptr {
				if int(p) < len(referenced) {
					referenced[p] = true
				}
			}
		}
	}
	for id := 1; id < len(a.ht); id++ {
		fr := &a.ht[id]
		if fr.usize >= 0 {
			stats.KnownSize++
			stats.UncompressedLen += int64(fr.usize)
			if int64(fr.usize) > stats.LargestFragment {
				stats.LargestFragment = int64(fr.usize)
			}
		} else {
			stats.UnknownSize++
		}
		if !referenced[id] {
			stats.Unreferenced++
		} else if fr.csize == csizeUnassigned {
			stats.Missing++
			badFrag[id] = true
			a.cfg.log().Warn("referenced fragment has no locator", "fragment", id)
		}
	}
}

// countDamagedFiles counts files whose latest live version references a
// lost fragment or one stored in a block that failed verification.
func (a *archive) countDamagedFiles(stats *TestStats, badFrag []bool) {
	for path, fe := range a.dt {
		fv := fe.latest()
		if fv == nil || fv.date == 0 {
			continue
		}
		for _, p := range fv.ptr {
			if int(p) >= len(badFrag) || badFrag[p] {
				stats.DamagedFiles++
				a.cfg.log().Warn("file has damaged fragments", "path", path)
				break
			}
		}
	}
}

// testBlocks walks every block and schedules the journaling data blocks
// for parallel decompression and verification.
func (a *archive) testBlocks(ctx context.Context, stats *TestStats, badFrag []bool) error {
	type work struct {
		h     *blockio.Header
		first uint32
	}
	var jobs []work
	var off int64
	for {
		h, err := a.rd.Next(off)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			next, serr := a.rd.Scan(off)
			if serr != nil {
				break
			}
			off = next
			continue
		}
		off = h.Offset + h.Size
		if h.Offset >= a.end {
			break
		}
		if h.Size > stats.LargestBlock {
			stats.LargestBlock = h.Size
		}
		if !isJidac(h) {
			continue
		}
		if _, role, num, _ := parseJidacName(h.Filename); role == 'd' {
			jobs = append(jobs, work{h: h, first: num})
		}
	}

	var (
		bad   atomic.Int64
		badMu sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.threads)
	for _, jb := range jobs {
		g.Go(func() error {
			if count, err := a.verifyDataBlock(gctx, jb.h, jb.first); err != nil {
				bad.Add(1)
				a.cfg.log().Warn("bad block", "offset", jb.h.Offset, "err", err)
				badMu.Lock()
				for i := uint32(0); i < count && int(jb.first+i) < len(badFrag); i++ {
					badFrag[jb.first+i] = true
				}
				badMu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats.BlocksTested = len(jobs)
	stats.BadBlocks = int(bad.Load())
	return nil
}

// verifyDataBlock decompresses one d block and checks it against the
// fragment table: every fragment hash, the redundant size list, and the
// trailer's first-ID and count fields. The block is good only if all pass.
// The returned count is how many table entries the block covers, so the
// caller can mark them damaged on failure.
func (a *archive) verifyDataBlock(ctx context.Context, h *blockio.Header, first uint32) (uint32, error) {
	if first == 0 || first >= uint32(len(a.ht)) {
		return 0, fmt.Errorf("%w: block names fragment %d of %d", ErrBadArchive, first, len(a.ht)-1)
	}

	// Count this block's fragments from the table: the run starting at
	// first whose members point back at it.
	count := uint32(1)
	for int(first+count) < len(a.ht) && a.ht[first+count].csize == -int64(count) {
		count++
	}

	payload, err := a.rd.Payload(ctx, h)
	if err != nil {
		return count, err
	}
	var pos int64
	for i := uint32(0); i < count; i++ {
		fr := &a.ht[first+i]
		if fr.usize < 0 || pos+int64(fr.usize) > int64(len(payload)) {
			return count, fmt.Errorf("%w: fragment %d overruns block", ErrSizeMismatch, first+i)
		}
		if sha1.Sum(payload[pos:pos+int64(fr.usize)]) != fr.sha1 {
			return count, fmt.Errorf("%w: fragment %d", ErrChecksum, first+i)
		}
		pos += int64(fr.usize)
	}

	trailer := int64(len(payload)) - pos
	if trailer == 8 {
		// Fragile blocks carry an empty trailer placeholder.
		if binary.LittleEndian.Uint64(payload[pos:]) != 0 {
			return count, fmt.Errorf("%w: unexpected trailer", ErrBadArchive)
		}
		return count, nil
	}
	if trailer != int64(count)*4+8 {
		return count, fmt.Errorf("%w: trailer is %d bytes, want %d", ErrSizeMismatch, trailer, count*4+8)
	}
	s := payload[pos:]
	for i := uint32(0); i < count; i++ {
		if binary.LittleEndian.Uint32(s[i*4:]) != uint32(a.ht[first+i].usize) {
			return count, fmt.Errorf("%w: size list entry %d", ErrSizeMismatch, i)
		}
	}
	tFirst := binary.LittleEndian.Uint32(s[count*4:])
	tCount := binary.LittleEndian.Uint32(s[count*4+4:])
	if tFirst != first || tCount != count {
		return count, fmt.Errorf("%w: trailer names fragments %d+%d, want %d+%d",
			ErrBadArchive, tFirst, tCount, first, count)
	}
	return count, nil
}
