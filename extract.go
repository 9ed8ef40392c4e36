package zpaq

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AlexStz/zpaq/internal/attr"
	"github.com/AlexStz/zpaq/internal/pathutil"
)

// ExtractStats reports what an extraction wrote.
type ExtractStats struct {
	Files   int   // files fully restored
	Dirs    int   // directories created or touched
	Bytes   int64 // bytes written
	Missing int   // files left with missing fragments
	Errors  int
}

// outFile is one output file being restored.
type outFile struct {
	fv      *fileVersion
	path    string // platform output path
	planned int    // fragment writes expected across all blocks
	written int
	f       *os.File
}

// fragWrite scatters one fragment of a block into one output file.
type fragWrite struct {
	idx uint32 // fragment index within the block
	off int64  // write offset in the output file
}

// planClient is one output file's interest in one block.
type planClient struct {
	file   *outFile
	writes []fragWrite
}

// blockPlan is the per-block extraction plan: where the block lives, how
// many of its fragments anyone needs, and who gets them.
type blockPlan struct {
	offset    int64
	first     uint32
	needed    uint32
	streaming bool
	clients   []*planClient
}

// Extract restores the named paths (or everything) from the archive state
// selected by -until. Blocks are decompressed in parallel, but each is only
// decoded up to its last needed fragment, and fragment hashes are verified
// before any byte reaches an output file.
func Extract(ctx context.Context, archivePath string, paths []string, opts ...Option) (*ExtractStats, error) {
	cfg := defaultConfig()
	cfg.apply(opts)
	a, err := openArchive(ctx, archivePath, cfg, true)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	stats := &ExtractStats{}
	names := normalizeNames(paths)

	files, dirs, err := a.planOutputs(names)
	if err != nil {
		return nil, err
	}
	plans, err := a.planBlocks(files)
	if err != nil {
		return nil, err
	}

	// Create directories along every output path up front; their dates and
	// attributes are applied after the files inside them are closed.
	for _, of := range files {
		if err := os.MkdirAll(filepath.Dir(of.path), 0o777); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	for _, of := range files {
		if of.planned == 0 {
			if err := finishEmptyFile(of); err != nil {
				stats.Errors++
				cfg.log().Warn("cannot create output", "path", of.path, "err", err)
				continue
			}
			stats.Files++
		}
	}

	if err := a.runPlans(ctx, plans, stats); err != nil {
		return nil, err
	}

	// Blocks abandoned mid-extract can leave handles open.
	for _, of := range files {
		if of.f != nil {
			of.f.Close()
			of.f = nil
		}
	}

	for _, of := range files {
		if of.planned == 0 {
			continue
		}
		if of.written == of.planned {
			stats.Files++
		} else {
			stats.Missing++
			cfg.log().Warn("file incomplete",
				"path", of.path, "written", of.written, "planned", of.planned)
		}
	}
	a.finishDirs(dirs, stats)

	stats.Errors += int(a.errors.Load())
	if stats.Missing > 0 {
		return stats, fmt.Errorf("%w: %d files incomplete", ErrMissingFragment, stats.Missing)
	}
	return stats, nil
}

// planOutputs selects the archived files and directories to restore and
// refuses to clobber existing outputs without -force.
func (a *archive) planOutputs(names []string) ([]*outFile, map[string]*fileVersion, error) {
	var files []*outFile
	dirs := map[string]*fileVersion{}
	paths := make([]string, 0, len(a.dt))
	for p := range a.dt {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		fe := a.dt[path]
		fe.written = -1
		if !a.cfg.selected(path, names) || !fe.live() {
			continue
		}
		fv := fe.latest()
		out := filepath.FromSlash(pathutil.Rename(path, names, a.cfg.to))
		if path[len(path)-1] == '/' {
			dirs[out] = fv
			continue
		}
		if !a.cfg.force {
			if _, err := os.Lstat(out); err == nil {
				return nil, nil, fmt.Errorf("%w: %s (use -force)", ErrClobber, out)
			}
		}
		fe.written = 0
		files = append(files, &outFile{fv: fv, path: out})
	}
	return files, dirs, nil
}

// planBlocks computes, per data block, the fragment prefix to decompress
// and the scatter list of output writes.
func (a *archive) planBlocks(files []*outFile) ([]*blockPlan, error) {
	plans := map[int64]*blockPlan{}
	for _, of := range files {
		var off int64
		damaged := false
		for _, p := range of.fv.ptr {
			first, boff, ok := a.blockOf(p)
			if !ok || a.ht[p].usize < 0 {
				// The unreachable fragment still counts as planned, so the
				// file ends short of its plan and is reported missing.
				damaged = true
				of.planned++
				break
			}
			bp := plans[boff]
			if bp == nil {
				bp = &blockPlan{
					offset:    boff,
					first:     first,
					streaming: a.ht[first].streaming,
				}
				plans[boff] = bp
			}
			idx := p - first
			if idx+1 > bp.needed {
				bp.needed = idx + 1
			}
			var cl *planClient
			if n := len(bp.clients); n > 0 && bp.clients[n-1].file == of {
				cl = bp.clients[n-1]
			} else {
				cl = &planClient{file: of}
				bp.clients = append(bp.clients, cl)
			}
			cl.writes = append(cl.writes, fragWrite{idx: idx, off: off})
			of.planned++
			off += int64(a.ht[p].usize)
		}
		if damaged {
			a.errors.Add(1)
			a.cfg.log().Warn("missing fragment, file cannot be fully restored", "path", of.path)
		}
	}
	ordered := make([]*blockPlan, 0, len(plans))
	for _, bp := range plans {
		ordered = append(ordered, bp)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].offset < ordered[j].offset })
	return ordered, nil
}

// runPlans decompresses the planned blocks and scatters fragments to the
// output files. Streaming blocks are processed serially first; journaling
// blocks go to the worker pool. All output writes serialize on one mutex.
func (a *archive) runPlans(ctx context.Context, plans []*blockPlan, stats *ExtractStats) error {
	var (
		writeMu sync.Mutex
		bytes   int64
	)
	for _, bp := range plans {
		if bp.streaming {
			a.runBlock(ctx, bp, &writeMu, &bytes)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.threads)
	for _, bp := range plans {
		if bp.streaming {
			continue
		}
		g.Go(func() error {
			a.runBlock(gctx, bp, &writeMu, &bytes)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats.Bytes = bytes
	return nil
}

// runBlock restores one block's fragments. A block that fails to decode or
// verify is abandoned; its clients lose only the fragments it held.
func (a *archive) runBlock(ctx context.Context, bp *blockPlan, writeMu *sync.Mutex, written *int64) {
	payload, cum, ok := a.decodeBlock(ctx, bp)
	if !ok {
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	for _, cl := range bp.clients {
		of := cl.file
		if of.f == nil {
			f, err := os.OpenFile(of.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
			if err != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("cannot open output", "path", of.path, "err", err)
				continue
			}
			of.f = f
		}
		for _, wr := range cl.writes {
			data := payload[cum[wr.idx]:cum[wr.idx+1]]
			if _, err := of.f.WriteAt(data, wr.off); err != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("write failed", "path", of.path, "err", err)
				continue
			}
			of.written++
			*written += int64(len(data))
		}
		if of.written == of.planned {
			closeOutFile(of)
		}
	}
}

// decodeBlock decompresses a block up to its last needed fragment and
// verifies each fragment's hash. cum[i] is the byte offset of fragment i
// within the payload.
func (a *archive) decodeBlock(ctx context.Context, bp *blockPlan) ([]byte, []int64, bool) {
	h, err := a.rd.Next(bp.offset)
	if err != nil {
		a.errors.Add(1)
		a.cfg.log().Warn("block vanished", "offset", bp.offset, "err", err)
		return nil, nil, false
	}
	cum := make([]int64, bp.needed+1)
	for i := uint32(0); i < bp.needed; i++ {
		cum[i+1] = cum[i] + int64(a.ht[bp.first+i].usize)
	}
	payload, err := a.rd.PayloadPrefix(ctx, h, cum[bp.needed])
	if err != nil {
		a.errors.Add(1)
		a.cfg.log().Warn("block unreadable", "offset", bp.offset, "err", err)
		return nil, nil, false
	}
	if !a.cfg.fragile {
		for i := uint32(0); i < bp.needed; i++ {
			fr := &a.ht[bp.first+i]
			if fr.sha1 == ([20]byte{}) {
				continue
			}
			if sha1.Sum(payload[cum[i]:cum[i+1]]) != fr.sha1 {
				a.errors.Add(1)
				a.cfg.log().Warn("fragment checksum mismatch",
					"offset", bp.offset, "fragment", bp.first+i)
				return nil, nil, false
			}
		}
	}
	return payload, cum, true
}

func closeOutFile(of *outFile) {
	if of.f != nil {
		of.f.Close()
		of.f = nil
	}
	if of.fv.date != 0 {
		os.Chtimes(of.path, of.fv.date.Time(), of.fv.date.Time())
	}
	if of.fv.attr != 0 {
		attr.Apply(of.path, of.fv.attr)
	}
}

func finishEmptyFile(of *outFile) error {
	f, err := os.OpenFile(of.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	f.Close()
	of.f = nil
	closeOutFile(of)
	return nil
}

// finishDirs creates the archived directories and applies their dates and
// attributes, deepest first so a parent's restored time is not disturbed by
// touching its children.
func (a *archive) finishDirs(dirs map[string]*fileVersion, stats *ExtractStats) {
	paths := make([]string, 0, len(dirs))
	for p := range dirs {
		paths = append(paths, p)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	for _, p := range paths {
		fv := dirs[p]
		if err := os.MkdirAll(p, 0o777); err != nil {
			a.errors.Add(1)
			a.cfg.log().Warn("cannot create directory", "path", p, "err", err)
			continue
		}
		if fv.attr != 0 {
			attr.Apply(p, fv.attr)
		}
		if fv.date != 0 {
			os.Chtimes(p, fv.date.Time(), fv.date.Time())
		}
		stats.Dirs++
	}
}
