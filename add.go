package zpaq

import (
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"

	"github.com/AlexStz/zpaq/internal/attr"
	"github.com/AlexStz/zpaq/internal/blockio"
	"github.com/AlexStz/zpaq/internal/chunker"
	"github.com/AlexStz/zpaq/internal/codec"
	"github.com/AlexStz/zpaq/internal/fragidx"
	"github.com/AlexStz/zpaq/internal/pathutil"
	"github.com/AlexStz/zpaq/internal/pipeline"
)

// AddStats reports what one snapshot changed.
type AddStats struct {
	Version    int   // snapshot number written
	Added      int   // file-update records
	Deleted    int   // tombstone records
	Fragments  int   // new fragments stored
	Blocks     int   // new data blocks
	InputBytes int64 // uncompressed bytes read
	Growth     int64 // archive bytes appended
	Errors     int
}

// Add scans the named paths and appends one snapshot to the archive,
// storing only fragments not already present. Files whose modification
// date matches the archived version are skipped unless forced; scanned
// paths that vanished are recorded as deletions.
func Add(ctx context.Context, archivePath string, paths []string, opts ...Option) (*AddStats, error) {
	return addSnapshot(ctx, archivePath, paths, false, opts)
}

// Delete appends a snapshot that tombstones the named paths. The fragments
// stay in the archive; prior versions still extract.
func Delete(ctx context.Context, archivePath string, paths []string, opts ...Option) (*AddStats, error) {
	return addSnapshot(ctx, archivePath, paths, true, opts)
}

func addSnapshot(ctx context.Context, archivePath string, paths []string, deleteOnly bool, opts []Option) (*AddStats, error) {
	cfg := defaultConfig()
	cfg.apply(opts)
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no paths named", ErrBadOption)
	}

	a, err := openArchive(ctx, archivePath, cfg, deleteOnly)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	stats := &AddStats{Version: a.versions() + 1}
	names := normalizeNames(paths)
	if !deleteOnly {
		a.scanInputs(names)
	}

	// Pick the date, keeping snapshot dates strictly increasing.
	date := dateNow()
	if last := a.ver[len(a.ver)-1].date; last >= date {
		date = last.next()
		cfg.log().Warn("clock behind archive, adjusting snapshot date", "date", date)
	}

	w, err := a.openForAppend()
	if err != nil {
		return nil, err
	}
	defer w.Close()

	if cfg.method.Streaming {
		if deleteOnly {
			return nil, fmt.Errorf("%w: delete needs a journaling method", ErrBadOption)
		}
		err = a.addStreaming(ctx, w, stats)
		stats.Errors += int(a.errors.Load())
		return stats, err
	}

	if err := a.writeSnapshot(ctx, w, date, names, deleteOnly, stats); err != nil {
		return nil, err
	}
	stats.Errors += int(a.errors.Load())
	return stats, nil
}

func normalizeNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = pathutil.Normalize(filepath.ToSlash(p))
	}
	return names
}

// scanInputs walks the named paths and records each file's external date,
// size and attributes under its archive name. Directories are stored with
// a trailing slash.
func (a *archive) scanInputs(names []string) {
	for _, name := range names {
		root := filepath.FromSlash(name)
		werr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("cannot scan", "path", p, "err", err)
				return nil
			}
			stored := pathutil.Normalize(filepath.ToSlash(p))
			if d.IsDir() {
				stored += "/"
			}
			if len(a.cfg.not) > 0 && pathutil.Matches(stored, a.cfg.not) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() && !d.IsDir() {
				return nil // no symlink or device preservation
			}
			info, err := d.Info()
			if err != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("cannot stat", "path", p, "err", err)
				return nil
			}
			stored = pathutil.Rename(stored, names, a.cfg.to)
			fe := a.dt[stored]
			if fe == nil {
				fe = &fileEntry{}
				a.dt[stored] = fe
			}
			fe.edate = dateFromTime(info.ModTime())
			fe.eattr = attr.Pack(p, info)
			fe.epath = p
			if d.IsDir() {
				fe.esize = 0
			} else {
				fe.esize = info.Size()
			}
			return nil
		})
		if werr != nil {
			a.errors.Add(1)
			a.cfg.log().Warn("scan failed", "path", name, "err", werr)
		}
	}
}

// appendWriter tracks the archive write position across direct writes and
// the pipeline.
type appendWriter struct {
	f   *os.File
	pos int64
}

func (a *archive) openForAppend() (*appendWriter, error) {
	f, err := os.OpenFile(a.path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open archive for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() != a.end {
		a.cfg.log().Warn("truncating archive", "from", info.Size(), "to", a.end)
		if err := f.Truncate(a.end); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate archive: %w", err)
		}
	}
	if _, err := f.Seek(a.end, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &appendWriter{f: f, pos: a.end}, nil
}

func (w *appendWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.pos += int64(n)
	return n, err
}

func (w *appendWriter) Close() error { return w.f.Close() }

// transactionBlock frames a c block. The payload is the little-endian
// length of the d-block run that follows; -1 reserves the header for a
// snapshot still being written.
func transactionBlock(date Date, first uint32, cdata int64) ([]byte, error) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(cdata))
	// The reserved and patched forms must frame to the same length, so the
	// transaction head is always stored uncompressed with a locator tag.
	return blockio.EncodeBlock(
		jidacName(date, 'c', first),
		jidacComment(len(payload)),
		payload[:],
		codec.Profile{ID: codec.Store},
		false)
}

func jidacComment(usize int) string {
	return strconv.Itoa(usize) + jidacMarker
}

// dataBlock is one flushed pending block, tracked until its archive offset
// is known.
type dataBlock struct {
	first uint32
	count int
	job   *pipeline.Job
}

// writeSnapshot drives phases 3..10 of a journaling add: reserve the c
// header, chunk and dedup inputs through the compression pipeline, then
// append the h and i blocks and back-patch the header.
func (a *archive) writeSnapshot(ctx context.Context, w *appendWriter, date Date, names []string, deleteOnly bool, stats *AddStats) error {
	headerPos := w.pos
	reserved, err := transactionBlock(date, uint32(len(a.ht)), -1)
	if err != nil {
		return err
	}
	if _, err := w.Write(reserved); err != nil {
		return fmt.Errorf("reserve transaction head: %w", err)
	}
	headerEnd := w.pos

	a.ver = append(a.ver, version{
		date:          date,
		offset:        headerPos,
		firstFragment: uint32(len(a.ht)),
	})

	var blocks []*dataBlock
	if !deleteOnly {
		blocks, err = a.compressInputs(ctx, w, date, stats)
		if err != nil {
			return err
		}
	}
	cdata := w.pos - headerEnd

	// Back-fill locators now that the writer fixed each block's offset.
	for _, b := range blocks {
		a.ht[b.first].csize = b.job.Offset
		for i := 1; i < b.count; i++ {
			a.ht[b.first+uint32(i)].csize = -int64(i)
		}
	}
	stats.Blocks = len(blocks)

	if err := a.writeFragmentTables(w, date, blocks); err != nil {
		return err
	}
	if err := a.writeIndexBlocks(w, date, names, deleteOnly, stats); err != nil {
		return err
	}

	// Make the snapshot durable, then commit it by patching the head.
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	patched, err := transactionBlock(date, a.ver[len(a.ver)-1].firstFragment, cdata)
	if err != nil {
		return err
	}
	if len(patched) != len(reserved) {
		return fmt.Errorf("%w: transaction head changed size", ErrBadArchive)
	}
	if _, err := w.f.WriteAt(patched, headerPos); err != nil {
		return fmt.Errorf("patch transaction head: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	stats.Growth = w.pos - headerPos
	a.cfg.log().Info("snapshot written",
		"version", stats.Version,
		"date", date.String(),
		"added", stats.Added,
		"deleted", stats.Deleted,
		"fragments", stats.Fragments,
		"growth", stats.Growth)
	return nil
}

// compressInputs chunks every changed input file, deduplicates fragments
// against the table, and streams pending blocks through the parallel
// compression pipeline.
func (a *archive) compressInputs(ctx context.Context, w *appendWriter, date Date, stats *AddStats) ([]*dataBlock, error) {
	// Only fragments of known size are dedup candidates; entries left
	// behind by a damaged table have no size and no trustworthy hash.
	idx := fragidx.New(func(id uint32) []byte {
		if id >= uint32(len(a.ht)) || a.ht[id].usize < 0 {
			return nil
		}
		return a.ht[id].sha1[:]
	})
	idx.Add(uint32(len(a.ht) - 1))

	vf := a.changedFiles()
	pl := pipeline.New(w, w.pos, a.cfg.threads, a.cfg.fragile, a.cfg.logger)

	var (
		sb      = make([]byte, 0, a.cfg.blockSize)
		pending []uint32 // new fragment IDs in sb
		cl      chunker.Classifier
		blocks  []*dataBlock
		ch      = chunker.New(nil)
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if a.cfg.fragile {
			sb = binary.LittleEndian.AppendUint32(sb, 0)
			sb = binary.LittleEndian.AppendUint32(sb, 0)
		} else {
			for _, id := range pending {
				sb = binary.LittleEndian.AppendUint32(sb, uint32(a.ht[id].usize))
			}
			sb = binary.LittleEndian.AppendUint32(sb, pending[0])
			sb = binary.LittleEndian.AppendUint32(sb, uint32(len(pending)))
		}
		prof := codec.ProfileFor(a.cfg.method, cl.Tag(len(sb)))
		job := pl.Enqueue(jidacName(date, 'd', pending[0]), jidacComment(len(sb)), sb, prof)
		blocks = append(blocks, &dataBlock{first: pending[0], count: len(pending), job: job})
		sb = make([]byte, 0, a.cfg.blockSize)
		pending = nil
		cl.Reset()
		return ctx.Err()
	}
	// Flush thresholds, from most urgent to most speculative: the block
	// cannot take another maximal fragment; the next whole file will not
	// fit a three-quarters-full block; the content so far looks too
	// incompressible to be worth growing.
	shouldFlush := func(atBoundary bool, nextSize int64) bool {
		limit := int64(a.cfg.blockSize)
		size := int64(len(sb))
		if size > limit-chunker.MaxFragment-80-int64(len(pending))*4 {
			return true
		}
		if !atBoundary {
			return false
		}
		r := int64(cl.Redundancy())
		switch {
		case size > limit*3/4 && size+nextSize > limit-chunker.MaxFragment-2048:
			return true
		case size > limit/8 && r < size/32:
			return true
		case size > limit/4 && r < size/16:
			return true
		case size > limit/2 && r < size/8:
			return true
		}
		return false
	}

	for _, path := range vf {
		fe := a.dt[path]
		if shouldFlush(true, fe.esize) {
			if err := flush(); err != nil {
				return blocks, err
			}
		}
		if path == "" || path[len(path)-1] == '/' {
			continue // directories carry no content
		}
		in, err := os.Open(fe.epath)
		if err != nil {
			// A file that vanished between scan and read is recorded as
			// deleted, like any other unreadable input.
			a.errors.Add(1)
			a.cfg.log().Warn("cannot read input", "path", fe.epath, "err", err)
			fe.edate = 0
			continue
		}
		a.cfg.log().Debug("adding", "path", path, "size", fe.esize)
		ch.Reset(in)
		for {
			frag, err := ch.Next()
			if err != nil {
				break
			}
			stats.InputBytes += int64(len(frag.Data))
			id := idx.Find(frag.SHA1[:])
			if id == 0 {
				id = uint32(len(a.ht))
				a.ht = append(a.ht, fragment{
					sha1:  frag.SHA1,
					usize: int32(len(frag.Data)),
					csize: csizeUnassigned,
				})
				sb = append(sb, frag.Data...)
				pending = append(pending, id)
				// Immediately indexed, so a repeat within the same file
				// dedups too.
				idx.Add(id)
				cl.Observe(&frag)
				stats.Fragments++
				if shouldFlush(false, 0) {
					if err := flush(); err != nil {
						in.Close()
						return blocks, err
					}
				}
			}
			fe.eptr = append(fe.eptr, id)
		}
		in.Close()
	}
	if err := flush(); err != nil {
		return blocks, err
	}
	if _, err := pl.Close(); err != nil {
		return blocks, err
	}
	return blocks, nil
}

// changedFiles returns, in path order, the scanned files that need a new
// version: new paths, changed dates, or anything when forced.
func (a *archive) changedFiles() []string {
	var vf []string
	for path, fe := range a.dt {
		if fe.edate == 0 {
			continue
		}
		last := fe.latest()
		if a.cfg.force || last == nil || last.date != fe.edate {
			vf = append(vf, path)
		}
	}
	sort.Strings(vf)
	return vf
}

// writeFragmentTables appends one h block per data block: the block's
// on-disk size followed by each fragment's hash and size.
func (a *archive) writeFragmentTables(w *appendWriter, date Date, blocks []*dataBlock) error {
	for _, b := range blocks {
		payload := make([]byte, 0, 4+24*b.count)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(b.job.Size))
		for i := 0; i < b.count; i++ {
			fr := &a.ht[b.first+uint32(i)]
			payload = append(payload, fr.sha1[:]...)
			payload = binary.LittleEndian.AppendUint32(payload, uint32(fr.usize))
		}
		blk, err := blockio.EncodeBlock(
			jidacName(date, 'h', b.first),
			jidacComment(len(payload)),
			payload,
			codec.MetadataProfile(a.cfg.method.Level),
			a.cfg.fragile)
		if err != nil {
			return err
		}
		if _, err := w.Write(blk); err != nil {
			return fmt.Errorf("append fragment table: %w", err)
		}
	}
	return nil
}

// indexBatchSize is the payload size past which an i block is written. The
// record that crosses it stays in that block, so a payload can exceed it by
// up to one record.
const indexBatchSize = 16000

// writeIndexBlocks appends the i blocks for this snapshot: one record per
// deleted or changed path, batched into bounded payloads.
func (a *archive) writeIndexBlocks(w *appendWriter, date Date, names []string, deleteOnly bool, stats *AddStats) error {
	cur := &a.ver[len(a.ver)-1]
	paths := make([]string, 0, len(a.dt))
	for p := range a.dt {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var is []byte
	seq := uint32(0)
	emit := func(final bool) error {
		if len(is) == 0 || (!final && len(is) <= indexBatchSize) {
			return nil
		}
		seq++
		blk, err := blockio.EncodeBlock(
			jidacName(date, 'i', seq),
			jidacComment(len(is)),
			is,
			codec.MetadataProfile(a.cfg.method.Level),
			a.cfg.fragile)
		if err != nil {
			return err
		}
		if _, err := w.Write(blk); err != nil {
			return fmt.Errorf("append index block: %w", err)
		}
		is = is[:0]
		return nil
	}

	for _, path := range paths {
		fe := a.dt[path]
		selected := a.cfg.selected(path, names)
		switch {
		case (deleteOnly || fe.edate == 0) && selected && fe.live():
			// Tombstone: date 0, no trailing fields.
			is = binary.LittleEndian.AppendUint64(is, 0)
			is = append(is, path...)
			is = append(is, 0)
			cur.deletes++
			stats.Deleted++
			a.cfg.log().Debug("removing", "path", path)
		case !deleteOnly && fe.edate != 0 && a.fileChanged(fe):
			is = binary.LittleEndian.AppendUint64(is, uint64(fe.edate))
			is = append(is, path...)
			is = append(is, 0)
			ab := attr.Encode(fe.eattr)
			is = binary.LittleEndian.AppendUint32(is, uint32(len(ab)))
			is = append(is, ab...)
			is = binary.LittleEndian.AppendUint32(is, uint32(len(fe.eptr)))
			for _, p := range fe.eptr {
				is = binary.LittleEndian.AppendUint32(is, p)
			}
			cur.updates++
			for _, p := range fe.eptr {
				if a.ht[p].usize >= 0 {
					cur.usize += int64(a.ht[p].usize)
				}
			}
			stats.Added++
		default:
			continue
		}
		if err := emit(false); err != nil {
			return err
		}
	}
	return emit(true)
}

// fileChanged reports whether the scanned state differs from the latest
// archived version in date, attributes or content.
func (a *archive) fileChanged(fe *fileEntry) bool {
	last := fe.latest()
	if last == nil || last.date == 0 {
		return true
	}
	if !a.cfg.force && last.date == fe.edate {
		return false
	}
	return last.date != fe.edate ||
		last.attr != fe.eattr ||
		!slices.Equal(last.ptr, fe.eptr)
}
