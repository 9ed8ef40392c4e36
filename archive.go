package zpaq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/AlexStz/zpaq/internal/attr"
	"github.com/AlexStz/zpaq/internal/blockio"
	"github.com/AlexStz/zpaq/internal/pathutil"
)

// Suffix appended to archive names that lack it.
const Suffix = ".zpaq"

// archive is the in-memory journal state: the fragment table (ht), the file
// map (dt) and the version list (ver), all rebuilt from the block chain on
// open. Index 0 of ht and ver is a reserved sentinel.
type archive struct {
	path string
	f    *os.File
	rd   *blockio.Reader
	cfg  config

	ht  []fragment
	dt  map[string]*fileEntry
	ver []version

	end    int64        // offset where the valid journal ends; add appends here
	errors atomic.Int64 // blocks skipped or repaired while reading
}

// openArchive opens path and rebuilds the journal state up to the -until
// cutoff. A missing file yields an empty archive when mustExist is false,
// which is how add bootstraps a new archive.
func openArchive(ctx context.Context, path string, cfg config, mustExist bool) (*archive, error) {
	a := &archive{
		path: path,
		cfg:  cfg,
		ht:   []fragment{{}},
		dt:   map[string]*fileEntry{},
		ver:  []version{{}},
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return a, nil
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	a.f = f
	a.rd = blockio.NewReader(f, info.Size())
	if err := a.read(ctx); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func (a *archive) Close() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// versions returns the number of real snapshots read.
func (a *archive) versions() int { return len(a.ver) - 1 }

// untilCount reports whether the cutoff selects by version count rather
// than by date.
func (c *config) untilCount() bool { return c.until > 0 && c.until <= 9999999 }

// parseJidacName extracts the date, role and number from a journaling block
// filename of the form jDC<date14><role><num10>.
func parseJidacName(name string) (date Date, role byte, num uint32, ok bool) {
	if len(name) != jidacNameLen || name[:3] != "jDC" {
		return 0, 0, 0, false
	}
	role = name[17]
	if role != 'c' && role != 'd' && role != 'h' && role != 'i' {
		return 0, 0, 0, false
	}
	var d int64
	for i := 3; i < 17; i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, 0, 0, false
		}
		d = d*10 + int64(name[i]-'0')
	}
	var n uint64
	for i := 18; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, 0, 0, false
		}
		n = n*10 + uint64(name[i]-'0')
	}
	return Date(d), role, uint32(n), true
}

func jidacName(date Date, role byte, num uint32) string {
	return fmt.Sprintf("jDC%014d%c%010d", int64(date), role, num)
}

func isJidac(h *blockio.Header) bool {
	if !strings.HasSuffix(h.Comment, jidacMarker) {
		return false
	}
	_, _, _, ok := parseJidacName(h.Filename)
	return ok
}

// read walks the block chain from offset zero, rebuilding ht, dt and ver.
// Malformed blocks are skipped by re-scanning for the next locator tag. If
// the fragment table comes back with gaps or misordered IDs, a recovery
// pass re-reads the data blocks' redundant trailers.
func (a *archive) read(ctx context.Context) error {
	needRecover, err := a.readPass(ctx)
	if err != nil {
		return err
	}
	if needRecover {
		a.cfg.log().Warn("fragment table damaged, attempting recovery", "archive", a.path)
		if err := a.recoverPass(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *archive) readPass(ctx context.Context) (needRecover bool, err error) {
	var (
		off        int64
		dataOffset int64
		lastFile   string
		firstSeg   = true
	)
	for {
		h, rerr := a.rd.Next(off)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			a.errors.Add(1)
			a.cfg.log().Warn("skipping bad block", "offset", off, "err", rerr)
			next, serr := a.rd.Scan(off)
			if serr != nil {
				break
			}
			off = next
			continue
		}
		next := h.Offset + h.Size

		if isJidac(h) {
			fdate, role, num, _ := parseJidacName(h.Filename)
			switch role {
			case 'c':
				stop, jmp, cerr := a.readTransaction(ctx, h, fdate)
				if cerr != nil {
					a.errors.Add(1)
					a.cfg.log().Warn("bad transaction head", "offset", h.Offset, "err", cerr)
					stop = true
				}
				if stop {
					a.end = h.Offset
					return needRecover, nil
				}
				dataOffset = next
				next += jmp
			case 'h':
				if herr := a.readFragmentTable(ctx, h, num, &dataOffset); herr != nil {
					a.errors.Add(1)
					needRecover = true
					a.cfg.log().Warn("bad fragment table", "offset", h.Offset, "err", herr)
				}
			case 'i':
				gaps, ierr := a.readIndex(ctx, h)
				if ierr != nil {
					a.errors.Add(1)
					a.cfg.log().Warn("bad index block", "offset", h.Offset, "err", ierr)
				}
				needRecover = needRecover || gaps
			case 'd':
				// Data is addressed through fragment locators; nothing to
				// do until a recovery pass needs the redundant trailer.
			}
		} else {
			stop, serr := a.readStreaming(ctx, h, &lastFile, &firstSeg)
			if serr != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("bad streaming block", "offset", h.Offset, "err", serr)
			}
			if stop {
				a.end = h.Offset
				return needRecover, nil
			}
		}
		off = next
	}
	a.end = off
	return needRecover, nil
}

// readTransaction handles a c block: apply the -until cutoff, open a new
// version, and return how many bytes of data blocks to jump over.
func (a *archive) readTransaction(ctx context.Context, h *blockio.Header, fdate Date) (stop bool, jmp int64, err error) {
	if !fdate.Valid() {
		return false, 0, fmt.Errorf("%w: transaction date %d", ErrBadArchive, fdate)
	}
	payload, err := a.rd.Payload(ctx, h)
	if err != nil {
		return false, 0, err
	}
	if len(payload) != 8 {
		return false, 0, fmt.Errorf("%w: transaction head payload is %d bytes", ErrBadArchive, len(payload))
	}
	if a.cfg.until > 0 {
		if a.cfg.untilCount() {
			stop = int64(a.versions()) >= a.cfg.until
		} else {
			stop = int64(fdate) > a.cfg.until
		}
	}
	jmp = int64(binary.LittleEndian.Uint64(payload))
	if !stop && jmp < 0 {
		a.cfg.log().Warn("incomplete transaction ignored", "offset", h.Offset, "date", fdate)
		stop = true
	}
	if stop {
		return true, 0, nil
	}
	a.ver = append(a.ver, version{
		date:          fdate,
		offset:        h.Offset,
		firstFragment: uint32(len(a.ht)),
	})
	return false, jmp, nil
}

// readFragmentTable handles an h block: append HT entries for fragments
// num..num+n-1 and assign their locators from the running data offset.
func (a *archive) readFragmentTable(ctx context.Context, h *blockio.Header, num uint32, dataOffset *int64) error {
	if num == 0 {
		return fmt.Errorf("%w: fragment table numbered 0", ErrBadArchive)
	}
	payload, err := a.rd.Payload(ctx, h)
	if err != nil {
		return err
	}
	if len(payload) < 4 || (len(payload)-4)%24 != 0 {
		return fmt.Errorf("%w: fragment table payload is %d bytes", ErrBadArchive, len(payload))
	}
	bsize := int64(binary.LittleEndian.Uint32(payload))
	n := (len(payload) - 4) / 24
	if uint32(len(a.ht)) != num {
		// IDs must be dense and in order; a gap or repeat means a lost or
		// duplicated table and triggers the recovery pass.
		err = fmt.Errorf("%w: expected fragment %d, found %d", ErrBadArchive, len(a.ht), num)
	}
	s := payload[4:]
	for i := 0; i < n; i++ {
		id := num + uint32(i)
		for uint32(len(a.ht)) <= id {
			a.ht = append(a.ht, fragment{usize: -1, csize: csizeUnassigned})
		}
		fr := &a.ht[id]
		if fr.csize != csizeUnassigned {
			*dataOffset += bsize
			return fmt.Errorf("%w: fragment %d", ErrDuplicateFragmentID, id)
		}
		copy(fr.sha1[:], s[:20])
		fr.usize = int32(binary.LittleEndian.Uint32(s[20:24]))
		if i == 0 {
			fr.csize = *dataOffset
		} else {
			fr.csize = -int64(i)
		}
		s = s[24:]
	}
	*dataOffset += bsize
	return err
}

// readIndex handles an i block: each record appends a version under its
// path. Returns whether any referenced fragment ID lies beyond the table,
// which forces a recovery pass.
func (a *archive) readIndex(ctx context.Context, h *blockio.Header) (gaps bool, err error) {
	payload, err := a.rd.Payload(ctx, h)
	if err != nil {
		return false, err
	}
	cur := &a.ver[len(a.ver)-1]
	s := payload
	for len(s) >= 9 {
		date := Date(binary.LittleEndian.Uint64(s))
		s = s[8:]
		nul := strings.IndexByte(string(s), 0)
		if nul < 0 {
			return gaps, fmt.Errorf("%w: unterminated path in index record", ErrBadArchive)
		}
		path := pathutil.Normalize(string(s[:nul]))
		s = s[nul+1:]

		fe := a.dt[path]
		if fe == nil {
			fe = &fileEntry{}
			a.dt[path] = fe
		}
		fv := fileVersion{date: date, version: len(a.ver) - 1}
		if date == 0 {
			cur.deletes++
			fe.versions = append(fe.versions, fv)
			continue
		}
		cur.updates++
		if len(s) < 4 {
			return gaps, fmt.Errorf("%w: truncated index record", ErrBadArchive)
		}
		na := int(binary.LittleEndian.Uint32(s))
		s = s[4:]
		if na < 0 || na > len(s) {
			return gaps, fmt.Errorf("%w: bad attribute length %d", ErrBadArchive, na)
		}
		fv.attr = attr.Decode(s[:na])
		s = s[na:]
		if len(s) < 4 {
			return gaps, fmt.Errorf("%w: truncated index record", ErrBadArchive)
		}
		ni := int(binary.LittleEndian.Uint32(s))
		s = s[4:]
		if ni < 0 || ni > len(s)/4 {
			return gaps, fmt.Errorf("%w: bad pointer count %d", ErrBadArchive, ni)
		}
		fv.ptr = make([]uint32, ni)
		for i := 0; i < ni; i++ {
			p := binary.LittleEndian.Uint32(s)
			s = s[4:]
			if p == 0 || p >= uint32(len(a.ht))+(1<<24) {
				return gaps, fmt.Errorf("%w: fragment id %d", ErrBadArchive, p)
			}
			for p >= uint32(len(a.ht)) {
				gaps = true
				a.ht = append(a.ht, fragment{usize: -1, csize: csizeUnassigned})
			}
			fv.ptr[i] = p
			if u := a.ht[p].usize; u >= 0 && fv.size >= 0 {
				fv.size += int64(u)
				cur.usize += int64(u)
			} else {
				fv.size = -1
			}
		}
		fe.versions = append(fe.versions, fv)
	}
	return gaps, nil
}

// readStreaming interprets a legacy non-journaling block: the filename
// starts (or a blank filename continues) a logical file, and the comment
// optionally carries "<size> <date> [w|u]<attr>".
func (a *archive) readStreaming(ctx context.Context, h *blockio.Header, lastFile *string, firstSeg *bool) (stop bool, err error) {
	name := pathutil.Normalize(h.Filename)
	newFile := name != "" || *firstSeg
	if name != "" {
		*lastFile = name
	}
	if *lastFile == "" {
		return false, fmt.Errorf("%w: streaming block with no filename", ErrBadArchive)
	}

	// A run of streaming blocks forms one undated version.
	if len(a.ver) == 1 || a.ver[len(a.ver)-1].date != 0 {
		if a.cfg.untilCount() && int64(a.versions()) >= a.cfg.until {
			return true, nil
		}
		a.ver = append(a.ver, version{
			offset:        h.Offset,
			firstFragment: uint32(len(a.ht)),
		})
	}
	cur := &a.ver[len(a.ver)-1]

	usize, fdate, fattr := parseStreamComment(h.Comment)
	if usize < 0 {
		usize = h.USize
	}

	fe := a.dt[*lastFile]
	if fe == nil {
		fe = &fileEntry{}
		a.dt[*lastFile] = fe
	}
	if newFile {
		fe.versions = append(fe.versions, fileVersion{
			date:    fdate,
			attr:    fattr,
			version: len(a.ver) - 1,
		})
		cur.updates++
	}
	if len(fe.versions) == 0 {
		fe.versions = append(fe.versions, fileVersion{version: len(a.ver) - 1})
	}

	id := uint32(len(a.ht))
	fr := fragment{csize: h.Offset, streaming: true}
	if usize >= 0 && usize <= 1<<31-1 {
		fr.usize = int32(usize)
	} else {
		fr.usize = -1
	}
	if sum, ok := h.Sum(); ok {
		fr.sha1 = sum
	}
	a.ht = append(a.ht, fr)

	fv := &fe.versions[len(fe.versions)-1]
	fv.ptr = append(fv.ptr, id)
	if fr.usize >= 0 && fv.size >= 0 {
		fv.size += int64(fr.usize)
		cur.usize += int64(fr.usize)
	} else {
		fv.size = -1
	}
	*firstSeg = false
	return false, nil
}

// parseStreamComment reads "<size> <date> [w|u]<attr>" from a streaming
// segment comment. Missing fields come back as -1, 0 and 0.
func parseStreamComment(s string) (usize int64, date Date, attr int64) {
	usize = -1
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		if usize < 0 {
			usize = 0
		}
		usize = usize*10 + int64(s[i]-'0')
		i++
	}
	var d int64
	for ; i < len(s) && d < int64(minDate); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			d = d*10 + int64(s[i]-'0')
		}
	}
	if Date(d).Valid() {
		date = Date(d)
	}
	for ; i < len(s); i++ {
		if s[i] == 'u' || s[i] == 'w' {
			tag := int64(s[i])
			var v int64
			for i++; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
				v = v*10 + int64(s[i]-'0')
			}
			attr = tag | v<<8
			break
		}
	}
	return usize, date, attr
}

// blockOf resolves a fragment ID to its containing block: the ID of the
// block's first fragment and the block's archive offset.
func (a *archive) blockOf(id uint32) (first uint32, off int64, ok bool) {
	if id == 0 || id >= uint32(len(a.ht)) {
		return 0, 0, false
	}
	c := a.ht[id].csize
	if c == csizeUnassigned {
		return 0, 0, false
	}
	first = id
	if c < 0 {
		if int64(id)+c < 1 {
			return 0, 0, false
		}
		first = id - uint32(-c)
		c = a.ht[first].csize
		if c < 0 || c == csizeUnassigned {
			return 0, 0, false
		}
	}
	return first, c, true
}
