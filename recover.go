package zpaq

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"

	"github.com/AlexStz/zpaq/internal/blockio"
)

// recoverPass re-scans the archive after a damaged fragment-table read. For
// each data block whose first fragment is still unassigned, the block's
// redundant trailer (sizes, first ID, count) is adopted and the payload is
// re-hashed to restore the 20-byte content hashes. Blocks written in
// fragile mode carry no trailer and are refused rather than guessed at.
func (a *archive) recoverPass(ctx context.Context) error {
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
		if h.Offset >= a.end || !isJidac(h) {
			continue
		}
		_, role, num, _ := parseJidacName(h.Filename)
		if role != 'd' || num == 0 || num >= uint32(len(a.ht)) {
			continue
		}
		if a.ht[num].csize == csizeUnassigned {
			if err := a.recoverBlock(ctx, h, num); err != nil {
				a.errors.Add(1)
				a.cfg.log().Warn("cannot recover data block", "offset", h.Offset, "first", num, "err", err)
			}
		}
		// Correct an offset the h pass got wrong.
		if c := a.ht[num].csize; c >= 0 && c != h.Offset {
			a.cfg.log().Warn("correcting block offset", "first", num, "from", c, "to", h.Offset)
			a.ht[num].csize = h.Offset
		}
	}
	a.recomputeSizes()
	return nil
}

func (a *archive) recoverBlock(ctx context.Context, h *blockio.Header, num uint32) error {
	payload, err := a.rd.Payload(ctx, h)
	if err != nil {
		return err
	}
	if len(payload) < 8 {
		return ErrBadArchive
	}
	tail := payload[len(payload)-8:]
	first := binary.LittleEndian.Uint32(tail)
	count := binary.LittleEndian.Uint32(tail[4:])
	if first == 0 && count == 0 {
		return ErrFragile
	}
	if first != num || count == 0 || int(count)*4+8 > len(payload) {
		return ErrBadArchive
	}

	sizes := payload[len(payload)-8-int(count)*4:]
	var sum int64
	usizes := make([]uint32, count)
	for i := range usizes {
		usizes[i] = binary.LittleEndian.Uint32(sizes[i*4:])
		sum += int64(usizes[i])
	}
	if sum+int64(count)*4+8 != int64(len(payload)) {
		return ErrSizeMismatch
	}

	a.cfg.log().Warn("recovering fragments", "first", num, "count", count, "offset", h.Offset)
	for uint32(len(a.ht)) <= num+count {
		a.ht = append(a.ht, fragment{usize: -1, csize: csizeUnassigned})
	}
	p := payload
	for i := uint32(0); i < count; i++ {
		fr := &a.ht[num+i]
		fr.usize = int32(usizes[i])
		if i == 0 {
			fr.csize = h.Offset
		} else {
			fr.csize = -int64(i)
		}
		fr.sha1 = sha1.Sum(p[:usizes[i]])
		p = p[usizes[i]:]
	}
	return nil
}

// recomputeSizes rebuilds per-version file sizes after recovery changed
// fragment sizes.
func (a *archive) recomputeSizes() {
	for _, fe := range a.dt {
		for i := range fe.versions {
			fv := &fe.versions[i]
			if fv.date == 0 {
				continue
			}
			fv.size = 0
			for _, p := range fv.ptr {
				if p > 0 && p < uint32(len(a.ht)) && a.ht[p].usize >= 0 {
					fv.size += int64(a.ht[p].usize)
				}
			}
		}
	}
}
