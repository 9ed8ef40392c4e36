// Package blockio reads and writes the archive's self-delimiting compressed
// blocks. A block carries a single segment: a filename, a comment, a
// codec-compressed payload, and (outside fragile mode) a trailing SHA-1 of
// the uncompressed payload. Blocks are preceded by a fixed locator tag that
// lets a reader re-find block boundaries after damage; fragile blocks omit
// the tag and the hash and can only be discovered sequentially.
package blockio

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/AlexStz/zpaq/internal/alloc"
	"github.com/AlexStz/zpaq/internal/codec"
)

// Locator tag preceding every non-fragile block.
var locatorTag = []byte{0x37, 0x6B, 0x53, 0x74, 0xA0, 0x31, 0x83, 0xD3}

var magic = []byte{'z', 'P', 'Q', 0x01}

const (
	flagHash = 1 << 0
	flagE8E9 = 1 << 1

	maxNameLen    = 1 << 12
	maxPayload    = int64(1) << 34
	fixedHeadLen  = 4 + 1 + 2 + 2 + 8 + 8 // magic, flags, name len, comment len, usize, csize
	sha1Size      = 20
	scanChunkSize = 1 << 20
)

// ErrBadBlock reports a malformed or unrecognized block header.
var ErrBadBlock = errors.New("blockio: bad block")

// ErrChecksum reports a payload whose SHA-1 trailer does not match.
var ErrChecksum = errors.New("blockio: checksum mismatch")

// Header describes one block as laid out in the archive.
type Header struct {
	Offset   int64 // where the block (its locator tag, if any) begins
	Filename string
	Comment  string
	Codec    codec.ID
	E8E9     bool
	HasHash  bool
	USize    int64 // uncompressed payload length
	CSize    int64 // compressed payload length
	Size     int64 // total on-disk length of the block

	payloadOff int64
	sum        [sha1Size]byte
}

// Sum returns the block's SHA-1 trailer, when one was written.
func (h *Header) Sum() ([sha1Size]byte, bool) {
	return h.sum, h.HasHash
}

// Reader parses blocks out of an archive laid out as an io.ReaderAt.
type Reader struct {
	src  io.ReaderAt
	size int64
}

// NewReader returns a Reader over src, which holds size archive bytes.
func NewReader(src io.ReaderAt, size int64) *Reader {
	return &Reader{src: src, size: size}
}

// Size returns the archive length in bytes.
func (r *Reader) Size() int64 { return r.size }

// Next parses the block header at off. It returns io.EOF at the end of the
// archive and ErrBadBlock (wrapped) when off does not hold a block.
func (r *Reader) Next(off int64) (*Header, error) {
	if off >= r.size {
		return nil, io.EOF
	}
	h := &Header{Offset: off}
	head := make([]byte, len(locatorTag)+fixedHeadLen)
	n, err := r.src.ReadAt(head, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read block header at %d: %w", off, err)
	}
	head = head[:n]
	pos := off
	if bytes.HasPrefix(head, locatorTag) {
		head = head[len(locatorTag):]
		pos += int64(len(locatorTag))
	} else if !bytes.HasPrefix(head, magic) {
		return nil, fmt.Errorf("%w: no block at offset %d", ErrBadBlock, off)
	}
	if len(head) < fixedHeadLen || !bytes.HasPrefix(head, magic) {
		return nil, fmt.Errorf("%w: truncated header at offset %d", ErrBadBlock, off)
	}
	flags := head[4]
	h.HasHash = flags&flagHash != 0
	h.E8E9 = flags&flagE8E9 != 0
	h.Codec = codec.ID(flags >> 4)
	if !h.Codec.Valid() {
		return nil, fmt.Errorf("%w: unknown codec %d at offset %d", ErrBadBlock, h.Codec, off)
	}
	nameLen := int(binary.LittleEndian.Uint16(head[5:]))
	commentLen := int(binary.LittleEndian.Uint16(head[7:]))
	h.USize = int64(binary.LittleEndian.Uint64(head[9:]))
	h.CSize = int64(binary.LittleEndian.Uint64(head[17:]))
	if nameLen > maxNameLen || commentLen > maxNameLen ||
		h.USize < 0 || h.USize > maxPayload || h.CSize < 0 || h.CSize > maxPayload {
		return nil, fmt.Errorf("%w: implausible header at offset %d", ErrBadBlock, off)
	}
	pos += int64(fixedHeadLen)

	names := make([]byte, nameLen+commentLen)
	if _, err := r.src.ReadAt(names, pos); err != nil {
		return nil, fmt.Errorf("%w: truncated names at offset %d", ErrBadBlock, off)
	}
	h.Filename = string(names[:nameLen])
	h.Comment = string(names[nameLen:])
	pos += int64(len(names))

	h.payloadOff = pos
	pos += h.CSize
	if h.HasHash {
		if _, err := r.src.ReadAt(h.sum[:], pos); err != nil {
			return nil, fmt.Errorf("%w: truncated hash at offset %d", ErrBadBlock, off)
		}
		pos += sha1Size
	}
	if pos > r.size {
		return nil, fmt.Errorf("%w: block at offset %d overruns archive", ErrBadBlock, off)
	}
	h.Size = pos - off
	return h, nil
}

// Scan searches for the next locator tag strictly after off. It returns the
// tag's offset, or io.EOF when no further tag exists. Fragile blocks carry
// no tag and cannot be found this way.
func (r *Reader) Scan(off int64) (int64, error) {
	start := off + 1
	buf := make([]byte, scanChunkSize+len(locatorTag)-1)
	for start < r.size {
		n, err := r.src.ReadAt(buf, start)
		if n > 0 {
			if i := bytes.Index(buf[:n], locatorTag); i >= 0 {
				return start + int64(i), nil
			}
			start += int64(n) - int64(len(locatorTag)) + 1
		}
		if err != nil {
			break
		}
	}
	return 0, io.EOF
}

// Payload decompresses the whole block, verifies its SHA-1 trailer when
// present, and undoes the E8E9 transform.
func (r *Reader) Payload(ctx context.Context, h *Header) ([]byte, error) {
	return r.PayloadPrefix(ctx, h, h.USize)
}

// PayloadPrefix decompresses only the first n uncompressed bytes of the
// block. Blocks written with the E8E9 transform are decompressed fully and
// truncated, since the transform is positional. The hash trailer is only
// checked when the whole payload is produced.
func (r *Reader) PayloadPrefix(ctx context.Context, h *Header, n int64) ([]byte, error) {
	if n > h.USize {
		return nil, fmt.Errorf("%w: prefix %d exceeds block size %d", ErrBadBlock, n, h.USize)
	}
	want := n
	if h.E8E9 {
		want = h.USize
	}
	out, err := alloc.Bytes(ctx, int(want))
	if err != nil {
		return nil, err
	}
	src := io.NewSectionReader(r.src, h.payloadOff, h.CSize)
	dec, err := codec.NewDecoder(h.Codec, src)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	if _, err := io.ReadFull(dec, out); err != nil {
		return nil, fmt.Errorf("decompress block at %d: %w", h.Offset, err)
	}
	full := want == h.USize
	if full {
		// The payload must end exactly here.
		var tail [1]byte
		if m, _ := dec.Read(tail[:]); m != 0 {
			return nil, fmt.Errorf("%w: block at %d longer than advertised", ErrBadBlock, h.Offset)
		}
	}
	if h.E8E9 {
		codec.E8E9Inverse(out)
	}
	if full && h.HasHash {
		if sha1.Sum(out) != h.sum {
			return nil, fmt.Errorf("%w: block at %d", ErrChecksum, h.Offset)
		}
	}
	return out[:n], nil
}

// EncodeBlock frames filename, comment and payload as one block, compressed
// per the profile. Fragile blocks omit the locator tag and hash trailer.
func EncodeBlock(filename, comment string, payload []byte, prof codec.Profile, fragile bool) ([]byte, error) {
	if len(filename) > maxNameLen || len(comment) > maxNameLen {
		return nil, fmt.Errorf("%w: name too long", ErrBadBlock)
	}
	compressed, err := codec.Compress(prof, payload)
	if err != nil {
		return nil, err
	}
	size := fixedHeadLen + len(filename) + len(comment) + len(compressed)
	if !fragile {
		size += len(locatorTag) + sha1Size
	}
	out := make([]byte, 0, size)
	if !fragile {
		out = append(out, locatorTag...)
	}
	out = append(out, magic...)
	flags := byte(prof.ID) << 4
	if prof.E8E9 {
		flags |= flagE8E9
	}
	if !fragile {
		flags |= flagHash
	}
	out = append(out, flags)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(filename)))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(comment)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(payload)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(compressed)))
	out = append(out, filename...)
	out = append(out, comment...)
	out = append(out, compressed...)
	if !fragile {
		sum := sha1.Sum(payload)
		out = append(out, sum[:]...)
	}
	return out, nil
}
