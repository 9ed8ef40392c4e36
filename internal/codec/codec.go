// Package codec adapts the archive's compression profiles onto concrete
// compressors. Callers hand it whole block payloads; the profile decides
// between storing, LZ4 frames, and zstd at increasing levels, with an
// optional E8E9 transform for x86 content.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ID identifies a compression algorithm for one block.
type ID uint8

const (
	Store ID = iota
	LZ4
	ZstdFastest
	ZstdDefault
	ZstdBetter
	ZstdBest

	maxID = ZstdBest
)

func (id ID) String() string {
	switch id {
	case Store:
		return "store"
	case LZ4:
		return "lz4"
	case ZstdFastest:
		return "zstd-fastest"
	case ZstdDefault:
		return "zstd-default"
	case ZstdBetter:
		return "zstd-better"
	case ZstdBest:
		return "zstd-best"
	default:
		return "unknown"
	}
}

// Valid reports whether id names a known algorithm.
func (id ID) Valid() bool { return id <= maxID }

// Profile selects how one block is encoded.
type Profile struct {
	ID   ID
	E8E9 bool
}

var (
	encMu    sync.Mutex
	encoders = map[zstd.EncoderLevel]*zstd.Encoder{}
)

func zstdEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	encoders[level] = enc
	return enc, nil
}

func zstdLevel(id ID) zstd.EncoderLevel {
	switch id {
	case ZstdFastest:
		return zstd.SpeedFastest
	case ZstdBetter:
		return zstd.SpeedBetterCompression
	case ZstdBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// Compress encodes src according to the profile. The E8E9 transform, when
// requested, is applied to a copy; src is never modified.
func Compress(p Profile, src []byte) ([]byte, error) {
	if p.E8E9 {
		tmp := make([]byte, len(src))
		copy(tmp, src)
		e8e9Forward(tmp)
		src = tmp
	}
	switch p.ID {
	case Store:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, err
		}
		if _, err := zw.Write(src); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	case ZstdFastest, ZstdDefault, ZstdBetter, ZstdBest:
		enc, err := zstdEncoder(zstdLevel(p.ID))
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, make([]byte, 0, len(src)/2+64)), nil
	default:
		return nil, fmt.Errorf("codec: unknown algorithm %d", p.ID)
	}
}

// nopCloser wraps a reader that needs no teardown.
type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct{ dec *zstd.Decoder }

func (z zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }
func (z zstdReadCloser) Close() error               { z.dec.Close(); return nil }

// NewDecoder returns a streaming decoder for payloads written with id.
// Callers that stop early must still Close.
func NewDecoder(id ID, r io.Reader) (io.ReadCloser, error) {
	switch id {
	case Store:
		return nopCloser{r}, nil
	case LZ4:
		return nopCloser{lz4.NewReader(r)}, nil
	case ZstdFastest, ZstdDefault, ZstdBetter, ZstdBest:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	default:
		return nil, fmt.Errorf("codec: unknown algorithm %d", id)
	}
}

// ErrBadMethod reports an unparseable method string.
var ErrBadMethod = errors.New("codec: bad method")

// Method is a parsed -method argument: a compression level 0..6 plus the
// streaming-mode flag ('s' prefix). The 'x' prefix selects a level the same
// way but is accepted for compatibility.
type Method struct {
	Level     int
	Streaming bool
}

// ParseMethod parses "0".."6", "xN" and "sN" method strings.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return Method{}, ErrBadMethod
	}
	m := Method{}
	switch s[0] {
	case 's':
		m.Streaming = true
		s = s[1:]
	case 'x':
		s = s[1:]
	}
	if s == "" {
		m.Level = 1
		return m, nil
	}
	if len(s) != 1 || s[0] < '0' || s[0] > '6' {
		return Method{}, fmt.Errorf("%w: %q", ErrBadMethod, s)
	}
	m.Level = int(s[0] - '0')
	return m, nil
}

// ProfileFor maps a method level and a block's content tag to a profile.
// The tag layout follows the classifier: bits 2.. carry the redundancy
// estimate per 256 bytes, bit 1 flags x86 content, bit 0 flags text.
func ProfileFor(m Method, tag int) Profile {
	exe := tag&2 != 0
	redundancy := tag >> 2
	var id ID
	switch m.Level {
	case 0:
		id = Store
	case 1:
		id = LZ4
	case 2:
		id = ZstdFastest
	case 3:
		id = ZstdDefault
	case 4:
		id = ZstdBetter
	default:
		id = ZstdBest
	}
	// Incompressible blocks are stored: the classifier saw almost no
	// redundancy, so the codec would only burn CPU.
	if m.Level >= 1 && redundancy == 0 {
		id = Store
	}
	return Profile{ID: id, E8E9: exe && m.Level >= 1 && id != Store}
}

// MetadataProfile is used for fragment-table and index blocks. Transaction
// heads do not use it; they are always stored uncompressed.
func MetadataProfile(level int) Profile {
	if level == 0 {
		return Profile{ID: Store}
	}
	return Profile{ID: ZstdDefault}
}
