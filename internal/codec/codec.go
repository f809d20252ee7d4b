// Package codec implements the streaming compression frames used by
// blobstore.CompressedStore.
//
// A frame is a one-byte Tag, the uncompressed length as a uvarint, and
// the payload encoded with the tagged algorithm. Recording the length up
// front lets readers report a blob's size without decompressing it.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrUnknownCodec is returned for tags or names that do not identify a codec.
	ErrUnknownCodec = errors.New("codec: unknown codec")
	// ErrCorruptFrame is returned when a frame header cannot be parsed.
	ErrCorruptFrame = errors.New("codec: corrupt frame")
)

// Tag identifies the compression algorithm of a frame. Tags are persisted;
// changing the values breaks existing caches.
type Tag uint8

const (
	// None stores the payload as is.
	None Tag = 0
	// LZ4 is fast frame compression, a good default for mixed binaries.
	LZ4 Tag = 1
	// Zstd trades CPU for ratio.
	Zstd Tag = 2
)

// String returns the configuration name of the tag.
func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseTag parses a configuration name ("none", "lz4", "zstd").
// The empty string means None.
func ParseTag(name string) (Tag, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

var zstdEncoderPool sync.Pool

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

// Encode returns data wrapped in a frame compressed with tag.
func Encode(tag Tag, data []byte) ([]byte, error) {
	var hdr [1 + binary.MaxVarintLen64]byte
	hdr[0] = byte(tag)
	n := 1 + binary.PutUvarint(hdr[1:], uint64(len(data)))

	if len(data) == 0 && tag <= Zstd {
		return append([]byte(nil), hdr[:n]...), nil
	}

	switch tag {
	case None:
		out := make([]byte, 0, n+len(data))
		out = append(out, hdr[:n]...)
		return append(out, data...), nil
	case Zstd:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		defer putZstdEncoder(enc)
		out := make([]byte, 0, n+len(data)/2)
		out = append(out, hdr[:n]...)
		return enc.EncodeAll(data, out), nil
	case LZ4:
		var buf bytes.Buffer
		buf.Grow(n + len(data)/2)
		buf.Write(hdr[:n])
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, tag)
	}
}

// NewReader parses the frame header from r and returns a reader of the
// decompressed payload together with its length. Closing the returned
// reader releases decoder state; it does not close r.
func NewReader(r io.Reader) (io.ReadCloser, int64, error) {
	br := bufio.NewReader(r)

	b, err := br.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorruptFrame, err)
	}
	if size > math.MaxInt64 {
		return nil, 0, fmt.Errorf("%w: length %d out of range", ErrCorruptFrame, size)
	}

	tag := Tag(b)
	if tag > Zstd {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownCodec, tag)
	}
	if size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), 0, nil
	}

	switch tag {
	case None:
		return io.NopCloser(io.LimitReader(br, int64(size))), int64(size), nil
	case Zstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, 0, err
		}
		return dec.IOReadCloser(), int64(size), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(br)), int64(size), nil
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownCodec, tag)
	}
}
