package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrInvalidKey is returned when a key cannot be mapped onto the backend,
// e.g. a key that would escape the filesystem root.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is the storage capability driven by the cache protocol.
//
// Keys are opaque path-like strings. A Write replaces any previous blob
// under the same key (last write wins) and is atomic with respect to
// concurrent readers: Read returns either the prior or the new blob in
// full, never a partial one. Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether a blob is committed under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Read returns the committed blob under key or ErrNotFound.
	// The caller owns the returned blob and must Close it.
	Read(ctx context.Context, key string) (ReadableBlob, error)
	// Write commits data under key.
	Write(ctx context.Context, key string, data []byte) error
}

// Kind tags the variant held by a ReadableBlob.
type Kind uint8

const (
	// KindEmpty holds no data.
	KindEmpty Kind = iota
	// KindBytes holds an in-memory byte slice.
	KindBytes
	// KindFile holds an open file handle and a byte range within it.
	KindFile
	// KindStream holds a reader of known length (remote or decoded data).
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindBytes:
		return "bytes"
	case KindFile:
		return "file"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// FileHandle is the part of an open file a ReadableBlob needs.
type FileHandle interface {
	io.ReaderAt
	io.Closer
}

// ReadableBlob is the materialized result of a successful Read.
//
// It is a tagged variant: an owned byte buffer, an open file plus range,
// a stream of known length, or nothing. Storage backends build it; the
// transport decides how to put it on the wire. Blobs holding a handle
// (KindFile, KindStream) must be closed exactly once by their owner.
type ReadableBlob struct {
	kind   Kind
	data   []byte
	file   FileHandle
	off    int64
	stream io.ReadCloser
	size   int64
}

// EmptyBlob returns a blob without data.
func EmptyBlob() ReadableBlob {
	return ReadableBlob{kind: KindEmpty}
}

// BytesBlob wraps an in-memory buffer. The buffer must not be mutated
// while the blob is in use.
func BytesBlob(b []byte) ReadableBlob {
	return ReadableBlob{kind: KindBytes, data: b, size: int64(len(b))}
}

// FileBlob wraps n bytes of f starting at off. The blob takes ownership of f.
func FileBlob(f FileHandle, off, n int64) ReadableBlob {
	return ReadableBlob{kind: KindFile, file: f, off: off, size: n}
}

// StreamBlob wraps a reader that yields exactly n bytes. The blob takes
// ownership of rc.
func StreamBlob(rc io.ReadCloser, n int64) ReadableBlob {
	return ReadableBlob{kind: KindStream, stream: rc, size: n}
}

// Kind returns the variant tag.
func (b ReadableBlob) Kind() Kind { return b.kind }

// Size returns the readable byte count.
func (b ReadableBlob) Size() int64 { return b.size }

// Bytes returns the buffer of a KindBytes blob and nil otherwise.
func (b ReadableBlob) Bytes() []byte {
	if b.kind != KindBytes {
		return nil
	}
	return b.data
}

// Reader returns a reader over the blob's bytes, bounded to Size.
func (b ReadableBlob) Reader() io.Reader {
	switch b.kind {
	case KindBytes:
		return bytesReader(b.data)
	case KindFile:
		return io.NewSectionReader(b.file, b.off, b.size)
	case KindStream:
		return io.LimitReader(b.stream, b.size)
	default:
		return eofReader{}
	}
}

// Closer returns the resource held by the blob, or nil when the blob holds
// none. Closing it releases the underlying handle.
func (b ReadableBlob) Closer() io.Closer {
	switch b.kind {
	case KindFile:
		return b.file
	case KindStream:
		return b.stream
	default:
		return nil
	}
}

// Close releases the underlying handle, if any.
func (b ReadableBlob) Close() error {
	if c := b.Closer(); c != nil {
		return c.Close()
	}
	return nil
}

// ReadAll consumes b and closes it.
func ReadAll(b ReadableBlob) ([]byte, error) {
	if b.kind == KindBytes {
		return b.data, nil
	}
	defer b.Close()

	buf := make([]byte, b.size)
	if _, err := io.ReadFull(b.Reader(), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type sliceReader struct {
	data []byte
	off  int
}

func bytesReader(b []byte) io.Reader { return &sliceReader{data: b} }

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	return n, nil
}

// WriteTo lets io.Copy hand the buffer to the destination in one call.
func (r *sliceReader) WriteTo(w io.Writer) (int64, error) {
	if r.off >= len(r.data) {
		return 0, nil
	}
	n, err := w.Write(r.data[r.off:])
	r.off += n
	return int64(n), err
}

// ObjectKey maps key onto an object name below prefix for object-store
// backends. Keys that are empty or climb above the prefix are rejected.
func ObjectKey(prefix, key string) (string, error) {
	rel := path.Clean(strings.TrimLeft(key, "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path.Join(prefix, rel), nil
}
