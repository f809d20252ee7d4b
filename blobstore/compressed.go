package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/buildcache/internal/codec"
)

// CompressedStore compresses blobs before handing them to the inner store.
//
// Each stored object carries a small header naming its codec and
// uncompressed length, so objects written with a different codec stay
// readable. The inner store must not hold uncompressed objects.
type CompressedStore struct {
	inner Store
	tag   codec.Tag
}

// NewCompressedStore wraps inner, compressing writes with the named codec
// ("none", "lz4" or "zstd").
func NewCompressedStore(inner Store, name string) (*CompressedStore, error) {
	tag, err := codec.ParseTag(name)
	if err != nil {
		return nil, err
	}
	return &CompressedStore{inner: inner, tag: tag}, nil
}

// Exists passes through to the inner store.
func (s *CompressedStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

// Read returns a stream blob that decompresses the inner blob lazily and
// reports the uncompressed size.
func (s *CompressedStore) Read(ctx context.Context, key string) (ReadableBlob, error) {
	blob, err := s.inner.Read(ctx, key)
	if err != nil {
		return ReadableBlob{}, err
	}

	rc, size, err := codec.NewReader(blob.Reader())
	if err != nil {
		_ = blob.Close()
		return ReadableBlob{}, fmt.Errorf("decoding %s: %w", key, err)
	}
	if size == 0 {
		_ = rc.Close()
		_ = blob.Close()
		return EmptyBlob(), nil
	}

	return StreamBlob(&decodedBlob{ReadCloser: rc, inner: blob}, size), nil
}

// Write compresses data and stores the frame under key.
func (s *CompressedStore) Write(ctx context.Context, key string, data []byte) error {
	frame, err := codec.Encode(s.tag, data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.inner.Write(ctx, key, frame)
}

// decodedBlob closes the decoder and then the blob it reads from.
type decodedBlob struct {
	io.ReadCloser
	inner ReadableBlob
}

func (d *decodedBlob) Close() error {
	return errors.Join(d.ReadCloser.Close(), d.inner.Close())
}
