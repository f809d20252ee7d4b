// Package blobstore provides the storage abstraction behind the build cache.
//
// Store is the interface the protocol handler drives. Keys are opaque
// path-like strings taken verbatim from the request target; values are
// immutable blobs with last-write-wins semantics.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, used when no storage path is configured
//   - LocalStore: local filesystem with atomic temp-file-and-rename writes
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible servers
//
// # Wrappers
//
//   - CachingStore: LRU of small blobs in front of a remote backend
//   - CompressedStore: zstd or lz4 compression of stored objects
//
// # Readable Blobs
//
// A successful Read yields a ReadableBlob, a tagged variant over an owned
// byte buffer, an open file with a byte range, a stream of known length, or
// nothing. Blobs that hold a file or stream must be closed exactly once:
//
//	blob, err := store.Read(ctx, "/cas/0123abcd")
//	if err != nil {
//	    return err
//	}
//	defer blob.Close()
//	_, err = io.Copy(w, blob.Reader())
package blobstore
