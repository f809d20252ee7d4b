package minio

import (
	"bytes"
	"context"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/minio/minio-go/v7"
)

const contentType = "application/octet-stream"

// Store implements blobstore.Store for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO blob store.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "team-a/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) (string, error) {
	return blobstore.ObjectKey(s.prefix, name)
}

// Exists stats the object backing name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, err
	}

	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read opens the object and returns a stream blob owning it.
func (s *Store) Read(ctx context.Context, name string) (blobstore.ReadableBlob, error) {
	key, err := s.key(name)
	if err != nil {
		return blobstore.ReadableBlob{}, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return blobstore.ReadableBlob{}, blobstore.ErrNotFound
		}
		return blobstore.ReadableBlob{}, err
	}

	// GetObject is lazy; Stat issues the request and surfaces missing keys.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return blobstore.ReadableBlob{}, blobstore.ErrNotFound
		}
		return blobstore.ReadableBlob{}, err
	}

	if info.Size == 0 {
		_ = obj.Close()
		return blobstore.EmptyBlob(), nil
	}
	return blobstore.StreamBlob(obj, info.Size), nil
}

// Write uploads data under name. MinIO switches to multipart uploads on its own
// for large objects.
func (s *Store) Write(ctx context.Context, name string, data []byte) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}
