// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// # Usage
//
//	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "build-cache", "team-a/")
//
// # Features
//
//   - Reads stream the object body without buffering
//   - Small blobs use a single PutObject with a CRC32C checksum
//   - Large blobs use the multipart uploader
//   - Configurable prefix for sharing one bucket between caches
package s3
