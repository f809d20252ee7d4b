// Package buildcache provides a remote build-artifact cache server.
//
// Build tools store outputs under URI-shaped keys with PUT and fetch them
// with GET. Blobs are opaque and immutable once written; a later PUT of the
// same key replaces the earlier one atomically.
//
// # Quick Start
//
// In-memory cache:
//
//	srv := buildcache.NewServer()
//	err := srv.ListenAndServe(ctx, "127.0.0.1:9000")
//
// Filesystem cache with an access log:
//
//	store, _ := blobstore.NewLocalStore("/var/cache/build")
//	srv := buildcache.NewServer(
//	    buildcache.WithStore(store),
//	    buildcache.WithVerbose(true),
//	    buildcache.WithLogger(buildcache.NewTextLogger(slog.LevelInfo)),
//	)
//
// From a configuration file:
//
//	cfg, _ := buildcache.LoadConfig("buildcache.yaml")
//	srv, _ := cfg.Open(ctx, cfg.NewLogger())
//	err := srv.ListenAndServe(ctx, cfg.Addr())
//
// # Protocol
//
//	GET /key   200 with the blob, 404 if absent, 500 on storage errors
//	PUT /key   200 once stored, 500 on storage errors
//	other      405
//
// Bodies are framed by Content-Length; connections are kept alive between
// requests. The filesystem backend lays blobs out below <root>/ac and
// <root>/cas, so keys normally start with one of those prefixes.
//
// # Backends
//
// memory, filesystem, s3 (package blobstore/s3) and minio (package
// blobstore/minio). Any backend can be wrapped with lz4 or zstd compression
// and an in-memory read cache; see StorageConfig.
package buildcache
