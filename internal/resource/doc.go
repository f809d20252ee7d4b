// Package resource implements the resource controller that bounds the
// cache server's shared work.
//
// The Controller governs three resources:
//
//   - Workers: storage operations are dispatched onto a bounded pool
//     (weighted semaphore). The pool is injected into the server, never
//     global, so tests can swap in an inline executor.
//   - Upload memory: PUT bodies are buffered in full before they are
//     committed; the expected length is reserved up front (fail-fast).
//   - IO: an optional token bucket throttles bytes written to disk.
//
// # Workers
//
//	rc := resource.NewController(resource.Config{MaxWorkers: 8})
//	err := rc.Go(ctx, func() { /* storage call */ })
//
// # Upload memory
//
//	if err := rc.AcquireMemory(contentLength); err != nil {
//	    // ErrMemoryLimitExceeded - reject the upload
//	}
//	defer rc.ReleaseMemory(contentLength)
//
// # IO rate limiting
//
//	w := resource.NewRateLimitedWriter(ctx, file, rc)
//
// All methods are safe for concurrent use, and all methods accept a nil
// *Controller, in which case they become no-ops (Go still runs fn).
package resource
