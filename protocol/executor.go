package protocol

import (
	"context"
	"time"
)

// Executor runs storage operations off the connection goroutine.
// *resource.Controller implements it with a bounded worker pool.
type Executor interface {
	// Go schedules fn. It returns an error without running fn if ctx is
	// done before fn could be scheduled.
	Go(ctx context.Context, fn func()) error
}

// InlineExecutor runs fn on the calling goroutine. Tests use it for
// deterministic single-threaded execution.
type InlineExecutor struct{}

// Go runs fn immediately.
func (InlineExecutor) Go(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

// GoExecutor runs every fn on a new goroutine without bounds.
type GoExecutor struct{}

// Go starts fn on a new goroutine.
func (GoExecutor) Go(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	go fn()
	return nil
}

// MemoryBudget accounts for buffered upload bodies.
// *resource.Controller implements it.
type MemoryBudget interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Metrics receives per-request measurements.
type Metrics interface {
	// RecordRead is called after each GET storage lookup. err is
	// blobstore.ErrNotFound for misses.
	RecordRead(duration time.Duration, size int64, err error)
	// RecordWrite is called after each PUT commit.
	RecordWrite(duration time.Duration, size int64, err error)
	// RecordRejected is called for requests answered without touching
	// storage (unsupported method, upload budget exceeded).
	RecordRejected(method string)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordRead(time.Duration, int64, error)  {}
func (NoopMetrics) RecordWrite(time.Duration, int64, error) {}
func (NoopMetrics) RecordRejected(string)                   {}

// dispatch runs op on exec and waits for its result or ctx. When ctx wins,
// the result is drained in the background and handed to discard so that
// any resource it carries is released.
func dispatch[T any](ctx context.Context, exec Executor, op func(context.Context) T, discard func(T)) (T, error) {
	var zero T

	done := make(chan T, 1)
	if err := exec.Go(ctx, func() { done <- op(ctx) }); err != nil {
		return zero, err
	}

	select {
	case res := <-done:
		return res, nil
	default:
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		go func() { discard(<-done) }()
		return zero, ctx.Err()
	}
}
