package buildcache

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/protocol"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems.
// PrometheusCollector is the bundled Prometheus integration.
type MetricsCollector interface {
	// RecordRead is called after each GET storage lookup.
	// size is the blob size on success; err is ErrNotFound for misses.
	RecordRead(duration time.Duration, size int64, err error)

	// RecordWrite is called after each PUT commit.
	// size is the body length, err is nil if successful.
	RecordWrite(duration time.Duration, size int64, err error)

	// RecordRejected is called for requests answered without touching
	// storage.
	RecordRejected(method string)
}

var _ protocol.Metrics = MetricsCollector(nil)

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(time.Duration, int64, error)  {}
func (NoopMetricsCollector) RecordWrite(time.Duration, int64, error) {}
func (NoopMetricsCollector) RecordRejected(string)                   {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount      atomic.Int64
	ReadHits       atomic.Int64
	ReadMisses     atomic.Int64
	ReadErrors     atomic.Int64
	ReadBytes      atomic.Int64
	ReadTotalNanos atomic.Int64

	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteBytes      atomic.Int64
	WriteTotalNanos atomic.Int64

	RejectedCount atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(duration time.Duration, size int64, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	switch {
	case err == nil:
		b.ReadHits.Add(1)
		b.ReadBytes.Add(size)
	case errors.Is(err, blobstore.ErrNotFound):
		b.ReadMisses.Add(1)
	default:
		b.ReadErrors.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(duration time.Duration, size int64, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteBytes.Add(size)
}

// RecordRejected implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRejected(string) {
	b.RejectedCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadCount:     b.ReadCount.Load(),
		ReadHits:      b.ReadHits.Load(),
		ReadMisses:    b.ReadMisses.Load(),
		ReadErrors:    b.ReadErrors.Load(),
		ReadBytes:     b.ReadBytes.Load(),
		ReadAvgNanos:  avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		WriteCount:    b.WriteCount.Load(),
		WriteErrors:   b.WriteErrors.Load(),
		WriteBytes:    b.WriteBytes.Load(),
		WriteAvgNanos: avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		RejectedCount: b.RejectedCount.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadCount     int64
	ReadHits      int64
	ReadMisses    int64
	ReadErrors    int64
	ReadBytes     int64
	ReadAvgNanos  int64
	WriteCount    int64
	WriteErrors   int64
	WriteBytes    int64
	WriteAvgNanos int64
	RejectedCount int64
}
