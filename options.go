package buildcache

import (
	"time"

	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/internal/resource"
	"github.com/hupe1980/buildcache/protocol"
)

// ResourceLimits bounds the shared server resources.
type ResourceLimits struct {
	// MaxWorkers is the number of storage operations running at once.
	// If 0, defaults to runtime.GOMAXPROCS(0).
	MaxWorkers int
	// MaxUploadMemoryBytes bounds the memory buffered for in-flight PUT
	// bodies. Uploads beyond it are answered with 500. 0 means unlimited.
	MaxUploadMemoryBytes int64
	// IOBytesPerSec limits filesystem write throughput. 0 means unlimited.
	IOBytesPerSec int64
}

func (l ResourceLimits) controller() *resource.Controller {
	return resource.NewController(resource.Config{
		MaxWorkers:         int64(l.MaxWorkers),
		MemoryLimitBytes:   l.MaxUploadMemoryBytes,
		IOLimitBytesPerSec: l.IOBytesPerSec,
	})
}

type options struct {
	store             blobstore.Store
	backend           string
	logger            *Logger
	metricsCollector  MetricsCollector
	verbose           bool
	executor          protocol.Executor
	limits            ResourceLimits
	rc                *resource.Controller
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	writeTimeout      time.Duration
	maxHeaderBytes    int
}

func defaultOptions() options {
	return options{
		logger:            NoopLogger(),
		metricsCollector:  NoopMetricsCollector{},
		readHeaderTimeout: 30 * time.Second,
		idleTimeout:       2 * time.Minute,
	}
}

// Option configures a Server.
type Option func(*options)

// WithStore sets the storage backend. Default: an in-memory store.
func WithStore(store blobstore.Store) Option {
	return func(o *options) {
		o.store = store
		o.backend = ""
	}
}

// WithLogger sets the logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetrics sets the metrics collector. If nil is passed, metrics are
// discarded.
func WithMetrics(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metricsCollector = m
	}
}

// WithVerbose enables the per-request access log.
func WithVerbose(verbose bool) Option {
	return func(o *options) {
		o.verbose = verbose
	}
}

// WithExecutor runs storage operations on exec instead of the server's
// bounded worker pool.
func WithExecutor(exec protocol.Executor) Option {
	return func(o *options) {
		o.executor = exec
	}
}

// WithResourceLimits sets the worker pool size, the upload memory budget and
// the filesystem write rate.
func WithResourceLimits(l ResourceLimits) Option {
	return func(o *options) {
		o.limits = l
		o.rc = nil
	}
}

// withResourceController shares rc with a store opened from the same Config.
func withResourceController(rc *resource.Controller, backend string) Option {
	return func(o *options) {
		o.rc = rc
		o.backend = backend
	}
}

// WithReadHeaderTimeout bounds reading the first request head of a
// connection. 0 disables the timeout. Default: 30s.
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readHeaderTimeout = d
	}
}

// WithIdleTimeout bounds waiting for the next request on a kept-alive
// connection. Default: 2m.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithWriteTimeout bounds each response write. 0 disables the timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithMaxHeaderBytes limits the size of a request head. Default: 64KiB.
func WithMaxHeaderBytes(n int) Option {
	return func(o *options) {
		o.maxHeaderBytes = n
	}
}
