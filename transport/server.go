package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hupe1980/buildcache/protocol"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("transport: server closed")

const (
	defaultChunkSize      = 32 << 10
	defaultMaxHeaderBytes = 64 << 10
	defaultMaxLineBytes   = 16 << 10
)

// NewHandlerFunc creates the event handler of a new connection. out receives
// the connection's response events.
type NewHandlerFunc func(out protocol.ResponseWriter) protocol.EventHandler

// Config configures a Server.
type Config struct {
	// ReadHeaderTimeout bounds reading the first request head. 0 disables it.
	ReadHeaderTimeout time.Duration
	// IdleTimeout bounds waiting for the next request on a kept-alive
	// connection. Defaults to ReadHeaderTimeout.
	IdleTimeout time.Duration
	// WriteTimeout bounds each response write. 0 disables it.
	WriteTimeout time.Duration
	// MaxHeaderBytes limits a request head. Default: 64KiB.
	MaxHeaderBytes int
	// ChunkSize is the largest body chunk delivered per event. Default: 32KiB.
	ChunkSize int
	// Logger receives connection errors. Default: discard.
	Logger *slog.Logger
}

// Server accepts connections and serves the cache protocol on them.
type Server struct {
	newHandler NewHandlerFunc
	cfg        Config
	logger     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     errgroup.Group
}

// NewServer creates a Server that builds a handler per connection with fn.
func NewServer(fn NewHandlerFunc, cfg Config) *Server {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = cfg.ReadHeaderTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		newHandler: fn,
		cfg:        cfg,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
		listeners:  make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
// It always closes ln. After Shutdown it returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept failed; retrying", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.startConn(ctx, c) {
			_ = c.Close()
			return ErrServerClosed
		}
	}
}

func (s *Server) startConn(ctx context.Context, c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	connCtx, cancel := context.WithCancel(s.baseCtx)
	stop := context.AfterFunc(ctx, cancel)
	s.conns.Go(func() error {
		defer stop()
		defer cancel()
		s.serveConn(connCtx, c)
		return nil
	})
	return true
}

// Shutdown stops all listeners, cancels every connection and waits for the
// connection goroutines to exit or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan error, 1)
	go func() { done <- s.conns.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
	_ = ln.Close()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
