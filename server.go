package buildcache

import (
	"context"
	"fmt"
	"net"

	"github.com/hupe1980/buildcache/accesslog"
	"github.com/hupe1980/buildcache/blobstore"
	"github.com/hupe1980/buildcache/protocol"
	"github.com/hupe1980/buildcache/transport"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = transport.ErrServerClosed

// Server is a remote build cache server.
//
// Each connection gets its own protocol handler; storage operations run on a
// bounded worker pool shared by all connections.
type Server struct {
	store   blobstore.Store
	backend string
	logger  *Logger
	srv     *transport.Server
}

// NewServer creates a Server.
//
// Example:
//
//	store, err := blobstore.NewLocalStore("/var/cache/build")
//	if err != nil {
//	    return err
//	}
//	srv := buildcache.NewServer(
//	    buildcache.WithStore(store),
//	    buildcache.WithVerbose(true),
//	)
//	err = srv.ListenAndServe(ctx, "127.0.0.1:9000")
func NewServer(optFns ...Option) *Server {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	if o.store == nil {
		o.store = blobstore.NewMemoryStore()
		o.backend = BackendMemory
	}
	if o.backend == "" {
		o.backend = fmt.Sprintf("%T", o.store)
	}
	if o.rc == nil {
		o.rc = o.limits.controller()
	}

	var exec protocol.Executor = o.rc
	if o.executor != nil {
		exec = o.executor
	}

	s := &Server{
		store:   o.store,
		backend: o.backend,
		logger:  o.logger,
	}

	handlerLogger := o.logger.WithComponent("protocol").Logger
	handlerOpts := []protocol.Option{
		protocol.WithExecutor(exec),
		protocol.WithMetrics(o.metricsCollector),
		protocol.WithMemoryBudget(o.rc),
		protocol.WithLogger(handlerLogger),
	}
	accessLogger := o.logger.WithComponent("access").Logger
	verbose := o.verbose

	newHandler := func(out protocol.ResponseWriter) protocol.EventHandler {
		if !verbose {
			return protocol.NewHandler(o.store, out, handlerOpts...)
		}
		obs := accesslog.New(accessLogger)
		return obs.Inbound(protocol.NewHandler(o.store, obs.Outbound(out), handlerOpts...))
	}

	s.srv = transport.NewServer(newHandler, transport.Config{
		ReadHeaderTimeout: o.readHeaderTimeout,
		IdleTimeout:       o.idleTimeout,
		WriteTimeout:      o.writeTimeout,
		MaxHeaderBytes:    o.maxHeaderBytes,
		Logger:            o.logger.WithComponent("transport").Logger,
	})
	return s
}

// Store returns the storage backend.
func (s *Server) Store() blobstore.Store { return s.store }

// ListenAndServe listens on the TCP address addr and serves until ctx is
// done or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.LogStartup(ctx, ln.Addr().String(), s.backend)
	return s.srv.Serve(ctx, ln)
}

// Shutdown closes all listeners and connections, then waits for connection
// goroutines to exit or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.logger.LogShutdown(ctx, err)
	return err
}
