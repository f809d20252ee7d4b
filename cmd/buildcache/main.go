// buildcache runs a remote build-artifact cache.
//
// Build tools PUT outputs under URI-shaped keys and GET them back. By default
// blobs live in memory; --storage_path keeps them on disk below the ac and cas
// directories, and a config file selects S3 or MinIO backends.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/hupe1980/buildcache"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.NewLogger()

	var metrics buildcache.MetricsCollector = buildcache.NoopMetricsCollector{}
	if cfg.Metrics.Addr != "" {
		pc, err := buildcache.NewPrometheusCollector(nil)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		metrics = pc

		ms := startMetricsServer(cfg.Metrics.Addr, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	srv, err := cfg.Open(ctx, logger, buildcache.WithMetrics(metrics))
	if err != nil {
		return err
	}

	serveErr := srv.ListenAndServe(ctx, cfg.Addr())

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(sctx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) && !errors.Is(serveErr, buildcache.ErrServerClosed) {
		return serveErr
	}
	return shutdownErr
}

func startMetricsServer(addr string, logger *buildcache.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	ms := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics available", "addr", addr, "path", "/metrics")
		if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return ms
}

// parseFlags builds the configuration from an optional config file and the
// command line. Flags that were set explicitly override the file.
func parseFlags(args []string) (*buildcache.Config, error) {
	flagSet := pflag.NewFlagSet("buildcache", pflag.ContinueOnError)

	configPath := flagSet.String("config", "", "path to a YAML config file")
	host := flagSet.String("host", "127.0.0.1", "host to listen on")
	port := flagSet.Int("port", 9000, "port to listen on")
	storagePath := flagSet.String("storage_path", "", "directory to store blobs in (empty keeps blobs in memory)")
	verbose := flagSet.Bool("verbose", false, "log every request")
	backend := flagSet.String("backend", "", "storage backend: memory, filesystem, s3 or minio")
	compression := flagSet.String("compression", "none", "blob compression: none, lz4 or zstd")
	workers := flagSet.Int("workers", 0, "storage worker pool size (0 uses GOMAXPROCS)")
	metricsAddr := flagSet.String("metrics-addr", "", "serve Prometheus metrics on this address")
	logLevel := flagSet.String("log-level", "info", "log level: debug, info, warn or error")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := buildcache.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = buildcache.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}

	if flagSet.Changed("host") {
		cfg.Host = *host
	}
	if flagSet.Changed("port") {
		cfg.Port = *port
	}
	if flagSet.Changed("storage_path") {
		cfg.Storage.Path = *storagePath
	}
	if flagSet.Changed("verbose") {
		cfg.Verbose = *verbose
	}
	if flagSet.Changed("backend") {
		cfg.Storage.Backend = *backend
	}
	if flagSet.Changed("compression") {
		cfg.Storage.Compression = *compression
	}
	if flagSet.Changed("workers") {
		cfg.Limits.Workers = *workers
	}
	if flagSet.Changed("metrics-addr") {
		cfg.Metrics.Addr = *metricsAddr
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
