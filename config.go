package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/buildcache/blobstore"
	miniostore "github.com/hupe1980/buildcache/blobstore/minio"
	s3store "github.com/hupe1980/buildcache/blobstore/s3"
	"github.com/hupe1980/buildcache/internal/codec"
	"github.com/hupe1980/buildcache/internal/resource"
)

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendMinIO      = "minio"
)

// Config is the file-loadable server configuration.
type Config struct {
	// Host is the listen host. Default: 127.0.0.1
	Host string `yaml:"host"`
	// Port is the listen port. Default: 9000
	Port int `yaml:"port"`
	// Verbose enables the per-request access log.
	Verbose bool `yaml:"verbose"`

	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures process logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`
	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is one of memory, filesystem, s3, minio. When empty, a
	// non-empty Path selects filesystem and memory otherwise.
	Backend string `yaml:"backend"`
	// Path is the filesystem root holding the ac and cas directories.
	Path string `yaml:"path"`
	// Compression is none, lz4 or zstd. Compressed and uncompressed data
	// must not share a store.
	Compression string `yaml:"compression"`
	// CacheBytes enables an in-memory read cache of this capacity.
	CacheBytes int64 `yaml:"cache_bytes"`
	// CacheMaxEntryBytes is the largest blob kept in the read cache.
	// Default: 4MiB
	CacheMaxEntryBytes int64 `yaml:"cache_max_entry_bytes"`

	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

// S3Config configures the S3 backend. Credentials come from the default AWS
// credential chain.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// PartSize is the multipart threshold and part size. Default: 8MiB
	PartSize int64 `yaml:"part_size"`
	// Concurrency is the number of parts uploaded at once. Default: 5
	Concurrency int `yaml:"concurrency"`
}

// MinIOConfig configures the MinIO backend. Empty keys fall back to the
// MINIO_ACCESS_KEY and MINIO_SECRET_KEY environment variables.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LimitsConfig bounds shared server resources.
type LimitsConfig struct {
	// Workers is the storage worker pool size. 0 uses GOMAXPROCS.
	Workers int `yaml:"workers"`
	// UploadMemoryBytes bounds buffered PUT bodies. 0 means unlimited.
	UploadMemoryBytes int64 `yaml:"upload_memory_bytes"`
	// IOBytesPerSec limits filesystem writes. 0 means unlimited.
	IOBytesPerSec int64 `yaml:"io_bytes_per_sec"`
}

// HTTPConfig configures connection handling.
type HTTPConfig struct {
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when non-empty.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration: an in-memory cache on
// 127.0.0.1:9000.
func DefaultConfig() *Config {
	return &Config{
		Host: "127.0.0.1",
		Port: 9000,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Compression:        codec.None.String(),
			CacheMaxEntryBytes: blobstore.DefaultMaxEntryBytes,
			S3: S3Config{
				PartSize:    s3store.DefaultUploadConfig().PartSize,
				Concurrency: s3store.DefaultUploadConfig().Concurrency,
			},
		},
		HTTP: HTTPConfig{
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// LoadConfig loads a YAML configuration file on top of DefaultConfig and
// validates it. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration on top of DefaultConfig and
// validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the configuration for errors. All problems are reported
// together; each unwraps to ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, configErrorf("port", "must be between 0 and 65535, got %d", c.Port))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, configErrorf("log.level", "%v", err))
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		errs = append(errs, configErrorf("log.format", "must be text or json, got %q", f))
	}

	errs = append(errs, c.Storage.validate()...)

	if c.Limits.Workers < 0 {
		errs = append(errs, configErrorf("limits.workers", "must not be negative"))
	}
	if c.Limits.UploadMemoryBytes < 0 {
		errs = append(errs, configErrorf("limits.upload_memory_bytes", "must not be negative"))
	}
	if c.Limits.IOBytesPerSec < 0 {
		errs = append(errs, configErrorf("limits.io_bytes_per_sec", "must not be negative"))
	}
	if c.HTTP.ReadHeaderTimeout < 0 || c.HTTP.IdleTimeout < 0 || c.HTTP.WriteTimeout < 0 {
		errs = append(errs, configErrorf("http", "timeouts must not be negative"))
	}
	if c.HTTP.MaxHeaderBytes < 0 {
		errs = append(errs, configErrorf("http.max_header_bytes", "must not be negative"))
	}

	return errors.Join(errs...)
}

func (s *StorageConfig) validate() []error {
	var errs []error

	switch s.backend() {
	case BackendMemory:
	case BackendFilesystem:
		if s.Path == "" {
			errs = append(errs, configErrorf("storage.path", "required for the filesystem backend"))
		}
	case BackendS3:
		if s.S3.Bucket == "" {
			errs = append(errs, configErrorf("storage.s3.bucket", "required for the s3 backend"))
		}
		if s.S3.PartSize < 0 || s.S3.Concurrency < 0 {
			errs = append(errs, configErrorf("storage.s3", "part_size and concurrency must not be negative"))
		}
	case BackendMinIO:
		if s.MinIO.Endpoint == "" {
			errs = append(errs, configErrorf("storage.minio.endpoint", "required for the minio backend"))
		}
		if s.MinIO.Bucket == "" {
			errs = append(errs, configErrorf("storage.minio.bucket", "required for the minio backend"))
		}
	default:
		errs = append(errs, configErrorf("storage.backend", "unknown backend %q", s.Backend))
	}

	if s.Compression != "" {
		if _, err := codec.ParseTag(s.Compression); err != nil {
			errs = append(errs, configErrorf("storage.compression", "%v", err))
		}
	}
	if s.CacheBytes < 0 || s.CacheMaxEntryBytes < 0 {
		errs = append(errs, configErrorf("storage", "cache sizes must not be negative"))
	}
	return errs
}

// backend resolves an empty Backend from Path.
func (s *StorageConfig) backend() string {
	if s.Backend != "" {
		return strings.ToLower(s.Backend)
	}
	if s.Path != "" {
		return BackendFilesystem
	}
	return BackendMemory
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(l.Level))
	return lvl, err
}

// NewLogger builds the process logger described by the configuration.
func (c *Config) NewLogger() *Logger {
	lvl, err := c.Log.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if c.Log.Format == "json" {
		return NewJSONLogger(lvl)
	}
	return NewTextLogger(lvl)
}

// Open opens the configured store and creates a Server around it.
// Additional options are applied after the ones derived from c.
func (c *Config) Open(ctx context.Context, logger *Logger, optFns ...Option) (*Server, error) {
	if logger == nil {
		logger = NoopLogger()
	}

	rc := ResourceLimits{
		MaxWorkers:           c.Limits.Workers,
		MaxUploadMemoryBytes: c.Limits.UploadMemoryBytes,
		IOBytesPerSec:        c.Limits.IOBytesPerSec,
	}.controller()

	store, err := openStore(ctx, c.Storage, rc, logger)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithStore(store),
		withResourceController(rc, c.Storage.backend()),
		WithLogger(logger),
		WithVerbose(c.Verbose),
		WithReadHeaderTimeout(c.HTTP.ReadHeaderTimeout),
		WithIdleTimeout(c.HTTP.IdleTimeout),
		WithWriteTimeout(c.HTTP.WriteTimeout),
		WithMaxHeaderBytes(c.HTTP.MaxHeaderBytes),
	}
	return NewServer(append(opts, optFns...)...), nil
}

// OpenStore opens the storage backend described by cfg, including the
// optional compression and read-cache layers.
func OpenStore(ctx context.Context, cfg StorageConfig) (blobstore.Store, error) {
	return openStore(ctx, cfg, nil, NoopLogger())
}

func openStore(ctx context.Context, cfg StorageConfig, rc *resource.Controller, logger *Logger) (blobstore.Store, error) {
	backend := cfg.backend()
	store, location, err := openBackend(ctx, backend, cfg, rc, logger)
	logger.LogStoreOpen(ctx, backend, location, err)
	if err != nil {
		return nil, err
	}

	tag, err := codec.ParseTag(cfg.Compression)
	if err != nil {
		return nil, configErrorf("storage.compression", "%v", err)
	}
	if tag != codec.None {
		cs, err := blobstore.NewCompressedStore(store, cfg.Compression)
		if err != nil {
			return nil, err
		}
		store = cs
	}

	if cfg.CacheBytes > 0 {
		maxEntry := cfg.CacheMaxEntryBytes
		if maxEntry == 0 {
			maxEntry = blobstore.DefaultMaxEntryBytes
		}
		store = blobstore.NewCachingStore(store, cfg.CacheBytes, maxEntry)
	}
	return store, nil
}

func openBackend(ctx context.Context, backend string, cfg StorageConfig, rc *resource.Controller, logger *Logger) (blobstore.Store, string, error) {
	switch backend {
	case BackendMemory:
		return blobstore.NewMemoryStore(), "memory", nil

	case BackendFilesystem:
		opts := []blobstore.LocalOption{
			blobstore.WithLogger(logger.WithComponent("blobstore").Logger),
		}
		if rc != nil {
			opts = append(opts, blobstore.WithResourceController(rc))
		}
		store, err := blobstore.NewLocalStore(cfg.Path, opts...)
		if err != nil {
			return nil, cfg.Path, fmt.Errorf("opening local store: %w", err)
		}
		return store, store.Root(), nil

	case BackendS3:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.S3.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, cfg.S3.Bucket, fmt.Errorf("loading aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
			}
			o.UsePathStyle = cfg.S3.UsePathStyle
		})

		upload := s3store.DefaultUploadConfig()
		if cfg.S3.PartSize > 0 {
			upload.PartSize = cfg.S3.PartSize
		}
		if cfg.S3.Concurrency > 0 {
			upload.Concurrency = cfg.S3.Concurrency
		}
		store := s3store.NewStore(client, cfg.S3.Bucket, cfg.S3.Prefix, s3store.WithUploadConfig(upload))
		return store, "s3://" + cfg.S3.Bucket + "/" + cfg.S3.Prefix, nil

	case BackendMinIO:
		creds := credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, "")
		if cfg.MinIO.AccessKey == "" {
			creds = credentials.NewEnvMinio()
		}
		client, err := minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  creds,
			Secure: cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, cfg.MinIO.Endpoint, fmt.Errorf("creating minio client: %w", err)
		}
		store := miniostore.NewStore(client, cfg.MinIO.Bucket, cfg.MinIO.Prefix)
		return store, cfg.MinIO.Endpoint + "/" + cfg.MinIO.Bucket, nil

	default:
		return nil, "", configErrorf("storage.backend", "unknown backend %q", backend)
	}
}
