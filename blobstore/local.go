package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/hupe1980/buildcache/internal/fs"
	"github.com/hupe1980/buildcache/internal/resource"
)

// Namespaces provisioned under the root of a LocalStore.
const (
	NamespaceAC  = "ac"
	NamespaceCAS = "cas"
)

const (
	dirPerm  os.FileMode = 0o755
	filePerm os.FileMode = 0o644

	// Temporary files are named ".<base>" + tempInfix + <uuid>.
	tempInfix = ".tmp-"
)

// LocalStore implements Store on the local file system.
//
// Keys map to paths below the root directory. Writes land in a temporary
// file in the destination directory and are renamed into place once synced,
// so readers observe either the previous or the new blob. Keys naming such a
// temporary file are invalid.
type LocalStore struct {
	root   string
	fs     fs.FileSystem
	rc     *resource.Controller
	logger *slog.Logger
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem replaces the file system used by the store.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) {
		s.fs = fsys
	}
}

// WithResourceController rate limits blob writes through rc.
func WithResourceController(rc *resource.Controller) LocalOption {
	return func(s *LocalStore) {
		s.rc = rc
	}
}

// WithLogger sets the logger for non-fatal file errors.
func WithLogger(l *slog.Logger) LocalOption {
	return func(s *LocalStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewLocalStore creates a LocalStore rooted at root and provisions the
// ac and cas namespaces. It fails if the directories cannot be created.
func NewLocalStore(root string, opts ...LocalOption) (*LocalStore, error) {
	s := &LocalStore{
		root:   filepath.Clean(root),
		fs:     fs.Default,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, ns := range []string{NamespaceAC, NamespaceCAS} {
		if err := s.fs.MkdirAll(filepath.Join(s.root, ns), dirPerm); err != nil {
			return nil, fmt.Errorf("provisioning %s: %w", ns, err)
		}
	}
	return s, nil
}

// Root returns the root directory.
func (s *LocalStore) Root() string { return s.root }

// Path returns the file path backing key.
func (s *LocalStore) Path(key string) (string, error) {
	rel := strings.TrimLeft(filepath.FromSlash(key), string(filepath.Separator))
	if rel == "" || !filepath.IsLocal(rel) || isTempName(filepath.Base(rel)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.root, rel), nil
}

func isTempName(base string) bool {
	if !strings.HasPrefix(base, ".") {
		return false
	}
	i := strings.LastIndex(base, tempInfix)
	return i > 0 && uuid.Validate(base[i+len(tempInfix):]) == nil
}

// Exists reports whether a regular file backs key.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.Path(key)
	if err != nil {
		return false, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Read opens the file backing key. The returned blob owns the open file.
func (s *LocalStore) Read(_ context.Context, key string) (ReadableBlob, error) {
	p, err := s.Path(key)
	if err != nil {
		return ReadableBlob{}, err
	}

	f, err := s.fs.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		if isNotFound(err) {
			return ReadableBlob{}, ErrNotFound
		}
		return ReadableBlob{}, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return ReadableBlob{}, err
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return ReadableBlob{}, ErrNotFound
	}

	if err := fs.AdviseSequential(f); err != nil {
		s.logger.Debug("read-ahead advice failed", "path", p, "error", err)
	}

	return FileBlob(f, 0, info.Size()), nil
}

// Write commits data under key.
//
// Parent directories are created on demand. Concurrent writers to the same
// directory race benignly since MkdirAll is idempotent; concurrent writers to
// the same key each use their own temporary file and the last rename wins.
func (s *LocalStore) Write(ctx context.Context, key string, data []byte) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := s.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(p)+tempInfix+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if rmErr := s.fs.Remove(tmp); rmErr != nil && !isNotFound(rmErr) {
				s.logger.Warn("failed to remove temp file", "path", tmp, "error", rmErr)
			}
		}
	}()

	var w io.Writer = f
	if s.rc != nil {
		w = resource.NewRateLimitedWriter(ctx, f, s.rc)
	}

	if _, err := w.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}

	committed = true
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
