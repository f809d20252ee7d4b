package buildcache

import (
	"errors"
	"fmt"

	"github.com/hupe1980/buildcache/blobstore"
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation error.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound is returned by stores for keys that were never written.
	ErrNotFound = blobstore.ErrNotFound
)

// ConfigError reports an invalid configuration field.
//
// It unwraps to ErrInvalidConfig.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func configErrorf(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
