// Package objectstore adapts artifact storage backends. The reconciler only
// observes storage; nothing in this service deletes objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidKey marks a key no backend will accept.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// ValidateKey reports whether key is an acceptable object key for every
// backend. The error wraps ErrInvalidKey.
func ValidateKey(key string) error {
	_, err := sanitizeKey(key)
	return err
}

// Store is the object store as seen by the reconciler and the operator CLI.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend  string // "fs" or "s3"
	Path     string
	Bucket   string
	Region   string
	Endpoint string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFileStore(cfg.Path)
	case "s3":
		return NewS3Store(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
