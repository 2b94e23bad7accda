// Package blob stores whole objects under string keys.
package blob

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no object exists under a key
	ErrNotFound = errors.New("blob not found")
	// ErrPreconditionFailed is returned when a conditional save loses a race
	ErrPreconditionFailed = errors.New("blob generation mismatch")
)

// Object is a downloaded blob
type Object struct {
	Data         []byte
	ContentType  string
	CacheControl string
	// Generation increases on every save; 0 means the object does not exist
	Generation int64
}

// SaveOptions controls object metadata and optimistic concurrency
type SaveOptions struct {
	ContentType  string
	CacheControl string
	// IfGeneration makes the save conditional when non-nil: 0 requires the
	// object to be absent, any other value requires that exact generation.
	IfGeneration *int64
}

// Store is a key-value object store with full-object reads and overwrites
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Download(ctx context.Context, key string) (*Object, error)
	// Save overwrites the object and returns its new generation
	Save(ctx context.Context, key string, data []byte, opts SaveOptions) (int64, error)
}

// Generation is a helper for building conditional SaveOptions
func Generation(g int64) *int64 {
	return &g
}
