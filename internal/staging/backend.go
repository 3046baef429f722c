// Package staging persists the artifacts handed between staged pipeline steps.
package staging

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing key
	ErrNotFound = errors.New("staging object not found")
	// ErrExists is returned by Create when the key is already taken
	ErrExists = errors.New("staging object already exists")
)

// Backend stores opaque blobs by slash-separated key
type Backend interface {
	// Create writes data only if key does not exist yet
	Create(ctx context.Context, key string, data []byte) error
	// Put writes data, replacing any previous value
	Put(ctx context.Context, key string, data []byte) error
	// Get reads key or returns ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Type names the backend for logs
	Type() string
}
