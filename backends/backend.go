package backends

import (
	"context"
	"errors"
	"io/fs"
)

// ErrNotFound may be returned by Remove when the key does not exist.
// Callers that want idempotent deletes should check it with IsNotFound.
var ErrNotFound = errors.New("backends: key not found")

// Backend is a durable key-value byte store.
//
// Implementations can be swapped to use different storage mechanisms.
//
// Each call must be atomic from the backend's own perspective: a Set that
// fails must leave either the old value or nothing, never a partial value
// visible to a later Get. Implementations must be safe for concurrent use, but
// the feed store only ever issues one call at a time so none of them need
// locking of their own on that account.
type Backend interface {
	// Get returns the bytes stored at key. ok is false when the key is absent,
	// which is not an error.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Set stores data at key, replacing whatever was there.
	Set(ctx context.Context, key string, data []byte) error

	// Remove deletes key. Removing a missing key may return ErrNotFound.
	Remove(ctx context.Context, key string) error

	// Close releases any resources held by the backend.
	Close() error
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
