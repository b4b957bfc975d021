package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("segment not found")

// Storage is the pure KV contract behind the HLS segment store. Keys are
// the flat form "{app}-{stream}-{name}" with no hierarchy; naming is the
// remuxer's concern, retention is the cleaner's.
type Storage interface {
	// Write stores data under key, recording the write time.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the data for key or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Cleanup best-effort deletes every key written longer than olderThan
	// ago. The returned count is informational.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// PublicURL returns a directly fetchable URL for key when the backend
	// can furnish one (CDN or presigned); empty string means the HTTP
	// layer must serve the bytes itself.
	PublicURL(ctx context.Context, key string) (string, error)
}
