package registry

import (
	"context"
	"errors"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Errors surfaced by registry operations.
var (
	// ErrAlreadyHeld means another node owns the publisher record; the
	// caller must reject its publisher.
	ErrAlreadyHeld = errors.New("publisher record already held")
	// ErrNotOwner means the stored epoch no longer matches; the caller
	// lost the claim to a newer publisher.
	ErrNotOwner = errors.New("publisher record owned by another epoch")
	// ErrGone means the record expired or was deleted.
	ErrGone = errors.New("publisher record is gone")
	// ErrNoPublisher means no publisher is registered for the key.
	ErrNoPublisher = errors.New("no publisher registered")
)

// Registry guarantees at most one publisher per StreamKey across the
// cluster and exposes publisher location to pullers. Implementations must
// make TryClaim atomic and guard Heartbeat/Release with the epoch.
type Registry interface {
	// TryClaim atomically creates the publisher record if absent. The
	// returned epoch is the previous epoch for the key plus one. Fails
	// with ErrAlreadyHeld when a live record exists; any backend error
	// must be treated as "cannot admit publisher".
	TryClaim(ctx context.Context, key models.StreamKey, userID string) (epoch uint64, err error)

	// Heartbeat refreshes the record TTL iff the stored epoch matches.
	// Fails with ErrNotOwner on epoch mismatch, ErrGone when the record
	// vanished.
	Heartbeat(ctx context.Context, key models.StreamKey, epoch uint64) error

	// Release deletes the record iff the stored epoch matches.
	// Idempotent: a missing record is not an error.
	Release(ctx context.Context, key models.StreamKey, epoch uint64) error

	// Lookup fetches the current record. Fails with ErrNoPublisher when
	// none exists.
	Lookup(ctx context.Context, key models.StreamKey) (*models.PublisherRecord, error)

	// ValidateEpoch reports whether epoch still matches the current
	// publisher; pullers use it to detect split-brain handover.
	ValidateEpoch(ctx context.Context, key models.StreamKey, epoch uint64) (bool, error)

	// UserPublishers lists the streams a user currently publishes.
	UserPublishers(ctx context.Context, userID string) ([]models.StreamKey, error)

	// CleanupNode deletes stale records attributed to a node. Called on
	// startup to recover after a crash.
	CleanupNode(ctx context.Context, nodeID string) (int, error)

	// CleanupUser releases every stream a user owns (administrative
	// unpublish on logout or ban).
	CleanupUser(ctx context.Context, userID string) (int, error)
}
