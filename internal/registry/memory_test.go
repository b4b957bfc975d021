package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

var testKey = models.StreamKey{App: "r1", Stream: "m1"}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	// For concurrent claims on one key exactly one caller wins.
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	const claimers = 64
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.TryClaim(ctx, testKey, "u1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won, held := 0, 0
	for err := range results {
		switch err {
		case nil:
			won++
		case ErrAlreadyHeld:
			held++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, claimers-1, held)
}

func TestEpochIncrementsAcrossClaims(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	e1, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx, testKey, e1))

	e2, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)
	assert.Equal(t, e1+1, e2)
}

func TestHeartbeatGuards(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	epoch, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)

	assert.NoError(t, reg.Heartbeat(ctx, testKey, epoch))
	assert.ErrorIs(t, reg.Heartbeat(ctx, testKey, epoch+1), ErrNotOwner)

	require.NoError(t, reg.Release(ctx, testKey, epoch))
	assert.ErrorIs(t, reg.Heartbeat(ctx, testKey, epoch), ErrGone)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	epoch, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx, testKey, epoch))
	assert.NoError(t, reg.Release(ctx, testKey, epoch))
}

func TestTTLExpiryAllowsReclaim(t *testing.T) {
	// After TTL expiry with no refresh, another claim succeeds
	// immediately and the old epoch stops validating.
	reg := NewMemory("node-a", "a:8935")
	reg.SetTTL(20 * time.Millisecond)
	ctx := context.Background()

	e1, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	e2, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)
	assert.Equal(t, e1+1, e2)

	ok, err := reg.ValidateEpoch(ctx, testKey, e1)
	require.NoError(t, err)
	assert.False(t, ok, "stale epoch must not validate")

	ok, err = reg.ValidateEpoch(ctx, testKey, e2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLookup(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	_, err := reg.Lookup(ctx, testKey)
	assert.ErrorIs(t, err, ErrNoPublisher)

	epoch, err := reg.TryClaim(ctx, testKey, "u1")
	require.NoError(t, err)

	rec, err := reg.Lookup(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.NodeID)
	assert.Equal(t, "a:8935", rec.NodeAddr)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, epoch, rec.Epoch)
}

func TestCleanupNode(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	_, err := reg.TryClaim(ctx, testKey, "")
	require.NoError(t, err)
	_, err = reg.TryClaim(ctx, models.StreamKey{App: "r2", Stream: "m2"}, "")
	require.NoError(t, err)

	deleted, err := reg.CleanupNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = reg.Lookup(ctx, testKey)
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestCleanupUser(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	ctx := context.Background()

	_, err := reg.TryClaim(ctx, testKey, "u1")
	require.NoError(t, err)
	_, err = reg.TryClaim(ctx, models.StreamKey{App: "r2", Stream: "m2"}, "u2")
	require.NoError(t, err)

	keys, err := reg.UserPublishers(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	deleted, err := reg.CleanupUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = reg.Lookup(ctx, testKey)
	assert.ErrorIs(t, err, ErrNoPublisher)
}
