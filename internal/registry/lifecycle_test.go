package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

func livePublisher(id string) models.PublisherInfo {
	return models.PublisherInfo{ID: id, Type: models.PublisherLive, UserID: "u1", StartedAt: time.Now()}
}

func TestLifecycleClaimsOnPublish(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	h := hub.New(1)
	defer h.Close()

	lc := NewLifecycle(reg, h, time.Minute)
	go lc.Run()
	defer lc.Stop()

	_, _, err := h.Publish(testKey, livePublisher("p1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := reg.Lookup(context.Background(), testKey)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := reg.Lookup(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.NodeID)
	assert.Equal(t, "u1", rec.UserID)
}

func TestLifecycleReleasesOnUnpublish(t *testing.T) {
	reg := NewMemory("node-a", "a:8935")
	h := hub.New(1)
	defer h.Close()

	lc := NewLifecycle(reg, h, time.Minute)
	go lc.Run()
	defer lc.Stop()

	_, _, err := h.Publish(testKey, livePublisher("p1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := reg.Lookup(context.Background(), testKey)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	h.Unpublish(testKey, "p1")
	require.Eventually(t, func() bool {
		_, err := reg.Lookup(context.Background(), testKey)
		return err == ErrNoPublisher
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLifecycleKicksOnConflict(t *testing.T) {
	// Two nodes sharing one registry: the second publisher of the same
	// key is kicked with a conflict reason.
	reg := NewMemory("node-a", "a:8935")

	hubA := hub.New(1)
	defer hubA.Close()
	lcA := NewLifecycle(reg, hubA, time.Minute)
	go lcA.Run()
	defer lcA.Stop()

	hubB := hub.New(1)
	defer hubB.Close()
	lcB := NewLifecycle(reg, hubB, time.Minute)
	go lcB.Run()
	defer lcB.Stop()

	_, _, err := hubA.Publish(testKey, livePublisher("pA"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := reg.Lookup(context.Background(), testKey)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, kickB, err := hubB.Publish(testKey, livePublisher("pB"))
	require.NoError(t, err)

	select {
	case reason := <-kickB:
		assert.Equal(t, "publisher conflict", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("conflicting publisher was never kicked")
	}
}

func TestLifecycleIgnoresRelayPublishers(t *testing.T) {
	// Relay publishers republish a remote stream; only the true
	// publisher's node may claim.
	reg := NewMemory("node-b", "b:8935")
	h := hub.New(1)
	defer h.Close()

	lc := NewLifecycle(reg, h, time.Minute)
	go lc.Run()
	defer lc.Stop()

	_, _, err := h.Publish(testKey, models.PublisherInfo{ID: "relay1", Type: models.PublisherRelay})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = reg.Lookup(context.Background(), testKey)
	assert.ErrorIs(t, err, ErrNoPublisher)
}
