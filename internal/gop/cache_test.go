package gop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

func keyFrame(ts uint32, payload []byte) models.Frame {
	f := models.Frame{Kind: models.FrameVideo, Timestamp: ts, Payload: payload, IsKeyFrame: true}
	return f
}

func interFrame(ts uint32, payload []byte) models.Frame {
	return models.Frame{Kind: models.FrameVideo, Timestamp: ts, Payload: payload}
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)
	c.Append(keyFrame(0, []byte("kf")))
	assert.Nil(t, c.Snapshot())
}

func TestCacheDropsUntilFirstKeyFrame(t *testing.T) {
	c := NewCache(2)
	c.Append(interFrame(0, []byte("p")))
	c.Append(models.NewAudioFrame(10, []byte("a")))
	assert.Nil(t, c.Snapshot())

	c.Append(keyFrame(40, []byte("kf")))
	c.Append(interFrame(80, []byte("p")))
	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.True(t, snap[0].IsKeyFrame)
}

func TestCacheEvictsOldestGOP(t *testing.T) {
	// Mirrors the single-GOP eviction scenario: with one slot, frames
	// before the second key frame must disappear.
	c := NewCache(1)
	c.Append(keyFrame(0, []byte("kf1")))
	c.Append(interFrame(40, []byte("p1")))
	c.Append(interFrame(80, []byte("p2")))
	c.Append(keyFrame(120, []byte("kf2")))
	c.Append(interFrame(160, []byte("p3")))

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, []byte("kf2"), snap[0].Payload)
	assert.Equal(t, []byte("p3"), snap[1].Payload)
}

func TestCacheFrameCountCap(t *testing.T) {
	c := NewCache(1)
	c.Append(keyFrame(0, []byte("kf")))
	for i := 0; i < MaxFramesPerGOP+100; i++ {
		c.Append(interFrame(uint32(i), []byte("p")))
	}
	snap := c.Snapshot()
	assert.Len(t, snap, MaxFramesPerGOP)
	assert.Equal(t, uint64(101), c.Dropped())
}

func TestCacheByteCap(t *testing.T) {
	c := NewCache(1)
	c.Append(keyFrame(0, make([]byte, 1<<20)))
	// Adversarial stream: frames large enough to blow the byte cap well
	// before the frame count cap.
	big := make([]byte, 10<<20)
	for i := 0; i < 20; i++ {
		c.Append(interFrame(uint32(i), big))
	}
	snap := c.Snapshot()
	total := 0
	for _, f := range snap {
		total += f.Size()
	}
	assert.LessOrEqual(t, total, MaxBytesPerGOP)
	assert.Greater(t, c.Dropped(), uint64(0))
	// Dropped frames never replace older ones: the key frame stays first.
	assert.True(t, snap[0].IsKeyFrame)
}

func TestSnapshotSharesPayloads(t *testing.T) {
	// Freezing then cloning must not copy media bytes.
	c := NewCache(2)
	payload := []byte("shared-payload")
	c.Append(keyFrame(0, payload))

	a := c.Snapshot()
	b := c.Snapshot()
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Same(t, &payload[0], &a[0].Payload[0])
	assert.Same(t, &payload[0], &b[0].Payload[0])
}

func TestSnapshotKeepsAccumulating(t *testing.T) {
	c := NewCache(2)
	c.Append(keyFrame(0, []byte("kf")))
	_ = c.Snapshot()
	c.Append(interFrame(40, []byte("p")))
	assert.Len(t, c.Snapshot(), 2)
}
