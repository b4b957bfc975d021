package httpflv

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

var testKey = models.StreamKey{App: "r1", Stream: "m1"}

func TestHeaderFlags(t *testing.T) {
	h := Header(true, true)
	require.Len(t, h, 13)
	assert.Equal(t, []byte{'F', 'L', 'V', 0x01}, h[:4])
	assert.Equal(t, byte(0x05), h[4])
	assert.Equal(t, byte(0x01), Header(true, false)[4])
	assert.Equal(t, byte(0x04), Header(false, true)[4])
	// PreviousTagSize0 closes the header.
	assert.Equal(t, []byte{0, 0, 0, 0}, h[9:])
}

func TestEncodeTag(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	tag := EncodeTag(TagVideo, 0x123456, payload)
	require.Len(t, tag, 11+3+4)

	assert.Equal(t, byte(TagVideo), tag[0])
	assert.Equal(t, []byte{0x00, 0x00, 0x03}, tag[1:4])
	// 24-bit timestamp plus extension byte.
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x00}, tag[4:8])
	assert.Equal(t, payload, tag[11:14])
	assert.Equal(t, uint32(14), binary.BigEndian.Uint32(tag[14:]))
}

func TestEncodeTagExtendedTimestamp(t *testing.T) {
	tag := EncodeTag(TagAudio, 0x01ABCDEF, nil)
	assert.Equal(t, []byte{0xAB, 0xCD, 0xEF, 0x01}, tag[4:8])
}

func TestEncodeFrameKinds(t *testing.T) {
	assert.Equal(t, byte(TagVideo), EncodeFrame(models.Frame{Kind: models.FrameVideo, Payload: []byte{1}})[0])
	assert.Equal(t, byte(TagAudio), EncodeFrame(models.Frame{Kind: models.FrameAudio, Payload: []byte{1}})[0])
	assert.Equal(t, byte(TagScript), EncodeFrame(models.Frame{Kind: models.FrameMetadata, Payload: []byte{1}})[0])
	assert.Nil(t, EncodeFrame(models.NewMediaInfoFrame(&models.MediaInfo{})))
}

// syncBuffer is a goroutine-safe writer standing in for the HTTP body.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestSessionServesHeaderAndTags(t *testing.T) {
	h := hub.New(1)
	defer h.Close()

	sender, _, err := h.Publish(testKey, models.PublisherInfo{ID: "p1", Type: models.PublisherLive})
	require.NoError(t, err)
	require.NoError(t, sender.Send(models.NewMediaInfoFrame(&models.MediaInfo{HasVideo: true, HasAudio: false})))
	require.NoError(t, sender.Send(models.Frame{Kind: models.FrameVideo, Timestamp: 0, Payload: []byte{0x17, 0x01}, IsKeyFrame: true}))

	require.Eventually(t, func() bool {
		for _, snap := range h.Snapshot() {
			if snap.Key == testKey {
				return snap.Stats.FramesReceived == 2
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	var out syncBuffer
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	session := NewSession(h, testKey)
	go func() {
		done <- session.Serve(ctx, &out, "1.2.3.4", nil)
	}()

	require.Eventually(t, func() bool {
		return len(out.Bytes()) >= 13
	}, 2*time.Second, 5*time.Millisecond)

	data := out.Bytes()
	assert.Equal(t, []byte{'F', 'L', 'V'}, data[:3])
	assert.Equal(t, byte(0x01), data[4], "video-only flags from media info")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop on context cancel")
	}
}

func TestSessionNotFound(t *testing.T) {
	h := hub.New(1)
	defer h.Close()

	session := NewSession(h, testKey)
	var out syncBuffer
	err := session.Serve(context.Background(), &out, "1.2.3.4", nil)
	assert.ErrorIs(t, err, hub.ErrNotFound)
}
