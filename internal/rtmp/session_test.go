package rtmp

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// allowAll admits every request; deny lists (app, stream) pairs to refuse.
type allowAll struct {
	deny map[string]bool
}

func (a *allowAll) Authorize(_ context.Context, app, stream, _ string, _ bool) (string, error) {
	if a.deny[app+"/"+stream] {
		return "", errors.New("denied")
	}
	return "u1", nil
}

func (a *allowAll) OnUnpublish(string, string) {}

// testClient is a minimal RTMP client speaking the simple handshake.
type testClient struct {
	conn   net.Conn
	reader *ChunkReader
	writer *ChunkWriter
}

func dialRTMP(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Simple handshake: zero version field in C1.
	c1 := make([]byte, handshakePacketSize)
	_, err = rand.Read(c1[8:])
	require.NoError(t, err)
	_, err = conn.Write(append([]byte{handshakeVersion}, c1...))
	require.NoError(t, err)

	s0s1s2 := make([]byte, 1+2*handshakePacketSize)
	_, err = io.ReadFull(conn, s0s1s2)
	require.NoError(t, err)
	_, err = conn.Write(s0s1s2[1 : 1+handshakePacketSize])
	require.NoError(t, err)

	return &testClient{
		conn:   conn,
		reader: NewChunkReader(conn, DefaultMaxMessageSize),
		writer: NewChunkWriter(conn),
	}
}

func (c *testClient) sendCommand(t *testing.T, streamID uint32, values ...interface{}) {
	t.Helper()
	msg, err := newCommand(streamID, values...)
	require.NoError(t, err)
	require.NoError(t, c.writer.WriteMessage(msg))
}

// awaitCommand reads until a command message with the given name arrives.
func (c *testClient) awaitCommand(t *testing.T, name string) *command {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		msg, err := c.reader.ReadMessage()
		require.NoError(t, err)
		if msg.TypeID != msgCommandAMF0 {
			continue
		}
		cmd, err := parseCommand(msg)
		require.NoError(t, err)
		if cmd.name == name {
			return cmd
		}
	}
}

// awaitStatus reads until an onStatus with the given code arrives.
func (c *testClient) awaitStatus(t *testing.T, code string) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		msg, err := c.reader.ReadMessage()
		require.NoError(t, err)
		if msg.TypeID != msgCommandAMF0 {
			continue
		}
		cmd, err := parseCommand(msg)
		require.NoError(t, err)
		if cmd.name != "onStatus" {
			continue
		}
		for _, a := range cmd.args {
			if obj, ok := a.(map[string]interface{}); ok {
				if obj["code"] == code {
					return
				}
			}
		}
		if cmd.object != nil && cmd.object["code"] == code {
			return
		}
	}
}

func startServer(t *testing.T, h *hub.Hub, auth AuthHook) string {
	t.Helper()
	srv := New("127.0.0.1:0", h, auth, nil)
	require.NoError(t, srv.Listen())
	go srv.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv.Addr()
}

func (c *testClient) connect(t *testing.T, app string) {
	t.Helper()
	c.sendCommand(t, 0, "connect", float64(1), map[string]interface{}{"app": app})
	c.awaitCommand(t, "_result")
	c.sendCommand(t, 0, "createStream", float64(2), nil)
	c.awaitCommand(t, "_result")
}

func TestPublishFlowReachesHub(t *testing.T) {
	h := hub.New(1)
	defer h.Close()
	addr := startServer(t, h, &allowAll{})

	client := dialRTMP(t, addr)
	client.connect(t, "r1")
	client.sendCommand(t, 1, "publish", float64(3), nil, "m1?token=tok", "live")
	client.awaitStatus(t, "NetStream.Publish.Start")

	key := models.StreamKey{App: "r1", Stream: "m1"}
	require.Eventually(t, func() bool { return h.Exists(key) }, 2*time.Second, 10*time.Millisecond)

	// Push one key frame and confirm the hub accounts for it.
	payload := []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x65, 0x88}
	require.NoError(t, client.writer.WriteMessage(&Message{
		CSID: csidVideo, Timestamp: 0, TypeID: msgVideo, StreamID: 1, Payload: payload,
	}))

	require.Eventually(t, func() bool {
		for _, snap := range h.Snapshot() {
			if snap.Key == key {
				// MediaInfo frame plus the video frame.
				return snap.Stats.FramesReceived >= 2 && snap.Stats.KeyFrames == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishDeniedByAuth(t *testing.T) {
	h := hub.New(1)
	defer h.Close()
	addr := startServer(t, h, &allowAll{deny: map[string]bool{"r1/m1": true}})

	client := dialRTMP(t, addr)
	client.connect(t, "r1")
	client.sendCommand(t, 1, "publish", float64(3), nil, "m1", "live")
	client.awaitStatus(t, "NetStream.Publish.BadName")
	assert.False(t, h.Exists(models.StreamKey{App: "r1", Stream: "m1"}))
}

func TestDuplicatePublishRejected(t *testing.T) {
	h := hub.New(1)
	defer h.Close()
	addr := startServer(t, h, &allowAll{})

	first := dialRTMP(t, addr)
	first.connect(t, "r1")
	first.sendCommand(t, 1, "publish", float64(3), nil, "m1", "live")
	first.awaitStatus(t, "NetStream.Publish.Start")

	second := dialRTMP(t, addr)
	second.connect(t, "r1")
	second.sendCommand(t, 1, "publish", float64(3), nil, "m1", "live")
	second.awaitStatus(t, "NetStream.Publish.BadName")
}

func TestPlayReceivesPublishedFrames(t *testing.T) {
	h := hub.New(1)
	defer h.Close()
	addr := startServer(t, h, &allowAll{})

	key := models.StreamKey{App: "r1", Stream: "m1"}
	sender, _, err := h.Publish(key, models.PublisherInfo{ID: "p1", Type: models.PublisherLive})
	require.NoError(t, err)
	require.NoError(t, sender.Send(models.Frame{
		Kind: models.FrameVideo, Timestamp: 0,
		Payload: []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAB}, IsKeyFrame: true,
	}))
	require.Eventually(t, func() bool {
		for _, snap := range h.Snapshot() {
			if snap.Key == key {
				return snap.Stats.FramesReceived == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	client := dialRTMP(t, addr)
	client.connect(t, "r1")
	client.sendCommand(t, 1, "play", float64(3), nil, "m1")
	client.awaitStatus(t, "NetStream.Play.Start")

	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		msg, err := client.reader.ReadMessage()
		require.NoError(t, err)
		if msg.TypeID == msgVideo {
			assert.Equal(t, []byte{0x17, 0x01, 0x00, 0x00, 0x00, 0xAB}, msg.Payload)
			return
		}
	}
}
