package httpServer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zijiren233/synctv-relay/internal/auth"
	"github.com/zijiren233/synctv-relay/internal/hls"
	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/metrics"
	"github.com/zijiren233/synctv-relay/internal/storage"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

var testMetrics = metrics.New()

func newTestServer(t *testing.T) (*Server, *hub.Hub, *auth.Service) {
	t.Helper()
	h := hub.New(1)
	t.Cleanup(h.Close)
	store := storage.NewMemoryStorage()
	hlsMgr := hls.NewManager(h, store, time.Second, time.Minute)
	go hlsMgr.Run()
	t.Cleanup(hlsMgr.Stop)
	authSvc := auth.New([]byte("secret"), nil)
	return New(h, authSvc, nil, hlsMgr, nil, store, testMetrics), h, authSvc
}

func get(s *Server, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := get(s, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(s, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamListing(t *testing.T) {
	s, h, _ := newTestServer(t)

	_, _, err := h.Publish(models.StreamKey{App: "r1", Stream: "m1"}, models.PublisherInfo{
		ID: "p1", Type: models.PublisherLive, StartedAt: time.Now(),
	})
	require.NoError(t, err)

	w := get(s, "/api/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)

	var out models.StreamListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, 1, out.Total)
	assert.Equal(t, "r1", out.Streams[0].App)
	assert.Equal(t, "m1", out.Streams[0].Stream)
	assert.Equal(t, "live", out.Streams[0].PublisherType)
}

func TestFLVRequiresAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := get(s, "/live/r1/m1.flv", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFLVNotFound(t *testing.T) {
	s, _, authSvc := newTestServer(t)
	token, err := authSvc.IssueToken("u1", "r1", "m1", auth.PermPlay, false, time.Minute)
	require.NoError(t, err)

	w := get(s, "/live/r1/m1.flv?token="+token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaylistNotFound(t *testing.T) {
	s, _, authSvc := newTestServer(t)
	token, err := authSvc.IssueToken("u1", "r1", "m1", auth.PermPlay, false, time.Minute)
	require.NoError(t, err)

	w := get(s, "/live/r1/m1/index.m3u8", token)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSegmentServedFromStore(t *testing.T) {
	s, _, _ := newTestServer(t)
	key := models.StreamKey{App: "r1", Stream: "m1"}
	require.NoError(t, s.store.Write(context.Background(), key.SegmentName("abcd"), []byte{0x47, 0x00}))

	w := get(s, "/live/r1/m1/abcd.ts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x47, 0x00}, w.Body.Bytes())

	w = get(s, "/live/r1/m1/missing.ts", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
