// Package httpServer exposes the HTTP frontends of the relay core:
// HTTP-FLV playback, HLS playlists and segments, the stream listing API,
// health and Prometheus metrics.
package httpServer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/auth"
	"github.com/zijiren233/synctv-relay/internal/hls"
	"github.com/zijiren233/synctv-relay/internal/httpflv"
	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/metrics"
	"github.com/zijiren233/synctv-relay/internal/relay"
	"github.com/zijiren233/synctv-relay/internal/rtmp"
	"github.com/zijiren233/synctv-relay/internal/storage"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Server wires the gin engine to the streaming components.
type Server struct {
	hub     *hub.Hub
	auth    rtmp.AuthHook
	pulls   *relay.Manager
	hlsMgr  *hls.Manager
	proxy   *relay.HLSProxy
	store   storage.Storage
	metrics *metrics.Metrics

	engine *gin.Engine
	srv    *http.Server
}

// New builds the HTTP server and its routes.
func New(h *hub.Hub, authHook rtmp.AuthHook, pulls *relay.Manager, hlsMgr *hls.Manager, proxy *relay.HLSProxy, store storage.Storage, m *metrics.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		hub:     h,
		auth:    authHook,
		pulls:   pulls,
		hlsMgr:  hlsMgr,
		proxy:   proxy,
		store:   store,
		metrics: m,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/api/v1/streams", s.handleStreamList)

	live := s.engine.Group("/live")
	live.GET("/:app/:stream", s.handleFLV)
	live.GET("/:app/:stream/:file", s.handleHLS)
}

// Run starts serving; it blocks until Shutdown.
func (s *Server) Run(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.engine}
	log.Info().Str("addr", addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleStreamList reports every locally materialised stream.
func (s *Server) handleStreamList(c *gin.Context) {
	snaps := s.hub.Snapshot()
	out := models.StreamListResponse{Streams: make([]models.StreamInfo, 0, len(snaps))}
	for _, snap := range snaps {
		out.Streams = append(out.Streams, models.StreamInfo{
			App:            snap.Key.App,
			Stream:         snap.Key.Stream,
			PublisherType:  string(snap.Publisher.Type),
			StartedAt:      snap.Publisher.StartedAt.Format(time.RFC3339),
			Subscribers:    len(snap.Subscribers),
			BytesReceived:  snap.Stats.BytesReceived,
			BytesSent:      snap.Stats.BytesSent,
			FramesReceived: snap.Stats.FramesReceived,
			DroppedFrames:  snap.Stats.DroppedFrames,
		})
	}
	out.Total = len(out.Streams)
	c.JSON(http.StatusOK, out)
}

// bearerToken extracts the token from the Authorization header or the
// token query parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.Query("token")
}

// handleFLV serves GET /live/{app}/{stream}.flv.
func (s *Server) handleFLV(c *gin.Context) {
	name, ok := strings.CutSuffix(c.Param("stream"), ".flv")
	if !ok {
		s.metrics.RecordHTTPRequest("flv", http.StatusNotFound)
		c.Status(http.StatusNotFound)
		return
	}
	key := models.StreamKey{App: c.Param("app"), Stream: name}

	if !s.authorizePlay(c, key, "flv") {
		return
	}

	// Headers are staged now; the status line goes out with the first
	// body write, so the not-found path below can still emit a 404.
	c.Header("Content-Type", "video/x-flv")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "close")

	session := httpflv.NewSession(s.hub, key)
	err := session.Serve(c.Request.Context(), flushWriter{c.Writer}, c.ClientIP(), s.pulls)
	if errors.Is(err, hub.ErrNotFound) || errors.Is(err, relay.ErrNoPublisher) {
		s.metrics.RecordHTTPRequest("flv", http.StatusNotFound)
		c.Status(http.StatusNotFound)
		return
	}
	s.metrics.RecordHTTPRequest("flv", http.StatusOK)
}

// handleHLS serves index.m3u8 and segment requests under one route.
func (s *Server) handleHLS(c *gin.Context) {
	key := models.StreamKey{App: c.Param("app"), Stream: c.Param("stream")}
	file := c.Param("file")

	switch {
	case file == "index.m3u8":
		s.servePlaylist(c, key)
	case strings.HasSuffix(file, ".ts"):
		s.serveSegment(c, key, strings.TrimSuffix(file, ".ts"))
	default:
		s.metrics.RecordHTTPRequest("hls", http.StatusNotFound)
		c.Status(http.StatusNotFound)
	}
}

func (s *Server) servePlaylist(c *gin.Context, key models.StreamKey) {
	if !s.authorizePlay(c, key, "hls") {
		return
	}
	urlBase := "/live/" + key.App + "/" + key.Stream
	playlist, ok := s.hlsMgr.Playlist(c.Request.Context(), key, urlBase)
	if !ok && s.proxy != nil {
		// Not remuxed here: the publisher is on another node. Playlists
		// change constantly, so fetch on every request.
		var err error
		playlist, err = s.proxy.Playlist(c.Request.Context(), key, urlBase)
		if err != nil {
			if errors.Is(err, relay.ErrNoPublisher) {
				s.metrics.RecordHTTPRequest("hls", http.StatusNotFound)
				c.Status(http.StatusNotFound)
				return
			}
			s.metrics.RecordHTTPRequest("hls", http.StatusBadGateway)
			c.Status(http.StatusBadGateway)
			return
		}
		ok = true
	}
	if !ok {
		s.metrics.RecordHTTPRequest("hls", http.StatusNotFound)
		c.Status(http.StatusNotFound)
		return
	}
	s.metrics.RecordHTTPRequest("hls", http.StatusOK)
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(playlist))
}

func (s *Server) serveSegment(c *gin.Context, key models.StreamKey, name string) {
	data, err := s.store.Read(c.Request.Context(), key.SegmentName(name))
	if errors.Is(err, storage.ErrNotFound) && s.proxy != nil {
		data, err = s.proxy.Segment(c.Request.Context(), key, name)
	}
	if err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, relay.ErrNoPublisher) {
			status = http.StatusBadGateway
		}
		s.metrics.RecordHTTPRequest("hls", status)
		c.Status(status)
		return
	}
	s.metrics.RecordHTTPRequest("hls", http.StatusOK)
	c.Header("Cache-Control", "public, max-age=90")
	c.Data(http.StatusOK, "video/mp2t", data)
}

// authorizePlay runs the play admission hook, writing 401/403/503 on
// denial.
func (s *Server) authorizePlay(c *gin.Context, key models.StreamKey, handler string) bool {
	_, err := s.auth.Authorize(c.Request.Context(), key.App, key.Stream, bearerToken(c), false)
	if err == nil {
		return true
	}
	status := http.StatusForbidden
	switch {
	case errors.Is(err, auth.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrTokenMissing), errors.Is(err, auth.ErrTokenInvalid):
		status = http.StatusUnauthorized
	}
	s.metrics.RecordHTTPRequest(handler, status)
	c.Status(status)
	return false
}

// flushWriter flushes after every write so tags reach the client at line
// rate.
type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		f.w.Flush()
	}
	return n, err
}
