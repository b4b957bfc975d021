package rtmp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
)

// Server accepts RTMP connections and runs one session per connection.
type Server struct {
	addr  string
	hub   *hub.Hub
	auth  AuthHook
	pulls PullResolver

	maxConnections   int32
	maxMessageSize   uint32
	handshakeTimeout time.Duration
	gracePeriod      time.Duration

	active    int32
	listener  net.Listener
	cancelled chan struct{}
	cancel    sync.Once
	wg        sync.WaitGroup
}

// Option tweaks server limits.
type Option func(*Server)

// WithMaxConnections caps concurrent sessions; over-cap accepts are
// dropped immediately.
func WithMaxConnections(n int) Option {
	return func(s *Server) { s.maxConnections = int32(n) }
}

// WithMaxMessageSize caps reassembled message size.
func WithMaxMessageSize(n uint32) Option {
	return func(s *Server) { s.maxMessageSize = n }
}

// WithGracePeriod sets how long Shutdown waits for sessions to finish.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Server) { s.gracePeriod = d }
}

// New creates an RTMP server bridging connections to the hub.
func New(addr string, h *hub.Hub, auth AuthHook, pulls PullResolver, opts ...Option) *Server {
	s := &Server{
		addr:             addr,
		hub:              h,
		auth:             auth,
		pulls:            pulls,
		maxConnections:   1000,
		maxMessageSize:   DefaultMaxMessageSize,
		handshakeTimeout: 10 * time.Second,
		gracePeriod:      10 * time.Second,
		cancelled:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the TCP listener; Addr is valid afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe accepts connections until Shutdown. Failure to bind is
// the only fatal condition.
func (s *Server) ListenAndServe() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ln := s.listener
	log.Info().Str("addr", s.Addr()).Msg("rtmp server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.cancelled:
				return nil
			default:
			}
			log.Warn().Err(err).Msg("rtmp accept failed")
			continue
		}
		// Atomic add with rollback avoids a TOCTOU window under
		// concurrent accepts.
		if atomic.AddInt32(&s.active, 1) > s.maxConnections {
			atomic.AddInt32(&s.active, -1)
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("connection cap reached, dropping accept")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer func() {
				atomic.AddInt32(&s.active, -1)
				s.wg.Done()
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("rtmp session panicked")
				}
			}()
			sess := newSession(conn, s.hub, s.auth, s.pulls, s.maxMessageSize, s.cancelled)
			sess.run(s.handshakeTimeout)
		}()
	}
}

// Shutdown stops accepting, signals every session, waits up to the grace
// period and then returns; lingering sessions die with the process.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel.Do(func() { close(s.cancelled) })
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.gracePeriod):
		return fmt.Errorf("rtmp shutdown grace period expired")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of live sessions.
func (s *Server) Active() int {
	return int(atomic.LoadInt32(&s.active))
}
