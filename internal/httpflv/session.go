package httpflv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// DefaultWriteTimeout drops a client that cannot drain the tag channel in
// time.
const DefaultWriteTimeout = 5 * time.Second

// tagBuffer bounds the byte-chunk channel backing the HTTP response body.
const tagBuffer = 256

// ErrClientTooSlow is returned when the HTTP client stalls past the write
// timeout.
var ErrClientTooSlow = errors.New("flv client too slow")

// PullResolver lazily materialises a stream published on another node.
type PullResolver interface {
	EnsurePull(ctx context.Context, key models.StreamKey) error
}

// Session streams one live FLV body to an HTTP client.
type Session struct {
	id      string
	key     models.StreamKey
	hub     *hub.Hub
	timeout time.Duration
}

// NewSession prepares an FLV session for a stream.
func NewSession(h *hub.Hub, key models.StreamKey) *Session {
	return &Session{
		id:      uuid.NewString(),
		key:     key,
		hub:     h,
		timeout: DefaultWriteTimeout,
	}
}

// Serve subscribes to the hub (triggering a cross-node pull when the
// stream is not local) and writes the FLV header followed by tags until
// the client disconnects or the stream ends. Returns hub.ErrNotFound when
// the stream does not exist anywhere.
func (s *Session) Serve(ctx context.Context, w io.Writer, remoteAddr string, pulls PullResolver) error {
	info := models.SubscriberInfo{ID: s.id, Type: models.SubscriberFLV, RemoteAddr: remoteAddr}
	sub, err := s.hub.Subscribe(s.key, info)
	if errors.Is(err, hub.ErrNotFound) && pulls != nil {
		if perr := pulls.EnsurePull(ctx, s.key); perr == nil {
			sub, err = s.hub.Subscribe(s.key, info)
		}
	}
	if err != nil {
		return err
	}
	defer s.hub.Unsubscribe(s.key, s.id)

	// Derive header flags from the sticky MediaInfo when present.
	hasVideo, hasAudio := true, true
	for _, f := range sub.Prior {
		if f.Kind == models.FrameMediaInfo && f.Info != nil {
			hasVideo, hasAudio = f.Info.HasVideo, f.Info.HasAudio
			break
		}
	}

	// A bounded chunk channel decouples hub delivery from the client's
	// read rate; the writer goroutine owns the HTTP body.
	chunks := make(chan []byte, tagBuffer)
	writeErr := make(chan error, 1)
	go func() {
		defer close(writeErr)
		for chunk := range chunks {
			if _, err := w.Write(chunk); err != nil {
				writeErr <- err
				return
			}
		}
	}()
	defer close(chunks)

	push := func(chunk []byte) error {
		if chunk == nil {
			return nil
		}
		select {
		case chunks <- chunk:
			return nil
		case err := <-writeErr:
			if err == nil {
				err = io.ErrClosedPipe
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.timeout):
			return ErrClientTooSlow
		}
	}

	if err := push(Header(hasVideo, hasAudio)); err != nil {
		return err
	}
	for _, f := range sub.Prior {
		if err := push(EncodeFrame(f)); err != nil {
			return s.finish(err)
		}
	}
	for {
		select {
		case f, ok := <-sub.Frames:
			if !ok {
				return nil // stream unpublished or we were dropped
			}
			if err := push(EncodeFrame(f)); err != nil {
				return s.finish(err)
			}
		case err := <-writeErr:
			return s.finish(err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) finish(err error) error {
	if err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Stringer("stream", s.key).Msg("flv session ended")
	}
	if errors.Is(err, ErrClientTooSlow) {
		return fmt.Errorf("%w: %s", ErrClientTooSlow, s.key)
	}
	return err
}
