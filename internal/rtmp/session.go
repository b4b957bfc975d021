package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/muxer"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// AuthHook is the admission contract the RTMP frontend calls before
// publish and play. Implementations validate bearer tokens; the frontend
// never embeds authentication logic.
type AuthHook interface {
	// Authorize admits or denies a publish/play attempt. The token may be
	// empty for players of public streams.
	Authorize(ctx context.Context, app, stream, token string, publish bool) (userID string, err error)
	// OnUnpublish is a fire-and-forget notification that a publisher
	// stopped.
	OnUnpublish(app, stream string)
}

// PullResolver lazily materialises a stream published on another node.
type PullResolver interface {
	EnsurePull(ctx context.Context, key models.StreamKey) error
}

// session state machine states.
type sessionState int

const (
	stateHandshaking sessionState = iota
	stateConnected
	statePublishing
	statePlaying
	stateClosed
)

// session drives one RTMP connection from handshake to close.
type session struct {
	id     string
	conn   net.Conn
	reader *ChunkReader
	writer *ChunkWriter
	wmu    sync.Mutex

	hub   *hub.Hub
	auth  AuthHook
	pulls PullResolver

	state     sessionState
	app       string
	key       models.StreamKey
	userID    string
	sender    *hub.Sender
	sub       *hub.Subscription
	cancelled <-chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// publisher codec context
	videoCodec string
	audioCodec string
	info       models.MediaInfo
	infoSent   bool

	log zerolog.Logger
}

func newSession(conn net.Conn, h *hub.Hub, auth AuthHook, pulls PullResolver, maxMessageSize uint32, cancelled <-chan struct{}) *session {
	id := uuid.NewString()
	return &session{
		id:        id,
		conn:      conn,
		reader:    NewChunkReader(conn, maxMessageSize),
		writer:    NewChunkWriter(conn),
		hub:       h,
		auth:      auth,
		pulls:     pulls,
		cancelled: cancelled,
		closed:    make(chan struct{}),
		log:       log.With().Str("session", id).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// run processes the connection until error or close. Any exit path ends in
// teardown so publish state never leaks.
func (s *session) run(handshakeTimeout time.Duration) {
	defer s.teardown()

	if err := ServerHandshake(s.conn, handshakeTimeout); err != nil {
		s.log.Warn().Err(err).Msg("rtmp handshake failed")
		return
	}
	s.state = stateConnected

	go func() {
		select {
		case <-s.cancelled:
			s.conn.Close()
		case <-s.closed:
		}
	}()

	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Info().Err(err).Msg("rtmp session ended")
			}
			return
		}
		if ack := s.reader.AckDue(); ack != 0 {
			s.writeMessage(newControlMessage(msgAck, ack))
		}
		if err := s.handle(msg); err != nil {
			s.log.Warn().Err(err).Msg("rtmp session error")
			return
		}
	}
}

func (s *session) handle(msg *Message) error {
	switch msg.TypeID {
	case msgSetChunkSize, msgAbort, msgAck:
		return nil
	case msgWindowAckSize:
		if len(msg.Payload) >= 4 {
			s.reader.SetAckWindow(uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3]))
		}
		return nil
	case msgUserControl:
		return nil
	case msgCommandAMF0, msgCommandAMF3:
		cmd, err := parseCommand(msg)
		if err != nil {
			return err
		}
		return s.handleCommand(cmd, msg)
	case msgAudio:
		return s.handleAudio(msg)
	case msgVideo:
		return s.handleVideo(msg)
	case msgDataAMF0:
		return s.handleData(msg)
	default:
		return nil
	}
}

func (s *session) handleCommand(cmd *command, msg *Message) error {
	switch cmd.name {
	case "connect":
		return s.handleConnect(cmd)
	case "createStream":
		return s.writeCommand(0, "_result", cmd.transactionID, nil, float64(1))
	case "releaseStream", "FCPublish", "getStreamLength":
		return nil
	case "publish":
		return s.handlePublish(cmd, msg)
	case "play":
		return s.handlePlay(cmd, msg)
	case "deleteStream", "closeStream", "FCUnpublish":
		s.stopStreaming()
		return nil
	default:
		s.log.Debug().Str("command", cmd.name).Msg("ignoring rtmp command")
		return nil
	}
}

func (s *session) handleConnect(cmd *command) error {
	if app, ok := cmd.object["app"].(string); ok {
		s.app = strings.Trim(app, "/")
	}
	if err := s.writeMessage(newControlMessage(msgWindowAckSize, 2500000)); err != nil {
		return err
	}
	if err := s.writeMessage(newSetPeerBandwidth(2500000, 2)); err != nil {
		return err
	}
	if err := s.writeMessage(newControlMessage(msgSetChunkSize, 4096)); err != nil {
		return err
	}
	s.writer.SetChunkSize(4096)
	return s.writeCommand(0, "_result", cmd.transactionID,
		map[string]interface{}{
			"fmsVer":       "FMS/3,0,1,123",
			"capabilities": 31,
		},
		map[string]interface{}{
			"level":          "status",
			"code":           "NetConnection.Connect.Success",
			"description":    "Connection succeeded.",
			"objectEncoding": 0,
		})
}

func (s *session) handlePublish(cmd *command, msg *Message) error {
	if s.state != stateConnected {
		return fmt.Errorf("publish in unexpected state %d", s.state)
	}
	name, token := splitStreamToken(cmd.firstStringArg())
	if name == "" {
		return fmt.Errorf("publish without stream name")
	}
	key := models.StreamKey{App: s.app, Stream: name}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	userID, err := s.auth.Authorize(ctx, key.App, key.Stream, token, true)
	cancel()
	if err != nil {
		s.log.Warn().Err(err).Stringer("stream", key).Msg("publish denied")
		s.writeStatus(msg.StreamID, "error", "NetStream.Publish.BadName", "publish not authorized")
		return fmt.Errorf("publish auth failed: %w", err)
	}

	sender, kick, err := s.hub.Publish(key, models.PublisherInfo{
		ID:         s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
		Type:       models.PublisherLive,
		UserID:     userID,
		StartedAt:  time.Now(),
	})
	if err != nil {
		s.writeStatus(msg.StreamID, "error", "NetStream.Publish.BadName", "stream already publishing")
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	s.key = key
	s.userID = userID
	s.sender = sender
	s.state = statePublishing

	go func() {
		if reason, ok := <-kick; ok {
			s.log.Warn().Str("reason", reason).Stringer("stream", key).Msg("publisher kicked")
			s.writeStatus(msg.StreamID, "error", "NetStream.Publish.BadName", reason)
			s.conn.Close()
		}
	}()

	if err := s.writeMessage(newUserControl(eventStreamBegin, msg.StreamID)); err != nil {
		return err
	}
	return s.writeStatus(msg.StreamID, "status", "NetStream.Publish.Start", "publishing started")
}

func (s *session) handlePlay(cmd *command, msg *Message) error {
	if s.state != stateConnected {
		return fmt.Errorf("play in unexpected state %d", s.state)
	}
	name, token := splitStreamToken(cmd.firstStringArg())
	key := models.StreamKey{App: s.app, Stream: name}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	userID, err := s.auth.Authorize(ctx, key.App, key.Stream, token, false)
	cancel()
	if err != nil {
		s.writeStatus(msg.StreamID, "error", "NetStream.Play.Failed", "play not authorized")
		return fmt.Errorf("play auth failed: %w", err)
	}
	s.userID = userID

	info := models.SubscriberInfo{ID: s.id, Type: models.SubscriberRTMP, RemoteAddr: s.conn.RemoteAddr().String()}
	sub, err := s.hub.Subscribe(key, info)
	if errors.Is(err, hub.ErrNotFound) && s.pulls != nil {
		pullCtx, pullCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if perr := s.pulls.EnsurePull(pullCtx, key); perr == nil {
			sub, err = s.hub.Subscribe(key, info)
		}
		pullCancel()
	}
	if err != nil {
		s.writeStatus(msg.StreamID, "error", "NetStream.Play.StreamNotFound", "no such stream")
		return fmt.Errorf("failed to subscribe %s: %w", key, err)
	}
	s.key = key
	s.sub = sub
	s.state = statePlaying

	if err := s.writeMessage(newUserControl(eventStreamBegin, msg.StreamID)); err != nil {
		return err
	}
	if err := s.writeStatus(msg.StreamID, "status", "NetStream.Play.Reset", "resetting stream"); err != nil {
		return err
	}
	if err := s.writeStatus(msg.StreamID, "status", "NetStream.Play.Start", "playing"); err != nil {
		return err
	}

	go s.playLoop(msg.StreamID, sub)
	return nil
}

// playLoop streams prior data then live frames to the client, rebuilding
// RTMP messages from hub frames.
func (s *session) playLoop(streamID uint32, sub *hub.Subscription) {
	for _, f := range sub.Prior {
		if err := s.writeFrame(streamID, f); err != nil {
			s.conn.Close()
			return
		}
	}
	for f := range sub.Frames {
		if err := s.writeFrame(streamID, f); err != nil {
			s.conn.Close()
			return
		}
	}
	// Hub closed the channel: stream unpublished or we were dropped.
	s.writeStatus(streamID, "status", "NetStream.Play.Stop", "stream ended")
	s.conn.Close()
}

func (s *session) writeFrame(streamID uint32, f models.Frame) error {
	var typeID uint8
	var csid uint32
	switch f.Kind {
	case models.FrameVideo:
		typeID, csid = msgVideo, csidVideo
	case models.FrameAudio:
		typeID, csid = msgAudio, csidAudio
	case models.FrameMetadata:
		typeID, csid = msgDataAMF0, csidData
	default:
		return nil
	}
	return s.writeMessage(&Message{
		CSID:      csid,
		Timestamp: f.Timestamp,
		TypeID:    typeID,
		StreamID:  streamID,
		Payload:   f.Payload,
	})
}

func (s *session) handleVideo(msg *Message) error {
	if s.state != statePublishing {
		return nil
	}
	pkt, err := muxer.ParseVideoPacket(msg.Payload)
	if err != nil {
		// Tolerate unknown codecs mid-stream; drop the frame only.
		s.log.Debug().Err(err).Msg("unparseable video packet")
		return nil
	}
	if s.videoCodec == "" {
		s.videoCodec = pkt.Codec
		s.info.VideoCodec = pkt.Codec
		s.info.HasVideo = true
		s.infoSent = false
	}
	if err := s.maybeSendMediaInfo(); err != nil {
		return err
	}
	return s.sender.Send(models.NewVideoFrame(msg.Timestamp, msg.Payload, s.videoCodec))
}

func (s *session) handleAudio(msg *Message) error {
	if s.state != statePublishing {
		return nil
	}
	if s.audioCodec == "" {
		if pkt, err := muxer.ParseAudioPacket(msg.Payload); err == nil {
			s.audioCodec = pkt.Codec
			s.info.AudioCodec = pkt.Codec
			s.info.HasAudio = true
			s.infoSent = false
		}
	}
	if err := s.maybeSendMediaInfo(); err != nil {
		return err
	}
	return s.sender.Send(models.NewAudioFrame(msg.Timestamp, msg.Payload))
}

func (s *session) handleData(msg *Message) error {
	if s.state != statePublishing {
		return nil
	}
	values, err := DecodeAMF(msg.Payload)
	if err != nil || len(values) == 0 {
		return nil
	}
	// Strip the @setDataFrame wrapper so players receive plain onMetaData.
	payload := msg.Payload
	if name, ok := values[0].(string); ok && name == "@setDataFrame" {
		values = values[1:]
		payload, err = EncodeAMF(values...)
		if err != nil {
			return nil
		}
	}
	for _, v := range values {
		if obj, ok := v.(map[string]interface{}); ok {
			if w, ok := obj["width"].(float64); ok {
				s.info.Width = int(w)
			}
			if h, ok := obj["height"].(float64); ok {
				s.info.Height = int(h)
			}
		}
	}
	return s.sender.Send(models.NewMetadataFrame(msg.Timestamp, payload))
}

func (s *session) maybeSendMediaInfo() error {
	if s.infoSent {
		return nil
	}
	s.infoSent = true
	info := s.info
	return s.sender.Send(models.NewMediaInfoFrame(&info))
}

// stopStreaming tears down publish or play state without closing the
// connection, mirroring deleteStream semantics.
func (s *session) stopStreaming() {
	switch s.state {
	case statePublishing:
		s.hub.Unpublish(s.key, s.id)
		s.auth.OnUnpublish(s.key.App, s.key.Stream)
		s.state = stateConnected
		s.sender = nil
	case statePlaying:
		s.hub.Unsubscribe(s.key, s.id)
		s.state = stateConnected
		s.sub = nil
	}
}

func (s *session) teardown() {
	s.stopStreaming()
	s.state = stateClosed
	s.closeOnce.Do(func() { close(s.closed) })
	s.conn.Close()
}

func (s *session) writeMessage(msg *Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writer.WriteMessage(msg)
}

func (s *session) writeCommand(streamID uint32, values ...interface{}) error {
	msg, err := newCommand(streamID, values...)
	if err != nil {
		return err
	}
	return s.writeMessage(msg)
}

func (s *session) writeStatus(streamID uint32, level, code, description string) error {
	msg, err := newStatus(streamID, level, code, description)
	if err != nil {
		return err
	}
	return s.writeMessage(msg)
}

// splitStreamToken splits "name?token=..." publish/play names. When no
// token query is present the name itself doubles as the token candidate.
func splitStreamToken(raw string) (name, token string) {
	name = raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		name = raw[:i]
		query := raw[i+1:]
		for _, part := range strings.Split(query, "&") {
			if v, ok := strings.CutPrefix(part, "token="); ok {
				token = v
			}
		}
	}
	if token == "" {
		token = name
	}
	return name, token
}
