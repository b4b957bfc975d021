package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zijiren233/synctv-relay/internal/hls"
	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/relay/pb"
	"github.com/zijiren233/synctv-relay/internal/storage"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// clusterSecretHeader authenticates every cross-node call.
const clusterSecretHeader = "x-cluster-secret"

// Service exports the local hub and HLS store to peer nodes.
type Service struct {
	hub    *hub.Hub
	hlsMgr *hls.Manager
	store  storage.Storage
	secret string

	server   *grpc.Server
	listener net.Listener
}

// NewService creates the cross-node relay service.
func NewService(h *hub.Hub, hlsMgr *hls.Manager, store storage.Storage, secret string) *Service {
	return &Service{hub: h, hlsMgr: hlsMgr, store: store, secret: secret}
}

// Listen binds the gRPC listener; Addr is valid afterwards.
func (s *Service) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryAuth),
		grpc.StreamInterceptor(s.streamAuth),
	)
	pb.RegisterStreamRelayServer(s.server, s)
	return nil
}

// Addr returns the bound listener address.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve binds (unless Listen already ran) and blocks until Stop.
func (s *Service) Serve(addr string) error {
	if s.listener == nil {
		if err := s.Listen(addr); err != nil {
			return err
		}
	}
	log.Info().Str("addr", s.Addr()).Msg("cluster relay service listening")
	return s.server.Serve(s.listener)
}

// Stop drains the gRPC server, hard-stopping after a grace period so
// peers holding pull streams open cannot block shutdown.
func (s *Service) Stop() {
	if s.server == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.server.Stop()
	}
}

// checkSecret compares the metadata secret in constant time.
func (s *Service) checkSecret(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(clusterSecretHeader)
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing cluster secret")
	}
	if subtle.ConstantTimeCompare([]byte(values[0]), []byte(s.secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid cluster secret")
	}
	return nil
}

func (s *Service) unaryAuth(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if err := s.checkSecret(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (s *Service) streamAuth(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.checkSecret(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

// PullStream subscribes to the local hub and forwards frames to a puller
// until the publisher ends or the puller disconnects.
func (s *Service) PullStream(req *pb.PullStreamRequest, stream pb.StreamRelay_PullStreamServer) error {
	key := models.StreamKey{App: req.App, Stream: req.Stream}
	subID := uuid.NewString()
	sub, err := s.hub.Subscribe(key, models.SubscriberInfo{
		ID:         subID,
		Type:       models.SubscriberRelay,
		RemoteAddr: peerAddr(stream.Context()),
	})
	if err != nil {
		if errors.Is(err, hub.ErrNotFound) {
			return status.Error(codes.NotFound, "no such stream")
		}
		return status.Error(codes.Unavailable, "hub unavailable")
	}
	defer s.hub.Unsubscribe(key, subID)

	epoch := s.hub.Epoch(key)
	first := true
	send := func(f models.Frame) error {
		packet := frameToPacket(f)
		if packet == nil {
			return nil
		}
		if first {
			packet.Epoch = epoch
			first = false
		}
		return stream.Send(packet)
	}

	for _, f := range sub.Prior {
		if err := send(f); err != nil {
			return err
		}
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case f, ok := <-sub.Frames:
			if !ok {
				// Publisher ended; signal Gone so the puller tears down
				// instead of retrying here.
				return status.Error(codes.NotFound, "stream ended")
			}
			if err := send(f); err != nil {
				return err
			}
		}
	}
}

// GetHlsPlaylist renders the playlist with URLs under the caller's base.
func (s *Service) GetHlsPlaylist(ctx context.Context, req *pb.GetHlsPlaylistRequest) (*pb.GetHlsPlaylistResponse, error) {
	key := models.StreamKey{App: req.App, Stream: req.Stream}
	playlist, ok := s.hlsMgr.Playlist(ctx, key, req.SegmentUrlBase)
	if !ok {
		return &pb.GetHlsPlaylistResponse{Found: false}, nil
	}
	return &pb.GetHlsPlaylistResponse{Found: true, Playlist: playlist}, nil
}

// GetHlsSegment reads one segment from the local store.
func (s *Service) GetHlsSegment(ctx context.Context, req *pb.GetHlsSegmentRequest) (*pb.GetHlsSegmentResponse, error) {
	key := models.StreamKey{App: req.App, Stream: req.Stream}
	data, err := s.store.Read(ctx, key.SegmentName(req.SegmentName))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &pb.GetHlsSegmentResponse{Found: false}, nil
		}
		return nil, status.Error(codes.Unavailable, "segment store unavailable")
	}
	return &pb.GetHlsSegmentResponse{Found: true, Data: data}, nil
}

func frameToPacket(f models.Frame) *pb.FramePacket {
	switch f.Kind {
	case models.FrameVideo:
		return &pb.FramePacket{Kind: pb.FrameKindVideo, Timestamp: f.Timestamp, IsKeyFrame: f.IsKeyFrame, Data: f.Payload}
	case models.FrameAudio:
		return &pb.FramePacket{Kind: pb.FrameKindAudio, Timestamp: f.Timestamp, Data: f.Payload}
	case models.FrameMetadata:
		return &pb.FramePacket{Kind: pb.FrameKindMetadata, Timestamp: f.Timestamp, Data: f.Payload}
	case models.FrameMediaInfo:
		if f.Info == nil {
			return nil
		}
		return &pb.FramePacket{Kind: pb.FrameKindMediaInfo, MediaInfo: &pb.MediaInfoPacket{
			VideoCodec: f.Info.VideoCodec,
			AudioCodec: f.Info.AudioCodec,
			Width:      int32(f.Info.Width),
			Height:     int32(f.Info.Height),
			HasVideo:   f.Info.HasVideo,
			HasAudio:   f.Info.HasAudio,
		}}
	default:
		return nil
	}
}

func packetToFrame(p *pb.FramePacket) (models.Frame, bool) {
	switch p.Kind {
	case pb.FrameKindVideo:
		return models.Frame{Kind: models.FrameVideo, Timestamp: p.Timestamp, Payload: p.Data, IsKeyFrame: p.IsKeyFrame}, true
	case pb.FrameKindAudio:
		return models.Frame{Kind: models.FrameAudio, Timestamp: p.Timestamp, Payload: p.Data}, true
	case pb.FrameKindMetadata:
		return models.Frame{Kind: models.FrameMetadata, Timestamp: p.Timestamp, Payload: p.Data}, true
	case pb.FrameKindMediaInfo:
		if p.MediaInfo == nil {
			return models.Frame{}, false
		}
		return models.NewMediaInfoFrame(&models.MediaInfo{
			VideoCodec: p.MediaInfo.VideoCodec,
			AudioCodec: p.MediaInfo.AudioCodec,
			Width:      int(p.MediaInfo.Width),
			Height:     int(p.MediaInfo.Height),
			HasVideo:   p.MediaInfo.HasVideo,
			HasAudio:   p.MediaInfo.HasAudio,
		}), true
	default:
		return models.Frame{}, false
	}
}

func peerAddr(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(":authority"); len(v) > 0 {
			return v[0]
		}
	}
	return "peer"
}

// withSecret attaches the cluster secret header to outgoing calls.
func withSecret(ctx context.Context, secret string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, clusterSecretHeader, secret)
}

// dialTimeout bounds connection establishment to peers.
const dialTimeout = 10 * time.Second
