// Package pb holds the hand-maintained wire types and stubs for the
// StreamRelay service defined in relay.proto. The message structs use
// protobuf struct tags and satisfy the legacy proto.Message interface, so
// the standard gRPC proto codec marshals them without generated code.
package pb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/protoadapt"
)

// The gRPC proto codec adapts legacy messages through protoadapt; these
// assertions keep the wire types on that contract.
var (
	_ protoadapt.MessageV1 = (*PullStreamRequest)(nil)
	_ protoadapt.MessageV1 = (*FramePacket)(nil)
	_ protoadapt.MessageV1 = (*MediaInfoPacket)(nil)
	_ protoadapt.MessageV1 = (*GetHlsPlaylistRequest)(nil)
	_ protoadapt.MessageV1 = (*GetHlsPlaylistResponse)(nil)
	_ protoadapt.MessageV1 = (*GetHlsSegmentRequest)(nil)
	_ protoadapt.MessageV1 = (*GetHlsSegmentResponse)(nil)
)

// Frame kinds carried in FramePacket.Kind.
const (
	FrameKindVideo     = 1
	FrameKindAudio     = 2
	FrameKindMetadata  = 3
	FrameKindMediaInfo = 4
)

// PullStreamRequest asks the publisher node for one stream's frames.
type PullStreamRequest struct {
	App    string `protobuf:"bytes,1,opt,name=app,proto3" json:"app,omitempty"`
	Stream string `protobuf:"bytes,2,opt,name=stream,proto3" json:"stream,omitempty"`
}

func (m *PullStreamRequest) Reset()         { *m = PullStreamRequest{} }
func (m *PullStreamRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*PullStreamRequest) ProtoMessage()    {}

// FramePacket is one frame on the wire.
type FramePacket struct {
	Kind       uint32           `protobuf:"varint,1,opt,name=kind,proto3" json:"kind,omitempty"`
	Timestamp  uint32           `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	IsKeyFrame bool             `protobuf:"varint,3,opt,name=is_key_frame,json=isKeyFrame,proto3" json:"is_key_frame,omitempty"`
	Data       []byte           `protobuf:"bytes,4,opt,name=data,proto3" json:"data,omitempty"`
	Epoch      uint64           `protobuf:"varint,5,opt,name=epoch,proto3" json:"epoch,omitempty"`
	MediaInfo  *MediaInfoPacket `protobuf:"bytes,6,opt,name=media_info,json=mediaInfo,proto3" json:"media_info,omitempty"`
}

func (m *FramePacket) Reset()         { *m = FramePacket{} }
func (m *FramePacket) String() string { return fmt.Sprintf("FramePacket(kind=%d ts=%d)", m.Kind, m.Timestamp) }
func (*FramePacket) ProtoMessage()    {}

// MediaInfoPacket mirrors models.MediaInfo on the wire.
type MediaInfoPacket struct {
	VideoCodec string `protobuf:"bytes,1,opt,name=video_codec,json=videoCodec,proto3" json:"video_codec,omitempty"`
	AudioCodec string `protobuf:"bytes,2,opt,name=audio_codec,json=audioCodec,proto3" json:"audio_codec,omitempty"`
	Width      int32  `protobuf:"varint,3,opt,name=width,proto3" json:"width,omitempty"`
	Height     int32  `protobuf:"varint,4,opt,name=height,proto3" json:"height,omitempty"`
	HasVideo   bool   `protobuf:"varint,5,opt,name=has_video,json=hasVideo,proto3" json:"has_video,omitempty"`
	HasAudio   bool   `protobuf:"varint,6,opt,name=has_audio,json=hasAudio,proto3" json:"has_audio,omitempty"`
}

func (m *MediaInfoPacket) Reset()         { *m = MediaInfoPacket{} }
func (m *MediaInfoPacket) String() string { return fmt.Sprintf("%+v", *m) }
func (*MediaInfoPacket) ProtoMessage()    {}

// GetHlsPlaylistRequest fetches the live playlist from the publisher node.
type GetHlsPlaylistRequest struct {
	App            string `protobuf:"bytes,1,opt,name=app,proto3" json:"app,omitempty"`
	Stream         string `protobuf:"bytes,2,opt,name=stream,proto3" json:"stream,omitempty"`
	SegmentUrlBase string `protobuf:"bytes,3,opt,name=segment_url_base,json=segmentUrlBase,proto3" json:"segment_url_base,omitempty"`
}

func (m *GetHlsPlaylistRequest) Reset()         { *m = GetHlsPlaylistRequest{} }
func (m *GetHlsPlaylistRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*GetHlsPlaylistRequest) ProtoMessage()    {}

// GetHlsPlaylistResponse carries the rendered M3U8 body.
type GetHlsPlaylistResponse struct {
	Found    bool   `protobuf:"varint,1,opt,name=found,proto3" json:"found,omitempty"`
	Playlist string `protobuf:"bytes,2,opt,name=playlist,proto3" json:"playlist,omitempty"`
}

func (m *GetHlsPlaylistResponse) Reset()         { *m = GetHlsPlaylistResponse{} }
func (m *GetHlsPlaylistResponse) String() string { return fmt.Sprintf("%+v", *m) }
func (*GetHlsPlaylistResponse) ProtoMessage()    {}

// GetHlsSegmentRequest fetches one TS segment.
type GetHlsSegmentRequest struct {
	App         string `protobuf:"bytes,1,opt,name=app,proto3" json:"app,omitempty"`
	Stream      string `protobuf:"bytes,2,opt,name=stream,proto3" json:"stream,omitempty"`
	SegmentName string `protobuf:"bytes,3,opt,name=segment_name,json=segmentName,proto3" json:"segment_name,omitempty"`
}

func (m *GetHlsSegmentRequest) Reset()         { *m = GetHlsSegmentRequest{} }
func (m *GetHlsSegmentRequest) String() string { return fmt.Sprintf("%+v", *m) }
func (*GetHlsSegmentRequest) ProtoMessage()    {}

// GetHlsSegmentResponse carries segment bytes.
type GetHlsSegmentResponse struct {
	Found bool   `protobuf:"varint,1,opt,name=found,proto3" json:"found,omitempty"`
	Data  []byte `protobuf:"bytes,2,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *GetHlsSegmentResponse) Reset()         { *m = GetHlsSegmentResponse{} }
func (m *GetHlsSegmentResponse) String() string { return fmt.Sprintf("GetHlsSegmentResponse(found=%v, %d bytes)", m.Found, len(m.Data)) }
func (*GetHlsSegmentResponse) ProtoMessage()    {}

const serviceName = "synctv.relay.StreamRelay"

// StreamRelayClient is the client API for the StreamRelay service.
type StreamRelayClient interface {
	PullStream(ctx context.Context, in *PullStreamRequest, opts ...grpc.CallOption) (StreamRelay_PullStreamClient, error)
	GetHlsPlaylist(ctx context.Context, in *GetHlsPlaylistRequest, opts ...grpc.CallOption) (*GetHlsPlaylistResponse, error)
	GetHlsSegment(ctx context.Context, in *GetHlsSegmentRequest, opts ...grpc.CallOption) (*GetHlsSegmentResponse, error)
}

type streamRelayClient struct {
	cc grpc.ClientConnInterface
}

// NewStreamRelayClient wraps a client connection.
func NewStreamRelayClient(cc grpc.ClientConnInterface) StreamRelayClient {
	return &streamRelayClient{cc: cc}
}

func (c *streamRelayClient) PullStream(ctx context.Context, in *PullStreamRequest, opts ...grpc.CallOption) (StreamRelay_PullStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &StreamRelay_ServiceDesc.Streams[0], "/"+serviceName+"/PullStream", opts...)
	if err != nil {
		return nil, err
	}
	x := &streamRelayPullStreamClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// StreamRelay_PullStreamClient is the client side of the frame stream.
type StreamRelay_PullStreamClient interface {
	Recv() (*FramePacket, error)
	grpc.ClientStream
}

type streamRelayPullStreamClient struct {
	grpc.ClientStream
}

func (x *streamRelayPullStreamClient) Recv() (*FramePacket, error) {
	m := new(FramePacket)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *streamRelayClient) GetHlsPlaylist(ctx context.Context, in *GetHlsPlaylistRequest, opts ...grpc.CallOption) (*GetHlsPlaylistResponse, error) {
	out := new(GetHlsPlaylistResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetHlsPlaylist", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *streamRelayClient) GetHlsSegment(ctx context.Context, in *GetHlsSegmentRequest, opts ...grpc.CallOption) (*GetHlsSegmentResponse, error) {
	out := new(GetHlsSegmentResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetHlsSegment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamRelayServer is the server API for the StreamRelay service.
type StreamRelayServer interface {
	PullStream(*PullStreamRequest, StreamRelay_PullStreamServer) error
	GetHlsPlaylist(context.Context, *GetHlsPlaylistRequest) (*GetHlsPlaylistResponse, error)
	GetHlsSegment(context.Context, *GetHlsSegmentRequest) (*GetHlsSegmentResponse, error)
}

// StreamRelay_PullStreamServer is the server side of the frame stream.
type StreamRelay_PullStreamServer interface {
	Send(*FramePacket) error
	grpc.ServerStream
}

type streamRelayPullStreamServer struct {
	grpc.ServerStream
}

func (x *streamRelayPullStreamServer) Send(m *FramePacket) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterStreamRelayServer registers the service implementation.
func RegisterStreamRelayServer(s grpc.ServiceRegistrar, srv StreamRelayServer) {
	s.RegisterService(&StreamRelay_ServiceDesc, srv)
}

func _StreamRelay_PullStream_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(PullStreamRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StreamRelayServer).PullStream(m, &streamRelayPullStreamServer{stream})
}

func _StreamRelay_GetHlsPlaylist_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetHlsPlaylistRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StreamRelayServer).GetHlsPlaylist(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetHlsPlaylist"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StreamRelayServer).GetHlsPlaylist(ctx, req.(*GetHlsPlaylistRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _StreamRelay_GetHlsSegment_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetHlsSegmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StreamRelayServer).GetHlsSegment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetHlsSegment"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StreamRelayServer).GetHlsSegment(ctx, req.(*GetHlsSegmentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// StreamRelay_ServiceDesc is the grpc.ServiceDesc for the StreamRelay
// service.
var StreamRelay_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StreamRelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetHlsPlaylist", Handler: _StreamRelay_GetHlsPlaylist_Handler},
		{MethodName: "GetHlsSegment", Handler: _StreamRelay_GetHlsSegment_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "PullStream", Handler: _StreamRelay_PullStream_Handler, ServerStreams: true},
	},
	Metadata: "relay.proto",
}
