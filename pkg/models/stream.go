package models

import (
	"fmt"
	"time"
)

// StreamKey addresses a live stream across every component. For SyncTV the
// app is a room id and the stream is a media id.
type StreamKey struct {
	App    string
	Stream string
}

func (k StreamKey) String() string {
	return k.App + "/" + k.Stream
}

// SegmentName returns the flat storage key for an HLS segment of this
// stream: "{app}-{stream}-{name}". Segment keys carry no hierarchy.
func (k StreamKey) SegmentName(name string) string {
	return fmt.Sprintf("%s-%s-%s", k.App, k.Stream, name)
}

// PublisherType distinguishes a direct RTMP publisher from a cross-node
// relay that republishes a remote stream locally.
type PublisherType string

const (
	PublisherLive  PublisherType = "live"
	PublisherRelay PublisherType = "relay"
)

// PublisherInfo identifies the writer side of a stream.
type PublisherInfo struct {
	ID         string
	RemoteAddr string
	Type       PublisherType
	UserID     string
	StartedAt  time.Time
}

// SubscriberType identifies the protocol frontend a subscriber belongs to.
type SubscriberType string

const (
	SubscriberRTMP  SubscriberType = "rtmp"
	SubscriberFLV   SubscriberType = "flv"
	SubscriberHLS   SubscriberType = "hls"
	SubscriberRelay SubscriberType = "relay"
)

// SubscriberInfo identifies one reader attached to a stream.
type SubscriberInfo struct {
	ID         string
	Type       SubscriberType
	RemoteAddr string
}

// StreamStats tracks per-stream counters. Mutated only on the hub task.
type StreamStats struct {
	BytesReceived  uint64
	BytesSent      uint64
	FramesReceived uint64
	FramesSent     uint64
	KeyFrames      uint64
	DroppedFrames  uint64
}

// StreamSnapshot is a read-only copy of a stream's state, exported by the
// hub for listings and statistics.
type StreamSnapshot struct {
	Key         StreamKey
	Publisher   PublisherInfo
	Epoch       uint64
	CreatedAt   time.Time
	Subscribers []SubscriberInfo
	Stats       StreamStats
}

// StreamInfo is the JSON shape returned by the HTTP stream listing.
type StreamInfo struct {
	App            string `json:"app"`
	Stream         string `json:"stream"`
	PublisherType  string `json:"publisherType"`
	StartedAt      string `json:"startedAt"`
	Subscribers    int    `json:"subscribers"`
	BytesReceived  uint64 `json:"bytesReceived"`
	BytesSent      uint64 `json:"bytesSent"`
	FramesReceived uint64 `json:"framesReceived"`
	DroppedFrames  uint64 `json:"droppedFrames"`
}

// StreamListResponse is the envelope for the stream listing endpoint.
type StreamListResponse struct {
	Streams []StreamInfo `json:"streams"`
	Total   int          `json:"total"`
}
