package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zijiren233/synctv-relay/internal/registry"
	"github.com/zijiren233/synctv-relay/internal/relay/pb"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// HLSProxy serves HLS playlists and segments for streams whose publisher
// lives on another node. Playlists are fetched on every request (they
// change with every segment); segments are immutable and cached locally
// with a TTL matching the store retention window.
type HLSProxy struct {
	registry registry.Registry
	secret   string

	segments *gocache.Cache

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewHLSProxy creates the proxy; segmentTTL should match segment
// retention.
func NewHLSProxy(reg registry.Registry, secret string, segmentTTL time.Duration) *HLSProxy {
	if segmentTTL <= 0 {
		segmentTTL = 90 * time.Second
	}
	return &HLSProxy{
		registry: reg,
		secret:   secret,
		segments: gocache.New(segmentTTL, segmentTTL),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Close drops pooled peer connections.
func (p *HLSProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conn := range p.conns {
		conn.Close()
		delete(p.conns, addr)
	}
}

func (p *HLSProxy) client(addr string) (pb.StreamRelayClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return pb.NewStreamRelayClient(conn), nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to publisher node: %w", err)
	}
	p.conns[addr] = conn
	return pb.NewStreamRelayClient(conn), nil
}

// Playlist fetches the M3U8 from the publisher node with segment URLs
// rewritten under urlBase. Returns ErrNoPublisher when nobody publishes
// the key.
func (p *HLSProxy) Playlist(ctx context.Context, key models.StreamKey, urlBase string) (string, error) {
	record, err := p.registry.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrNoPublisher) {
			return "", ErrNoPublisher
		}
		return "", fmt.Errorf("failed to resolve publisher: %w", err)
	}
	client, err := p.client(record.NodeAddr)
	if err != nil {
		return "", err
	}
	resp, err := client.GetHlsPlaylist(withSecret(ctx, p.secret), &pb.GetHlsPlaylistRequest{
		App:            key.App,
		Stream:         key.Stream,
		SegmentUrlBase: urlBase,
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch playlist: %w", err)
	}
	if !resp.Found {
		return "", ErrNoPublisher
	}
	return resp.Playlist, nil
}

// Segment fetches one TS segment, consulting the local cache first.
func (p *HLSProxy) Segment(ctx context.Context, key models.StreamKey, name string) ([]byte, error) {
	cacheKey := key.SegmentName(name)
	if cached, ok := p.segments.Get(cacheKey); ok {
		return cached.([]byte), nil
	}
	record, err := p.registry.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrNoPublisher) {
			return nil, ErrNoPublisher
		}
		return nil, fmt.Errorf("failed to resolve publisher: %w", err)
	}
	client, err := p.client(record.NodeAddr)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetHlsSegment(withSecret(ctx, p.secret), &pb.GetHlsSegmentRequest{
		App:         key.App,
		Stream:      key.Stream,
		SegmentName: name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment: %w", err)
	}
	if !resp.Found {
		return nil, ErrNoPublisher
	}
	p.segments.SetDefault(cacheKey, resp.Data)
	return resp.Data, nil
}
