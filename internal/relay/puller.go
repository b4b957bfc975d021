package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/registry"
	"github.com/zijiren233/synctv-relay/internal/relay/pb"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Puller timing defaults from the pull stream contract.
const (
	// epochCheckInterval is how often the registry epoch is revalidated
	// to catch split-brain handover.
	epochCheckInterval = 5 * time.Second
	// idleGrace is how long a pull survives with no local subscribers.
	idleGrace = 15 * time.Second
)

// ErrEpochMismatch signals that the publisher changed under a running
// pull; the next subscriber re-resolves.
var ErrEpochMismatch = errors.New("publisher epoch changed")

// puller materialises one remote stream locally: it opens a server
// streaming call to the publisher node, republishes into the local hub as
// a relay publisher, and tears down on EOS, epoch mismatch or idleness.
type puller struct {
	key      models.StreamKey
	record   *models.PublisherRecord
	hub      *hub.Hub
	registry registry.Registry
	secret   string
	onExit   func(models.StreamKey)

	id     string
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func newPuller(key models.StreamKey, record *models.PublisherRecord, h *hub.Hub, reg registry.Registry, secret string, onExit func(models.StreamKey)) *puller {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &puller{
		key:      key,
		record:   record,
		hub:      h,
		registry: reg,
		secret:   secret,
		onExit:   onExit,
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		log: log.With().
			Stringer("stream", key).
			Str("publisher_node", record.NodeID).
			Str("component", "puller").Logger(),
	}
}

// start dials the publisher and publishes into the local hub. It returns
// once the local stream exists so concurrent subscribers can attach; frame
// forwarding continues in the background.
func (p *puller) start() error {
	dialCtx, dialCancel := context.WithTimeout(p.ctx, dialTimeout)
	defer dialCancel()
	conn, err := grpc.DialContext(dialCtx, p.record.NodeAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to dial publisher node %s: %w", p.record.NodeAddr, err)
	}

	client := pb.NewStreamRelayClient(conn)
	stream, err := client.PullStream(withSecret(p.ctx, p.secret), &pb.PullStreamRequest{
		App:    p.key.App,
		Stream: p.key.Stream,
	})
	if err != nil {
		conn.Close()
		p.cancel()
		return fmt.Errorf("failed to open pull stream: %w", err)
	}

	sender, kick, err := p.hub.Publish(p.key, models.PublisherInfo{
		ID:         p.id,
		RemoteAddr: p.record.NodeAddr,
		Type:       models.PublisherRelay,
		StartedAt:  time.Now(),
	})
	if err != nil {
		conn.Close()
		p.cancel()
		return fmt.Errorf("failed to publish relay stream: %w", err)
	}

	p.log.Info().Uint64("epoch", p.record.Epoch).Msg("pull stream started")
	go p.forward(conn, stream, sender, kick)
	go p.watch()
	return nil
}

// stop tears the pull down.
func (p *puller) stop() {
	p.cancel()
}

// forward moves frames from the gRPC stream into the hub until error/EOS.
func (p *puller) forward(conn *grpc.ClientConn, stream pb.StreamRelay_PullStreamClient, sender *hub.Sender, kick <-chan string) {
	defer func() {
		conn.Close()
		p.hub.Unpublish(p.key, p.id)
		p.cancel()
		p.onExit(p.key)
		p.log.Info().Msg("pull stream ended")
	}()

	go func() {
		select {
		case <-p.ctx.Done():
		case reason, ok := <-kick:
			if ok {
				p.log.Warn().Str("reason", reason).Msg("relay publisher kicked")
			}
			p.cancel()
		}
	}()

	// The wire epoch is the publisher node's local counter; a change
	// mid-stream means the remote stream was torn down and republished
	// under us. Cross-node handover is caught by the registry check in
	// watch().
	var wireEpoch uint64
	for {
		packet, err := stream.Recv()
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Info().Err(err).Msg("pull stream closed by publisher")
			}
			return
		}
		if packet.Epoch != 0 {
			if wireEpoch == 0 {
				wireEpoch = packet.Epoch
			} else if packet.Epoch != wireEpoch {
				p.log.Warn().
					Uint64("expected", wireEpoch).
					Uint64("got", packet.Epoch).
					Msg("pull stream epoch mismatch")
				return
			}
		}
		frame, ok := packetToFrame(packet)
		if !ok {
			continue
		}
		if err := sender.Send(frame); err != nil {
			p.log.Warn().Err(err).Msg("local hub rejected relayed frame")
			return
		}
	}
}

// watch revalidates the registry epoch and reclaims idle pulls.
func (p *puller) watch() {
	events := p.hub.Observe()
	epochTicker := time.NewTicker(epochCheckInterval)
	defer epochTicker.Stop()

	var idleTimer *time.Timer
	var idleCh <-chan time.Time
	subscribers := p.countSubscribers()
	armIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
		}
		idleTimer = time.NewTimer(idleGrace)
		idleCh = idleTimer.C
	}
	if subscribers == 0 {
		armIdle()
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-epochTicker.C:
			ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
			ok, err := p.registry.ValidateEpoch(ctx, p.key, p.record.Epoch)
			cancel()
			if err != nil {
				p.log.Warn().Err(err).Msg("epoch validation failed")
				continue
			}
			if !ok {
				p.log.Warn().Err(ErrEpochMismatch).Msg("publisher handover detected, tearing down pull")
				p.cancel()
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Key != p.key {
				continue
			}
			switch ev.Kind {
			case hub.EventSubscribe:
				if ev.Subscriber.ID != p.id {
					subscribers++
					if idleTimer != nil {
						idleTimer.Stop()
						idleCh = nil
					}
				}
			case hub.EventUnsubscribe:
				if subscribers > 0 {
					subscribers--
				}
				if subscribers == 0 {
					armIdle()
				}
			}
		case <-idleCh:
			if p.countSubscribers() == 0 {
				p.log.Info().Msg("no local subscribers, reclaiming pull")
				p.cancel()
				return
			}
			idleCh = nil
		}
	}
}

// countSubscribers reads the current local subscriber count from the hub.
func (p *puller) countSubscribers() int {
	for _, snap := range p.hub.Snapshot() {
		if snap.Key == p.key {
			return len(snap.Subscribers)
		}
	}
	return 0
}
