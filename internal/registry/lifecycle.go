package registry

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/metrics"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// DefaultHeartbeatInterval keeps records alive well inside the TTL window.
const DefaultHeartbeatInterval = 30 * time.Second

// maxMissedHeartbeats forces a local unpublish after this many consecutive
// failed ticks.
const maxMissedHeartbeats = 3

// Lifecycle brackets every local live publish with the distributed
// registry: claim on the Publish broadcast, heartbeat while live, release
// on Unpublish. It observes the hub's broadcast bus and never touches hub
// state directly.
type Lifecycle struct {
	registry Registry
	hub      *hub.Hub
	interval time.Duration
	metrics  *metrics.Metrics

	mu     sync.Mutex
	owned  map[models.StreamKey]*ownedPublisher
	events <-chan hub.Event
	ctx    context.Context
	cancel context.CancelFunc
}

type ownedPublisher struct {
	publisherID string
	epoch       uint64
	cancel      context.CancelFunc
}

// NewLifecycle creates the registry-client task.
func NewLifecycle(reg Registry, h *hub.Hub, interval time.Duration) *Lifecycle {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Lifecycle{
		registry: reg,
		hub:      h,
		interval: interval,
		owned:    make(map[models.StreamKey]*ownedPublisher),
		events:   h.Observe(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetMetrics attaches registry instruments; nil is accepted.
func (l *Lifecycle) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// Run consumes hub broadcast events until Stop. Call in its own goroutine.
func (l *Lifecycle) Run() {
	events := l.events
	for {
		select {
		case <-l.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case hub.EventPublish:
				l.handlePublish(ev)
			case hub.EventUnpublish:
				l.handleUnpublish(ev)
			}
		}
	}
}

// Stop cancels every heartbeat and releases owned records.
func (l *Lifecycle) Stop() {
	l.cancel()
	l.mu.Lock()
	owned := l.owned
	l.owned = make(map[models.StreamKey]*ownedPublisher)
	l.mu.Unlock()
	for key, o := range owned {
		o.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.registry.Release(ctx, key, o.epoch); err != nil {
			log.Warn().Err(err).Stringer("stream", key).Msg("failed to release publisher record on stop")
		}
		cancel()
	}
}

func (l *Lifecycle) handlePublish(ev hub.Event) {
	// Relay publishers republish a remote stream; the true publisher's
	// node holds the claim.
	if ev.Publisher.Type != models.PublisherLive {
		return
	}
	ctx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
	epoch, err := l.registry.TryClaim(ctx, ev.Key, ev.Publisher.UserID)
	cancel()
	if err != nil {
		// AlreadyHeld and backend errors both refuse admission
		// (fail-closed).
		reason := "publisher conflict"
		if err != ErrAlreadyHeld {
			reason = "registry unavailable"
		}
		if l.metrics != nil && err == ErrAlreadyHeld {
			l.metrics.ClaimConflicts.Inc()
		}
		log.Warn().Err(err).Stringer("stream", ev.Key).Msg("publisher claim failed, kicking")
		l.hub.Kick(ev.Key, ev.Publisher.ID, reason)
		return
	}
	if l.metrics != nil {
		l.metrics.ClaimsAcquired.Inc()
	}

	hbCtx, hbCancel := context.WithCancel(l.ctx)
	l.mu.Lock()
	l.owned[ev.Key] = &ownedPublisher{publisherID: ev.Publisher.ID, epoch: epoch, cancel: hbCancel}
	l.mu.Unlock()
	log.Info().Stringer("stream", ev.Key).Uint64("epoch", epoch).Msg("publisher claim acquired")

	go l.heartbeatLoop(hbCtx, ev.Key, ev.Publisher.ID, epoch)
}

func (l *Lifecycle) handleUnpublish(ev hub.Event) {
	l.mu.Lock()
	o, ok := l.owned[ev.Key]
	if ok && o.publisherID == ev.Publisher.ID {
		delete(l.owned, ev.Key)
	} else {
		ok = false
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	o.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.registry.Release(ctx, ev.Key, o.epoch); err != nil {
		log.Warn().Err(err).Stringer("stream", ev.Key).Msg("failed to release publisher record")
	}
}

// heartbeatLoop refreshes the claim until cancelled. Transient backend
// errors retry with exponential backoff inside the tick; losing the epoch
// or missing too many ticks forces a local unpublish.
func (l *Lifecycle) heartbeatLoop(ctx context.Context, key models.StreamKey, publisherID string, epoch uint64) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retry.Do(
				func() error {
					hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					err := l.registry.Heartbeat(hctx, key, epoch)
					if err == ErrNotOwner || err == ErrGone {
						return retry.Unrecoverable(err)
					}
					return err
				},
				retry.Context(ctx),
				retry.Attempts(3),
				retry.Delay(time.Second),
				retry.DelayType(retry.BackOffDelay),
				retry.LastErrorOnly(true),
			)
			switch {
			case err == nil:
				missed = 0
			case err == ErrNotOwner, err == ErrGone:
				log.Warn().Err(err).Stringer("stream", key).Msg("publisher claim lost, tearing down")
				l.hub.Kick(key, publisherID, "publisher conflict")
				return
			default:
				missed++
				if l.metrics != nil {
					l.metrics.HeartbeatErrors.Inc()
				}
				log.Warn().Err(err).Int("missed", missed).Stringer("stream", key).Msg("publisher heartbeat failed")
				if missed >= maxMissedHeartbeats {
					l.hub.Kick(key, publisherID, "registry unavailable")
					return
				}
			}
		}
	}
}
