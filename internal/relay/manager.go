package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zijiren233/synctv-relay/internal/hub"
	"github.com/zijiren233/synctv-relay/internal/metrics"
	"github.com/zijiren233/synctv-relay/internal/registry"
	"github.com/zijiren233/synctv-relay/pkg/models"
)

// ErrNoPublisher means no node currently publishes the requested stream.
var ErrNoPublisher = errors.New("no publisher for stream")

// Manager is the pull stream supervisor. Concurrent subscriber requests
// for the same key are coalesced onto one pull; requests are serialised on
// a mailbox so creation never races.
type Manager struct {
	hub      *hub.Hub
	registry registry.Registry
	nodeID   string
	secret   string

	mailbox chan pullRequest
	exits   chan models.StreamKey
	cancel  context.CancelFunc
	metrics *metrics.Metrics

	mu    sync.Mutex
	pulls map[models.StreamKey]*puller
}

type pullRequest struct {
	ctx   context.Context
	key   models.StreamKey
	reply chan error
}

// NewManager creates the pull supervisor.
func NewManager(h *hub.Hub, reg registry.Registry, nodeID, secret string) *Manager {
	return &Manager{
		hub:      h,
		registry: reg,
		nodeID:   nodeID,
		secret:   secret,
		mailbox:  make(chan pullRequest, 64),
		exits:    make(chan models.StreamKey, 64),
		pulls:    make(map[models.StreamKey]*puller),
	}
}

// SetMetrics attaches pull stream instruments; nil is accepted.
func (m *Manager) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Run processes pull requests until Stop. Call in its own goroutine.
func (m *Manager) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, p := range m.pulls {
				p.stop()
			}
			m.pulls = make(map[models.StreamKey]*puller)
			m.mu.Unlock()
			return
		case key := <-m.exits:
			m.mu.Lock()
			if _, ok := m.pulls[key]; ok {
				delete(m.pulls, key)
				if m.metrics != nil {
					m.metrics.ActivePulls.Dec()
				}
			}
			m.mu.Unlock()
		case req := <-m.mailbox:
			req.reply <- m.ensure(req.ctx, req.key)
		}
	}
}

// Stop tears down every pull.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// EnsurePull makes sure a local stream exists for key, opening a
// cross-node pull when the publisher lives elsewhere. Returns
// ErrNoPublisher when nobody publishes the key.
func (m *Manager) EnsurePull(ctx context.Context, key models.StreamKey) error {
	reply := make(chan error, 1)
	select {
	case m.mailbox <- pullRequest{ctx: ctx, key: key, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensure runs on the supervisor goroutine.
func (m *Manager) ensure(ctx context.Context, key models.StreamKey) error {
	if m.hub.Exists(key) {
		return nil
	}
	m.mu.Lock()
	_, active := m.pulls[key]
	m.mu.Unlock()
	if active {
		return nil
	}

	record, err := m.registry.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, registry.ErrNoPublisher) {
			return ErrNoPublisher
		}
		return fmt.Errorf("failed to resolve publisher: %w", err)
	}
	if record.NodeID == m.nodeID {
		// The registry says we are the publisher but the hub has no
		// stream: a stale record from a crash. Treat as absent.
		return ErrNoPublisher
	}

	p := newPuller(key, record, m.hub, m.registry, m.secret, func(k models.StreamKey) {
		select {
		case m.exits <- k:
		default:
		}
	})
	if err := p.start(); err != nil {
		log.Warn().Err(err).Stringer("stream", key).Msg("failed to start pull")
		return fmt.Errorf("failed to start pull: %w", err)
	}
	m.mu.Lock()
	m.pulls[key] = p
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.PullsStarted.Inc()
		m.metrics.ActivePulls.Inc()
	}
	return nil
}

// ActivePulls returns the number of running pulls.
func (m *Manager) ActivePulls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pulls)
}
