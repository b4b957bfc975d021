package registry

import (
	"context"
	"sync"
	"time"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// Memory implements Registry with a process-local map. It backs
// single-node deployments and tests; the election semantics (atomic claim,
// epoch guards, TTL expiry) match the Redis implementation.
type Memory struct {
	mu       sync.Mutex
	nodeID   string
	nodeAddr string
	ttl      time.Duration
	records  map[models.StreamKey]*memoryRecord
	epochs   map[models.StreamKey]uint64
}

type memoryRecord struct {
	rec       models.PublisherRecord
	expiresAt time.Time
}

// NewMemory creates an in-memory registry.
func NewMemory(nodeID, nodeAddr string) *Memory {
	return &Memory{
		nodeID:   nodeID,
		nodeAddr: nodeAddr,
		ttl:      DefaultTTL,
		records:  make(map[models.StreamKey]*memoryRecord),
		epochs:   make(map[models.StreamKey]uint64),
	}
}

// SetTTL overrides the record TTL.
func (m *Memory) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	m.ttl = ttl
	m.mu.Unlock()
}

// live returns the record when present and unexpired, pruning otherwise.
func (m *Memory) live(key models.StreamKey) *memoryRecord {
	r, ok := m.records[key]
	if !ok {
		return nil
	}
	if time.Now().After(r.expiresAt) {
		delete(m.records, key)
		return nil
	}
	return r
}

// TryClaim implements Registry.
func (m *Memory) TryClaim(_ context.Context, key models.StreamKey, userID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return 0, ErrAlreadyHeld
	}
	m.epochs[key]++
	epoch := m.epochs[key]
	m.records[key] = &memoryRecord{
		rec: models.PublisherRecord{
			NodeID:    m.nodeID,
			NodeAddr:  m.nodeAddr,
			App:       key.App,
			Stream:    key.Stream,
			UserID:    userID,
			Epoch:     epoch,
			StartedAt: time.Now(),
		},
		expiresAt: time.Now().Add(m.ttl),
	}
	return epoch, nil
}

// Heartbeat implements Registry.
func (m *Memory) Heartbeat(_ context.Context, key models.StreamKey, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key)
	if r == nil {
		return ErrGone
	}
	if r.rec.Epoch != epoch {
		return ErrNotOwner
	}
	r.expiresAt = time.Now().Add(m.ttl)
	return nil
}

// Release implements Registry.
func (m *Memory) Release(_ context.Context, key models.StreamKey, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key)
	if r == nil {
		return nil
	}
	if r.rec.Epoch != epoch {
		return ErrNotOwner
	}
	delete(m.records, key)
	return nil
}

// Lookup implements Registry.
func (m *Memory) Lookup(_ context.Context, key models.StreamKey) (*models.PublisherRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key)
	if r == nil {
		return nil, ErrNoPublisher
	}
	rec := r.rec
	return &rec, nil
}

// ValidateEpoch implements Registry.
func (m *Memory) ValidateEpoch(_ context.Context, key models.StreamKey, epoch uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.live(key)
	if r == nil {
		return false, nil
	}
	return r.rec.Epoch == epoch, nil
}

// UserPublishers implements Registry.
func (m *Memory) UserPublishers(_ context.Context, userID string) ([]models.StreamKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []models.StreamKey
	for key, r := range m.records {
		if time.Now().After(r.expiresAt) {
			continue
		}
		if r.rec.UserID == userID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// CleanupNode implements Registry.
func (m *Memory) CleanupNode(_ context.Context, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for key, r := range m.records {
		if r.rec.NodeID == nodeID {
			delete(m.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// CleanupUser implements Registry.
func (m *Memory) CleanupUser(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for key, r := range m.records {
		if r.rec.UserID == userID {
			delete(m.records, key)
			deleted++
		}
	}
	return deleted, nil
}
