package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zijiren233/synctv-relay/pkg/models"
)

// DefaultTTL deliberately exceeds the heartbeat interval several times so
// a single missed tick is tolerated.
const DefaultTTL = 120 * time.Second

// claimScript atomically creates the publisher record with a fresh epoch.
// KEYS: record, epoch counter, node set, user set.
// ARGV: node_id, node_addr, user_id, started_at unix, ttl ms, member.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local epoch = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1],
  'node_id', ARGV[1], 'node_addr', ARGV[2], 'user_id', ARGV[3],
  'started_at', ARGV[4], 'epoch', epoch)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[6])
if ARGV[3] ~= '' then
  redis.call('SADD', KEYS[4], ARGV[6])
end
return epoch
`)

// heartbeatScript refreshes the TTL only when the stored epoch matches.
// Returns 0 on success, -1 on epoch mismatch, -2 when the record is gone.
var heartbeatScript = redis.NewScript(`
local epoch = redis.call('HGET', KEYS[1], 'epoch')
if not epoch then
  return -2
end
if epoch ~= ARGV[1] then
  return -1
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 0
`)

// releaseScript deletes the record only when the stored epoch matches, and
// trims the reverse indexes.
var releaseScript = redis.NewScript(`
local epoch = redis.call('HGET', KEYS[1], 'epoch')
if not epoch then
  return 0
end
if epoch ~= ARGV[1] then
  return -1
end
local user = redis.call('HGET', KEYS[1], 'user_id')
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
if user and user ~= '' then
  redis.call('SREM', KEYS[3] .. user .. ':publishers', ARGV[2])
end
return 1
`)

// Redis implements Registry over a Redis-compatible kv store.
type Redis struct {
	client   *redis.Client
	prefix   string
	nodeID   string
	nodeAddr string
	ttl      time.Duration
}

// NewRedis creates a Redis-backed registry. nodeAddr is the gRPC address
// other nodes dial to pull streams from this node.
func NewRedis(client *redis.Client, prefix, nodeID, nodeAddr string) *Redis {
	if prefix == "" {
		prefix = "synctv:"
	}
	return &Redis{client: client, prefix: prefix, nodeID: nodeID, nodeAddr: nodeAddr, ttl: DefaultTTL}
}

// SetTTL overrides the record TTL (tests use short windows).
func (r *Redis) SetTTL(ttl time.Duration) { r.ttl = ttl }

func (r *Redis) recordKey(key models.StreamKey) string {
	return fmt.Sprintf("%spublisher:%s:%s", r.prefix, key.App, key.Stream)
}

func (r *Redis) epochKey(key models.StreamKey) string {
	return fmt.Sprintf("%sepoch:%s:%s", r.prefix, key.App, key.Stream)
}

func (r *Redis) nodeKey(nodeID string) string {
	return fmt.Sprintf("%snode:%s:publishers", r.prefix, nodeID)
}

func (r *Redis) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s:publishers", r.prefix, userID)
}

func member(key models.StreamKey) string {
	return key.App + "/" + key.Stream
}

func parseMember(m string) (models.StreamKey, bool) {
	i := strings.IndexByte(m, '/')
	if i < 0 {
		return models.StreamKey{}, false
	}
	return models.StreamKey{App: m[:i], Stream: m[i+1:]}, true
}

// TryClaim implements Registry.
func (r *Redis) TryClaim(ctx context.Context, key models.StreamKey, userID string) (uint64, error) {
	userSet := r.userKey(userID)
	res, err := claimScript.Run(ctx, r.client,
		[]string{r.recordKey(key), r.epochKey(key), r.nodeKey(r.nodeID), userSet},
		r.nodeID, r.nodeAddr, userID,
		strconv.FormatInt(time.Now().Unix(), 10),
		strconv.FormatInt(r.ttl.Milliseconds(), 10),
		member(key),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to claim publisher record: %w", err)
	}
	if res < 0 {
		return 0, ErrAlreadyHeld
	}
	return uint64(res), nil
}

// Heartbeat implements Registry.
func (r *Redis) Heartbeat(ctx context.Context, key models.StreamKey, epoch uint64) error {
	res, err := heartbeatScript.Run(ctx, r.client,
		[]string{r.recordKey(key)},
		strconv.FormatUint(epoch, 10),
		strconv.FormatInt(r.ttl.Milliseconds(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to refresh publisher record: %w", err)
	}
	switch res {
	case -1:
		return ErrNotOwner
	case -2:
		return ErrGone
	}
	return nil
}

// Release implements Registry.
func (r *Redis) Release(ctx context.Context, key models.StreamKey, epoch uint64) error {
	res, err := releaseScript.Run(ctx, r.client,
		[]string{r.recordKey(key), r.nodeKey(r.nodeID), r.prefix + "user:"},
		strconv.FormatUint(epoch, 10),
		member(key),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to release publisher record: %w", err)
	}
	if res == -1 {
		return ErrNotOwner
	}
	return nil
}

// Lookup implements Registry.
func (r *Redis) Lookup(ctx context.Context, key models.StreamKey) (*models.PublisherRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up publisher record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNoPublisher
	}
	epoch, _ := strconv.ParseUint(fields["epoch"], 10, 64)
	started, _ := strconv.ParseInt(fields["started_at"], 10, 64)
	return &models.PublisherRecord{
		NodeID:    fields["node_id"],
		NodeAddr:  fields["node_addr"],
		App:       key.App,
		Stream:    key.Stream,
		UserID:    fields["user_id"],
		Epoch:     epoch,
		StartedAt: time.Unix(started, 0),
	}, nil
}

// ValidateEpoch implements Registry.
func (r *Redis) ValidateEpoch(ctx context.Context, key models.StreamKey, epoch uint64) (bool, error) {
	rec, err := r.Lookup(ctx, key)
	if err != nil {
		if err == ErrNoPublisher {
			return false, nil
		}
		return false, err
	}
	return rec.Epoch == epoch, nil
}

// UserPublishers implements Registry.
func (r *Redis) UserPublishers(ctx context.Context, userID string) ([]models.StreamKey, error) {
	members, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user publishers: %w", err)
	}
	keys := make([]models.StreamKey, 0, len(members))
	for _, m := range members {
		if key, ok := parseMember(m); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// CleanupNode implements Registry. Deletes records still attributed to the
// node regardless of epoch (the node restarted; its claims are stale).
func (r *Redis) CleanupNode(ctx context.Context, nodeID string) (int, error) {
	members, err := r.client.SMembers(ctx, r.nodeKey(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list node publishers: %w", err)
	}
	deleted := 0
	for _, m := range members {
		key, ok := parseMember(m)
		if !ok {
			continue
		}
		rec, err := r.Lookup(ctx, key)
		if err == ErrNoPublisher {
			r.client.SRem(ctx, r.nodeKey(nodeID), m)
			continue
		}
		if err != nil {
			return deleted, err
		}
		if rec.NodeID != nodeID {
			// Another node legitimately reclaimed the key; only trim the
			// stale index entry.
			r.client.SRem(ctx, r.nodeKey(nodeID), m)
			continue
		}
		if err := r.Release(ctx, key, rec.Epoch); err != nil && err != ErrNotOwner {
			return deleted, err
		}
		r.client.SRem(ctx, r.nodeKey(nodeID), m)
		deleted++
	}
	return deleted, nil
}

// CleanupUser implements Registry.
func (r *Redis) CleanupUser(ctx context.Context, userID string) (int, error) {
	keys, err := r.UserPublishers(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		rec, err := r.Lookup(ctx, key)
		if err == ErrNoPublisher {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if err := r.Release(ctx, key, rec.Epoch); err != nil && err != ErrNotOwner {
			return deleted, err
		}
		deleted++
	}
	r.client.Del(ctx, r.userKey(userID))
	return deleted, nil
}
