package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Authentication errors mapped to protocol-level denials by the frontends.
var (
	ErrTokenMissing      = errors.New("bearer token missing")
	ErrTokenInvalid      = errors.New("bearer token invalid")
	ErrTokenRevoked      = errors.New("bearer token revoked")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrBackendUnavailable = errors.New("auth backend unavailable")
)

// Permission bits carried in the token claims.
const (
	PermSTARTLIVE = 1 << 0
	PermPlay      = 1 << 1
)

// Claims is the JWT payload for stream tokens: room and media ids bind the
// token to one StreamKey, permissions gate publish vs play, and the public
// flag admits unauthenticated players.
type Claims struct {
	RoomID      string `json:"m_room"`
	MediaID     string `json:"m_media"`
	Permissions int    `json:"perm"`
	Public      bool   `json:"public,omitempty"`
	jwt.RegisteredClaims
}

// RevocationStore checks whether a token id was revoked. Backed by the
// same kv as the publisher registry.
type RevocationStore interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// RedisRevocations implements RevocationStore over Redis set membership.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

// NewRedisRevocations creates the revocation checker.
func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	if prefix == "" {
		prefix = "synctv:"
	}
	return &RedisRevocations{client: client, prefix: prefix}
}

// IsRevoked implements RevocationStore.
func (r *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+"revoked:"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// NoRevocations is a RevocationStore that never revokes; used by
// single-node deployments without Redis.
type NoRevocations struct{}

// IsRevoked implements RevocationStore.
func (NoRevocations) IsRevoked(context.Context, string) (bool, error) { return false, nil }

// Service validates bearer JWTs for publish and play admission. It holds
// the HMAC secret loaded once at startup.
type Service struct {
	secret      []byte
	revocations RevocationStore

	// publicStreams remembers streams flagged public at publish time so
	// unauthenticated play can be admitted.
	public publicSet
}

// New creates the auth service.
func New(secret []byte, revocations RevocationStore) *Service {
	if revocations == nil {
		revocations = NoRevocations{}
	}
	return &Service{secret: secret, revocations: revocations}
}

// parse validates signature, expiry and revocation. Fail-closed: a
// revocation backend error denies the request.
func (s *Service) parse(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID != "" {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			log.Warn().Err(err).Msg("revocation check failed, denying")
			return nil, ErrBackendUnavailable
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}
	return claims, nil
}

// Authorize implements the frontend admission hook. Publishers need a
// token bound to (app, stream) with the START_LIVE permission; players
// need play permission, or no token at all when the stream was published
// public.
func (s *Service) Authorize(ctx context.Context, app, stream, token string, publish bool) (string, error) {
	claims, err := s.parse(ctx, token)
	if err != nil {
		if !publish && !errors.Is(err, ErrBackendUnavailable) && s.public.has(app, stream) {
			// Unauthenticated play is admitted iff the stream is public.
			return "", nil
		}
		return "", err
	}
	if claims.RoomID != app || claims.MediaID != stream {
		return "", fmt.Errorf("%w: token bound to %s/%s", ErrPermissionDenied, claims.RoomID, claims.MediaID)
	}
	if publish {
		if claims.Permissions&PermSTARTLIVE == 0 {
			return "", fmt.Errorf("%w: missing live permission", ErrPermissionDenied)
		}
		if claims.Public {
			s.public.add(app, stream)
		}
	} else if claims.Permissions&PermPlay == 0 {
		return "", fmt.Errorf("%w: missing play permission", ErrPermissionDenied)
	}
	return claims.Subject, nil
}

// OnUnpublish clears the public flag for a stream.
func (s *Service) OnUnpublish(app, stream string) {
	s.public.remove(app, stream)
}

// IssueToken mints a stream token; used by tests and operational tooling.
func (s *Service) IssueToken(userID, roomID, mediaID string, permissions int, public bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RoomID:      roomID,
		MediaID:     mediaID,
		Permissions: permissions,
		Public:      public,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        fmt.Sprintf("%d-%s", now.UnixNano(), mediaID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
