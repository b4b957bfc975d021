package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestPublishAuthorization(t *testing.T) {
	s := New(secret, nil)
	ctx := context.Background()

	token, err := s.IssueToken("u1", "r1", "m1", PermSTARTLIVE|PermPlay, false, time.Minute)
	require.NoError(t, err)

	userID, err := s.Authorize(ctx, "r1", "m1", token, true)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestPublishRequiresLivePermission(t *testing.T) {
	s := New(secret, nil)
	token, err := s.IssueToken("u1", "r1", "m1", PermPlay, false, time.Minute)
	require.NoError(t, err)

	_, err = s.Authorize(context.Background(), "r1", "m1", token, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestTokenBoundToStreamKey(t *testing.T) {
	s := New(secret, nil)
	token, err := s.IssueToken("u1", "r1", "m1", PermSTARTLIVE, false, time.Minute)
	require.NoError(t, err)

	_, err = s.Authorize(context.Background(), "r2", "m1", token, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	_, err = s.Authorize(context.Background(), "r1", "other", token, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestExpiredTokenDenied(t *testing.T) {
	s := New(secret, nil)
	token, err := s.IssueToken("u1", "r1", "m1", PermSTARTLIVE, false, -time.Minute)
	require.NoError(t, err)

	_, err = s.Authorize(context.Background(), "r1", "m1", token, true)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestForgedTokenDenied(t *testing.T) {
	other := New([]byte("other-secret"), nil)
	token, err := other.IssueToken("u1", "r1", "m1", PermSTARTLIVE, false, time.Minute)
	require.NoError(t, err)

	s := New(secret, nil)
	_, err = s.Authorize(context.Background(), "r1", "m1", token, true)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPublicStreamAdmitsAnonymousPlay(t *testing.T) {
	s := New(secret, nil)
	ctx := context.Background()

	// Anonymous play is denied before the stream goes public.
	_, err := s.Authorize(ctx, "r1", "m1", "", false)
	assert.Error(t, err)

	token, err := s.IssueToken("u1", "r1", "m1", PermSTARTLIVE, true, time.Minute)
	require.NoError(t, err)
	_, err = s.Authorize(ctx, "r1", "m1", token, true)
	require.NoError(t, err)

	// Public at publish time: unauthenticated play admitted.
	_, err = s.Authorize(ctx, "r1", "m1", "", false)
	assert.NoError(t, err)

	// The flag clears on unpublish.
	s.OnUnpublish("r1", "m1")
	_, err = s.Authorize(ctx, "r1", "m1", "", false)
	assert.Error(t, err)
}

type fakeRevocations struct {
	revoked map[string]bool
	err     error
}

func (f fakeRevocations) IsRevoked(_ context.Context, jti string) (bool, error) {
	return f.revoked[jti], f.err
}

func TestRevokedTokenDenied(t *testing.T) {
	s := New(secret, nil)
	token, err := s.IssueToken("u1", "r1", "m1", PermSTARTLIVE, false, time.Minute)
	require.NoError(t, err)

	// Re-parse to learn the jti, then revoke it.
	claims, err := s.parse(context.Background(), token)
	require.NoError(t, err)

	revoking := New(secret, fakeRevocations{revoked: map[string]bool{claims.ID: true}})
	_, err = revoking.Authorize(context.Background(), "r1", "m1", token, true)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestRevocationBackendFailureIsFailClosed(t *testing.T) {
	s := New(secret, fakeRevocations{err: assert.AnError})
	token, err := New(secret, nil).IssueToken("u1", "r1", "m1", PermSTARTLIVE, false, time.Minute)
	require.NoError(t, err)

	_, err = s.Authorize(context.Background(), "r1", "m1", token, true)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
