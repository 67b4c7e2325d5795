package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/kvstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	m, err := New("0123456789abcdef0123456789abcdef", store, Config{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestIssuePairAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	claims, err := m.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, TypeAccess, claims.Type)
}

func TestAuthenticateRejectsRefreshToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeInvalidTokenType, apperrors.As(err).Code)
}

func TestRefreshKeepsSameJTI(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	origClaims, err := m.parse(pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)

	refreshed, err := m.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	newClaims, err := m.parse(refreshed.RefreshToken, TypeRefresh)
	require.NoError(t, err)

	require.Equal(t, origClaims.JTI, newClaims.JTI)
}

func TestRefreshRejectsExpiredRecord(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	claims, err := m.parse(pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	require.NoError(t, m.store.Del(ctx, refreshRecordKey(claims.JTI)))

	_, err = m.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeRefreshTokenExpired, apperrors.As(err).Code)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, pair.RefreshToken))

	_, err = m.Authenticate(ctx, pair.AccessToken)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeTokenRevoked, apperrors.As(err).Code)
}

func TestRefreshRevokesPriorAccessToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	refreshed, err := m.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, pair.AccessToken)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeTokenRevoked, apperrors.As(err).Code)

	_, err = m.Authenticate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
}

func TestRefreshAfterLogoutReportsRevokedNotExpired(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	pair, err := m.IssuePair(ctx, "user-1", "+919876543210")
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, pair.RefreshToken))

	_, err = m.Refresh(ctx, pair.RefreshToken)
	require.Error(t, err)
	require.Equal(t, apperrors.CodeRefreshTokenRevoked, apperrors.As(err).Code)
}

func TestRefreshRequiresToken(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Refresh(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeRefreshTokenRequired, apperrors.As(err).Code)
}
