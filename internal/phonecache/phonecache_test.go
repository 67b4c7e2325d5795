package phonecache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/bloomfilter"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/relstore"
)

func newTestChecker(t *testing.T) (*Checker, *bloomfilter.Filter, *kvstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	logger := slog.New(slog.DiscardHandler)
	bfCfg := bloomfilter.Config{ExpectedPhones: 1000, ErrorRate: 0.001}
	bf := bloomfilter.New(store, logger, bfCfg)
	// Mirror the startup populate-from-store: an empty rebuild still marks
	// the filter initialized, matching the cold-start path in production.
	require.NoError(t, bf.Rebuild(context.Background(), nil, bfCfg))
	rel := relstore.New((*pgxpool.Pool)(nil))
	checker := New(store, bf, rel, logger, Config{PositiveTTL: time.Hour, NegativeTTL: 5 * time.Minute})
	return checker, bf, store
}

func TestExistsBloomNegativeShortCircuits(t *testing.T) {
	checker, _, _ := newTestChecker(t)
	res, err := checker.Exists(context.Background(), "+919876543210")
	require.NoError(t, err)
	require.False(t, res.Exists)
	require.Equal(t, SourceBloomNegative, res.Source)
}

func TestExistsCacheHit(t *testing.T) {
	checker, _, store := newTestChecker(t)
	require.NoError(t, store.SetEX(context.Background(), cacheKey("+919876543210"), "1", time.Hour))

	res, err := checker.Exists(context.Background(), "+919876543210")
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.Equal(t, SourceCache, res.Source)
}

func TestInvalidateClearsCache(t *testing.T) {
	checker, _, store := newTestChecker(t)
	ctx := context.Background()
	require.NoError(t, store.SetEX(ctx, cacheKey("+919876543210"), "1", time.Hour))
	require.NoError(t, checker.Invalidate(ctx, "+919876543210"))

	_, err := store.Get(ctx, cacheKey("+919876543210"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
}
