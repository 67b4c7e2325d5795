package pairing

import (
	"log/slog"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/relstore"
)

// Pair itself drives a real Postgres transaction (advisory lock, vehicle
// lookup, upsert) and isn't exercised here; coverage for the pagination and
// cache-version helpers it shares with List lives in listing_test.go.
func TestNewWiresDependencies(t *testing.T) {
	rel := relstore.New(nil)
	store := kvstore.New(redis.NewClient(&redis.Options{}))
	logger := slog.New(slog.DiscardHandler)

	s := New(rel, store, logger)
	require.NotNil(t, s)
	require.Same(t, rel, s.rel)
	require.Same(t, store, s.store)
	require.Same(t, logger, s.logger)
}
