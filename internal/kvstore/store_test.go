package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestStoreSetGetExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEX(ctx, "k1", "v1", time.Minute))

	v, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "v1", v)

	ttl, err := s.TTL(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ttl > 0 && ttl <= time.Minute)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreIncrExpire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, s.Expire(ctx, "counter", time.Second))
}

func TestStoreHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h1", map[string]any{"a": "1", "b": "2"}))

	m, err := s.HGetAll(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "1", m["a"])
	require.Equal(t, "2", m["b"])

	_, err = s.HGetAll(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreGeo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.GeoAdd(ctx, "geo1",
		GeoMember{Name: "station-1", Longitude: 77.5946, Latitude: 12.9716},
		GeoMember{Name: "station-2", Longitude: 77.6, Latitude: 12.98},
	))

	results, err := s.GeoRadius(ctx, "geo1", 77.5946, 12.9716, 50, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "station-1", results[0].Name)
}

func TestStoreZSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "z1", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z1", 2, "b"))

	card, err := s.ZCard(ctx, "z1")
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	members, err := s.ZRange(ctx, "z1", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, members)
}
