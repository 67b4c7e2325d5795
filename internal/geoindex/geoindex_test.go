package geoindex

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(kvstore.New(rdb))
}

func TestAddAndQuery(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	st := models.Station{ID: "st-1", Latitude: 12.9716, Longitude: 77.5946, Name: "MG Road Station"}
	require.NoError(t, idx.Add(ctx, st))

	results, err := idx.Query(ctx, 12.9716, 77.5946, 10, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "st-1", results[0].Name)
}

func TestBatchAddAndBatchGetMetadata(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	stations := []models.Station{
		{ID: "st-1", Latitude: 12.9716, Longitude: 77.5946, Name: "A"},
		{ID: "st-2", Latitude: 12.98, Longitude: 77.60, Name: "B"},
	}
	require.NoError(t, idx.BatchAdd(ctx, stations))

	meta, err := idx.BatchGetMetadata(ctx, []string{"st-1", "st-2", "st-missing"})
	require.NoError(t, err)
	require.Len(t, meta, 2)
	require.Equal(t, "A", meta["st-1"].Name)
	require.Equal(t, "B", meta["st-2"].Name)
	_, ok := meta["st-missing"]
	require.False(t, ok)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)
	st := models.Station{ID: "st-1", Latitude: 12.9716, Longitude: 77.5946, Name: "A"}
	require.NoError(t, idx.Add(ctx, st))
	require.NoError(t, idx.Remove(ctx, "st-1"))

	results, err := idx.Query(ctx, 12.9716, 77.5946, 10, 5)
	require.NoError(t, err)
	require.Len(t, results, 0)
}
