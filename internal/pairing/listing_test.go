package pairing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/relstore"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	rel := relstore.New(nil)
	logger := slog.New(slog.DiscardHandler)
	return New(rel, store, logger), mr
}

func TestCursorRoundTrip(t *testing.T) {
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	cursor := EncodeCursor(now, id)
	gotTime, gotID, err := DecodeCursor(cursor)
	require.NoError(t, err)
	require.True(t, gotTime.Equal(now))
	require.Equal(t, id, gotID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, _, err := DecodeCursor("not-a-valid-cursor!!")
	require.Error(t, err)
}

func TestListVersionDefaultsToZero(t *testing.T) {
	s, _ := newTestService(t)
	v, err := s.listVersion(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestBumpListVersionIncrements(t *testing.T) {
	s, _ := newTestService(t)
	userID := uuid.New()
	ctx := context.Background()

	require.NoError(t, s.bumpListVersion(ctx, userID))
	v1, err := s.listVersion(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	require.NoError(t, s.bumpListVersion(ctx, userID))
	v2, err := s.listVersion(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)
}

func TestListPageCacheKeyChangesWithVersion(t *testing.T) {
	req := ListRequest{UserID: uuid.New(), Sort: "last_seen_desc"}
	k1 := listPageCacheKey(req, 1, 20)
	k2 := listPageCacheKey(req, 2, 20)
	require.NotEqual(t, k1, k2)
}

func TestListPageCacheKeyStableForSameInputs(t *testing.T) {
	req := ListRequest{UserID: uuid.New(), Sort: "last_seen_desc", Cursor: "abc"}
	require.Equal(t, listPageCacheKey(req, 3, 20), listPageCacheKey(req, 3, 20))
}

func TestReadWriteListCacheRoundTrip(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	key := "pairing:listpage:test"

	_, ok := s.readListCache(ctx, key)
	require.False(t, ok)

	want := ListResult{TotalActive: 2, TotalAll: 3}
	s.writeListCache(ctx, key, want)

	got, ok := s.readListCache(ctx, key)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestHasExpand(t *testing.T) {
	require.True(t, hasExpand([]string{"vehicle"}, "vehicle"))
	require.False(t, hasExpand([]string{"other"}, "vehicle"))
	require.False(t, hasExpand(nil, "vehicle"))
}

func TestResolveImageURLPassesThroughAbsoluteAndEmpty(t *testing.T) {
	s, _ := newTestService(t)
	s.assetsBaseURL = "https://cdn.example.com/assets"

	require.Equal(t, "", s.resolveImageURL(""))
	require.Equal(t, "https://other.example.com/a.png", s.resolveImageURL("https://other.example.com/a.png"))
	require.Equal(t, "https://cdn.example.com/assets/vehicles/a.png", s.resolveImageURL("vehicles/a.png"))
	require.Equal(t, "https://cdn.example.com/assets/vehicles/b.png", s.resolveImageURL("/vehicles/b.png"))
}

func TestResolveImageURLUnchangedWithoutBaseConfigured(t *testing.T) {
	s, _ := newTestService(t)
	require.Equal(t, "vehicles/a.png", s.resolveImageURL("vehicles/a.png"))
}

func TestProjectVehicleComputesDisplayNameAndRange(t *testing.T) {
	s, _ := newTestService(t)
	v := models.Vehicle{
		ID:                 uuid.New(),
		RegNumber:          "KA01AB1234",
		Make:               "Tata",
		Model:              "Nexon EV",
		BatteryCapacityKWh: 30,
		EfficiencyKWhPerKm: 0.15,
	}

	view := s.projectVehicle(v, true)
	require.Equal(t, "Tata Nexon EV", view.DisplayName)
	require.True(t, view.IsActive)
	require.InDelta(t, 200.0, view.Status.RangeKm, 1e-9)
	require.Equal(t, v.BatteryCapacityKWh, view.Status.BatteryCapacityKWh)
}

func TestProjectVehicleZeroEfficiencyYieldsZeroRange(t *testing.T) {
	s, _ := newTestService(t)
	v := models.Vehicle{ID: uuid.New(), Make: "X", Model: "Y"}
	view := s.projectVehicle(v, false)
	require.Equal(t, 0.0, view.Status.RangeKm)
	require.False(t, view.IsActive)
}
