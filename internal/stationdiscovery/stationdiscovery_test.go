package stationdiscovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/models"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Bengaluru to Chennai, roughly 290km as the crow flies.
	d := Haversine(12.9716, 77.5946, 13.0827, 80.2707)
	require.InDelta(t, 290, d, 15)
}

func TestHaversineZeroForSamePoint(t *testing.T) {
	require.InDelta(t, 0, Haversine(12.9716, 77.5946, 12.9716, 77.5946), 1e-9)
}

func TestSearchRadiusBounds(t *testing.T) {
	require.Equal(t, minSearchRadiusKm, searchRadius(0, 0, false))
	require.Equal(t, maxSearchRadiusKm, searchRadius(10000, 0, false))

	mid := searchRadius(100, 0, false)
	require.Greater(t, mid, minSearchRadiusKm)
	require.Less(t, mid, maxSearchRadiusKm)
}

func TestSearchRadiusWidensWhenRouteExceedsUsableRange(t *testing.T) {
	// usableRangeKm=50, routeDistanceKm=200 > usable: widen to
	// max(50*1.5, 200*1.2) = max(75, 240) = 240.
	got := searchRadius(50, 200, true)
	require.InDelta(t, 240, got, 1e-9)
}

func TestSearchRadiusIgnoresRouteWhenWithinUsableRange(t *testing.T) {
	got := searchRadius(100, 50, true)
	require.InDelta(t, 100, got, 1e-9)
}

func TestZoneCacheKeyStableForNearbyCoordinates(t *testing.T) {
	k1 := zoneCacheKey(12.97160, 77.59460, 50, 85, nil, nil)
	k2 := zoneCacheKey(12.97161, 77.59462, 50, 88, nil, nil)
	require.Equal(t, k1, k2)
}

func TestZoneCacheKeyDiffersByBatteryBucket(t *testing.T) {
	k1 := zoneCacheKey(12.9716, 77.5946, 50, 15, nil, nil)
	k2 := zoneCacheKey(12.9716, 77.5946, 50, 85, nil, nil)
	require.NotEqual(t, k1, k2)
}

func TestZoneCacheKeyDiffersByDestination(t *testing.T) {
	destA, destB := 13.0, 80.0
	k1 := zoneCacheKey(12.9716, 77.5946, 50, 50, nil, nil)
	k2 := zoneCacheKey(12.9716, 77.5946, 50, 50, &destA, &destB)
	require.NotEqual(t, k1, k2)
}

func TestClassifyRouteSafety(t *testing.T) {
	recommended := []StationResult{{Recommended: true}}
	none := []StationResult{{Recommended: false}}

	require.Equal(t, RouteSafetyCritical, classifyRouteSafety(0, 502, 10, none))
	require.Equal(t, RouteSafetyCritical, classifyRouteSafety(0, 502, 15, none))
	require.Equal(t, RouteSafetyRisky, classifyRouteSafety(0, 502, 15, recommended))
	require.Equal(t, RouteSafetySafe, classifyRouteSafety(200, 100, 50, none))
	require.Equal(t, RouteSafetyModerate, classifyRouteSafety(130, 100, 50, none))
}

func TestFilterRouteCorridorDropsFarStations(t *testing.T) {
	origin := [2]float64{12.9716, 77.5946}
	dest := [2]float64{13.0827, 80.2707}

	onRoute := models.Station{ID: "on-route", Latitude: 13.0, Longitude: 78.9}
	offRoute := models.Station{ID: "off-route", Latitude: 20.0, Longitude: 70.0}

	filtered := filterRouteCorridor([]models.Station{onRoute, offRoute}, origin[0], origin[1], dest[0], dest[1])

	var ids []string
	for _, st := range filtered {
		ids = append(ids, st.ID)
	}
	require.Contains(t, ids, "on-route")
	require.NotContains(t, ids, "off-route")
}
