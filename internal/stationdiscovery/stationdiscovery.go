// Package stationdiscovery implements the station discovery pipeline (spec
// C12): given a vehicle and its current battery level, find charging
// stations within the vehicle's usable range of a route, favoring stops
// near the range-calculator's optimal charging point. It orchestrates
// nearly every other component (C1/C2 vehicle lookup, C11 range math, C10
// geo index with a C2 fallback, and a result cache) into a single request.
package stationdiscovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/geoindex"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/rangecalc"
	"github.com/chargeflow/evcore/internal/relstore"
)

const (
	earthRadiusKm = 6371.0088

	// resultCacheTTL is how long an assembled station list is cached for a
	// given (zone, radius) bucket before being recomputed.
	resultCacheTTL = 900 * time.Second

	// vehicleCacheTTL bounds how long a vehicle row is cached by C1 before
	// C2 is consulted again (spec §4.12 step 1: "TTL 300 s").
	vehicleCacheTTL = 300 * time.Second

	// minSearchRadiusKm and maxSearchRadiusKm bound the radius derived from
	// usable range, so a depleted battery still searches a useful minimum
	// and a huge battery doesn't scan the entire index.
	minSearchRadiusKm = 15.0
	maxSearchRadiusKm = 250.0

	maxFallbackResults = 40
)

// RouteSafetyLevel classifies how comfortably the vehicle can cover the
// requested route on its current charge.
type RouteSafetyLevel string

const (
	RouteSafetyCritical RouteSafetyLevel = "critical"
	RouteSafetyRisky    RouteSafetyLevel = "risky"
	RouteSafetyModerate RouteSafetyLevel = "moderate"
	RouteSafetySafe      RouteSafetyLevel = "safe"
)

// Request describes a station discovery query.
type Request struct {
	VehicleRegNumber   string
	VehicleChassisNumber string
	BatteryPercent     float64
	OriginLat          float64
	OriginLng          float64
	DestLat            *float64
	DestLng            *float64
}

// StationResult is one candidate charging stop.
type StationResult struct {
	Station     models.Station    `json:"station"`
	DistanceKm  float64           `json:"distance_km"`
	Zone        rangecalc.Zone    `json:"zone"`
	Recommended bool              `json:"recommended"`
}

// RouteSafety summarizes whether the vehicle can comfortably reach the
// destination on its current charge.
type RouteSafety struct {
	Level           RouteSafetyLevel `json:"level"`
	RouteDistanceKm float64          `json:"route_distance_km"`
	UsableRangeKm   float64          `json:"usable_range_km"`
}

// ZoneBoundaries mirrors rangecalc's zone fractions so a client can draw the
// safety/optimal/priority bands without re-deriving them from the formula.
type ZoneBoundaries struct {
	SafetyBuffer float64 `json:"safety_buffer"`
	OptimalLow   float64 `json:"optimal_low"`
	OptimalHigh  float64 `json:"optimal_high"`
	PriorityLow  float64 `json:"priority_low"`
	PriorityHigh float64 `json:"priority_high"`
}

var defaultZoneBoundaries = ZoneBoundaries{
	SafetyBuffer: rangecalc.SafetyBuffer,
	OptimalLow:   rangecalc.OptimalLow,
	OptimalHigh:  rangecalc.OptimalHigh,
	PriorityLow:  rangecalc.PriorityLow,
	PriorityHigh: rangecalc.PriorityHigh,
}

// MapMarker is a single lat/lng point for client-side map rendering.
type MapMarker struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MapData carries the pieces a client needs to render the route: the user's
// and (if given) the destination's markers, plus a placeholder polyline —
// spec §1 explicitly preserves straight-line great-circle routing rather
// than real polyline encoding, so this is just the two endpoints.
type MapData struct {
	UserMarker        MapMarker   `json:"user_marker"`
	DestinationMarker *MapMarker  `json:"destination_marker,omitempty"`
	Polyline          []MapMarker `json:"polyline"`
}

// Response is the full result of a discovery request — the route-optimized
// response assembly of spec §4.12 step 10.
type Response struct {
	UsableRangeKm        float64         `json:"usable_range_km"`
	BatteryPercentage    float64         `json:"battery_percentage"`
	TotalRouteDistanceKm float64         `json:"total_route_distance_km"`
	ZoneBoundaries       ZoneBoundaries  `json:"zone_boundaries"`
	MapData              MapData         `json:"map_data"`
	Stations             []StationResult `json:"stations"`
	NextChargingStop     *StationResult  `json:"next_charging_stop,omitempty"`
	RouteSafety          RouteSafety     `json:"route_safety"`
}

// Service runs the discovery pipeline.
type Service struct {
	store  *kvstore.Store
	rel    *relstore.Store
	geo    *geoindex.Index
	logger *slog.Logger
}

// New constructs a Service.
func New(store *kvstore.Store, rel *relstore.Store, geo *geoindex.Index, logger *slog.Logger) *Service {
	return &Service{store: store, rel: rel, geo: geo, logger: logger}
}

// Find runs the full 10-step discovery pipeline for req.
func (s *Service) Find(ctx context.Context, req Request) (Response, error) {
	// 1. Vehicle cache-aside load.
	vehicle, err := s.loadVehicle(ctx, req)
	if err != nil {
		return Response{}, err
	}

	// 2. C11 range computation.
	state := rangecalc.VehicleState{
		BatteryPercent:     req.BatteryPercent,
		BatteryCapacityKWh: vehicle.BatteryCapacityKWh,
		EfficiencyKWhPerKm: vehicle.EfficiencyKWhPerKm,
		EfficiencyFactor:   vehicle.EfficiencyFactor,
		ReserveKm:          vehicle.ReserveKm,
	}
	usableRangeKm := rangecalc.UsableRangeKm(state)

	// 3. Haversine route distance, if a destination was given.
	var routeDistanceKm float64
	hasRoute := req.DestLat != nil && req.DestLng != nil
	if hasRoute {
		routeDistanceKm = Haversine(req.OriginLat, req.OriginLng, *req.DestLat, *req.DestLng)
	}

	// 4. Search radius: usable range alone unless the route itself is
	// longer, in which case widen to whichever of 1.5x usable range or
	// 1.2x route distance is larger (spec §4.12 step 3).
	radiusKm := searchRadius(usableRangeKm, routeDistanceKm, hasRoute)

	// 5. Zone cache key: coarse lat/lng/radius grid cell plus battery
	// bucket and destination, since both change which stations are
	// labeled recommended (spec §4.12 step 4).
	cacheKey := zoneCacheKey(req.OriginLat, req.OriginLng, radiusKm, req.BatteryPercent, req.DestLat, req.DestLng)
	if cached, ok := s.readCache(ctx, cacheKey); ok {
		return assembleResponse(req, cached, usableRangeKm, routeDistanceKm), nil
	}

	// 6. C10 geo query, falling back to C2's radius query, then batch
	// metadata for whichever source produced IDs-only results.
	stations, err := s.findCandidates(ctx, req.OriginLat, req.OriginLng, radiusKm)
	if err != nil {
		return Response{}, err
	}

	// 7. Route-corridor filter: when a destination is given, drop stations
	// that would be a meaningful detour off the straight-line route.
	if hasRoute {
		stations = filterRouteCorridor(stations, req.OriginLat, req.OriginLng, *req.DestLat, *req.DestLng)
	}

	// 8. Per-station zone/recommendation labeling.
	results := make([]StationResult, 0, len(stations))
	for _, st := range stations {
		distKm := Haversine(req.OriginLat, req.OriginLng, st.Latitude, st.Longitude)
		zone := rangecalc.ClassifyZone(distKm, usableRangeKm)
		recommended := rangecalc.RecommendationTest(distKm, usableRangeKm, req.BatteryPercent)
		results = append(results, StationResult{Station: st, DistanceKm: distKm, Zone: zone, Recommended: recommended})
	}

	// 9. Sort: recommended stops first, then nearest first.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Recommended != results[j].Recommended {
			return results[i].Recommended
		}
		return results[i].DistanceKm < results[j].DistanceKm
	})

	// 10. Cache and assemble.
	s.writeCache(ctx, cacheKey, results)
	return assembleResponse(req, results, usableRangeKm, routeDistanceKm), nil
}

// NearbyRequest describes a plain radius search with no vehicle or route.
type NearbyRequest struct {
	Lat      float64
	Lng      float64
	RadiusKm float64
}

const (
	defaultNearbyRadiusKm = 20.0
	maxNearbyRadiusKm     = 200.0
)

// Nearby returns charging stations within radiusKm of (lat, lng), with no
// vehicle, range, or route reasoning — the plain "what's around me" query
// behind `POST /stations/nearby`.
func (s *Service) Nearby(ctx context.Context, req NearbyRequest) ([]StationResult, error) {
	radius := req.RadiusKm
	if radius <= 0 {
		radius = defaultNearbyRadiusKm
	}
	if radius > maxNearbyRadiusKm {
		radius = maxNearbyRadiusKm
	}

	cacheKey := fmt.Sprintf("stationdiscovery:nearby:%s", zoneCacheKey(req.Lat, req.Lng, radius, 0, nil, nil))
	if cached, ok := s.readCache(ctx, cacheKey); ok {
		return cached, nil
	}

	stations, err := s.findCandidates(ctx, req.Lat, req.Lng, radius)
	if err != nil {
		return nil, err
	}

	results := make([]StationResult, 0, len(stations))
	for _, st := range stations {
		distKm := Haversine(req.Lat, req.Lng, st.Latitude, st.Longitude)
		results = append(results, StationResult{Station: st, DistanceKm: distKm})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].DistanceKm < results[j].DistanceKm })

	s.writeCache(ctx, cacheKey, results)
	return results, nil
}

// nextChargingStop returns the first recommended station in results, which
// is already sorted recommended-first per step 9, or nil if none qualify.
func nextChargingStop(results []StationResult) *StationResult {
	for i := range results {
		if results[i].Recommended {
			return &results[i]
		}
	}
	return nil
}

// assembleResponse builds the route-optimized response of spec §4.12 step
// 10: usable range, battery percentage, route distance, zone boundaries,
// map data (user/destination markers plus a placeholder straight-line
// polyline), the full station list, the next charging stop, and route
// safety.
func assembleResponse(req Request, results []StationResult, usableRangeKm, routeDistanceKm float64) Response {
	mapData := MapData{
		UserMarker: MapMarker{Lat: req.OriginLat, Lng: req.OriginLng},
		Polyline:   []MapMarker{{Lat: req.OriginLat, Lng: req.OriginLng}},
	}
	if req.DestLat != nil && req.DestLng != nil {
		dest := MapMarker{Lat: *req.DestLat, Lng: *req.DestLng}
		mapData.DestinationMarker = &dest
		mapData.Polyline = append(mapData.Polyline, dest)
	}

	level := classifyRouteSafety(usableRangeKm, routeDistanceKm, req.BatteryPercent, results)

	return Response{
		UsableRangeKm:        usableRangeKm,
		BatteryPercentage:    req.BatteryPercent,
		TotalRouteDistanceKm: routeDistanceKm,
		ZoneBoundaries:       defaultZoneBoundaries,
		MapData:              mapData,
		Stations:             results,
		NextChargingStop:     nextChargingStop(results),
		RouteSafety: RouteSafety{
			Level:           level,
			RouteDistanceKm: routeDistanceKm,
			UsableRangeKm:   usableRangeKm,
		},
	}
}

// classifyRouteSafety compares usable range to the route distance, per spec
// §4.12 step 10: critical only when the battery is already critical (<=20%)
// and no station was recommended at all; otherwise risky/moderate/safe by
// the usable-range-to-route-distance ratio.
func classifyRouteSafety(usableRangeKm, routeDistanceKm, batteryPercent float64, results []StationResult) RouteSafetyLevel {
	if routeDistanceKm <= 0 {
		return RouteSafetySafe
	}
	if batteryPercent <= 20 && nextChargingStop(results) == nil {
		return RouteSafetyCritical
	}
	ratio := usableRangeKm / routeDistanceKm
	switch {
	case ratio < 1.2:
		return RouteSafetyRisky
	case ratio < 1.5:
		return RouteSafetyModerate
	default:
		return RouteSafetySafe
	}
}

// searchRadius derives the discovery radius from usable range alone, unless
// the route itself runs longer than the vehicle can reach unassisted, per
// spec §4.12 step 3: widen to whichever of 1.5x usable range or 1.2x the
// route distance is larger, so the search still spans the whole corridor.
func searchRadius(usableRangeKm, routeDistanceKm float64, hasRoute bool) float64 {
	radius := usableRangeKm
	if hasRoute && routeDistanceKm > usableRangeKm {
		radius = math.Max(usableRangeKm*1.5, routeDistanceKm*1.2)
	}
	if radius < minSearchRadiusKm {
		radius = minSearchRadiusKm
	}
	if radius > maxSearchRadiusKm {
		radius = maxSearchRadiusKm
	}
	return radius
}

// zoneCacheKey builds the coarse-grained spec §4.12 step 4 cache key: lat/lng
// rounded to 0.1, radius rounded down to the nearest 10, battery bucketed to
// the nearest 10, and destination rounded to 0.1 or "no_dest". Deliberately
// lossy — nearby requests collide into the same cache entry, acknowledged
// as a caching tradeoff in spec §9, not a correctness bug.
func zoneCacheKey(lat, lng, radiusKm, batteryPercent float64, destLat, destLng *float64) string {
	round1 := func(v float64) float64 { return math.Round(v*10) / 10 }
	radiusBucket := math.Floor(radiusKm/10) * 10
	batteryBucket := math.Floor(batteryPercent/10) * 10

	destPart := "no_dest"
	if destLat != nil && destLng != nil {
		destPart = fmt.Sprintf("%.1f:%.1f", round1(*destLat), round1(*destLng))
	}

	return fmt.Sprintf("stationdiscovery:zone:%.1f:%.1f:%.0f:%.0f:%s",
		round1(lat), round1(lng), radiusBucket, batteryBucket, destPart)
}

func (s *Service) readCache(ctx context.Context, key string) ([]StationResult, bool) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var results []StationResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		return nil, false
	}
	return results, true
}

func (s *Service) writeCache(ctx context.Context, key string, results []StationResult) {
	raw, err := json.Marshal(results)
	if err != nil {
		s.logger.Warn("stationdiscovery: encoding cache entry failed", "error", err)
		return
	}
	if err := s.store.SetEX(ctx, key, raw, resultCacheTTL); err != nil {
		s.logger.Warn("stationdiscovery: writing cache entry failed", "error", err)
	}
}

// findCandidates queries the geo index (C10); if it returns nothing (e.g.
// not yet populated for this region), it falls back to C2's direct radius
// query and backfills the geo index for next time.
func (s *Service) findCandidates(ctx context.Context, lat, lng, radiusKm float64) ([]models.Station, error) {
	hits, err := s.geo.Query(ctx, lat, lng, radiusKm, maxFallbackResults)
	if err != nil {
		s.logger.Warn("stationdiscovery: geo index query failed, falling back to database", "error", err)
		hits = nil
	}

	if len(hits) > 0 {
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.Name)
		}
		meta, err := s.geo.BatchGetMetadata(ctx, ids)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "fetching station metadata", err)
		}

		out := make([]models.Station, 0, len(ids))
		var missing []string
		for _, id := range ids {
			if st, ok := meta[id]; ok {
				out = append(out, st)
			} else {
				missing = append(missing, id)
			}
		}
		for _, id := range missing {
			if st, err := s.rel.GetStationByID(ctx, id); err == nil {
				out = append(out, st)
			}
		}
		return out, nil
	}

	stations, err := s.rel.FindStationsWithinRadius(ctx, lat, lng, radiusKm, maxFallbackResults)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStoreUnavailable, "querying stations", err)
	}
	if err := s.geo.BatchAdd(ctx, stations); err != nil {
		s.logger.Warn("stationdiscovery: backfilling geo index failed", "error", err)
	}
	return stations, nil
}

// defaultMaxDeviationKm is the route-corridor tolerance: a station may add
// at most this much extra travel distance (via the station, vs. direct) to
// still count as "on the way" (spec §4.12 step 6 / glossary).
const defaultMaxDeviationKm = 10.0

// filterRouteCorridor drops stations whose combined detour (origin→station
// + station→destination, minus the direct route) exceeds defaultMaxDeviationKm
// — i.e. stations that are "nearby" in absolute terms but not actually on
// the way.
func filterRouteCorridor(stations []models.Station, originLat, originLng, destLat, destLng float64) []models.Station {
	direct := Haversine(originLat, originLng, destLat, destLng)

	out := make([]models.Station, 0, len(stations))
	for _, st := range stations {
		viaStation := Haversine(originLat, originLng, st.Latitude, st.Longitude) +
			Haversine(st.Latitude, st.Longitude, destLat, destLng)
		if viaStation-direct <= defaultMaxDeviationKm {
			out = append(out, st)
		}
	}
	return out
}

func (s *Service) loadVehicle(ctx context.Context, req Request) (models.Vehicle, error) {
	key := vehicleCacheKey(req)
	if key == "" {
		return models.Vehicle{}, apperrors.New(apperrors.CodeValidationError, "vehicle reg_number or chassis_number required")
	}

	if raw, err := s.store.Get(ctx, key); err == nil {
		var v models.Vehicle
		if json.Unmarshal([]byte(raw), &v) == nil {
			return v, nil
		}
	}

	var vehicle models.Vehicle
	var err error
	if req.VehicleRegNumber != "" {
		vehicle, err = s.rel.GetVehicleByRegNumber(ctx, req.VehicleRegNumber)
	} else {
		vehicle, err = s.lookupByChassis(ctx, req.VehicleChassisNumber)
	}
	if err != nil {
		if errors.Is(err, relstore.ErrNoRows) {
			return models.Vehicle{}, apperrors.New(apperrors.CodeVehicleNotFound, "vehicle not found")
		}
		return models.Vehicle{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading vehicle", err)
	}

	if raw, err := json.Marshal(vehicle); err == nil {
		if err := s.store.SetEX(ctx, key, raw, vehicleCacheTTL); err != nil {
			s.logger.Warn("stationdiscovery: warming vehicle cache failed", "error", err)
		}
	}
	return vehicle, nil
}

func (s *Service) lookupByChassis(ctx context.Context, chassisNumber string) (models.Vehicle, error) {
	return s.rel.GetVehicleByChassisNumber(ctx, s.rel.Pool, chassisNumber)
}

func vehicleCacheKey(req Request) string {
	if req.VehicleRegNumber != "" {
		return fmt.Sprintf("stationdiscovery:vehicle:reg:%s", req.VehicleRegNumber)
	}
	if req.VehicleChassisNumber != "" {
		return fmt.Sprintf("stationdiscovery:vehicle:chassis:%s", req.VehicleChassisNumber)
	}
	return ""
}

// Haversine returns the great-circle distance in kilometers between two
// (lat, lng) points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
