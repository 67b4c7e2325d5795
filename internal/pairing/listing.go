package pairing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/relstore"
)

// listCacheTTL bounds how long an assembled page is cached under its
// version key; the version bump on every Pair makes this mostly a safety
// net rather than the primary invalidation path.
const listCacheTTL = 5 * time.Minute

// cursorPayload is the JSON shape encoded into a listing cursor.
type cursorPayload struct {
	LastSeen time.Time `json:"last_seen"`
	ID       uuid.UUID `json:"id"`
}

// EncodeCursor produces the opaque pagination cursor for a paired device.
func EncodeCursor(lastSeen time.Time, id uuid.UUID) string {
	raw, _ := json.Marshal(cursorPayload{LastSeen: lastSeen, ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an opaque cursor string back into its fields.
func DecodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, apperrors.New(apperrors.CodeInvalidCursor, "malformed cursor")
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return time.Time{}, uuid.Nil, apperrors.New(apperrors.CodeInvalidCursor, "malformed cursor")
	}
	return p.LastSeen, p.ID, nil
}

// ListRequest describes a page of a user's paired devices.
type ListRequest struct {
	UserID uuid.UUID
	Active *bool
	Sort   string // "last_seen_desc" (default) | "connected_at_desc"
	Cursor string
	Limit  int
	Expand []string // "vehicle" | "latest_status"
}

// DeviceView is a paired device enriched with any requested expansions.
type DeviceView struct {
	models.PairedDevice
	Vehicle      *models.Vehicle `json:"vehicle,omitempty"`
	LatestStatus json.RawMessage `json:"latest_status,omitempty"`
}

// ListResult is one page of paired devices plus pagination and count metadata.
type ListResult struct {
	Devices     []DeviceView `json:"devices"`
	NextCursor  string       `json:"next_cursor,omitempty"`
	TotalActive int          `json:"total_active"`
	TotalAll    int          `json:"total_all"`
}

func hasExpand(expand []string, name string) bool {
	for _, e := range expand {
		if e == name {
			return true
		}
	}
	return false
}

// List returns one page of req.UserID's paired devices, applying
// expansions and reconciling the active/all counts. Pages are cached
// under a per-user version key that Pair bumps on every write, giving
// O(1) invalidation without scanning or tracking individual cache keys.
func (s *Service) List(ctx context.Context, req ListRequest) (ListResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	version, err := s.listVersion(ctx, req.UserID)
	if err != nil {
		return ListResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "reading list cache version", err)
	}

	cacheKey := listPageCacheKey(req, version, limit)
	if cached, ok := s.readListCache(ctx, cacheKey); ok {
		return cached, nil
	}

	var after *relstore.PairedDeviceCursor
	if req.Cursor != "" {
		lastSeen, id, err := DecodeCursor(req.Cursor)
		if err != nil {
			return ListResult{}, err
		}
		after = &relstore.PairedDeviceCursor{Key: lastSeen, ID: id}
	}

	// Fetch limit+1 to know whether a next page exists without a second
	// round trip.
	rows, err := s.rel.ListPairedDevices(ctx, relstore.ListPairedDevicesParams{
		UserID: req.UserID,
		Active: req.Active,
		Sort:   req.Sort,
		Limit:  limit + 1,
		After:  after,
	})
	if err != nil {
		return ListResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing paired devices", err)
	}

	var nextCursor string
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		key := last.LastSeen
		if req.Sort == "connected_at_desc" {
			key = last.ConnectedAt
		}
		nextCursor = EncodeCursor(key, last.ID)
	}

	devices := make([]DeviceView, len(rows))
	for i, d := range rows {
		devices[i] = DeviceView{PairedDevice: d}
	}

	if hasExpand(req.Expand, "vehicle") {
		if err := s.expandVehicles(ctx, devices); err != nil {
			return ListResult{}, err
		}
	}
	if hasExpand(req.Expand, "latest_status") {
		s.expandLatestStatus(ctx, devices)
	}

	totalActive, err := s.rel.CountActivePairedDevices(ctx, req.UserID)
	if err != nil {
		return ListResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "counting active paired devices", err)
	}
	totalAll, err := s.rel.CountAllPairedDevices(ctx, req.UserID)
	if err != nil {
		return ListResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "counting paired devices", err)
	}

	result := ListResult{Devices: devices, NextCursor: nextCursor, TotalActive: totalActive, TotalAll: totalAll}
	s.writeListCache(ctx, cacheKey, result)
	return result, nil
}

func (s *Service) expandVehicles(ctx context.Context, devices []DeviceView) error {
	ids := make([]uuid.UUID, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.VehicleID)
	}
	vehicles, err := s.rel.GetVehiclesByIDs(ctx, ids)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "expanding vehicles", err)
	}
	for i, d := range devices {
		if v, ok := vehicles[d.VehicleID]; ok {
			vCopy := v
			devices[i].Vehicle = &vCopy
		}
	}
	return nil
}

func latestStatusKey(vehicleID uuid.UUID) string { return fmt.Sprintf("lvs:%s", vehicleID) }

// expandLatestStatus reads each device's cached latest-status blob (C1
// key lvs:{vehicleId}); a cache miss resolves to omitted (null), matching
// the spec's "missing => null" contract — there is no C2 fallback table
// for this cache-only projection in this core.
func (s *Service) expandLatestStatus(ctx context.Context, devices []DeviceView) {
	for i, d := range devices {
		raw, err := s.store.Get(ctx, latestStatusKey(d.VehicleID))
		if err != nil {
			continue
		}
		devices[i].LatestStatus = json.RawMessage(raw)
	}
}

// VehicleStatus is the nominal spec-sheet range projection used by the
// vehicles sibling listing — capacity divided by consumption, with no
// battery level, efficiency factor, or reserve applied (unlike C11's
// route-time UsableRangeKm).
type VehicleStatus struct {
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	RangeKm             float64 `json:"range_km"`
}

// VehicleView is the spec §4.14 vehicles-listing projection: a narrower,
// display-oriented shape distinct from the raw models.Vehicle row.
type VehicleView struct {
	VehicleID   uuid.UUID     `json:"vehicle_id"`
	RegNumber   string        `json:"reg_number"`
	DisplayName string        `json:"display_name"`
	ImageURL    string        `json:"image_url,omitempty"`
	IsActive    bool          `json:"is_active"`
	Status      VehicleStatus `json:"status"`
}

// ListVehiclesRequest describes the vehicles sibling listing (spec §4.14).
type ListVehiclesRequest struct {
	UserID            uuid.UUID
	SelectedVehicleID *uuid.UUID
}

// ListVehiclesResult is the whole vehicles listing (it is not paginated),
// with an optional selected vehicle prepended when it is not already in it.
type ListVehiclesResult struct {
	Vehicles []VehicleView `json:"vehicles"`
}

func (s *Service) projectVehicle(v models.Vehicle, isActive bool) VehicleView {
	rangeKm := 0.0
	if v.EfficiencyKWhPerKm > 0 {
		rangeKm = v.BatteryCapacityKWh / v.EfficiencyKWhPerKm
	}
	return VehicleView{
		VehicleID:   v.ID,
		RegNumber:   v.RegNumber,
		DisplayName: strings.TrimSpace(v.Make + " " + v.Model),
		ImageURL:    s.resolveImageURL(v.ImageURL),
		IsActive:    isActive,
		Status: VehicleStatus{
			BatteryCapacityKWh: v.BatteryCapacityKWh,
			RangeKm:            rangeKm,
		},
	}
}

// resolveImageURL prefixes a relative image_url with the configured assets
// base URL; an already-absolute URL (or an empty one) passes through
// unchanged.
func (s *Service) resolveImageURL(raw string) string {
	if raw == "" || s.assetsBaseURL == "" {
		return raw
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return strings.TrimSuffix(s.assetsBaseURL, "/") + "/" + strings.TrimPrefix(raw, "/")
}

// ListVehicles returns every vehicle registered to req.UserID, projected to
// the spec §4.14 vehicles shape, each labeled is_active from its paired-device
// row. If req.SelectedVehicleID is set and isn't already in the natural
// result, it is fetched separately and prepended to the list.
func (s *Service) ListVehicles(ctx context.Context, req ListVehiclesRequest) (ListVehiclesResult, error) {
	vehicles, err := s.rel.GetVehiclesByUserID(ctx, req.UserID)
	if err != nil {
		return ListVehiclesResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "listing vehicles", err)
	}

	activeByVehicle, err := s.rel.ActivePairedVehicleIDs(ctx, req.UserID)
	if err != nil {
		return ListVehiclesResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading pairing status", err)
	}

	out := make([]VehicleView, 0, len(vehicles))
	seen := false
	for _, v := range vehicles {
		if req.SelectedVehicleID != nil && v.ID == *req.SelectedVehicleID {
			seen = true
		}
		out = append(out, s.projectVehicle(v, activeByVehicle[v.ID]))
	}

	if req.SelectedVehicleID != nil && !seen {
		vehicles, err := s.rel.GetVehiclesByIDs(ctx, []uuid.UUID{*req.SelectedVehicleID})
		if err != nil {
			return ListVehiclesResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading selected vehicle", err)
		}
		if v, ok := vehicles[*req.SelectedVehicleID]; ok {
			selected := s.projectVehicle(v, activeByVehicle[v.ID])
			out = append([]VehicleView{selected}, out...)
		}
	}

	return ListVehiclesResult{Vehicles: out}, nil
}

func listVersionKey(userID uuid.UUID) string {
	return fmt.Sprintf("pairing:listversion:%s", userID)
}

func (s *Service) bumpListVersion(ctx context.Context, userID uuid.UUID) error {
	_, err := s.store.Incr(ctx, listVersionKey(userID))
	return err
}

func (s *Service) listVersion(ctx context.Context, userID uuid.UUID) (int64, error) {
	raw, err := s.store.Get(ctx, listVersionKey(userID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func listPageCacheKey(req ListRequest, version int64, limit int) string {
	active := "any"
	if req.Active != nil {
		active = strconv.FormatBool(*req.Active)
	}
	return fmt.Sprintf("pairing:listpage:%s:%d:%s:%s:%s:%d:%s",
		req.UserID, version, req.Sort, active, req.Cursor, limit, fmt.Sprint(req.Expand))
}

func (s *Service) readListCache(ctx context.Context, key string) (ListResult, bool) {
	raw, err := s.store.Get(ctx, key)
	if err != nil {
		return ListResult{}, false
	}
	var result ListResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return ListResult{}, false
	}
	return result, true
}

func (s *Service) writeListCache(ctx context.Context, key string, result ListResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = s.store.SetEX(ctx, key, raw, listCacheTTL)
}
