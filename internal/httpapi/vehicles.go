package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/httpserver"
	"github.com/chargeflow/evcore/internal/pairing"
)

// VehicleHandler exposes the bearer-authenticated pairing and paired-device
// listing endpoints (spec §4.13/§4.14, §6 /vehicles/*).
type VehicleHandler struct {
	pairing *pairing.Service
}

// NewVehicleHandler constructs a VehicleHandler.
func NewVehicleHandler(svc *pairing.Service) *VehicleHandler {
	return &VehicleHandler{pairing: svc}
}

func (h *VehicleHandler) userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, ok := httpserver.ClaimsFromContext(r.Context())
	if !ok {
		httpserver.RespondErrorCode(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "authentication required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		httpserver.RespondErrorCode(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "invalid session subject")
		return uuid.Nil, false
	}
	return id, true
}

type vehicleStaticBody struct {
	Make               string  `json:"make"`
	Model              string  `json:"model"`
	Year               int     `json:"year"`
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	EfficiencyKWhPerKm float64 `json:"efficiency_kwh_per_km"`
	EfficiencyFactor   float64 `json:"efficiency_factor"`
	ReserveKm          float64 `json:"reserve_km"`
	ImageURL           string  `json:"image_url"`
}

type pairBody struct {
	ChassisNumber string             `json:"chassis_number" validate:"required"`
	RegNumber     string             `json:"reg_number" validate:"required"`
	BluetoothMAC  string             `json:"bluetooth_mac"`
	VehicleStatic *vehicleStaticBody `json:"vehicle_static"`
}

// HandlePair handles POST /vehicles/pair (spec §4.13, §6). The caller's
// Idempotency-Key header, when present, makes retries of a dropped response
// return the original outcome instead of re-running the transaction.
func (h *VehicleHandler) HandlePair(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var body pairBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	req := pairing.PairRequest{
		ChassisNumber: body.ChassisNumber,
		RegNumber:     body.RegNumber,
		BluetoothMAC:  body.BluetoothMAC,
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		if _, err := uuid.Parse(key); err != nil {
			httpserver.RespondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidationError, "Idempotency-Key must be a UUID")
			return
		}
		req.IdempotencyKey = &key
	}
	if body.VehicleStatic != nil {
		req.VehicleStatic = &pairing.VehicleStatic{
			Make:               body.VehicleStatic.Make,
			Model:              body.VehicleStatic.Model,
			Year:               body.VehicleStatic.Year,
			BatteryCapacityKWh: body.VehicleStatic.BatteryCapacityKWh,
			EfficiencyKWhPerKm: body.VehicleStatic.EfficiencyKWhPerKm,
			EfficiencyFactor:   body.VehicleStatic.EfficiencyFactor,
			ReserveKm:          body.VehicleStatic.ReserveKm,
			ImageURL:           body.VehicleStatic.ImageURL,
		}
	}

	result, err := h.pairing.Pair(r.Context(), userID, req)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	status := http.StatusOK
	message := "device re-paired"
	if result.Created {
		status = http.StatusCreated
		message = "device paired"
	}

	httpserver.Respond(w, status, message, map[string]any{
		"id":             result.Device.ID,
		"vehicle_id":     result.Device.VehicleID,
		"chassis_number": result.Device.ChassisNumber,
		"reg_number":     result.Device.RegNumber,
		"is_active":      result.Device.IsActive,
		"connected_at":   result.Device.ConnectedAt,
		"last_seen":      result.Device.LastSeen,
		"created":        result.Created,
		"total_active":   result.ActiveCount,
	})
}

// HandlePairedDevices handles GET /vehicles/paired-devices (spec §4.14, §6).
func (h *VehicleHandler) HandlePairedDevices(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := pairing.ListRequest{
		UserID: userID,
		Sort:   q.Get("sort"),
		Cursor: q.Get("cursor"),
		Limit:  parseLimit(q.Get("limit"), 20),
	}
	if active := q.Get("active"); active != "" {
		v := active == "true" || active == "1"
		req.Active = &v
	}
	if include := q.Get("include"); include != "" {
		req.Expand = strings.Split(include, ",")
	}

	result, err := h.pairing.List(r.Context(), req)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	w.Header().Set("X-Total-Active", strconv.Itoa(result.TotalActive))
	w.Header().Set("X-Total-All", strconv.Itoa(result.TotalAll))

	httpserver.Respond(w, http.StatusOK, "paired devices", map[string]any{
		"data": result.Devices,
		"page_info": map[string]any{
			"next_cursor": result.NextCursor,
			"limit":       req.Limit,
			"has_more":    result.NextCursor != "",
		},
		"total_active": result.TotalActive,
		"total_all":    result.TotalAll,
	})
}

// HandleAllVehicles handles GET /vehicles/all (spec §4.14 "sibling vehicles
// listing", §6).
func (h *VehicleHandler) HandleAllVehicles(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	req := pairing.ListVehiclesRequest{UserID: userID}
	if raw := r.URL.Query().Get("selected_vehicle_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpserver.RespondErrorCode(w, http.StatusBadRequest, apperrors.CodeValidationError, "selected_vehicle_id must be a UUID")
			return
		}
		req.SelectedVehicleID = &id
	}

	result, err := h.pairing.ListVehicles(r.Context(), req)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, "vehicles", map[string]any{"data": result.Vehicles})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > 100 {
		return 100
	}
	return n
}
