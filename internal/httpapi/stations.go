package httpapi

import (
	"net/http"

	"github.com/chargeflow/evcore/internal/httpserver"
	"github.com/chargeflow/evcore/internal/stationdiscovery"
)

// StationHandler exposes the station discovery endpoints.
type StationHandler struct {
	discovery *stationdiscovery.Service
}

// NewStationHandler constructs a StationHandler.
func NewStationHandler(svc *stationdiscovery.Service) *StationHandler {
	return &StationHandler{discovery: svc}
}

type latLng struct {
	Lat float64 `json:"lat" validate:"required"`
	Lng float64 `json:"lng" validate:"required"`
}

type findStationsBody struct {
	RegNumber         string  `json:"regNumber"`
	ChassisNumber     string  `json:"chassisNumber"`
	BatteryPercentage float64 `json:"batteryPercentage" validate:"gte=0,lte=100"`
	UserLocation      latLng  `json:"userLocation" validate:"required"`
	Destination       *latLng `json:"destination"`
}

// HandleFind handles POST /stations/find.
func (h *StationHandler) HandleFind(w http.ResponseWriter, r *http.Request) {
	var body findStationsBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}
	if body.RegNumber == "" && body.ChassisNumber == "" {
		httpserver.RespondValidationError(w, []httpserver.FieldError{
			{Field: "reg_number", Message: "reg_number or chassis_number is required"},
		})
		return
	}

	req := stationdiscovery.Request{
		VehicleRegNumber:     body.RegNumber,
		VehicleChassisNumber: body.ChassisNumber,
		BatteryPercent:       body.BatteryPercentage,
		OriginLat:            body.UserLocation.Lat,
		OriginLng:            body.UserLocation.Lng,
	}
	if body.Destination != nil {
		req.DestLat = &body.Destination.Lat
		req.DestLng = &body.Destination.Lng
	}

	resp, err := h.discovery.Find(r.Context(), req)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, "stations found", resp)
}

type nearbyStationsBody struct {
	UserLocation latLng  `json:"userLocation" validate:"required"`
	RadiusKm     float64 `json:"radiusKm" validate:"gte=0,lte=200"`
}

// HandleNearby handles POST /stations/nearby.
func (h *StationHandler) HandleNearby(w http.ResponseWriter, r *http.Request) {
	var body nearbyStationsBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	results, err := h.discovery.Nearby(r.Context(), stationdiscovery.NearbyRequest{
		Lat:      body.UserLocation.Lat,
		Lng:      body.UserLocation.Lng,
		RadiusKm: body.RadiusKm,
	})
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, "stations found", map[string]any{"stations": results})
}
