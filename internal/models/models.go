// Package models holds the plain data-model types shared across components
// (spec §3). These are persistence-agnostic; store packages translate to and
// from database rows and cache payloads.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User mirrors the registration-owned user record. The core never creates or
// deletes it — only OTP verification mutates IsVerified/LastLoginAt.
type User struct {
	ID          uuid.UUID       `json:"id"`
	Phone       string          `json:"phone"`
	CountryCode string          `json:"country_code"`
	IsVerified  bool            `json:"is_verified"`
	IsActive    bool            `json:"is_active"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	LastLoginAt *time.Time      `json:"last_login_at,omitempty"`
}

// PublicUser is the subset of User returned to clients on verify/refresh.
type PublicUser struct {
	ID          uuid.UUID `json:"id"`
	Phone       string    `json:"phone"`
	CountryCode string    `json:"country_code"`
	IsVerified  bool      `json:"is_verified"`
}

// ToPublic projects a User down to its client-facing fields.
func (u User) ToPublic() PublicUser {
	return PublicUser{ID: u.ID, Phone: u.Phone, CountryCode: u.CountryCode, IsVerified: u.IsVerified}
}

// Vehicle is a registered vehicle, identified uniquely by either reg number
// or chassis number; both must resolve to the same row when present.
type Vehicle struct {
	ID                 uuid.UUID  `json:"id"`
	RegNumber          string     `json:"reg_number"`
	ChassisNumber      string     `json:"chassis_number"`
	UserID             *uuid.UUID `json:"user_id,omitempty"`
	Make               string     `json:"make"`
	Model              string     `json:"model"`
	Year               int        `json:"year"`
	BatteryCapacityKWh float64    `json:"battery_capacity_kwh"`
	EfficiencyKWhPerKm float64    `json:"efficiency_kwh_per_km"`
	EfficiencyFactor   float64    `json:"efficiency_factor"`
	ReserveKm          float64    `json:"reserve_km"`
	ImageURL           string     `json:"image_url,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DefaultEfficiencyFactor and DefaultReserveKm are the spec §3 defaults
// applied when a vehicle row omits them.
const (
	DefaultEfficiencyFactor = 0.88
	DefaultReserveKm        = 7.0
)

// PairedDevice is a bluetooth pairing between a user and a vehicle's chassis.
type PairedDevice struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	VehicleID      uuid.UUID  `json:"vehicle_id"`
	ChassisNumber  string     `json:"chassis_number"`
	RegNumber      string     `json:"reg_number"`
	BluetoothMAC   string     `json:"bluetooth_mac,omitempty"`
	IsActive       bool       `json:"is_active"`
	ConnectedAt    time.Time  `json:"connected_at"`
	LastSeen       time.Time  `json:"last_seen"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// OtpAuditEventType enumerates the C9 audit event taxonomy (spec §3).
type OtpAuditEventType string

const (
	OtpEventRequested                 OtpAuditEventType = "requested"
	OtpEventRequestRateLimited        OtpAuditEventType = "request_rate_limited"
	OtpEventRequestInvalid            OtpAuditEventType = "request_invalid"
	OtpEventRequestNonexistentPhone   OtpAuditEventType = "request_nonexistent_phone"
	OtpEventSentFailed                OtpAuditEventType = "sent_failed"
	OtpEventVerified                  OtpAuditEventType = "verified"
	OtpEventVerifyFailed              OtpAuditEventType = "verify_failed"
	OtpEventVerifyExpired             OtpAuditEventType = "verify_expired"
	OtpEventVerifyLocked              OtpAuditEventType = "verify_locked"
	OtpEventVerifyNotFound            OtpAuditEventType = "verify_not_found"
	OtpEventVerifyInvalidPhone        OtpAuditEventType = "verify_invalid_phone"
	OtpEventVerifyRateLimited         OtpAuditEventType = "verify_rate_limited"
	OtpEventVerifyPhoneNotRegistered  OtpAuditEventType = "verify_phone_not_registered"
	OtpEventTokenRefreshed            OtpAuditEventType = "token_refreshed"
	OtpEventLogout                    OtpAuditEventType = "logout"
)

// OtpAudit is a single append-only audit record for the OTP subsystem.
type OtpAudit struct {
	ID        uuid.UUID         `json:"id"`
	Phone     string            `json:"phone"`
	UserID    *uuid.UUID        `json:"user_id,omitempty"`
	EventType OtpAuditEventType `json:"event_type"`
	Detail    json.RawMessage   `json:"detail,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Plug describes one charging connector on a station.
type Plug struct {
	Type      string  `json:"type"`
	PowerKW   float64 `json:"power"`
	Available bool    `json:"available"`
}

// Station is a charging station location plus its metadata.
type Station struct {
	ID                 string          `json:"id"`
	Latitude            float64         `json:"latitude"`
	Longitude           float64         `json:"longitude"`
	Name                string          `json:"name"`
	PowerKW             float64         `json:"power_kw"`
	Plugs               []Plug          `json:"plugs"`
	AvailabilityStatus  string          `json:"availability_status"`
	OperatorName        string          `json:"operator_name"`
	Address             string          `json:"address"`
	City                string          `json:"city"`
	State               string          `json:"state"`
	PricingInfo         json.RawMessage `json:"pricing_info,omitempty"`
	Amenities           []string        `json:"amenities,omitempty"`
}
