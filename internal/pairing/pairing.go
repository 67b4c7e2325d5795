// Package pairing implements the pairing registry (spec C13) and the
// paired-device listing (spec C14): a transactional upsert serialized per
// chassis number by a Postgres advisory lock, idempotency-key replay, and
// a versioned-cache cursor listing of a user's paired devices.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/relstore"
)

// PairRequest is the validated input to Pair.
type PairRequest struct {
	ChassisNumber  string
	RegNumber      string
	BluetoothMAC   string
	IdempotencyKey *string
	VehicleStatic  *VehicleStatic
}

// VehicleStatic carries the vehicle spec fields needed to register a brand
// new vehicle row the first time its chassis/reg number is paired (spec
// §4.13 step 3, "else create new"). Unknown JSON fields beyond these are
// not preserved here; the registration subsystem is the source of truth
// for anything not needed by the range calculator.
type VehicleStatic struct {
	Make               string
	Model              string
	Year               int
	BatteryCapacityKWh float64
	EfficiencyKWhPerKm float64
	EfficiencyFactor   float64
	ReserveKm          float64
	ImageURL           string
}

// Service implements the pairing registry and listing.
type Service struct {
	rel           *relstore.Store
	store         *kvstore.Store
	logger        *slog.Logger
	assetsBaseURL string
}

// New constructs a Service.
func New(rel *relstore.Store, store *kvstore.Store, logger *slog.Logger) *Service {
	return &Service{rel: rel, store: store, logger: logger}
}

// WithAssetsBaseURL sets the base URL used to resolve a vehicle's relative
// image_url to an absolute one in the vehicles listing (spec §4.14).
func (s *Service) WithAssetsBaseURL(base string) *Service {
	s.assetsBaseURL = base
	return s
}

// PairResult is the outcome of Pair, distinguishing a brand-new pairing
// (HTTP 201) from an idempotency-key replay or re-pair of an existing
// device (HTTP 200).
type PairResult struct {
	Device      models.PairedDevice
	Created     bool
	ActiveCount int
}

// Pair upserts a pairing between userID and the vehicle identified by
// req.ChassisNumber, serialized by a per-chassis advisory lock so two
// concurrent pair requests for the same vehicle can't race.
func (s *Service) Pair(ctx context.Context, userID uuid.UUID, req PairRequest) (PairResult, error) {
	// Idempotency-key replay: a retried request with the same key returns
	// the original result without re-acquiring the lock.
	if req.IdempotencyKey != nil {
		if existing, err := s.rel.GetPairedDeviceByIdempotencyKeyTx(ctx, s.rel.Pool, userID, *req.IdempotencyKey); err == nil {
			activeCount, err := s.rel.CountActivePairedDevices(ctx, userID)
			if err != nil {
				return PairResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "counting active paired devices", err)
			}
			return PairResult{Device: existing, Created: false, ActiveCount: activeCount}, nil
		} else if !errors.Is(err, relstore.ErrNoRows) {
			return PairResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "checking idempotency key", err)
		}
	}

	var result models.PairedDevice
	var created bool
	err := s.rel.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		acquired, err := relstore.AdvisoryTryLock(ctx, tx, req.ChassisNumber)
		if err != nil {
			return err
		}
		if !acquired {
			return apperrors.New(apperrors.CodeResourceLocked, "vehicle is being paired by another request, try again")
		}

		vehicle, found, err := s.findVehicleTx(ctx, tx, req.ChassisNumber, req.RegNumber)
		if err != nil {
			return err
		}

		if found {
			if vehicle.UserID != nil && *vehicle.UserID != userID {
				return apperrors.New(apperrors.CodeConflict, "vehicle is already paired to another account")
			}
			vehicle, err = s.rel.UpdateVehicleTx(ctx, tx, vehicle.ID, &userID, req.RegNumber)
			if err != nil {
				return err
			}
		} else {
			if req.VehicleStatic == nil {
				return apperrors.New(apperrors.CodeInvalidReference,
					"no vehicle registered with that chassis/reg number; vehicle_static is required to register it")
			}
			vehicle, err = s.rel.CreateVehicleTx(ctx, tx, vehicleCreateParams(userID, req))
			if err != nil {
				return err
			}
		}

		existing, err := s.rel.GetPairedDeviceByUserChassisTx(ctx, tx, userID, req.ChassisNumber)
		switch {
		case err == nil:
			result, err = s.rel.RefreshPairedDeviceTx(ctx, tx, existing.ID, req.RegNumber, req.BluetoothMAC, time.Now())
			return err
		case errors.Is(err, relstore.ErrNoRows):
			created = true
			result, err = s.rel.CreatePairedDeviceTx(ctx, tx, relstore.UpsertPairedDeviceParams{
				UserID:         userID,
				VehicleID:      vehicle.ID,
				ChassisNumber:  req.ChassisNumber,
				RegNumber:      req.RegNumber,
				BluetoothMAC:   req.BluetoothMAC,
				IdempotencyKey: req.IdempotencyKey,
				Now:            time.Now(),
			})
			return err
		default:
			return err
		}
	})
	if err != nil {
		return PairResult{}, err
	}

	if err := s.bumpListVersion(ctx, userID); err != nil {
		s.logger.Warn("pairing: bumping list cache version failed", "user_id", userID, "error", err)
	}

	activeCount, err := s.rel.CountActivePairedDevices(ctx, userID)
	if err != nil {
		return PairResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "counting active paired devices", err)
	}

	return PairResult{Device: result, Created: created, ActiveCount: activeCount}, nil
}

// findVehicleTx resolves a vehicle by chassis number, falling back to reg
// number, per spec §4.13 step 3. found is false only when neither lookup
// matched, signaling the caller to create a new row.
func (s *Service) findVehicleTx(ctx context.Context, tx pgx.Tx, chassisNumber, regNumber string) (models.Vehicle, bool, error) {
	vehicle, err := s.rel.GetVehicleByChassisNumber(ctx, tx, chassisNumber)
	if err == nil {
		return vehicle, true, nil
	}
	if !errors.Is(err, relstore.ErrNoRows) {
		return models.Vehicle{}, false, err
	}

	vehicle, err = s.rel.GetVehicleByRegNumberTx(ctx, tx, regNumber)
	if err == nil {
		return vehicle, true, nil
	}
	if !errors.Is(err, relstore.ErrNoRows) {
		return models.Vehicle{}, false, err
	}

	return models.Vehicle{}, false, nil
}

// vehicleCreateParams fills in the spec §3 defaults (efficiency_factor
// 0.88, reserve_km 7) for any field the caller's vehicle_static omitted.
func vehicleCreateParams(userID uuid.UUID, req PairRequest) relstore.CreateVehicleParams {
	vs := req.VehicleStatic
	efficiencyFactor := vs.EfficiencyFactor
	if efficiencyFactor == 0 {
		efficiencyFactor = models.DefaultEfficiencyFactor
	}
	reserveKm := vs.ReserveKm
	if reserveKm == 0 {
		reserveKm = models.DefaultReserveKm
	}
	return relstore.CreateVehicleParams{
		RegNumber:          req.RegNumber,
		ChassisNumber:      req.ChassisNumber,
		UserID:             &userID,
		Make:               vs.Make,
		Model:              vs.Model,
		Year:               vs.Year,
		BatteryCapacityKWh: vs.BatteryCapacityKWh,
		EfficiencyKWhPerKm: vs.EfficiencyKWhPerKm,
		EfficiencyFactor:   efficiencyFactor,
		ReserveKm:          reserveKm,
		ImageURL:           vs.ImageURL,
	}
}
