package relstore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chargeflow/evcore/internal/models"
)

const vehicleColumns = `id, reg_number, chassis_number, user_id, make, model, year, ` +
	`battery_capacity_kwh, efficiency_kwh_per_km, efficiency_factor, reserve_km, image_url, created_at, updated_at`

func scanVehicle(row pgx.Row) (models.Vehicle, error) {
	var v models.Vehicle
	err := row.Scan(&v.ID, &v.RegNumber, &v.ChassisNumber, &v.UserID, &v.Make, &v.Model, &v.Year,
		&v.BatteryCapacityKWh, &v.EfficiencyKWhPerKm, &v.EfficiencyFactor, &v.ReserveKm, &v.ImageURL, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// GetVehicleByRegNumber looks up a vehicle by its canonical (uppercase) reg number.
func (s *Store) GetVehicleByRegNumber(ctx context.Context, regNumber string) (models.Vehicle, error) {
	row := s.Pool.QueryRow(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE reg_number = $1", strings.ToUpper(regNumber))
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Vehicle{}, ErrNoRows
		}
		return models.Vehicle{}, TranslateError(err)
	}
	return v, nil
}

// GetVehicleByChassisNumber looks up a vehicle by chassis number within a transaction.
func (s *Store) GetVehicleByChassisNumber(ctx context.Context, db DBTX, chassisNumber string) (models.Vehicle, error) {
	row := db.QueryRow(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE chassis_number = $1", chassisNumber)
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Vehicle{}, ErrNoRows
		}
		return models.Vehicle{}, TranslateError(err)
	}
	return v, nil
}

// GetVehicleByRegNumberTx is the transaction-scoped counterpart of GetVehicleByRegNumber.
func (s *Store) GetVehicleByRegNumberTx(ctx context.Context, db DBTX, regNumber string) (models.Vehicle, error) {
	row := db.QueryRow(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE reg_number = $1", strings.ToUpper(regNumber))
	v, err := scanVehicle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Vehicle{}, ErrNoRows
		}
		return models.Vehicle{}, TranslateError(err)
	}
	return v, nil
}

// GetVehiclesByIDs batch-fetches vehicles for C14's `vehicle` expansion.
func (s *Store) GetVehiclesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Vehicle, error) {
	out := make(map[uuid.UUID]models.Vehicle, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.Pool.Query(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, TranslateError(err)
		}
		out[v.ID] = v
	}
	return out, TranslateError(rows.Err())
}

// GetVehiclesByUserID returns every vehicle registered to userID, newest first.
func (s *Store) GetVehiclesByUserID(ctx context.Context, userID uuid.UUID) ([]models.Vehicle, error) {
	rows, err := s.Pool.Query(ctx, "SELECT "+vehicleColumns+" FROM vehicles WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()
	var out []models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, TranslateError(err)
		}
		out = append(out, v)
	}
	return out, TranslateError(rows.Err())
}

// CreateVehicleParams is the set of fields used to insert a new vehicle row
// during pairing (C13 step 3).
type CreateVehicleParams struct {
	RegNumber          string
	ChassisNumber      string
	UserID             *uuid.UUID
	Make               string
	Model              string
	Year               int
	BatteryCapacityKWh float64
	EfficiencyKWhPerKm float64
	EfficiencyFactor   float64
	ReserveKm          float64
	ImageURL           string
}

// CreateVehicleTx inserts a new vehicle row within a transaction.
func (s *Store) CreateVehicleTx(ctx context.Context, db DBTX, p CreateVehicleParams) (models.Vehicle, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO vehicles (reg_number, chassis_number, user_id, make, model, year,
			battery_capacity_kwh, efficiency_kwh_per_km, efficiency_factor, reserve_km, image_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+vehicleColumns,
		strings.ToUpper(p.RegNumber), p.ChassisNumber, p.UserID, p.Make, p.Model, p.Year,
		p.BatteryCapacityKWh, p.EfficiencyKWhPerKm, p.EfficiencyFactor, p.ReserveKm, p.ImageURL)
	v, err := scanVehicle(row)
	if err != nil {
		return models.Vehicle{}, TranslateError(err)
	}
	return v, nil
}

// UpdateVehicleTx applies changed fields to an existing vehicle row,
// including binding user_id when it was previously null (C13 step 3).
func (s *Store) UpdateVehicleTx(ctx context.Context, db DBTX, id uuid.UUID, userID *uuid.UUID, regNumber string) (models.Vehicle, error) {
	row := db.QueryRow(ctx, `
		UPDATE vehicles
		SET user_id = COALESCE(user_id, $2),
		    reg_number = $3,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+vehicleColumns,
		id, userID, strings.ToUpper(regNumber))
	v, err := scanVehicle(row)
	if err != nil {
		return models.Vehicle{}, TranslateError(err)
	}
	return v, nil
}
