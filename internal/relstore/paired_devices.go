package relstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chargeflow/evcore/internal/models"
)

const pairedDeviceColumns = `id, user_id, vehicle_id, chassis_number, reg_number, bluetooth_mac, ` +
	`is_active, connected_at, last_seen, idempotency_key, created_at, updated_at`

func scanPairedDevice(row pgx.Row) (models.PairedDevice, error) {
	var d models.PairedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.VehicleID, &d.ChassisNumber, &d.RegNumber, &d.BluetoothMAC,
		&d.IsActive, &d.ConnectedAt, &d.LastSeen, &d.IdempotencyKey, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// GetPairedDeviceByIdempotencyKeyTx looks up an existing paired device by (userId, idempotencyKey).
func (s *Store) GetPairedDeviceByIdempotencyKeyTx(ctx context.Context, db DBTX, userID uuid.UUID, key string) (models.PairedDevice, error) {
	row := db.QueryRow(ctx, "SELECT "+pairedDeviceColumns+" FROM paired_devices WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	d, err := scanPairedDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PairedDevice{}, ErrNoRows
		}
		return models.PairedDevice{}, TranslateError(err)
	}
	return d, nil
}

// GetPairedDeviceByUserChassisTx looks up the paired device row for (userId, chassisNumber).
func (s *Store) GetPairedDeviceByUserChassisTx(ctx context.Context, db DBTX, userID uuid.UUID, chassisNumber string) (models.PairedDevice, error) {
	row := db.QueryRow(ctx, "SELECT "+pairedDeviceColumns+" FROM paired_devices WHERE user_id = $1 AND chassis_number = $2", userID, chassisNumber)
	d, err := scanPairedDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PairedDevice{}, ErrNoRows
		}
		return models.PairedDevice{}, TranslateError(err)
	}
	return d, nil
}

// UpsertPairedDeviceParams describes a pairing write (insert-or-refresh).
type UpsertPairedDeviceParams struct {
	UserID         uuid.UUID
	VehicleID      uuid.UUID
	ChassisNumber  string
	RegNumber      string
	BluetoothMAC   string
	IdempotencyKey *string
	Now            time.Time
}

// CreatePairedDeviceTx inserts a new paired-device row.
func (s *Store) CreatePairedDeviceTx(ctx context.Context, db DBTX, p UpsertPairedDeviceParams) (models.PairedDevice, error) {
	row := db.QueryRow(ctx, `
		INSERT INTO paired_devices (user_id, vehicle_id, chassis_number, reg_number, bluetooth_mac,
			is_active, connected_at, last_seen, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, true, $6, $6, $7)
		RETURNING `+pairedDeviceColumns,
		p.UserID, p.VehicleID, p.ChassisNumber, p.RegNumber, p.BluetoothMAC, p.Now, p.IdempotencyKey)
	d, err := scanPairedDevice(row)
	if err != nil {
		return models.PairedDevice{}, TranslateError(err)
	}
	return d, nil
}

// RefreshPairedDeviceTx marks an existing paired device active and refreshes
// connected_at/last_seen (C13 step 4, re-pairing path).
func (s *Store) RefreshPairedDeviceTx(ctx context.Context, db DBTX, id uuid.UUID, regNumber, bluetoothMAC string, now time.Time) (models.PairedDevice, error) {
	row := db.QueryRow(ctx, `
		UPDATE paired_devices
		SET is_active = true, reg_number = $2, bluetooth_mac = COALESCE(NULLIF($3, ''), bluetooth_mac),
		    connected_at = $4, last_seen = $4, updated_at = now()
		WHERE id = $1
		RETURNING `+pairedDeviceColumns,
		id, regNumber, bluetoothMAC, now)
	d, err := scanPairedDevice(row)
	if err != nil {
		return models.PairedDevice{}, TranslateError(err)
	}
	return d, nil
}

// CountActivePairedDevicesTx counts active paired devices for a user within a transaction.
func (s *Store) CountActivePairedDevicesTx(ctx context.Context, db DBTX, userID uuid.UUID) (int, error) {
	var n int
	err := db.QueryRow(ctx, "SELECT count(*) FROM paired_devices WHERE user_id = $1 AND is_active", userID).Scan(&n)
	if err != nil {
		return 0, TranslateError(err)
	}
	return n, nil
}

// CountActivePairedDevices counts active paired devices for a user (C14 count reconciliation).
func (s *Store) CountActivePairedDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, "SELECT count(*) FROM paired_devices WHERE user_id = $1 AND is_active", userID).Scan(&n)
	if err != nil {
		return 0, TranslateError(err)
	}
	return n, nil
}

// CountAllPairedDevices counts every paired device ever created for a user (C14 count reconciliation).
func (s *Store) CountAllPairedDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, "SELECT count(*) FROM paired_devices WHERE user_id = $1", userID).Scan(&n)
	if err != nil {
		return 0, TranslateError(err)
	}
	return n, nil
}

// ActivePairedVehicleIDs returns the set of a user's vehicle IDs that have at
// least one active paired device, for the vehicles sibling listing's
// is_active projection (spec §4.14).
func (s *Store) ActivePairedVehicleIDs(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT DISTINCT vehicle_id FROM paired_devices WHERE user_id = $1 AND is_active", userID)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, TranslateError(err)
		}
		out[id] = true
	}
	return out, TranslateError(rows.Err())
}

// ListPairedDevicesParams parameterizes a cursor page read (C14).
type ListPairedDevicesParams struct {
	UserID uuid.UUID
	Active *bool
	Sort   string // "last_seen_desc" | "connected_at_desc"
	Limit  int    // fetch limit+1 upstream; this is the raw SQL LIMIT
	After  *PairedDeviceCursor
}

// PairedDeviceCursor pins a (last_seen|connected_at, id) keyset position.
type PairedDeviceCursor struct {
	Key time.Time
	ID  uuid.UUID
}

// ListPairedDevices returns paired devices ordered per sort, keyset-paginated by cursor.
func (s *Store) ListPairedDevices(ctx context.Context, p ListPairedDevicesParams) ([]models.PairedDevice, error) {
	col := "last_seen"
	if p.Sort == "connected_at_desc" {
		col = "connected_at"
	}

	query := "SELECT " + pairedDeviceColumns + " FROM paired_devices WHERE user_id = $1"
	args := []any{p.UserID}
	argN := 2

	if p.Active != nil {
		query += " AND is_active = $" + strconv.Itoa(argN)
		args = append(args, *p.Active)
		argN++
	}

	if p.After != nil {
		query += " AND (" + col + ", id) < ($" + strconv.Itoa(argN) + ", $" + strconv.Itoa(argN+1) + ")"
		args = append(args, p.After.Key, p.After.ID)
		argN += 2
	}

	query += " ORDER BY " + col + " DESC, id DESC LIMIT $" + strconv.Itoa(argN)
	args = append(args, p.Limit)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	var out []models.PairedDevice
	for rows.Next() {
		d, err := scanPairedDevice(rows)
		if err != nil {
			return nil, TranslateError(err)
		}
		out = append(out, d)
	}
	return out, TranslateError(rows.Err())
}
