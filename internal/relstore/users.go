package relstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/chargeflow/evcore/internal/models"
)

const userColumns = `id, phone, country_code, is_verified, is_active, metadata, created_at, updated_at, last_login_at`

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Phone, &u.CountryCode, &u.IsVerified, &u.IsActive, &u.Metadata, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	return u, err
}

// GetUserByPhone looks up a user by canonical phone number.
func (s *Store) GetUserByPhone(ctx context.Context, phone string) (models.User, error) {
	row := s.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE phone = $1", phone)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNoRows
		}
		return models.User{}, TranslateError(err)
	}
	return u, nil
}

// GetUserByID looks up a user by id.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	row := s.Pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNoRows
		}
		return models.User{}, TranslateError(err)
	}
	return u, nil
}

// ListAllPhones returns every active user's phone number, for a bloom filter
// rebuild (C4).
func (s *Store) ListAllPhones(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, "SELECT phone FROM users WHERE is_active")
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, TranslateError(err)
		}
		out = append(out, phone)
	}
	return out, TranslateError(rows.Err())
}

// MarkVerifiedAndLogin flips is_verified and stamps last_login_at for a user.
func (s *Store) MarkVerifiedAndLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.Pool.Exec(ctx,
		"UPDATE users SET is_verified = true, last_login_at = $2, updated_at = now() WHERE id = $1", id, at)
	return TranslateError(err)
}
