package relstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/chargeflow/evcore/internal/models"
)

const otpAuditColumns = `id, phone, user_id, event_type, detail, ip_address, user_agent, created_at`

func scanOtpAudit(row interface {
	Scan(dest ...any) error
}) (models.OtpAudit, error) {
	var a models.OtpAudit
	var ip, ua *string
	err := row.Scan(&a.ID, &a.Phone, &a.UserID, &a.EventType, &a.Detail, &ip, &ua, &a.CreatedAt)
	if ip != nil {
		a.IPAddress = *ip
	}
	if ua != nil {
		a.UserAgent = *ua
	}
	return a, err
}

// CreateOtpAuditEntryParams is the set of fields needed to append one audit row.
type CreateOtpAuditEntryParams struct {
	Phone     string
	UserID    *uuid.UUID
	EventType models.OtpAuditEventType
	Detail    []byte
	IPAddress string
	UserAgent string
}

// CreateOtpAuditEntry appends an append-only OTP audit row.
func (s *Store) CreateOtpAuditEntry(ctx context.Context, p CreateOtpAuditEntryParams) error {
	var ip, ua *string
	if p.IPAddress != "" {
		ip = &p.IPAddress
	}
	if p.UserAgent != "" {
		ua = &p.UserAgent
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO otp_audit (phone, user_id, event_type, detail, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Phone, p.UserID, p.EventType, p.Detail, ip, ua)
	return TranslateError(err)
}

// ListOtpAuditByPhone returns the most recent audit rows for a phone number,
// newest first, bounded by limit. Used for diagnostics and support tooling.
func (s *Store) ListOtpAuditByPhone(ctx context.Context, phone string, limit int) ([]models.OtpAudit, error) {
	rows, err := s.Pool.Query(ctx,
		"SELECT "+otpAuditColumns+" FROM otp_audit WHERE phone = $1 ORDER BY created_at DESC LIMIT $2",
		phone, limit)
	if err != nil {
		return nil, TranslateError(err)
	}
	defer rows.Close()

	var out []models.OtpAudit
	for rows.Next() {
		a, err := scanOtpAudit(rows)
		if err != nil {
			return nil, TranslateError(err)
		}
		out = append(out, a)
	}
	return out, TranslateError(rows.Err())
}
