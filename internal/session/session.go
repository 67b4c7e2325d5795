// Package session implements the access/refresh token store (spec C8): a
// self-signed HS256 JWT pair per login, a per-JTI refresh record in the KV
// store (C1) so refresh tokens can be revoked individually, and a
// per-user session epoch embedded in every access token so logout or
// refresh invalidates all previously issued access tokens at once —
// without needing a server-side access-token blocklist. The epoch is a
// monotonic counter rather than a wall-clock marker (same pattern as the
// pairing package's list-cache version) so a token minted in the same
// instant as the bump is never ambiguous about which side of the cutover
// it falls on.
// Grounded on the teacher's auth.SessionManager (internal/auth/session.go).
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/kvstore"
)

const issuer = "evcore"

// TokenType distinguishes access from refresh JWTs so one can never be
// presented in place of the other.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims are the custom claims embedded in every token this package issues.
// Epoch is only meaningful on access tokens; it pins the token to the
// user's session epoch at issuance time so a later bump (Logout, Refresh)
// invalidates it deterministically.
type Claims struct {
	UserID string    `json:"user_id"`
	Phone  string    `json:"phone"`
	JTI    string    `json:"jti"`
	Type   TokenType `json:"type"`
	Epoch  int64     `json:"epoch,omitempty"`
}

// TokenPair is the access+refresh token pair returned on login and refresh.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// Config holds the token TTLs (spec §6 JWT_ACCESS_TOKEN_EXPIRY / JWT_REFRESH_TOKEN_EXPIRY).
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Manager issues, validates, refreshes, and revokes session tokens.
type Manager struct {
	signingKey []byte
	cfg        Config
	store      *kvstore.Store
}

// New constructs a Manager. secret must be at least 32 bytes.
func New(secret string, store *kvstore.Store, cfg Config) (*Manager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session: signing secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Manager{signingKey: []byte(secret), cfg: cfg, store: store}, nil
}

// GenerateDevSecret returns a random 32-byte hex-encoded secret, for local
// development only.
func GenerateDevSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

func refreshRecordKey(jti string) string { return fmt.Sprintf("session:refresh:%s", jti) }
func epochKey(userID string) string      { return fmt.Sprintf("session:epoch:%s", userID) }

// revokedMarker is the refresh-record value Logout writes in place of the
// user ID, so a subsequent Refresh can distinguish "revoked by logout" from
// "never existed or naturally expired" — both present as kvstore.ErrNotFound
// otherwise, collapsing REFRESH_TOKEN_REVOKED into REFRESH_TOKEN_EXPIRED.
const revokedMarker = "revoked"

func newJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (m *Manager) sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: m.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: creating signer: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	registered := jwt.Claims{
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiresAt),
		NotBefore: jwt.NewNumericDate(now),
		Issuer:    issuer,
	}

	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: signing token: %w", err)
	}
	return token, expiresAt, nil
}

// parse verifies signature and standard claims and returns the custom claims.
func (m *Manager) parse(raw string, want TokenType) (Claims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "malformed token")
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(m.signingKey, &registered, &custom); err != nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "invalid token signature")
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: issuer, Time: time.Now()}, 5*time.Second); err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeUnauthorized, "token expired or not yet valid", err)
	}

	if custom.Type != want {
		return Claims{}, apperrors.New(apperrors.CodeInvalidTokenType, fmt.Sprintf("expected %s token", want))
	}

	return custom, nil
}

// IssuePair signs a new access+refresh token pair on successful OTP
// verification, and records the refresh token's JTI in the KV store so it
// can be looked up and revoked independently of the JWT's own expiry.
func (m *Manager) IssuePair(ctx context.Context, userID, phone string) (TokenPair, error) {
	epoch, err := m.currentEpoch(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	return m.issuePairWithJTIs(ctx, userID, phone, newJTI(), newJTI(), epoch)
}

func (m *Manager) issuePairWithJTIs(ctx context.Context, userID, phone, accessJTI, refreshJTI string, epoch int64) (TokenPair, error) {
	access, accessExp, err := m.sign(Claims{UserID: userID, Phone: phone, JTI: accessJTI, Type: TypeAccess, Epoch: epoch}, m.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := m.sign(Claims{UserID: userID, Phone: phone, JTI: refreshJTI, Type: TypeRefresh}, m.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	if err := m.store.SetEX(ctx, refreshRecordKey(refreshJTI), userID, m.cfg.RefreshTTL); err != nil {
		return TokenPair{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "persisting refresh token", err)
	}

	return TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

// Authenticate validates an access token, including its session epoch
// against the user's current one, so Logout and Refresh can invalidate
// every previously issued access token by bumping the epoch once.
func (m *Manager) Authenticate(ctx context.Context, accessToken string) (Claims, error) {
	claims, err := m.parse(accessToken, TypeAccess)
	if err != nil {
		return Claims{}, err
	}

	current, err := m.currentEpoch(ctx, claims.UserID)
	if err != nil {
		return Claims{}, err
	}
	if claims.Epoch != current {
		return Claims{}, apperrors.New(apperrors.CodeTokenRevoked, "token revoked")
	}

	return claims, nil
}

// Refresh validates a refresh token against its KV-store record and issues
// a new access token. The refresh token's own JTI is kept unchanged — only
// its TTL is re-extended — so a single refresh token survives repeated
// refreshes rather than being rotated to a new identity every time.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, apperrors.New(apperrors.CodeRefreshTokenRequired, "refresh token required")
	}

	claims, err := m.parse(refreshToken, TypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	storedUserID, err := m.store.Get(ctx, refreshRecordKey(claims.JTI))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return TokenPair{}, apperrors.New(apperrors.CodeRefreshTokenExpired, "refresh token expired")
		}
		return TokenPair{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "looking up refresh token", err)
	}
	if storedUserID == revokedMarker {
		return TokenPair{}, apperrors.New(apperrors.CodeRefreshTokenRevoked, "refresh token revoked")
	}
	if storedUserID != claims.UserID {
		return TokenPair{}, apperrors.New(apperrors.CodeInvalidRefreshToken, "refresh token does not match user")
	}

	// Bump the session epoch so every access token issued before this
	// refresh stops validating: a stolen access token that's still
	// unexpired must stop working the moment its owner refreshes. The
	// replacement token below embeds the post-bump epoch, so it is never
	// caught by its own bump.
	newEpoch, err := m.bumpEpoch(ctx, claims.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	accessJTI := newJTI()
	access, accessExp, err := m.sign(Claims{UserID: claims.UserID, Phone: claims.Phone, JTI: accessJTI, Type: TypeAccess, Epoch: newEpoch}, m.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	refreshed, refreshExp, err := m.sign(claims, m.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := m.store.SetEX(ctx, refreshRecordKey(claims.JTI), claims.UserID, m.cfg.RefreshTTL); err != nil {
		return TokenPair{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "re-extending refresh token", err)
	}

	return TokenPair{
		AccessToken:           access,
		RefreshToken:          refreshed,
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

// Logout marks refreshToken's KV record revoked (rather than deleting it,
// so a later Refresh attempt can report REFRESH_TOKEN_REVOKED instead of
// the ambiguous REFRESH_TOKEN_EXPIRED) and bumps the user's session epoch
// so every outstanding access token stops validating immediately.
func (m *Manager) Logout(ctx context.Context, refreshToken string) error {
	claims, err := m.parse(refreshToken, TypeRefresh)
	if err != nil {
		return err
	}

	if err := m.store.SetEX(ctx, refreshRecordKey(claims.JTI), revokedMarker, m.cfg.RefreshTTL); err != nil {
		return apperrors.Wrap(apperrors.CodeStoreUnavailable, "revoking refresh token", err)
	}

	if _, err := m.bumpEpoch(ctx, claims.UserID); err != nil {
		return err
	}
	return nil
}

// currentEpoch returns the user's session epoch, defaulting to 0 for a
// user who has never logged out or refreshed.
func (m *Manager) currentEpoch(ctx context.Context, userID string) (int64, error) {
	raw, err := m.store.Get(ctx, epochKey(userID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "reading session epoch", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (m *Manager) bumpEpoch(ctx context.Context, userID string) (int64, error) {
	v, err := m.store.Incr(ctx, epochKey(userID))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "bumping session epoch", err)
	}
	return v, nil
}
