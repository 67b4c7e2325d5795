package otp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/audit"
	"github.com/chargeflow/evcore/internal/bloomfilter"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/phonecache"
	"github.com/chargeflow/evcore/internal/ratelimit"
	"github.com/chargeflow/evcore/internal/relstore"
	"github.com/chargeflow/evcore/internal/session"
	"github.com/chargeflow/evcore/internal/smsqueue"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	logger := slog.New(slog.DiscardHandler)

	rel := relstore.New(nil) // never touched on the code paths exercised below
	bfCfg := bloomfilter.Config{ExpectedPhones: 1000, ErrorRate: 0.01}
	bf := bloomfilter.New(store, logger, bfCfg)
	// Mark the filter initialized with an empty set so existence checks
	// fall through to the bloom-negative tier instead of the (nil) database.
	require.NoError(t, bf.Rebuild(context.Background(), nil, bfCfg))
	pc := phonecache.New(store, bf, rel, logger, phonecache.Config{PositiveTTL: time.Hour, NegativeTTL: 5 * time.Minute})
	limiter := ratelimit.New(store, logger, ratelimit.Config{CooldownSeconds: 60, HourLimit: 10, DayLimit: 20, IPLimit10Min: 100})
	sessions, err := session.New("0123456789abcdef0123456789abcdef", store, session.Config{AccessTTL: 15 * time.Minute, RefreshTTL: 7 * 24 * time.Hour})
	require.NoError(t, err)
	auditWriter := audit.NewWriter(rel, logger)
	sms := smsqueue.New(store, smsqueue.NoopProvider{Logger: logger}, logger, nil, auditWriter)

	cfg := Config{
		Length:            6,
		TTL:               5 * time.Minute,
		MaxVerifyAttempts: 5,
		LockoutDuration:   15 * time.Minute,
		HMACSecret:        "test-hmac-secret",
		VerifyPhoneLimit:  5,
		VerifyIPLimit:     50,
		VerifyWindow:      10 * time.Minute,
	}

	return New(store, rel, limiter, pc, sms, sessions, auditWriter, logger, cfg), mr
}

func TestRequestRejectsInvalidPhone(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Request(context.Background(), "not-a-phone", "IN", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeInvalidPhone, apperrors.As(err).Code)
}

func TestRequestUnregisteredPhoneReturnsAntiEnumerationMessage(t *testing.T) {
	s, _ := newTestService(t)
	// Bloom filter has never seen this phone, so the cache-aside chain
	// short-circuits at the bloom-negative tier without touching rel.
	result, err := s.Request(context.Background(), "9876543210", "IN", "1.2.3.4")
	require.NoError(t, err)
	require.Equal(t, "Phone number is not registered", result.Message)
}

func TestRequestRateLimitedAfterCooldown(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Request(ctx, "9876543210", "IN", "1.2.3.4")
	require.NoError(t, err)

	_, err = s.Request(ctx, "9876543210", "IN", "1.2.3.4")
	require.Error(t, err)
	ae := apperrors.As(err)
	require.True(t, ae.Code == apperrors.CodeRateLimitExceeded || ae.Code == apperrors.CodePhoneRateLimitExceeded)
}

func TestVerifyNotFoundWhenNoRecord(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Verify(context.Background(), "9876543211", "IN", "123456", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeOTPNotFound, apperrors.As(err).Code)
}

func TestVerifyLockedAccount(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("otp:lock:+919876543212", "1"))

	_, err := s.Verify(ctx, "9876543212", "IN", "123456", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeAccountLocked, apperrors.As(err).Code)
}

func TestVerifyExpiredRecord(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	phone := "+919876543213"

	rec := record{HMAC: hmacOTP(s.cfg.HMACSecret, "111111", phone), CreatedAt: time.Now().Add(-time.Hour)}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.store.SetEX(ctx, recordKey(phone), raw, time.Hour))

	_, err = s.Verify(ctx, "9876543213", "IN", "111111", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeOTPExpired, apperrors.As(err).Code)
}

func TestVerifyLocksOnFifthWrongAttempt(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	phone := "+919876543299"

	rec := record{HMAC: hmacOTP(s.cfg.HMACSecret, "111111", phone), CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.store.SetEX(ctx, recordKey(phone), raw, time.Hour))

	for i := 1; i <= s.cfg.MaxVerifyAttempts-1; i++ {
		_, err := s.Verify(ctx, "9876543299", "IN", "000000", "1.2.3.4")
		require.Error(t, err)
		require.Equal(t, apperrors.CodeInvalidOTP, apperrors.As(err).Code, "attempt %d should be rejected as wrong, not locked", i)
	}

	_, err = s.Verify(ctx, "9876543299", "IN", "000000", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeAccountLocked, apperrors.As(err).Code, "5th wrong attempt must lock the account")

	locked, err := s.store.Exists(ctx, lockKey(phone))
	require.NoError(t, err)
	require.Equal(t, int64(1), locked)
}

func TestVerifyWrongCodeReturnsRemainingAttempts(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	phone := "+919876543214"

	rec := record{HMAC: hmacOTP(s.cfg.HMACSecret, "111111", phone), CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, s.store.SetEX(ctx, recordKey(phone), raw, time.Hour))

	_, err = s.Verify(ctx, "9876543214", "IN", "000000", "1.2.3.4")
	require.Error(t, err)
	require.Equal(t, apperrors.CodeInvalidOTP, apperrors.As(err).Code)
}

func TestGenerateCodeIsZeroPaddedToLength(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
	}
}

func TestHmacOTPBindsCodeToPhone(t *testing.T) {
	h1 := hmacOTP("secret", "123456", "+911111111111")
	h2 := hmacOTP("secret", "123456", "+912222222222")
	require.NotEqual(t, h1, h2)
}

func TestProgressiveDelayCapsAtSixteenSeconds(t *testing.T) {
	require.Equal(t, time.Second, progressiveDelay(1))
	require.Equal(t, 2*time.Second, progressiveDelay(2))
	require.Equal(t, 16*time.Second, progressiveDelay(5))
	require.Equal(t, 16*time.Second, progressiveDelay(50))
}
