// Package otp implements the OTP lifecycle (spec C6): phone-normalized
// request/verify/resend flows built on top of the rate limiter (C3), phone
// cache (C5), SMS queue (C7), and session manager (C8), with every outcome
// recorded through the audit writer (C9).
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/chargeflow/evcore/internal/apperrors"
	"github.com/chargeflow/evcore/internal/audit"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/phone"
	"github.com/chargeflow/evcore/internal/phonecache"
	"github.com/chargeflow/evcore/internal/ratelimit"
	"github.com/chargeflow/evcore/internal/relstore"
	"github.com/chargeflow/evcore/internal/session"
	"github.com/chargeflow/evcore/internal/smsqueue"
)

// Config holds the OTP-specific settings not already owned by the rate
// limiter or session manager.
type Config struct {
	Length            int
	TTL               time.Duration
	MaxVerifyAttempts int
	LockoutDuration   time.Duration
	HMACSecret        string

	VerifyPhoneLimit  int           // attempts per phone within VerifyWindow
	VerifyIPLimit     int           // attempts per IP within VerifyWindow
	VerifyWindow      time.Duration
}

// Service implements the request/verify/resend flows.
type Service struct {
	store      *kvstore.Store
	rel        *relstore.Store
	limiter    *ratelimit.Limiter
	phoneCache *phonecache.Checker
	sms        *smsqueue.Dispatcher
	sessions   *session.Manager
	audit      *audit.Writer
	logger     *slog.Logger
	cfg        Config
}

// New constructs a Service.
func New(store *kvstore.Store, rel *relstore.Store, limiter *ratelimit.Limiter, phoneCache *phonecache.Checker,
	sms *smsqueue.Dispatcher, sessions *session.Manager, auditWriter *audit.Writer, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		store: store, rel: rel, limiter: limiter, phoneCache: phoneCache,
		sms: sms, sessions: sessions, audit: auditWriter, logger: logger, cfg: cfg,
	}
}

// Sessions exposes the session manager so the HTTP layer can handle
// refresh/logout without duplicating token plumbing through this service.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// record is the HMAC'd OTP persisted in the KV store for the TTL window.
type record struct {
	HMAC      string    `json:"hmac"`
	CreatedAt time.Time `json:"created_at"`
}

func recordKey(phone string) string       { return fmt.Sprintf("otp:record:%s", phone) }
func attemptsKey(phone string) string     { return fmt.Sprintf("otp:attempts:%s", phone) }
func lockKey(phone string) string         { return fmt.Sprintf("otp:lock:%s", phone) }
func verifyPhoneKey(phone string) string  { return fmt.Sprintf("otp:verifylimit:phone:%s", phone) }
func verifyIPKey(ip string) string        { return fmt.Sprintf("otp:verifylimit:ip:%s", ip) }

// RequestResult is returned by Request and Resend. Per spec §4.7 step 3, the
// response shape for an unregistered phone is deliberately indistinguishable
// from the happy path — callers must not branch on Message.
type RequestResult struct {
	Message string
}

// Request normalizes phone, applies C3 limits, checks C5 existence, and —
// only for registered phones — generates and stores an OTP and enqueues an
// SMS job. The HTTP layer returns 202 for every successful call to this
// function, including the anti-enumeration path.
func (s *Service) Request(ctx context.Context, rawPhone, countryCode, ip string) (RequestResult, error) {
	norm := phone.Normalize(rawPhone, countryCode)
	if !norm.IsValid {
		s.audit.Log(audit.Entry{Phone: rawPhone, EventType: models.OtpEventRequestInvalid, IPAddress: ip})
		return RequestResult{}, apperrors.New(apperrors.CodeInvalidPhone, norm.Error)
	}
	p := norm.Normalized

	decision := s.limiter.CheckRequest(ctx, p, ip)
	if !decision.Allowed {
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventRequestRateLimited, IPAddress: ip})
		return RequestResult{}, rateLimitError(decision)
	}

	existsResult, _ := s.phoneCache.Exists(ctx, p)
	if !existsResult.Exists {
		// Anti-enumeration: still burn the rate-limit budget so a phone
		// fishing expedition can't distinguish "not registered" from
		// "registered" by retry cadence either.
		if err := s.limiter.RecordRequest(ctx, p, ip); err != nil {
			s.logger.Warn("otp: recording rate limit counters failed", "error", err)
		}
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventRequestNonexistentPhone, IPAddress: ip})
		return RequestResult{Message: "Phone number is not registered"}, nil
	}

	code, err := generateCode(s.cfg.Length)
	if err != nil {
		return RequestResult{}, apperrors.Wrap(apperrors.CodeInternalError, "generating otp", err)
	}

	rec := record{HMAC: hmacOTP(s.cfg.HMACSecret, code, p), CreatedAt: time.Now()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return RequestResult{}, apperrors.Wrap(apperrors.CodeInternalError, "encoding otp record", err)
	}
	if err := s.store.SetEX(ctx, recordKey(p), raw, s.cfg.TTL); err != nil {
		return RequestResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "storing otp record", err)
	}

	if err := s.limiter.RecordRequest(ctx, p, ip); err != nil {
		s.logger.Warn("otp: recording rate limit counters failed", "error", err)
	}

	if err := s.sms.Enqueue(ctx, smsqueue.Job{
		Phone:   p,
		Message: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(s.cfg.TTL.Minutes())),
	}); err != nil {
		s.logger.Error("otp: enqueueing sms job failed", "error", err, "phone", p)
	}

	s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventRequested, IPAddress: ip})
	return RequestResult{Message: "OTP sent"}, nil
}

// Resend is identical to Request; the audit trail distinguishes attempts via
// timestamps, and C3's cooldown counter naturally enforces the minimum
// interval between them.
func (s *Service) Resend(ctx context.Context, rawPhone, countryCode, ip string) (RequestResult, error) {
	return s.Request(ctx, rawPhone, countryCode, ip)
}

// VerifyResult is returned on a successful OTP verification.
type VerifyResult struct {
	User   models.PublicUser
	Tokens session.TokenPair
}

// Verify validates a submitted OTP against the stored record, enforcing
// attempt limits, account lockout, and verify-side rate limiting, then
// mints a session on success.
func (s *Service) Verify(ctx context.Context, rawPhone, countryCode, code, ip string) (VerifyResult, error) {
	norm := phone.Normalize(rawPhone, countryCode)
	if !norm.IsValid {
		s.audit.Log(audit.Entry{Phone: rawPhone, EventType: models.OtpEventVerifyInvalidPhone, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodeInvalidPhone, norm.Error)
	}
	p := norm.Normalized

	if locked, err := s.store.Exists(ctx, lockKey(p)); err != nil {
		return VerifyResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "checking account lock", err)
	} else if locked > 0 {
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyLocked, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodeAccountLocked, "account is temporarily locked, try again later")
	}

	if decision, ok := s.checkVerifyLimits(ctx, p, ip); !ok {
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyRateLimited, IPAddress: ip})
		return VerifyResult{}, rateLimitError(decision)
	}

	rec, found, err := s.loadRecord(ctx, p)
	if err != nil {
		return VerifyResult{}, err
	}
	if !found {
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyNotFound, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodeOTPNotFound, "no otp request found for this phone")
	}
	if time.Since(rec.CreatedAt) > s.cfg.TTL {
		_ = s.store.Del(ctx, recordKey(p), attemptsKey(p))
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyExpired, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodeOTPExpired, "otp has expired")
	}

	attempts, err := s.incrAttempts(ctx, p)
	if err != nil {
		return VerifyResult{}, err
	}
	if attempts >= s.cfg.MaxVerifyAttempts {
		if err := s.store.SetEX(ctx, lockKey(p), "1", s.cfg.LockoutDuration); err != nil {
			s.logger.Warn("otp: locking account failed", "error", err, "phone", p)
		}
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyLocked, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodeAccountLocked, "too many attempts, account locked")
	}

	provided := hmacOTP(s.cfg.HMACSecret, code, p)
	if !hmac.Equal([]byte(provided), []byte(rec.HMAC)) {
		cancellableSleep(ctx, progressiveDelay(attempts))
		// The audit record fires even if the client disconnected mid-sleep
		// (spec §5): writes already in flight are allowed to outlive the
		// request.
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyFailed, IPAddress: ip})
		remaining := s.cfg.MaxVerifyAttempts - attempts
		if remaining < 0 {
			remaining = 0
		}
		return VerifyResult{}, apperrors.New(apperrors.CodeInvalidOTP, "incorrect otp").
			WithDetails(map[string]int{"remaining_attempts": remaining})
	}

	// Defense in depth: re-check existence right before minting a session.
	existsResult, _ := s.phoneCache.Exists(ctx, p)
	if !existsResult.Exists {
		s.audit.Log(audit.Entry{Phone: p, EventType: models.OtpEventVerifyPhoneNotRegistered, IPAddress: ip})
		return VerifyResult{}, apperrors.New(apperrors.CodePhoneNotRegistered, "phone is not registered")
	}

	user, err := s.rel.GetUserByPhone(ctx, p)
	if err != nil {
		return VerifyResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading user", err)
	}

	now := time.Now()
	if err := s.rel.MarkVerifiedAndLogin(ctx, user.ID, now); err != nil {
		return VerifyResult{}, apperrors.Wrap(apperrors.CodeStoreUnavailable, "marking user verified", err)
	}

	tokens, err := s.sessions.IssuePair(ctx, user.ID.String(), p)
	if err != nil {
		return VerifyResult{}, err
	}

	if err := s.phoneCache.Invalidate(ctx, p); err != nil {
		s.logger.Warn("otp: invalidating phone cache failed", "error", err, "phone", p)
	}
	if err := s.store.Del(ctx, recordKey(p), attemptsKey(p)); err != nil {
		s.logger.Warn("otp: clearing otp record failed", "error", err, "phone", p)
	}

	userID := user.ID
	s.audit.Log(audit.Entry{Phone: p, UserID: &userID, EventType: models.OtpEventVerified, IPAddress: ip})

	user.IsVerified = true
	return VerifyResult{User: user.ToPublic(), Tokens: tokens}, nil
}

func (s *Service) checkVerifyLimits(ctx context.Context, p, ip string) (ratelimit.Decision, bool) {
	phoneCount, err := s.store.Incr(ctx, verifyPhoneKey(p))
	if err == nil && phoneCount == 1 {
		_ = s.store.Expire(ctx, verifyPhoneKey(p), s.cfg.VerifyWindow)
	}
	if err == nil && int(phoneCount) > s.cfg.VerifyPhoneLimit {
		return ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonHourly}, false
	}

	ipCount, err := s.store.Incr(ctx, verifyIPKey(ip))
	if err == nil && ipCount == 1 {
		_ = s.store.Expire(ctx, verifyIPKey(ip), s.cfg.VerifyWindow)
	}
	if err == nil && int(ipCount) > s.cfg.VerifyIPLimit {
		return ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonIP}, false
	}

	return ratelimit.Decision{Allowed: true}, true
}

func (s *Service) loadRecord(ctx context.Context, p string) (record, bool, error) {
	raw, err := s.store.Get(ctx, recordKey(p))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return record{}, false, nil
		}
		return record{}, false, apperrors.Wrap(apperrors.CodeStoreUnavailable, "loading otp record", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, false, apperrors.Wrap(apperrors.CodeInternalError, "decoding otp record", err)
	}
	return rec, true, nil
}

func (s *Service) incrAttempts(ctx context.Context, p string) (int, error) {
	n, err := s.store.Incr(ctx, attemptsKey(p))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStoreUnavailable, "incrementing attempt counter", err)
	}
	if n == 1 {
		if err := s.store.Expire(ctx, attemptsKey(p), s.cfg.TTL); err != nil {
			s.logger.Warn("otp: setting attempts ttl failed", "error", err, "phone", p)
		}
	}
	return int(n), nil
}

// generateCode produces a random decimal OTP of the configured length,
// zero-padded (e.g. "042918" for length 6).
func generateCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// hmacOTP computes HMAC-SHA256(secret, otp || phone), hex encoded, binding
// the code to the phone it was issued for so a leaked code from one number
// can't be replayed against another.
func hmacOTP(secret, code, phone string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(code))
	mac.Write([]byte(phone))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// progressiveDelay implements the spec's min(1000*2^(attempts-1), 16000) ms
// backoff on a failed verify attempt.
func progressiveDelay(attempts int) time.Duration {
	ms := int64(1000) << (attempts - 1)
	if ms > 16000 || attempts > 4 {
		ms = 16000
	}
	return time.Duration(ms) * time.Millisecond
}

// cancellableSleep sleeps for d, or until ctx is cancelled (client
// disconnect), whichever comes first. Per spec §5, the sleep is allowed to
// be cut short but the caller must still write its audit record.
func cancellableSleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func rateLimitError(decision ratelimit.Decision) error {
	code := apperrors.CodeRateLimitExceeded
	if decision.Reason == ratelimit.ReasonHourly || decision.Reason == ratelimit.ReasonDaily || decision.Reason == ratelimit.ReasonCooldown {
		code = apperrors.CodePhoneRateLimitExceeded
	}
	return apperrors.New(code, "too many requests, try again later").
		WithRetryAfter(decision.RetryAfterSeconds)
}
