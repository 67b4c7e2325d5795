// Package ratelimit implements the OTP request/verify throttles (spec C3):
// a per-phone cooldown, hourly and daily phone quotas, and a per-IP quota,
// all backed by Redis INCR+EXPIRE counters. Failures of the store itself
// fail OPEN (the request is allowed through) — the OTP core never lets a
// Redis outage become a denial-of-service against its own users, but this
// fail-open policy never extends past the rate-limit and existence checks;
// OTP verification itself always fails closed.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chargeflow/evcore/internal/kvstore"
)

// Reason identifies which throttle tripped, or why a fail-open decision
// was made, for audit logging (spec §3 OtpAudit.detail).
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonCooldown   Reason = "cooldown"
	ReasonHourly     Reason = "hourly_limit"
	ReasonDaily      Reason = "daily_limit"
	ReasonIP         Reason = "ip_limit"
	ReasonStoreError Reason = "store_error"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed           bool
	Reason            Reason
	RetryAfterSeconds int
}

// Config holds the throttle thresholds (spec §6 env vars).
type Config struct {
	CooldownSeconds int
	HourLimit       int
	DayLimit        int
	IPLimit10Min    int
}

// Limiter checks and records OTP request/verify throttles.
type Limiter struct {
	store  *kvstore.Store
	logger *slog.Logger
	cfg    Config
}

// New constructs a Limiter.
func New(store *kvstore.Store, logger *slog.Logger, cfg Config) *Limiter {
	return &Limiter{store: store, logger: logger, cfg: cfg}
}

func cooldownKey(phone string) string { return fmt.Sprintf("ratelimit:otp:cooldown:%s", phone) }
func hourlyKey(phone string) string   { return fmt.Sprintf("ratelimit:otp:hourly:%s", phone) }
func dailyKey(phone string) string    { return fmt.Sprintf("ratelimit:otp:daily:%s", phone) }
func ipKey(ip string) string          { return fmt.Sprintf("ratelimit:otp:ip:%s", ip) }

// CheckRequest evaluates every throttle for an OTP request (cooldown, hourly,
// daily, per-IP) without recording anything. On any store error the check
// fails open: Allowed=true, Reason=ReasonStoreError, and the error itself is
// swallowed (logged) rather than returned, so callers never need to special
// case a degraded store.
func (l *Limiter) CheckRequest(ctx context.Context, phone, ip string) Decision {
	if d, ok := l.checkCounter(ctx, cooldownKey(phone), 1, ReasonCooldown); !ok {
		return d
	}
	if d, ok := l.checkCounter(ctx, hourlyKey(phone), l.cfg.HourLimit, ReasonHourly); !ok {
		return d
	}
	if d, ok := l.checkCounter(ctx, dailyKey(phone), l.cfg.DayLimit, ReasonDaily); !ok {
		return d
	}
	if ip != "" {
		if d, ok := l.checkCounter(ctx, ipKey(ip), l.cfg.IPLimit10Min, ReasonIP); !ok {
			return d
		}
	}
	return Decision{Allowed: true}
}

// checkCounter returns (zero Decision, true) when the counter is below
// limit (i.e. the caller should keep checking other throttles), or a
// terminal Decision and false otherwise.
func (l *Limiter) checkCounter(ctx context.Context, key string, limit int, reason Reason) (Decision, bool) {
	count, err := l.store.Get(ctx, key)
	if err != nil && err != kvstore.ErrNotFound {
		l.logger.Warn("rate limit check failed open", "key", key, "error", err)
		return Decision{Allowed: true, Reason: ReasonStoreError}, false
	}

	current := 0
	if err == nil {
		current, _ = strconv.Atoi(count)
	}

	if current >= limit {
		ttl, ttlErr := l.store.TTL(ctx, key)
		retryAfter := 0
		if ttlErr == nil && ttl > 0 {
			retryAfter = int(ttl.Seconds())
		}
		return Decision{Allowed: false, Reason: reason, RetryAfterSeconds: retryAfter}, false
	}

	return Decision{}, true
}

// RecordRequest increments every throttle counter after a request is
// accepted, setting each counter's TTL to its own window on first use.
func (l *Limiter) RecordRequest(ctx context.Context, phone, ip string) error {
	if err := l.incrWithTTL(ctx, cooldownKey(phone), time.Duration(l.cfg.CooldownSeconds)*time.Second); err != nil {
		return err
	}
	if err := l.incrWithTTL(ctx, hourlyKey(phone), time.Hour); err != nil {
		return err
	}
	if err := l.incrWithTTL(ctx, dailyKey(phone), 24*time.Hour); err != nil {
		return err
	}
	if ip != "" {
		if err := l.incrWithTTL(ctx, ipKey(ip), 10*time.Minute); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) incrWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return err
	}
	if n == 1 {
		if err := l.store.Expire(ctx, key, ttl); err != nil {
			return err
		}
	}
	return nil
}

// CooldownRemaining reports how much of the phone's cooldown window is
// left, for surfacing a retry_after_seconds hint independent of the
// rejection path in CheckRequest.
func (l *Limiter) CooldownRemaining(ctx context.Context, phone string) (time.Duration, error) {
	ttl, err := l.store.TTL(ctx, cooldownKey(phone))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}
