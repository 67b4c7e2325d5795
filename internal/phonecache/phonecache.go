// Package phonecache implements the phone verification cache (spec C5): a
// three-tier cache-aside lookup (C1 Redis cache, then C4 Bloom filter, then
// C2 Postgres) that answers "does this phone belong to a known user"
// without hitting the database on the common, already-seen path. Grounded
// on the teacher's alert.Deduplicator cache-aside shape (pkg/alert/dedup.go).
package phonecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargeflow/evcore/internal/bloomfilter"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/relstore"
)

// Source records which tier answered the lookup, for metrics/audit detail.
type Source string

const (
	SourceCache         Source = "cache"
	SourceBloomNegative Source = "bloom_negative"
	SourceDatabase      Source = "database"
	SourceFailOpen      Source = "fail_open"
)

// Result is the outcome of an existence check.
type Result struct {
	Exists   bool
	User     *models.User
	Source   Source
	Duration time.Duration
}

// Config holds the cache TTLs (spec §6 PHONE_CACHE_TTL_SECONDS / PHONE_NEGATIVE_CACHE_TTL).
type Config struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// Checker answers phone-existence checks via the cache-aside chain.
type Checker struct {
	store  *kvstore.Store
	bf     *bloomfilter.Filter
	rel    *relstore.Store
	logger *slog.Logger
	cfg    Config
}

// New constructs a Checker.
func New(store *kvstore.Store, bf *bloomfilter.Filter, rel *relstore.Store, logger *slog.Logger, cfg Config) *Checker {
	return &Checker{store: store, bf: bf, rel: rel, logger: logger, cfg: cfg}
}

func cacheKey(phone string) string { return fmt.Sprintf("phonecache:%s", phone) }

// Exists reports whether phone belongs to a known user. On a database
// outage it fails open (Exists=true, Source=SourceFailOpen) so that a
// Redis/Postgres blip never itself becomes a way to enumerate or block
// legitimate phone numbers; OTP verification downstream is unaffected by
// this since it never trusts Exists alone to short-circuit a valid code.
func (c *Checker) Exists(ctx context.Context, phone string) (Result, error) {
	start := time.Now()

	if val, err := c.store.Get(ctx, cacheKey(phone)); err == nil {
		return Result{Exists: val == "1", Source: SourceCache, Duration: time.Since(start)}, nil
	} else if err != kvstore.ErrNotFound {
		c.logger.Warn("phone cache read failed, falling through", "error", err)
	}

	if c.bf.Initialized() && !c.bf.Test(phone) {
		c.warmCache(ctx, phone, false, c.cfg.NegativeTTL)
		return Result{Exists: false, Source: SourceBloomNegative, Duration: time.Since(start)}, nil
	}

	user, err := c.rel.GetUserByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, relstore.ErrNoRows) {
			c.bf.RecordFalsePositive()
			c.warmCache(ctx, phone, false, c.cfg.NegativeTTL)
			return Result{Exists: false, Source: SourceDatabase, Duration: time.Since(start)}, nil
		}
		c.logger.Warn("phone existence check failed open", "error", err)
		return Result{Exists: true, Source: SourceFailOpen, Duration: time.Since(start)}, nil
	}

	c.warmCache(ctx, phone, true, c.cfg.PositiveTTL)
	u := user
	return Result{Exists: true, User: &u, Source: SourceDatabase, Duration: time.Since(start)}, nil
}

// Invalidate drops the cache entry for phone, used after a user's
// verification state changes.
func (c *Checker) Invalidate(ctx context.Context, phone string) error {
	return c.store.Del(ctx, cacheKey(phone))
}

func (c *Checker) warmCache(ctx context.Context, phone string, exists bool, ttl time.Duration) {
	val := "0"
	if exists {
		val = "1"
	}
	if err := c.store.SetEX(ctx, cacheKey(phone), val, ttl); err != nil {
		c.logger.Warn("failed to warm phone cache", "error", err, "phone", phone)
	}
}
