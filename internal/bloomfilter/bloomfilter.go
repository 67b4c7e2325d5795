// Package bloomfilter implements the phone-existence filter (spec C4): a
// probabilistic set of every known phone number, used to short-circuit
// "does this phone exist" checks without a database round trip. False
// positives fall through to C2 (the accurate source); false negatives are
// structurally impossible (the filter can only over- not under-report).
package bloomfilter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/chargeflow/evcore/internal/kvstore"
)

const (
	snapshotKey     = "bloom:phones:snapshot"
	snapshotMetaKey = "bloom:phones:snapshot:saved_at"
)

// Filter wraps a bloom.BloomFilter with snapshot persistence to the KV
// store (C1) and a single-writer invariant: only the populator goroutine
// ever calls Rebuild/Add; readers (Test) are safe to call concurrently.
type Filter struct {
	store  *kvstore.Store
	logger *slog.Logger
	cfg    Config

	mu          sync.RWMutex
	bf          *bloom.BloomFilter
	initialized bool // true once a snapshot has been loaded or the filter rebuilt from C2

	falsePositives func() // optional hook, wired to a Prometheus counter by the caller
}

// Config sizes the filter (spec §6 BLOOM_EXPECTED_PHONES / BLOOM_ERROR_RATE)
// and carries the staleness threshold for a loaded snapshot (BLOOM_REFRESH_HOURS).
type Config struct {
	ExpectedPhones  uint
	ErrorRate       float64
	RefreshInterval time.Duration
}

// New constructs an empty, uninitialized Filter sized per cfg. Call
// LoadSnapshot or Rebuild before serving traffic; until one of those
// succeeds, Initialized reports false and callers must not trust a
// negative Test result.
func New(store *kvstore.Store, logger *slog.Logger, cfg Config) *Filter {
	return &Filter{
		store:  store,
		logger: logger,
		cfg:    cfg,
		bf:     bloom.NewWithEstimates(cfg.ExpectedPhones, cfg.ErrorRate),
	}
}

// Initialized reports whether the filter has ever been populated, either
// from a snapshot or a full rebuild from C2. A filter that has never been
// initialized answers every Test with false, which is indistinguishable
// from "definitely absent" — callers must check Initialized first and
// fall through to C2 directly when it's false.
func (f *Filter) Initialized() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.initialized
}

// OnFalsePositive registers a callback invoked whenever Test reports a
// phone as present but the caller's subsequent authoritative check (C2)
// finds it absent. Wired to BloomFalsePositivesTotal by the caller.
func (f *Filter) OnFalsePositive(hook func()) {
	f.falsePositives = hook
}

// RecordFalsePositive is called by the phone-verification cache (C5) when
// Test said "maybe present" but the database says "absent".
func (f *Filter) RecordFalsePositive() {
	if f.falsePositives != nil {
		f.falsePositives()
	}
}

// Test reports whether phone might be a member. false is authoritative
// (definitely absent); true may be a false positive.
func (f *Filter) Test(phone string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test([]byte(phone))
}

// Add inserts phone into the filter. Safe to call from the populator or
// from a post-registration hook; not safe to call concurrently with
// Rebuild/LoadSnapshot (single-writer invariant — callers serialize these
// via the same populator goroutine).
func (f *Filter) Add(phone string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bf.Add([]byte(phone))
}

// Rebuild replaces the filter contents from a fresh phone list (a full
// repopulation from C2), then persists a snapshot to C1.
func (f *Filter) Rebuild(ctx context.Context, phones []string, cfg Config) error {
	next := bloom.NewWithEstimates(cfg.ExpectedPhones, cfg.ErrorRate)
	for _, p := range phones {
		next.Add([]byte(p))
	}

	f.mu.Lock()
	f.bf = next
	f.initialized = true
	f.mu.Unlock()

	return f.SaveSnapshot(ctx)
}

// SaveSnapshot serializes the filter and stores it in C1 under a fixed key,
// alongside a saved-at timestamp used to detect a stale load later.
func (f *Filter) SaveSnapshot(ctx context.Context) error {
	f.mu.RLock()
	var buf bytes.Buffer
	_, err := f.bf.WriteTo(&buf)
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("bloomfilter: serializing snapshot: %w", err)
	}
	if err := f.store.Set(ctx, snapshotKey, buf.Bytes()); err != nil {
		return err
	}
	return f.store.Set(ctx, snapshotMetaKey, time.Now().UTC().Format(time.RFC3339))
}

// LoadSnapshot restores the filter from its C1 snapshot, if present. A
// missing snapshot (kvstore.ErrNotFound) is not an error — callers should
// fall back to Rebuild from C2 on first boot. When a snapshot is loaded
// whose saved-at timestamp is older than cfg.RefreshInterval, LoadSnapshot
// logs a warning but still returns true — a stale filter is still correct,
// just due for a Rebuild.
func (f *Filter) LoadSnapshot(ctx context.Context) (bool, error) {
	raw, err := f.store.Get(ctx, snapshotKey)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	next := &bloom.BloomFilter{}
	if _, err := next.ReadFrom(bytes.NewReader([]byte(raw))); err != nil {
		return false, fmt.Errorf("bloomfilter: reading snapshot: %w", err)
	}

	f.mu.Lock()
	f.bf = next
	f.initialized = true
	f.mu.Unlock()

	f.warnIfStale(ctx)
	return true, nil
}

func (f *Filter) warnIfStale(ctx context.Context) {
	if f.cfg.RefreshInterval <= 0 {
		return
	}
	raw, err := f.store.Get(ctx, snapshotMetaKey)
	if err != nil {
		return
	}
	savedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return
	}
	if age := time.Since(savedAt); age > f.cfg.RefreshInterval {
		f.logger.Warn("bloom filter: loaded snapshot is stale, continuing to serve", "age", age, "refresh_interval", f.cfg.RefreshInterval)
	}
}
