package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	logger := slog.New(slog.DiscardHandler)
	lim := New(store, logger, Config{
		CooldownSeconds: 60,
		HourLimit:       10,
		DayLimit:        20,
		IPLimit10Min:    100,
	})
	return lim, mr
}

func TestCheckRequestAllowsFirstAttempt(t *testing.T) {
	lim, _ := newTestLimiter(t)
	d := lim.CheckRequest(context.Background(), "+919876543210", "1.2.3.4")
	require.True(t, d.Allowed)
	require.Equal(t, ReasonNone, d.Reason)
}

func TestCheckRequestCooldownBlocksSecondAttempt(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()
	phone := "+919876543210"

	require.NoError(t, lim.RecordRequest(ctx, phone, "1.2.3.4"))

	d := lim.CheckRequest(ctx, phone, "1.2.3.4")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonCooldown, d.Reason)
	require.Greater(t, d.RetryAfterSeconds, 0)
}

func TestCheckRequestHourlyLimit(t *testing.T) {
	lim, mr := newTestLimiter(t)
	ctx := context.Background()
	phone := "+919876543210"

	for i := 0; i < lim.cfg.HourLimit; i++ {
		require.NoError(t, lim.RecordRequest(ctx, phone, ""))
	}
	// Let the cooldown lapse so only the hourly quota is exhausted.
	mr.FastForward(time.Duration(lim.cfg.CooldownSeconds+1) * time.Second)

	d := lim.CheckRequest(ctx, phone, "")
	require.False(t, d.Allowed)
	require.Equal(t, ReasonHourly, d.Reason)
}

func TestCheckRequestFailsOpenOnStoreError(t *testing.T) {
	lim, mr := newTestLimiter(t)
	mr.Close()

	d := lim.CheckRequest(context.Background(), "+919876543210", "1.2.3.4")
	require.True(t, d.Allowed)
	require.Equal(t, ReasonStoreError, d.Reason)
}

func TestCooldownRemaining(t *testing.T) {
	lim, _ := newTestLimiter(t)
	ctx := context.Background()
	phone := "+919876543210"

	d, err := lim.CooldownRemaining(ctx, phone)
	require.NoError(t, err)
	require.Zero(t, d)

	require.NoError(t, lim.RecordRequest(ctx, phone, ""))

	d, err = lim.CooldownRemaining(ctx, phone)
	require.NoError(t, err)
	require.True(t, d > 0 && d <= 60*time.Second)
}
