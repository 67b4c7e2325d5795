package bloomfilter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, Config{ExpectedPhones: 1000, ErrorRate: 0.001})
}

func TestTestReportsAddedMember(t *testing.T) {
	f := newTestFilter(t)
	f.Add("+919876543210")
	require.True(t, f.Test("+919876543210"))
}

func TestTestReportsFalseForNeverAdded(t *testing.T) {
	f := newTestFilter(t)
	require.False(t, f.Test("+919876543210"))
}

func TestNewFilterStartsUninitialized(t *testing.T) {
	f := newTestFilter(t)
	require.False(t, f.Initialized())
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t)
	f.Add("+919876543210")
	f.Add("+14155550123")

	require.NoError(t, f.SaveSnapshot(ctx))

	restored := New(f.store, f.logger, Config{ExpectedPhones: 1000, ErrorRate: 0.001})
	ok, err := restored.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, restored.Initialized())
	require.True(t, restored.Test("+919876543210"))
	require.True(t, restored.Test("+14155550123"))
}

func TestLoadSnapshotMissingIsNotError(t *testing.T) {
	f := newTestFilter(t)
	ok, err := f.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, f.Initialized())
}

func TestRebuildReplacesContents(t *testing.T) {
	ctx := context.Background()
	f := newTestFilter(t)
	f.Add("+10000000000")

	require.NoError(t, f.Rebuild(ctx, []string{"+919876543210"}, Config{ExpectedPhones: 1000, ErrorRate: 0.001}))
	require.True(t, f.Test("+919876543210"))
	require.True(t, f.Initialized())
}

func TestRecordFalsePositiveInvokesHook(t *testing.T) {
	f := newTestFilter(t)
	called := false
	f.OnFalsePositive(func() { called = true })
	f.RecordFalsePositive()
	require.True(t, called)
}
