package smsqueue

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chargeflow/evcore/internal/kvstore"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []string
}

func (p *recordingProvider) Send(_ context.Context, phone, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, phone)
	return nil
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestEnqueueAndDeliver(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.New(rdb)
	provider := &recordingProvider{}
	logger := slog.New(slog.DiscardHandler)

	var outcomes []Outcome
	var mu sync.Mutex
	d := New(store, provider, logger, func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Enqueue(ctx, Job{Phone: "+919876543210", Message: "your code is 123456"}))

	done := make(chan struct{})
	go func() {
		d.Run(ctx, 2)
		close(done)
	}()

	require.Eventually(t, func() bool { return provider.count() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, outcomes, OutcomeSent)
}
