// Package smsqueue implements the SMS dispatch queue (spec C7): a durable
// Redis-list-backed job queue with a fixed-size worker pool, each job
// retried with exponential backoff before being counted as failed. The
// queue durably decouples OTP issuance (C6) from the SMS provider's
// latency and transient failures. Grounded on the teacher's
// roster.RunScheduleTopUpLoop ticker/worker shape, generalized to a
// push/pop job queue.
package smsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/chargeflow/evcore/internal/audit"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/models"
)

const queueKey = "smsqueue:jobs"

// jobTimeout bounds a single delivery attempt, including all of its
// retries, so one stuck provider call can't pin a worker forever.
const jobTimeout = 30 * time.Second

// Job is a single SMS delivery request.
type Job struct {
	Phone      string    `json:"phone"`
	Message    string    `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Provider sends a single SMS message. Implementations wrap a vendor SDK;
// NoopProvider is used in tests and local development.
type Provider interface {
	Send(ctx context.Context, phone, message string) error
}

// NoopProvider logs instead of sending, for local/dev environments with no
// configured SMS vendor.
type NoopProvider struct {
	Logger *slog.Logger
}

// Send implements Provider.
func (p NoopProvider) Send(_ context.Context, phone, message string) error {
	p.Logger.Info("sms dispatch (noop provider)", "phone", phone, "message", message)
	return nil
}

// Outcome classifies how a dispatched job resolved, for metrics.
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// Dispatcher pushes and pops SMS jobs from a Redis list and runs a pool of
// workers that deliver them via Provider.
type Dispatcher struct {
	rdb      *redis.Client
	provider Provider
	logger   *slog.Logger
	onResult func(Outcome)
	audit    *audit.Writer
}

// New constructs a Dispatcher. onResult, if non-nil, is invoked once per
// job with its final outcome — wired to SMSDispatchTotal by the caller.
// auditWriter may be nil (tests and app's worker mode construct a
// Dispatcher without one), in which case terminal failures are only logged
// and reported to onResult; otherwise every terminal failure also writes an
// OtpEventSentFailed record per spec §4.8.
func New(store *kvstore.Store, provider Provider, logger *slog.Logger, onResult func(Outcome), auditWriter *audit.Writer) *Dispatcher {
	return &Dispatcher{rdb: store.Client(), provider: provider, logger: logger, onResult: onResult, audit: auditWriter}
}

// Enqueue pushes a job onto the durable queue. The OTP request/resend
// flows (C6) call this after issuing a code; delivery happens out of band.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("smsqueue: encoding job: %w", err)
	}
	return d.rdb.LPush(ctx, queueKey, raw).Err()
}

// Run starts concurrency worker goroutines, each blocking on BRPop until
// ctx is cancelled. Run blocks until every worker has exited (i.e. until
// ctx is done and in-flight jobs have drained).
func (d *Dispatcher) Run(ctx context.Context, concurrency int) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := d.rdb.BRPop(ctx, 2*time.Second, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Warn("smsqueue worker pop failed", "worker", id, "error", err)
			continue
		}
		if len(res) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			d.logger.Error("smsqueue dropping malformed job", "worker", id, "error", err)
			continue
		}

		d.deliver(ctx, job, id)
	}
}

// deliver retries a single job's delivery up to 5 attempts with exponential
// backoff starting at 2s, bounded overall by jobTimeout. When an audit
// writer is configured, every terminal failure is recorded as an
// OtpEventSentFailed audit row carrying the
// attempt count and the worker id that gave up on it (spec §4.8).
func (d *Dispatcher) deliver(ctx context.Context, job Job, workerID int) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second

	attempts := 0
	_, err := backoff.Retry(jobCtx, func() (struct{}, error) {
		attempts++
		return struct{}{}, d.provider.Send(jobCtx, job.Phone, job.Message)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))

	if err != nil {
		d.logger.Error("sms dispatch failed after retries", "phone", job.Phone, "error", err, "attempts", attempts, "worker", workerID)
		d.report(OutcomeFailed)
		if d.audit != nil {
			detail, _ := json.Marshal(map[string]any{"attempts": attempts, "worker_id": workerID, "error": err.Error()})
			d.audit.Log(audit.Entry{Phone: job.Phone, EventType: models.OtpEventSentFailed, Detail: detail})
		}
		return
	}
	d.report(OutcomeSent)
}

func (d *Dispatcher) report(o Outcome) {
	if d.onResult != nil {
		d.onResult(o)
	}
}
