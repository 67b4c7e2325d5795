// Package audit is the async OTP audit writer (spec C9), grounded on the
// teacher's buffered channel/ticker/batch-flush writer shape but persisting
// a single append-only stream of OtpAudit rows rather than tenant-grouped
// audit log entries.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chargeflow/evcore/internal/models"
	"github.com/chargeflow/evcore/internal/relstore"
)

// Entry is a single OTP audit entry queued for async persistence.
type Entry struct {
	Phone     string
	UserID    *uuid.UUID
	EventType models.OtpAuditEventType
	Detail    json.RawMessage
	IPAddress string
	UserAgent string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	rel     *relstore.Store
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(rel *relstore.Store, logger *slog.Logger) *Writer {
	return &Writer{
		rel:     rel,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. The goroutine exits when ctx is cancelled (after flushing the
// entries already buffered) or when Close closes the channel (after
// flushing what remains), whichever comes first.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"event_type", entry.EventType, "phone", entry.Phone)
	}
}

// LogFromRequest is a convenience method that extracts IP and user agent
// from the request, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, phone string, userID *uuid.UUID, eventType models.OtpAuditEventType, detail json.RawMessage) {
	w.Log(Entry{
		Phone:     phone,
		UserID:    userID,
		EventType: eventType,
		Detail:    detail,
		IPAddress: ClientIP(r),
		UserAgent: r.Header.Get("User-Agent"),
	})
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining entries.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch of entries to the database. Entries are written
// individually rather than via a single multi-row insert so one bad row
// (e.g. a detail payload that fails a check constraint) doesn't drop its
// whole batch.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		err := w.rel.CreateOtpAuditEntry(ctx, relstore.CreateOtpAuditEntryParams{
			Phone:     e.Phone,
			UserID:    e.UserID,
			EventType: e.EventType,
			Detail:    e.Detail,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
		})
		if err != nil {
			w.logger.Error("writing otp audit entry", "error", err,
				"event_type", e.EventType, "phone", e.Phone)
		}
	}
}

// ClientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr.String()
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return addr.String()
}
