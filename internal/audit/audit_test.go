package audit

import (
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/chargeflow/evcore/internal/models"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := ClientIP(r)
	if ip != "203.0.113.50" {
		t.Errorf("clientIP = %v, want %v", ip, "203.0.113.50")
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	ip := ClientIP(r)
	if ip != "198.51.100.23" {
		t.Errorf("clientIP = %v, want %v", ip, "198.51.100.23")
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := ClientIP(r)
	if ip != "192.0.2.1" {
		t.Errorf("clientIP = %v, want %v", ip, "192.0.2.1")
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := ClientIP(r)
	if ip != "203.0.113.50" {
		t.Errorf("clientIP = %v, want %v (X-Forwarded-For should take precedence)", ip, "203.0.113.50")
	}
}

func TestClientIP_InvalidXFF(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := ClientIP(r)
	if ip != "192.0.2.1" {
		t.Errorf("clientIP = %v, want %v (should fall back to RemoteAddr)", ip, "192.0.2.1")
	}
}

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log(Entry{Phone: "+15551234567", EventType: models.OtpEventRequested})
	}

	// The next log should be dropped (non-blocking).
	w.Log(Entry{Phone: "+15559999999", EventType: models.OtpEventRequested})

	if len(w.entries) != bufferSize {
		t.Errorf("buffer size = %d, want %d", len(w.entries), bufferSize)
	}
}

func TestLogFromRequest_ExtractsFields(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	w := NewWriter(nil, logger)
	// Don't start — we'll read from the channel directly.

	r := httptest.NewRequest("POST", "/api/v1/otp/verify", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("X-Real-IP", "198.51.100.23")

	w.LogFromRequest(r, "+15551234567", nil, models.OtpEventVerified, nil)

	entry := <-w.entries

	if entry.Phone != "+15551234567" {
		t.Errorf("Phone = %q, want %q", entry.Phone, "+15551234567")
	}
	if entry.EventType != models.OtpEventVerified {
		t.Errorf("EventType = %q, want %q", entry.EventType, models.OtpEventVerified)
	}
	if entry.IPAddress != "198.51.100.23" {
		t.Errorf("IPAddress = %q, want %q", entry.IPAddress, "198.51.100.23")
	}
	if entry.UserAgent != "test-agent/1.0" {
		t.Errorf("UserAgent = %q, want %q", entry.UserAgent, "test-agent/1.0")
	}
}
