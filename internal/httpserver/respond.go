package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/chargeflow/evcore/internal/apperrors"
)

// envelope is the success response shape required by spec §6:
// {success:true, message, data, timestamp}.
type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
}

// errorEnvelope is the error response shape required by spec §6:
// {success:false, message, error:<ERROR_CODE>, details?, timestamp}.
type errorEnvelope struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// Respond writes a success envelope with the given status code and data.
func Respond(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RespondError writes an error envelope derived from an *apperrors.AppError.
// Any other error is coerced via apperrors.As into INTERNAL_ERROR.
func RespondError(w http.ResponseWriter, err error) {
	ae := apperrors.As(err)
	if ae.Message == "" {
		ae.Message = "request failed"
	}
	writeJSON(w, ae.HTTPStatus, errorEnvelope{
		Success:    false,
		Message:    ae.Message,
		Error:      string(ae.Code),
		Details:    ae.Details,
		RetryAfter: ae.RetryAfter,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// RespondErrorCode is a convenience helper for handlers constructing an
// AppError inline rather than threading one up from a component.
func RespondErrorCode(w http.ResponseWriter, status int, code apperrors.Code, message string) {
	RespondError(w, apperrors.New(code, message).WithStatus(status))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
