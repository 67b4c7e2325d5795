// Package apperrors defines the stable error-code taxonomy (spec §7) shared
// by every component. Components return *AppError instead of ad-hoc errors
// so HTTP handlers can map failures to status codes without re-deriving
// intent from error strings.
package apperrors

import "net/http"

// Code is a stable, client-facing error identifier.
type Code string

const (
	// Input
	CodeValidationError Code = "VALIDATION_ERROR"
	CodeInvalidPhone    Code = "INVALID_PHONE"
	CodeInvalidCursor   Code = "INVALID_CURSOR"

	// Auth
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeInvalidRefreshToken  Code = "INVALID_REFRESH_TOKEN"
	CodeRefreshTokenExpired  Code = "REFRESH_TOKEN_EXPIRED"
	CodeRefreshTokenRevoked  Code = "REFRESH_TOKEN_REVOKED"
	CodeInvalidTokenType     Code = "INVALID_TOKEN_TYPE"
	CodeRefreshTokenRequired Code = "REFRESH_TOKEN_REQUIRED"
	CodeTokenRevoked         Code = "TOKEN_REVOKED"
	CodeUserNotFound         Code = "USER_NOT_FOUND"

	// OTP
	CodeOTPNotFound        Code = "OTP_NOT_FOUND"
	CodeOTPExpired         Code = "OTP_EXPIRED"
	CodeInvalidOTP         Code = "INVALID_OTP"
	CodePhoneNotRegistered Code = "PHONE_NOT_REGISTERED"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"

	// Rate
	CodeRateLimitExceeded      Code = "RATE_LIMIT_EXCEEDED"
	CodePhoneRateLimitExceeded Code = "PHONE_RATE_LIMIT_EXCEEDED"

	// Resource
	CodeVehicleNotFound  Code = "VEHICLE_NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeResourceLocked   Code = "RESOURCE_LOCKED"
	CodeInvalidReference Code = "INVALID_REFERENCE"

	// System
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeServiceUnhealthy   Code = "SERVICE_UNHEALTHY"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeIntegrityViolation Code = "INTEGRITY_VIOLATION"
)

// AppError is the typed error every component returns at its boundary.
type AppError struct {
	Code       Code
	Message    string
	HTTPStatus int
	RetryAfter int // seconds, 0 if not applicable
	Details    any
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

// New creates an AppError with an HTTP status derived from the code's class
// unless overridden by WithStatus.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: defaultStatus(code)}
}

// Wrap creates an AppError that preserves an underlying cause for %w unwrapping.
func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: defaultStatus(code), cause: cause}
}

// WithStatus overrides the HTTP status code.
func (e *AppError) WithStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// WithRetryAfter attaches a retryAfter seconds hint.
func (e *AppError) WithRetryAfter(seconds int) *AppError {
	e.RetryAfter = seconds
	return e
}

// WithDetails attaches arbitrary structured detail (e.g. field-level validation errors).
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func defaultStatus(code Code) int {
	switch code {
	case CodeValidationError, CodeInvalidPhone, CodeInvalidCursor,
		CodeOTPNotFound, CodeOTPExpired, CodeInvalidOTP, CodePhoneNotRegistered:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeInvalidRefreshToken, CodeRefreshTokenExpired,
		CodeRefreshTokenRevoked, CodeInvalidTokenType, CodeRefreshTokenRequired,
		CodeTokenRevoked:
		return http.StatusUnauthorized
	case CodeUserNotFound, CodeVehicleNotFound:
		return http.StatusNotFound
	case CodeRateLimitExceeded, CodePhoneRateLimitExceeded, CodeAccountLocked:
		return http.StatusTooManyRequests
	case CodeConflict:
		return http.StatusConflict
	case CodeResourceLocked:
		return http.StatusServiceUnavailable
	case CodeInvalidReference:
		return http.StatusBadRequest
	case CodeServiceUnhealthy, CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *AppError from err, returning a generic INTERNAL_ERROR
// wrapping err when it isn't already one.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AppError); ok {
		return ae
	}
	return Wrap(CodeInternalError, "internal error", err)
}
