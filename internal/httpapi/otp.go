// Package httpapi wires the HTTP surface (spec §6) onto the core services:
// request/response DTOs, one handler type per service, and translation of
// each service's result into the envelope shapes httpserver defines. The
// routes themselves are registered by internal/app.
package httpapi

import (
	"net/http"
	"time"

	"github.com/chargeflow/evcore/internal/audit"
	"github.com/chargeflow/evcore/internal/httpserver"
	"github.com/chargeflow/evcore/internal/otp"
)

// expiresInSeconds converts an absolute expiry into the seconds-remaining
// form the `expiresIn` response field carries (spec §6), rounded to the
// nearest second.
func expiresInSeconds(expiresAt time.Time) int64 {
	return int64(time.Until(expiresAt).Round(time.Second).Seconds())
}

// OTPHandler exposes the OTP lifecycle endpoints.
type OTPHandler struct {
	otp *otp.Service
}

// NewOTPHandler constructs an OTPHandler.
func NewOTPHandler(svc *otp.Service) *OTPHandler {
	return &OTPHandler{otp: svc}
}

type otpRequestBody struct {
	Phone       string `json:"phone" validate:"required"`
	CountryCode string `json:"countryCode"`
}

// HandleRequest handles POST /otp/request.
func (h *OTPHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var body otpRequestBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	result, err := h.otp.Request(r.Context(), body.Phone, body.CountryCode, audit.ClientIP(r))
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, result.Message, nil)
}

// HandleResend handles POST /otp/resend. Identical contract to HandleRequest.
func (h *OTPHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	var body otpRequestBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	result, err := h.otp.Resend(r.Context(), body.Phone, body.CountryCode, audit.ClientIP(r))
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, result.Message, nil)
}

type otpVerifyBody struct {
	Phone       string `json:"phone" validate:"required"`
	CountryCode string `json:"countryCode"`
	OTP         string `json:"otp" validate:"required"`
}

type tokensView struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type verifyResponseView struct {
	User   any        `json:"user"`
	Tokens tokensView `json:"tokens"`
}

// HandleVerify handles POST /otp/verify.
func (h *OTPHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var body otpVerifyBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	result, err := h.otp.Verify(r.Context(), body.Phone, body.CountryCode, body.OTP, audit.ClientIP(r))
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, "otp verified", verifyResponseView{
		User: result.User,
		Tokens: tokensView{
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
			ExpiresIn:    expiresInSeconds(result.Tokens.AccessTokenExpiresAt),
		},
	})
}

type refreshBody struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type refreshResponseView struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

// HandleRefresh handles POST /otp/refresh.
func (h *OTPHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if !httpserver.DecodeAndValidate(w, r, &body) {
		return
	}

	tokens, err := h.otp.Sessions().Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		httpserver.RespondError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, "token refreshed", refreshResponseView{
		AccessToken: tokens.AccessToken,
		ExpiresIn:   expiresInSeconds(tokens.AccessTokenExpiresAt),
	})
}

// HandleLogout handles POST /otp/logout. Always returns 200 regardless of
// token validity, per spec §6 ("always 200, no information leak").
func (h *OTPHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var body refreshBody
	if err := httpserver.Decode(r, &body); err == nil && body.RefreshToken != "" {
		_ = h.otp.Sessions().Logout(r.Context(), body.RefreshToken)
	}
	httpserver.Respond(w, http.StatusOK, "logged out", nil)
}
