package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/officedir/phoneauth/internal/auth"
	"github.com/officedir/phoneauth/pkg/models"
)

const maxBodySize = 16 * 1024

type httpResp struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type errResp struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

type sendReq struct {
	Phone       string `json:"phone"`
	CountryCode string `json:"countryCode"`
}

type sendResp struct {
	httpResp
	SessionID string `json:"sessionId"`
	OTP       string `json:"otp,omitempty"`
}

type verifyReq struct {
	Phone       string `json:"phone"`
	OTP         string `json:"otp"`
	SessionID   string `json:"sessionId"`
	CountryCode string `json:"countryCode"`
}

type verifyResp struct {
	httpResp
	User   auth.UserSummary `json:"user"`
	Tokens models.TokenPair `json:"tokens"`
}

type resendReq struct {
	Phone       string `json:"phone"`
	SessionID   string `json:"sessionId"`
	CountryCode string `json:"countryCode"`
}

type resendResp struct {
	httpResp
	RetryAfter int `json:"retryAfter"`
}

type tokensResp struct {
	httpResp
	Tokens models.TokenPair `json:"tokens"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable)
		return
	}

	sendResponse(w, httpResp{Success: true, Message: "OK"})
}

// handleSendOTP starts a verification session for a phone and sends
// it a code.
func handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req sendReq
	)
	if !decodeReq(w, r, &req) {
		return
	}

	phone := app.auth.NormalizePhone(req.CountryCode, req.Phone)
	res, err := app.auth.RequestCode(r.Context(), phone)
	if err != nil {
		handleError(w, err)
		return
	}

	sendResponse(w, sendResp{
		httpResp:  httpResp{Success: true, Message: "OTP sent successfully"},
		SessionID: res.SessionID,
		OTP:       res.Code,
	})
}

// handleVerifyOTP checks a code and logs the phone's user in.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req verifyReq
	)
	if !decodeReq(w, r, &req) {
		return
	}

	phone := app.auth.NormalizePhone(req.CountryCode, req.Phone)
	res, err := app.auth.SubmitCode(r.Context(), phone, strings.TrimSpace(req.OTP), strings.TrimSpace(req.SessionID))
	if err != nil {
		handleError(w, err)
		return
	}

	sendResponse(w, verifyResp{
		httpResp: httpResp{Success: true, Message: "Login successful"},
		User:     res.User,
		Tokens:   res.Tokens,
	})
}

func handleResendOTP(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		req resendReq
	)
	if !decodeReq(w, r, &req) {
		return
	}

	phone := app.auth.NormalizePhone(req.CountryCode, req.Phone)
	res, err := app.auth.Resend(r.Context(), phone, strings.TrimSpace(req.SessionID))
	if err != nil {
		handleError(w, err)
		return
	}

	sendResponse(w, resendResp{
		httpResp:   httpResp{Success: true, Message: "OTP resent successfully"},
		RetryAfter: seconds(res.RetryAfter),
	})
}

// handleRefresh exchanges the bearer refresh token for a new pair.
func handleRefresh(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	tokens, err := app.auth.Refresh(r.Context(), bearerToken(r))
	if err != nil {
		handleError(w, err)
		return
	}

	sendResponse(w, tokensResp{
		httpResp: httpResp{Success: true},
		Tokens:   tokens,
	})
}

func handleLogout(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
		id  = r.Context().Value("identity").(models.Identity)
	)

	if err := app.auth.Logout(r.Context(), id); err != nil {
		handleError(w, err)
		return
	}

	sendResponse(w, httpResp{Success: true, Message: "Logged out successfully"})
}

// handleError maps service errors to HTTP responses. Unexpected errors
// are logged by the service and surface as a generic 500.
func handleError(w http.ResponseWriter, err error) {
	var ce *auth.CooldownError

	switch {
	case errors.As(err, &ce):
		sendJSON(w, http.StatusTooManyRequests, errResp{
			Message:    "Please wait before requesting a new OTP.",
			RetryAfter: seconds(ce.RetryAfter),
		})
	case errors.Is(err, auth.ErrValidation):
		sendErrorResponse(w, upperFirst(err.Error())+".", http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidOrExpired):
		sendErrorResponse(w, "Invalid or expired OTP", http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidToken):
		sendErrorResponse(w, "Invalid or expired token.", http.StatusUnauthorized)
	case errors.Is(err, auth.ErrInactive):
		sendErrorResponse(w, "Account is deactivated.", http.StatusForbidden)
	default:
		sendErrorResponse(w, "Internal server error.", http.StatusInternalServerError)
	}
}

// decodeReq decodes a JSON request body into v. On failure it writes a
// 400 and returns false.
func decodeReq(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendErrorResponse(w, "Invalid JSON body.", http.StatusBadRequest)
		return false
	}
	return true
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate is a middleware that requires a valid bearer access token
// and injects its identity into the request context.
func authenticate(next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app := r.Context().Value("app").(*App)

		tok := bearerToken(r)
		if tok == "" {
			sendErrorResponse(w, "Missing Bearer Authorization header.", http.StatusUnauthorized)
			return
		}

		id, err := app.auth.Authenticate(tok)
		if err != nil {
			handleError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), "identity", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the token in an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "

	h := r.Header.Get("Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// sendResponse sends a JSON response with a 200 status.
func sendResponse(w http.ResponseWriter, data interface{}) {
	sendJSON(w, http.StatusOK, data)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int) {
	sendJSON(w, code, errResp{Message: message})
}

func sendJSON(w http.ResponseWriter, code int, data interface{}) {
	out, err := json.Marshal(data)
	if err != nil {
		code = http.StatusInternalServerError
		out, _ = json.Marshal(errResp{Message: "Internal server error."})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(out)
}

// seconds rounds a duration up to whole seconds.
func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
