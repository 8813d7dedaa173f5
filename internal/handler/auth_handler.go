package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"assist-auth/internal/models"
	"assist-auth/internal/repository/scylla"
	"assist-auth/internal/service"
	"assist-auth/internal/token"
	"assist-auth/internal/util"
)

// AuthHandler handles HTTP requests for the login flow.
type AuthHandler struct {
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(message string) Response {
	return Response{Success: false, Error: message}
}

type requestCodeRequest struct {
	Channel    string `json:"channel"`
	Identifier string `json:"identifier"`
}

type requestCodeResponse struct {
	Status            string `json:"status"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type verifyCodeRequest struct {
	Channel    string `json:"channel"`
	Identifier string `json:"identifier"`
	Code       string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RegisterRoutes registers the auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/request-code", h.RequestCode)
		r.Post("/verify-code", h.VerifyCode)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Get("/me", h.Me)
		})
	})
}

// RequestCode issues and delivers a one-time code. The reply shape is the
// same for sent, on-cooldown and locked, so account state cannot be probed.
func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := validateIdentity(req.Channel, req.Identifier); !ok {
		h.respondWithError(w, http.StatusBadRequest, msg)
		return
	}

	retryAfter, err := h.auth.RequestCode(r.Context(), req.Channel, req.Identifier)
	if err != nil {
		h.respondWithError(w, h.statusCode(err), "could not process request")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(requestCodeResponse{
		Status:            "sent",
		RetryAfterSeconds: int(retryAfter.Seconds()),
	}, "If the identifier is reachable, a code has been sent"))
}

// VerifyCode exchanges a valid code for a token pair.
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg, ok := validateIdentity(req.Channel, req.Identifier); !ok {
		h.respondWithError(w, http.StatusBadRequest, msg)
		return
	}
	if !validCodeShape(req.Code) {
		h.respondWithError(w, http.StatusBadRequest, "code must be 4 to 10 digits")
		return
	}

	pair, _, err := h.auth.VerifyCode(r.Context(), req.Channel, req.Identifier, req.Code)
	if err != nil {
		h.respondWithError(w, h.statusCode(err), "verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Verified"))
}

// Refresh exchanges a refresh token for a fresh pair.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithError(w, h.statusCode(err), "invalid refresh token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(pair, "Refreshed"))
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.auth.GetProfile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, scylla.ErrUserNotFound) {
			h.respondWithError(w, http.StatusNotFound, "user not found")
			return
		}
		h.respondWithError(w, http.StatusInternalServerError, "could not load profile")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(profile, ""))
}

type contextKey string

const userIDKey contextKey = "auth_user_id"

func userIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok && userID != ""
}

// RequireAuth validates the bearer token and injects the user ID into the
// request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			h.respondWithError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := h.auth.ValidateAccess(token)
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validCodeShape is a cheap pre-filter; the digest comparison is the
// authoritative check.
func validCodeShape(code string) bool {
	if len(code) < 4 || len(code) > 10 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateIdentity(channel, identifier string) (string, bool) {
	if !models.ValidChannel(channel) {
		return "channel must be email or phone", false
	}
	trimmed := strings.TrimSpace(identifier)
	if len(trimmed) < 3 || len(trimmed) > 320 {
		return "identifier must be between 3 and 320 characters", false
	}
	return "", true
}

func (h *AuthHandler) statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, token.ErrWrongType):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, status int, message string) {
	h.respondWithJSON(w, status, errorResponse(message))
}

// HealthCheck reports liveness; readiness is the factory's concern.
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "assist-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
