package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/coreidpin/coreidpin-sub005/internal/audit"
	"github.com/coreidpin/coreidpin-sub005/internal/jobs"
	"github.com/coreidpin/coreidpin-sub005/internal/service"
	"github.com/coreidpin/coreidpin-sub005/pkg/auth"
	"github.com/coreidpin/coreidpin-sub005/pkg/config"
	"github.com/coreidpin/coreidpin-sub005/pkg/logger"
)

type contextKey string

const (
	claimsKey   contextKey = "claims"
	regTokenKey contextKey = "reg_token"
)

type Handlers struct {
	registration service.RegistrationService
	identity     service.IdentityService
	queue        *jobs.Queue
	audit        *audit.Service
	config       *config.Config
}

func New(
	registration service.RegistrationService,
	identity service.IdentityService,
	queue *jobs.Queue,
	auditSvc *audit.Service,
	config *config.Config,
) *Handlers {
	return &Handlers{
		registration: registration,
		identity:     identity,
		queue:        queue,
		audit:        auditSvc,
		config:       config,
	}
}

func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/register", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Post("/verify-otp", h.VerifyOTP)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireRegistrationToken)
			r.Post("/profile/save", h.SaveProfile)
			r.Post("/finalize", h.Finalize)
		})
	})

	r.Post("/jobs/process", h.ProcessJobs)
	r.Get("/verify-email", h.VerifyEmail)

	r.Get("/metrics/summary", h.MetricsSummary)
	r.Get("/metrics/alerts", h.MetricsAlerts)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireJWT)
		r.Get("/user/me", h.Me)
		r.Post("/pin/convert-phone", h.ConvertPhone)
		r.Post("/pin/send-otp", h.SendPhoneOTP)
		r.Post("/pin/verify-phone", h.VerifyPhone)
		// Legacy path prefix kept for existing console clients.
		r.Post("/make-server-84c2b1d0/pin/convert-phone", h.ConvertPhone)
	})

	r.Post("/api/business/verify-pin", h.VerifyPIN)

	return r
}

// RequireJWT authenticates Bearer tokens and stores claims on the context.
func (h *Handlers) RequireJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization header")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.Parse(token, h.config.Auth.JWTSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), logger.UserIDKey, claims.Sub)
		ctx = context.WithValue(ctx, claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRegistrationToken validates the X-Registration-Token header is
// present; existence is checked by the service layer.
func (h *Handlers) RequireRegistrationToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-Registration-Token"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "invalid_registration_token", "X-Registration-Token header is required")
			return
		}

		ctx := context.WithValue(r.Context(), regTokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getClaims(r *http.Request) *auth.Claims {
	if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}

func getRegToken(r *http.Request) string {
	if token, ok := r.Context().Value(regTokenKey).(string); ok {
		return token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError emits the stable machine code in "error" so clients can branch
// without parsing the human message.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error":   code,
		"message": message,
	})
}

// handleServiceError maps typed service errors onto their status and code;
// everything else is an opaque 500.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *service.Error
	if errors.As(err, &svcErr) {
		writeError(w, svcErr.Status, svcErr.Code, svcErr.Message)
		return
	}

	logger.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
	writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
}
