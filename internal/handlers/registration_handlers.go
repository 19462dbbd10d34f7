package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
	"github.com/coreidpin/coreidpin-sub005/pkg/middleware"
)

// Start begins a registration: creates the registration row, issues an OTP
// and queues its delivery.
func (h *Handlers) Start(w http.ResponseWriter, r *http.Request) {
	var req domain.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	resp, err := h.registration.Start(r.Context(), &req, middleware.ClientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	resp, err := h.registration.VerifyOTP(r.Context(), &req, middleware.ClientIP(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var req domain.SaveProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	resp, err := h.registration.SaveProfile(r.Context(), getRegToken(r), &req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	resp, deferred, err := h.registration.Finalize(r.Context(), getRegToken(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if deferred {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ProcessJobs lets external schedulers drive the queue deterministically.
func (h *Handlers) ProcessJobs(w http.ResponseWriter, r *http.Request) {
	processed, err := h.queue.Process(r.Context(), 25)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"processed": processed,
	})
}
