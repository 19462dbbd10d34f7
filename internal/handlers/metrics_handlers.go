package handlers

import (
	"net/http"
	"strconv"

	"github.com/coreidpin/coreidpin-sub005/internal/domain"
)

func (h *Handlers) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}

	summary, err := h.audit.Summary(r.Context(), hours)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hours":   hours,
		"summary": summary,
	})
}

func (h *Handlers) MetricsAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.audit.Alerts(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}
