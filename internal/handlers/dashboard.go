package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

type DashboardHandler struct {
	aggregator *recurring.Aggregator
	clock      recurring.Clock
	log        *zap.Logger
}

func NewDashboardHandler(aggregator *recurring.Aggregator, clock recurring.Clock, log *zap.Logger) *DashboardHandler {
	return &DashboardHandler{aggregator: aggregator, clock: clock, log: log.Named("http.dashboard")}
}

func (h *DashboardHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /dashboard", h.Dashboard)
	mux.HandleFunc("POST /campaigns/{id}/refresh", h.RefreshCampaign)
}

// Dashboard handles GET /dashboard
func (h *DashboardHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.aggregator.ComputeDashboard(r.Context(), h.clock.Now())
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RefreshCampaign handles POST /campaigns/{id}/refresh
func (h *DashboardHandler) RefreshCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.aggregator.RefreshCampaign(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
