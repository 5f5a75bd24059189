package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

type ChangeRequestHandler struct {
	changes *recurring.ChangeRequestManager
	log     *zap.Logger
}

func NewChangeRequestHandler(changes *recurring.ChangeRequestManager, log *zap.Logger) *ChangeRequestHandler {
	return &ChangeRequestHandler{changes: changes, log: log.Named("http.change_requests")}
}

func (h *ChangeRequestHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /change-requests", h.Create)
	mux.HandleFunc("GET /change-requests", h.ListPending)
	mux.HandleFunc("GET /change-requests/{id}", h.Get)
	mux.HandleFunc("POST /change-requests/{id}/approve", h.Approve)
	mux.HandleFunc("POST /change-requests/{id}/reject", h.Reject)
}

// Create handles POST /change-requests
func (h *ChangeRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateChangeRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "subscription_id is required")
		return
	}

	cr, err := h.changes.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	status := http.StatusCreated
	if cr.Status == models.ChangePending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, cr)
}

// ListPending handles GET /change-requests
func (h *ChangeRequestHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	crs, err := h.changes.ListPending(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if crs == nil {
		crs = []models.ChangeRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"change_requests": crs,
		"count":           len(crs),
	})
}

// Get handles GET /change-requests/{id}
func (h *ChangeRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	cr, err := h.changes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// Approve handles POST /change-requests/{id}/approve
func (h *ChangeRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	cr, err := h.changes.Approve(r.Context(), r.PathValue("id"), req.Note)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// Reject handles POST /change-requests/{id}/reject
func (h *ChangeRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeDecision(w, r)
	if !ok {
		return
	}
	cr, err := h.changes.Reject(r.Context(), r.PathValue("id"), req.Note)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func decodeDecision(w http.ResponseWriter, r *http.Request) (models.DecisionRequest, bool) {
	var req models.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}
