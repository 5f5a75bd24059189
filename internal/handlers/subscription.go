package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

type SubscriptionHandler struct {
	subs *recurring.SubscriptionManager
	log  *zap.Logger
}

func NewSubscriptionHandler(subs *recurring.SubscriptionManager, log *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{subs: subs, log: log.Named("http.subscriptions")}
}

func (h *SubscriptionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /subscriptions", h.Create)
	mux.HandleFunc("GET /subscriptions", h.Search)
	mux.HandleFunc("GET /subscriptions/{id}", h.Get)
	mux.HandleFunc("PATCH /subscriptions/{id}", h.Update)
	mux.HandleFunc("POST /subscriptions/{id}/pause", h.Pause)
	mux.HandleFunc("POST /subscriptions/{id}/resume", h.Resume)
	mux.HandleFunc("POST /subscriptions/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /subscriptions/{id}/payments", h.Payments)
}

// Create handles POST /subscriptions
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.subs.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// Search handles GET /subscriptions?donor_id=&campaign_id=&status=&limit=&offset=
func (h *SubscriptionHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.SubscriptionFilter{
		DonorID:    q.Get("donor_id"),
		CampaignID: q.Get("campaign_id"),
		Status:     models.SubscriptionStatus(q.Get("status")),
	}
	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	subs, err := h.subs.Search(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Get handles GET /subscriptions/{id}
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Update handles PATCH /subscriptions/{id}
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.subs.Update(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Pause handles POST /subscriptions/{id}/pause
func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Pause(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Resume handles POST /subscriptions/{id}/resume
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	sub, err := h.subs.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Cancel handles POST /subscriptions/{id}/cancel
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReason(w, r)
	if !ok {
		return
	}
	sub, err := h.subs.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Payments handles GET /subscriptions/{id}/payments
func (h *SubscriptionHandler) Payments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	payments, err := h.subs.Payments(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.log, err)
		return
	}
	if payments == nil {
		payments = []models.ScheduledPayment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": id,
		"payments":        payments,
	})
}

// decodeReason reads an optional {"reason": "..."} body.
func decodeReason(w http.ResponseWriter, r *http.Request) (models.ReasonRequest, bool) {
	var req models.ReasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "Valid "+name+" is required")
		return 0, false
	}
	return n, true
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps domain errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		validation *recurring.ValidationError
		state      *recurring.InvalidStateError
		persist    *recurring.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.As(err, &state):
		writeError(w, http.StatusConflict, state.Error())
	case errors.Is(err, recurring.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, recurring.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &persist):
		log.Error("store error", zap.String("op", persist.Op), zap.Error(persist.Err))
		writeError(w, http.StatusInternalServerError, "Database error")
	default:
		log.Error("unexpected error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
