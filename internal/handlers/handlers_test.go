package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/memstore"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
	"github.com/jeet-patel/recurring-donations-backend/internal/provider"
	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

type staticClock struct{ now time.Time }

func (c staticClock) Now() time.Time { return c.now }

type testServer struct {
	mux       *http.ServeMux
	store     *memstore.Store
	processor *recurring.Processor
	clock     staticClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	clock := staticClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	billing := config.Billing{
		DefaultCurrency:   "usd",
		MaxRetries:        3,
		RetryDelay:        72 * time.Hour,
		ProcessingTimeout: 15 * time.Minute,
		ProviderTimeout:   time.Second,
		BatchSize:         100,
		ApprovalThreshold: 10000,
		RecentFeedSize:    5,
	}
	queue := notify.NewLocalQueue(64)

	scheduler := recurring.NewScheduler(store, clock, log)
	subs := recurring.NewSubscriptionManager(store, scheduler, billing, clock, log)
	changes := recurring.NewChangeRequestManager(store, subs, queue, billing, clock, log)
	aggregator := recurring.NewAggregator(store, billing, clock, log)
	processor := recurring.NewProcessor(store, scheduler, provider.NewFake(log), queue, billing, clock, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", Health(store, nil))
	NewSubscriptionHandler(subs, log).Register(mux)
	NewChangeRequestHandler(changes, log).Register(mux)
	NewDashboardHandler(aggregator, clock, log).Register(mux)
	return &testServer{mux: mux, store: store, processor: processor, clock: clock}
}

func (s *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createSubscription(t *testing.T, amount int64, freq models.Frequency) models.Subscription {
	t.Helper()
	start := s.clock.now
	rec := s.request(t, http.MethodPost, "/subscriptions", models.CreateSubscriptionRequest{
		DonorID:    "donor-1",
		AccountRef: "pm_card_visa",
		Amount:     amount,
		Frequency:  freq,
		StartDate:  &start,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Subscription](t, rec)
}

func TestCreateAndGetSubscription(t *testing.T) {
	s := newTestServer(t)

	sub := s.createSubscription(t, 50, models.FrequencyMonthly)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), sub.NextProcessDate.UTC())

	rec := s.request(t, http.MethodGet, "/subscriptions/"+sub.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sub.ID, decode[models.Subscription](t, rec).ID)

	rec = s.request(t, http.MethodGet, "/subscriptions/"+sub.ID+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Payments []models.ScheduledPayment `json:"payments"`
	}](t, rec)
	require.Len(t, body.Payments, 1)
	assert.Equal(t, models.PaymentScheduled, body.Payments[0].Status)
}

func TestCreateSubscriptionErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodPost, "/subscriptions", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.request(t, http.MethodPost, "/subscriptions", models.CreateSubscriptionRequest{DonorID: "d", Frequency: models.FrequencyMonthly})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[map[string]string](t, rec)["error"], "amount")
}

func TestUnknownSubscriptionIs404(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.request(t, http.MethodGet, "/subscriptions/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.request(t, http.MethodPost, "/subscriptions/missing/cancel", nil).Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, 50, models.FrequencyMonthly)

	rec := s.request(t, http.MethodPost, "/subscriptions/"+sub.ID+"/pause", models.ReasonRequest{Reason: "holiday"})
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decode[models.Subscription](t, rec)
	assert.Equal(t, models.StatusPaused, paused.Status)
	assert.Equal(t, "holiday", paused.PauseReason)

	rec = s.request(t, http.MethodPost, "/subscriptions/"+sub.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.request(t, http.MethodPost, "/subscriptions/"+sub.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusActive, decode[models.Subscription](t, rec).Status)

	rec = s.request(t, http.MethodPost, "/subscriptions/"+sub.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusCancelled, decode[models.Subscription](t, rec).Status)
}

func TestUpdateSubscription(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, 50, models.FrequencyMonthly)

	rec := s.request(t, http.MethodPatch, "/subscriptions/"+sub.ID, map[string]interface{}{"amount": 75})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(75), decode[models.Subscription](t, rec).Amount)

	rec = s.request(t, http.MethodPatch, "/subscriptions/"+sub.ID, map[string]interface{}{"frequency": "hourly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchSubscriptions(t *testing.T) {
	s := newTestServer(t)
	s.createSubscription(t, 50, models.FrequencyMonthly)
	s.createSubscription(t, 60, models.FrequencyWeekly)

	rec := s.request(t, http.MethodGet, "/subscriptions?donor_id=donor-1&status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = s.request(t, http.MethodGet, "/subscriptions?donor_id=nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"count":0,"subscriptions":[]}`+"\n", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, s.request(t, http.MethodGet, "/subscriptions?limit=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.request(t, http.MethodGet, "/subscriptions?status=bogus", nil).Code)
}

func TestChangeRequestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, 50, models.FrequencyMonthly)

	rec := s.request(t, http.MethodPost, "/change-requests", models.CreateChangeRequestRequest{
		SubscriptionID: sub.ID,
		ChangeType:     models.ChangeAmount,
		NewValue:       "25000",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	cr := decode[models.ChangeRequest](t, rec)
	assert.True(t, cr.RequiresApproval)

	rec = s.request(t, http.MethodGet, "/change-requests", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = s.request(t, http.MethodPost, "/change-requests/"+cr.ID+"/approve", models.DecisionRequest{Note: "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ChangeApplied, decode[models.ChangeRequest](t, rec).Status)

	rec = s.request(t, http.MethodPost, "/change-requests/"+cr.ID+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.request(t, http.MethodGet, "/subscriptions/"+sub.ID, nil)
	assert.Equal(t, int64(25000), decode[models.Subscription](t, rec).Amount)
}

func TestChangeRequestAutoApplied(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, 50, models.FrequencyMonthly)

	rec := s.request(t, http.MethodPost, "/change-requests", models.CreateChangeRequestRequest{
		SubscriptionID: sub.ID,
		ChangeType:     models.ChangePause,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	cr := decode[models.ChangeRequest](t, rec)
	assert.Equal(t, models.ChangeApplied, cr.Status)

	rec = s.request(t, http.MethodGet, "/change-requests/"+cr.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.request(t, http.MethodPost, "/change-requests", models.CreateChangeRequestRequest{}).Code)
	assert.Equal(t, http.StatusNotFound, s.request(t, http.MethodGet, "/change-requests/missing", nil).Code)
}

func TestDashboardEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.createSubscription(t, 100, models.FrequencyWeekly)
	s.createSubscription(t, 1200, models.FrequencyAnnually)
	_, err := s.processor.ProcessDue(t.Context(), s.clock.now)
	require.NoError(t, err)

	rec := s.request(t, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[recurring.Dashboard](t, rec)
	assert.Equal(t, 2, d.ActiveCount)
	assert.InDelta(t, 533.0, d.MRR, 1e-9)
	assert.Len(t, d.RecentPayments, 2)
}

func TestRefreshCampaignEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.UpsertCampaign(t.Context(), &models.Campaign{ID: "spring", Name: "Spring"}))

	rec := s.request(t, http.MethodPost, "/campaigns/spring/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spring", decode[models.Campaign](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, s.request(t, http.MethodPost, "/campaigns/none/refresh", nil).Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)

	s.store.Fail(errors.New("db down"))
	rec = s.request(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "disconnected", decode[HealthResponse](t, rec).Database)
}

func TestStoreOutageIs500(t *testing.T) {
	s := newTestServer(t)
	sub := s.createSubscription(t, 50, models.FrequencyMonthly)
	s.store.Fail(errors.New("db down"))

	rec := s.request(t, http.MethodGet, "/subscriptions/"+sub.ID, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Database error", decode[map[string]string](t, rec)["error"])
}
