package recurring

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

// ChangeRequestManager records donor-initiated changes and routes large ones
// through manual approval.
type ChangeRequestManager struct {
	store      storage.Store
	subs       *SubscriptionManager
	dispatcher notify.Dispatcher
	cfg        config.Billing
	clock      Clock
	log        *zap.Logger
}

func NewChangeRequestManager(store storage.Store, subs *SubscriptionManager, dispatcher notify.Dispatcher, cfg config.Billing, clock Clock, log *zap.Logger) *ChangeRequestManager {
	return &ChangeRequestManager{
		store:      store,
		subs:       subs,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clock,
		log:        log.Named("change_requests"),
	}
}

// Create stores a change request. Amount increases above the approval
// threshold wait as pending; everything else is applied right away.
func (m *ChangeRequestManager) Create(ctx context.Context, req models.CreateChangeRequestRequest) (*models.ChangeRequest, error) {
	if !req.ChangeType.Valid() {
		return nil, &ValidationError{Field: "change_type", Message: "must be one of amount, frequency, pause, resume, cancel"}
	}
	sub, err := loadSubscription(ctx, m.store, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	value := strings.TrimSpace(req.NewValue)
	amount, err := validateChangeValue(req.ChangeType, value)
	if err != nil {
		return nil, err
	}
	if !changeAllowed(req.ChangeType, sub.Status, m.cfg.AllowResumeFailed) {
		return nil, invalidSubscriptionState(sub, "request "+string(req.ChangeType)+" change for")
	}

	now := m.clock.Now()
	effective := now
	if req.EffectiveDate != nil {
		effective = *req.EffectiveDate
	}
	cr := &models.ChangeRequest{
		ID:               uuid.NewString(),
		SubscriptionID:   sub.ID,
		ChangeType:       req.ChangeType,
		NewValue:         value,
		Reason:           strings.TrimSpace(req.Reason),
		RequestedDate:    now,
		EffectiveDate:    effective,
		RequiresApproval: req.ChangeType == models.ChangeAmount && amount > m.cfg.ApprovalThreshold,
		Status:           models.ChangePending,
	}
	if err := m.store.CreateChangeRequest(ctx, cr); err != nil {
		return nil, &PersistenceError{Op: "create change request", Err: err}
	}
	log := m.log.With(zap.String("change_request_id", cr.ID), zap.String("subscription_id", cr.SubscriptionID))
	log.Info("change request created",
		zap.String("change_type", string(cr.ChangeType)),
		zap.Bool("requires_approval", cr.RequiresApproval),
	)

	if cr.RequiresApproval {
		return cr, nil
	}
	if err := m.apply(ctx, cr); err != nil {
		return nil, err
	}
	cr.Status = models.ChangeApplied
	cr.DecidedAt = &now
	if err := m.decide(ctx, cr, models.ChangePending, "apply"); err != nil {
		return nil, err
	}
	log.Info("change request applied")
	return cr, nil
}

// Approve applies a pending request. The request is claimed as approved
// before the change is applied, so a concurrent Reject loses. If the
// subscription has moved to a state the change no longer fits, the request
// is left approved but unapplied.
func (m *ChangeRequestManager) Approve(ctx context.Context, id, note string) (*models.ChangeRequest, error) {
	cr, err := m.pending(ctx, id, "approve")
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	cr.Status = models.ChangeApproved
	cr.DecidedAt = &now
	cr.DecisionNote = strings.TrimSpace(note)
	if err := m.decide(ctx, cr, models.ChangePending, "approve"); err != nil {
		return nil, err
	}

	applyErr := m.apply(ctx, cr)
	var stateErr *InvalidStateError
	switch {
	case applyErr == nil:
		cr.Status = models.ChangeApplied
	case errors.As(applyErr, &stateErr):
		cr.DecisionNote = strings.TrimSpace(cr.DecisionNote + " (not applied: " + stateErr.Error() + ")")
	default:
		// Hand it back to pending so the approval can be retried.
		cr.Status = models.ChangePending
		cr.DecidedAt = nil
		cr.DecisionNote = ""
		if err := m.store.UpdateChangeRequest(ctx, cr, models.ChangeApproved); err != nil {
			m.log.Error("failed to release change request", zap.String("change_request_id", cr.ID), zap.Error(err))
		}
		return nil, applyErr
	}

	m.notify(ctx, cr)
	if err := m.decide(ctx, cr, models.ChangeApproved, "approve"); err != nil {
		return nil, err
	}
	m.log.Info("change request approved",
		zap.String("change_request_id", cr.ID),
		zap.String("subscription_id", cr.SubscriptionID),
		zap.String("status", string(cr.Status)),
	)
	if applyErr != nil {
		return cr, applyErr
	}
	return cr, nil
}

func (m *ChangeRequestManager) Reject(ctx context.Context, id, note string) (*models.ChangeRequest, error) {
	cr, err := m.pending(ctx, id, "reject")
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	cr.Status = models.ChangeRejected
	cr.DecidedAt = &now
	cr.DecisionNote = strings.TrimSpace(note)
	if err := m.decide(ctx, cr, models.ChangePending, "reject"); err != nil {
		return nil, err
	}

	m.notify(ctx, cr)
	if cr.DonorNotified {
		if err := m.decide(ctx, cr, models.ChangeRejected, "reject"); err != nil {
			return nil, err
		}
	}
	m.log.Info("change request rejected",
		zap.String("change_request_id", cr.ID),
		zap.String("subscription_id", cr.SubscriptionID),
	)
	return cr, nil
}

// decide writes cr while its stored status is still from. Losing that race to
// another decision is reported as an InvalidStateError.
func (m *ChangeRequestManager) decide(ctx context.Context, cr *models.ChangeRequest, from models.ChangeRequestStatus, action string) error {
	err := m.store.UpdateChangeRequest(ctx, cr, from)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrConflict):
		status := "decided"
		if cur, gerr := m.Get(ctx, cr.ID); gerr == nil {
			status = string(cur.Status)
		}
		return &InvalidStateError{ID: cr.ID, Status: status, Action: action}
	case errors.Is(err, storage.ErrNotFound):
		return ErrNotFound
	}
	return &PersistenceError{Op: "update change request", Err: err}
}

func (m *ChangeRequestManager) Get(ctx context.Context, id string) (*models.ChangeRequest, error) {
	cr, err := m.store.GetChangeRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get change request", Err: err}
	}
	return cr, nil
}

// ListPending returns requests awaiting a decision, oldest first.
func (m *ChangeRequestManager) ListPending(ctx context.Context, limit int) ([]models.ChangeRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	crs, err := m.store.ListChangeRequests(ctx, models.ChangePending, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list change requests", Err: err}
	}
	return crs, nil
}

func (m *ChangeRequestManager) pending(ctx context.Context, id, action string) (*models.ChangeRequest, error) {
	cr, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cr.Status != models.ChangePending {
		return nil, &InvalidStateError{ID: cr.ID, Status: string(cr.Status), Action: action}
	}
	return cr, nil
}

func (m *ChangeRequestManager) apply(ctx context.Context, cr *models.ChangeRequest) error {
	var err error
	switch cr.ChangeType {
	case models.ChangeAmount:
		amount, perr := strconv.ParseInt(cr.NewValue, 10, 64)
		if perr != nil {
			return &ValidationError{Field: "new_value", Message: "must be an integer amount"}
		}
		_, err = m.subs.Update(ctx, cr.SubscriptionID, models.UpdateSubscriptionRequest{Amount: &amount})
	case models.ChangeFrequency:
		freq := models.Frequency(cr.NewValue)
		_, err = m.subs.Update(ctx, cr.SubscriptionID, models.UpdateSubscriptionRequest{Frequency: &freq})
	case models.ChangePause:
		_, err = m.subs.Pause(ctx, cr.SubscriptionID, cr.Reason)
	case models.ChangeResume:
		_, err = m.subs.Resume(ctx, cr.SubscriptionID)
	case models.ChangeCancel:
		_, err = m.subs.Cancel(ctx, cr.SubscriptionID, cr.Reason)
	default:
		err = &ValidationError{Field: "change_type", Message: "unknown change type"}
	}
	return err
}

func (m *ChangeRequestManager) notify(ctx context.Context, cr *models.ChangeRequest) {
	err := m.dispatcher.Dispatch(ctx, notify.Task{
		Kind:            notify.KindChangeDecision,
		SubscriptionID:  cr.SubscriptionID,
		ChangeRequestID: cr.ID,
		EnqueuedAt:      m.clock.Now(),
	})
	if err != nil {
		m.log.Warn("failed to dispatch change request notification",
			zap.String("change_request_id", cr.ID),
			zap.Error(err),
		)
		return
	}
	cr.DonorNotified = true
}

// validateChangeValue checks NewValue for the change type and returns the
// parsed amount for amount changes.
func validateChangeValue(t models.ChangeType, value string) (int64, error) {
	switch t {
	case models.ChangeAmount:
		amount, err := strconv.ParseInt(value, 10, 64)
		if err != nil || amount <= 0 {
			return 0, &ValidationError{Field: "new_value", Message: "must be a positive integer amount"}
		}
		return amount, nil
	case models.ChangeFrequency:
		if !models.Frequency(value).Valid() {
			return 0, &ValidationError{Field: "new_value", Message: "must be one of weekly, monthly, quarterly, annually"}
		}
	}
	return 0, nil
}

func changeAllowed(t models.ChangeType, status models.SubscriptionStatus, allowResumeFailed bool) bool {
	switch t {
	case models.ChangePause:
		return status == models.StatusActive
	case models.ChangeResume:
		return status == models.StatusPaused || (allowResumeFailed && status == models.StatusFailed)
	case models.ChangeCancel:
		return status == models.StatusActive || status == models.StatusPaused
	}
	return !status.Terminal()
}
