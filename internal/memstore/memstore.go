// Package memstore is an in-process storage.Store used by tests and by
// STORE=memory local runs. Conditional writes are serialized by one mutex.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/storage"
)

type Store struct {
	mu             sync.Mutex
	subscriptions  map[string]models.Subscription
	payments       map[string]models.ScheduledPayment
	campaigns      map[string]models.Campaign
	changeRequests map[string]models.ChangeRequest
	failWith       error
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		subscriptions:  make(map[string]models.Subscription),
		payments:       make(map[string]models.ScheduledPayment),
		campaigns:      make(map[string]models.Campaign),
		changeRequests: make(map[string]models.ChangeRequest),
	}
}

// Fail makes every later call return err until Fail(nil).
func (s *Store) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.subscriptions[sub.ID]; ok {
		return storage.ErrConflict
	}
	s.subscriptions[sub.ID] = cloneSubscription(*sub)
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneSubscription(sub)
	return &out, nil
}

func (s *Store) UpdateSubscriptionTerms(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	cur, ok := s.subscriptions[sub.ID]
	if !ok {
		return storage.ErrNotFound
	}
	next := cloneSubscription(*sub)
	cur.Amount = next.Amount
	cur.Currency = next.Currency
	cur.Frequency = next.Frequency
	cur.IntervalCount = next.IntervalCount
	cur.EndDate = next.EndDate
	cur.SendReceipts = next.SendReceipts
	cur.CampaignID = next.CampaignID
	cur.UpdatedAt = next.UpdatedAt
	s.subscriptions[sub.ID] = cur
	return nil
}

func (s *Store) TransitionSubscription(ctx context.Context, id string, ch storage.StatusChange) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !slices.Contains(ch.From, sub.Status) {
		return nil, storage.ErrConflict
	}
	at := ch.At
	sub.Status = ch.To
	sub.UpdatedAt = at
	switch ch.To {
	case models.StatusPaused:
		sub.PauseReason = ch.Reason
		sub.PausedAt = &at
	case models.StatusActive:
		sub.PauseReason = ""
	case models.StatusCancelled:
		sub.CancellationReason = ch.Reason
		sub.CancelledAt = &at
	case models.StatusCompleted, models.StatusFailed:
	}
	if ch.NextProcessDate != nil {
		sub.NextProcessDate = *ch.NextProcessDate
	}
	if ch.RetryCount != nil {
		sub.RetryCount = *ch.RetryCount
	}
	s.subscriptions[id] = sub
	out := cloneSubscription(sub)
	return &out, nil
}

func (s *Store) SearchSubscriptions(ctx context.Context, f storage.SubscriptionFilter) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []models.Subscription
	for _, sub := range s.subscriptions {
		if f.DonorID != "" && sub.DonorID != f.DonorID {
			continue
		}
		if f.Status != "" && sub.Status != f.Status {
			continue
		}
		if f.CampaignID != "" && (sub.CampaignID == nil || *sub.CampaignID != f.CampaignID) {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) ListUnscheduled(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	open := make(map[string]bool)
	for _, p := range s.payments {
		if p.Status.Open() {
			open[p.SubscriptionID] = true
		}
	}
	var out []models.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == models.StatusActive && !open[sub.ID] && sub.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextProcessDate.Before(out[j].NextProcessDate) })
	return page(out, 0, limit), nil
}

func (s *Store) SchedulePayment(ctx context.Context, p *models.ScheduledPayment, nextProcessDate time.Time, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	sub, ok := s.subscriptions[p.SubscriptionID]
	if !ok {
		return storage.ErrNotFound
	}
	if sub.Status != models.StatusActive {
		return storage.ErrConflict
	}
	if _, ok := s.payments[p.ID]; ok {
		return storage.ErrConflict
	}
	for _, existing := range s.payments {
		if existing.SubscriptionID == p.SubscriptionID && existing.Status.Open() {
			return storage.ErrConflict
		}
	}
	s.payments[p.ID] = *p
	sub.NextProcessDate = nextProcessDate
	sub.RetryCount = retryCount
	sub.UpdatedAt = p.CreatedAt
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) ReplaceScheduledPayment(ctx context.Context, oldID string, p *models.ScheduledPayment, nextProcessDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	old, ok := s.payments[oldID]
	if !ok {
		return storage.ErrNotFound
	}
	if old.Status != models.PaymentScheduled || old.SubscriptionID != p.SubscriptionID {
		return storage.ErrConflict
	}
	sub, ok := s.subscriptions[p.SubscriptionID]
	if !ok || sub.Status != models.StatusActive {
		return storage.ErrConflict
	}
	if _, ok := s.payments[p.ID]; ok {
		return storage.ErrConflict
	}
	old.Status = models.PaymentCancelled
	old.UpdatedAt = p.CreatedAt
	s.payments[oldID] = old
	s.payments[p.ID] = *p
	if nextProcessDate != nil {
		sub.NextProcessDate = *nextProcessDate
	}
	sub.UpdatedAt = p.CreatedAt
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPaymentsBySubscription(ctx context.Context, subscriptionID string) ([]models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := s.filterPayments(func(p models.ScheduledPayment) bool { return p.SubscriptionID == subscriptionID })
	sortByScheduled(out)
	return out, nil
}

func (s *Store) OpenPayment(ctx context.Context, subscriptionID string) (*models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID && p.Status.Open() {
			return &p, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListDuePayments(ctx context.Context, asOf time.Time, limit int) ([]models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := s.filterPayments(func(p models.ScheduledPayment) bool {
		return p.Status == models.PaymentScheduled && !p.ScheduledDate.After(asOf)
	})
	sortByScheduled(out)
	return page(out, 0, limit), nil
}

func (s *Store) ListStaleProcessing(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := s.filterPayments(func(p models.ScheduledPayment) bool {
		return p.Status == models.PaymentProcessing &&
			p.ProcessingStartedAt != nil && p.ProcessingStartedAt.Before(startedBefore)
	})
	sortByScheduled(out)
	return page(out, 0, limit), nil
}

func (s *Store) ListRecentPayments(ctx context.Context, status models.PaymentStatus, limit int) ([]models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := s.filterPayments(func(p models.ScheduledPayment) bool { return p.Status == status })
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, 0, limit), nil
}

func (s *Store) ClaimPayment(ctx context.Context, id string, now time.Time) (*models.ScheduledPayment, error) {
	return s.transition(id, models.PaymentScheduled, func(p *models.ScheduledPayment, _ *models.Subscription) {
		p.Status = models.PaymentProcessing
		started := now
		p.ProcessingStartedAt = &started
		p.UpdatedAt = now
	})
}

func (s *Store) RecordPaymentSuccess(ctx context.Context, id string, c storage.PaymentCompletion) (*models.ScheduledPayment, error) {
	return s.transition(id, models.PaymentProcessing, func(p *models.ScheduledPayment, sub *models.Subscription) {
		p.Status = models.PaymentCompleted
		processed := c.ProcessedDate
		p.ProcessedDate = &processed
		p.ProviderTransactionID = c.ProviderTransactionID
		p.UpdatedAt = c.ProcessedDate

		sub.SuccessfulPayments++
		sub.TotalCollected += p.Amount
		sub.LastPaymentDate = &processed
		sub.LastPaymentAmount = p.Amount
		sub.UpdatedAt = c.ProcessedDate
	})
}

func (s *Store) RecordPaymentFailure(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error) {
	return s.transition(id, models.PaymentProcessing, func(p *models.ScheduledPayment, sub *models.Subscription) {
		p.Status = models.PaymentFailed
		processed := now
		p.ProcessedDate = &processed
		p.FailureReason = reason
		p.UpdatedAt = now

		sub.FailedPayments++
		sub.LastFailureDate = &processed
		sub.LastFailureReason = reason
		sub.UpdatedAt = now
	})
}

func (s *Store) CancelClaimedPayment(ctx context.Context, id string, reason string, now time.Time) (*models.ScheduledPayment, error) {
	return s.transition(id, models.PaymentProcessing, func(p *models.ScheduledPayment, _ *models.Subscription) {
		p.Status = models.PaymentCancelled
		p.FailureReason = reason
		p.UpdatedAt = now
	})
}

func (s *Store) MarkReceiptSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	p, ok := s.payments[id]
	if !ok {
		return storage.ErrNotFound
	}
	p.ReceiptGenerated = true
	p.ReceiptSent = true
	s.payments[id] = p
	return nil
}

func (s *Store) CancelScheduledPayments(ctx context.Context, subscriptionID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	n := 0
	for id, p := range s.payments {
		if p.SubscriptionID == subscriptionID && p.Status == models.PaymentScheduled {
			p.Status = models.PaymentCancelled
			p.UpdatedAt = now
			s.payments[id] = p
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Store) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.campaigns[c.ID] = *c
	return nil
}

func (s *Store) CreateChangeRequest(ctx context.Context, cr *models.ChangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.changeRequests[cr.ID]; ok {
		return storage.ErrConflict
	}
	s.changeRequests[cr.ID] = *cr
	return nil
}

func (s *Store) GetChangeRequest(ctx context.Context, id string) (*models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	cr, ok := s.changeRequests[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &cr, nil
}

func (s *Store) UpdateChangeRequest(ctx context.Context, cr *models.ChangeRequest, from models.ChangeRequestStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	cur, ok := s.changeRequests[cr.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Status != from {
		return storage.ErrConflict
	}
	s.changeRequests[cr.ID] = *cr
	return nil
}

func (s *Store) ListChangeRequests(ctx context.Context, status models.ChangeRequestStatus, limit int) ([]models.ChangeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	var out []models.ChangeRequest
	for _, cr := range s.changeRequests {
		if status == "" || cr.Status == status {
			out = append(out, cr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedDate.Before(out[j].RequestedDate) })
	return page(out, 0, limit), nil
}

// transition applies a conditional payment status change together with any
// change to the owning subscription.
func (s *Store) transition(id string, from models.PaymentStatus, apply func(*models.ScheduledPayment, *models.Subscription)) (*models.ScheduledPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	p, ok := s.payments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if p.Status != from {
		return nil, storage.ErrConflict
	}
	sub := s.subscriptions[p.SubscriptionID]
	apply(&p, &sub)
	s.payments[id] = p
	if sub.ID != "" {
		s.subscriptions[sub.ID] = sub
	}
	return &p, nil
}

func (s *Store) filterPayments(keep func(models.ScheduledPayment) bool) []models.ScheduledPayment {
	var out []models.ScheduledPayment
	for _, p := range s.payments {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

func sortByScheduled(ps []models.ScheduledPayment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].ScheduledDate.Equal(ps[j].ScheduledDate) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ScheduledDate.Before(ps[j].ScheduledDate)
	})
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// cloneSubscription copies the pointer fields so callers cannot mutate stored state.
func cloneSubscription(sub models.Subscription) models.Subscription {
	sub.EndDate = cloneTime(sub.EndDate)
	sub.LastPaymentDate = cloneTime(sub.LastPaymentDate)
	sub.LastFailureDate = cloneTime(sub.LastFailureDate)
	sub.PausedAt = cloneTime(sub.PausedAt)
	sub.CancelledAt = cloneTime(sub.CancelledAt)
	if sub.CampaignID != nil {
		id := *sub.CampaignID
		sub.CampaignID = &id
	}
	return sub
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
