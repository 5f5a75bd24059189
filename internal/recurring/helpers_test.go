package recurring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/config"
	"github.com/jeet-patel/recurring-donations-backend/internal/memstore"
	"github.com/jeet-patel/recurring-donations-backend/internal/models"
	"github.com/jeet-patel/recurring-donations-backend/internal/notify"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubProvider declines with the queued errors in order, then succeeds.
// A non-nil hook runs before every charge.
type stubProvider struct {
	mu       sync.Mutex
	failures []error
	calls    []ChargeRequest
	hook     func(ctx context.Context, req ChargeRequest) error
}

func (p *stubProvider) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var err error
	if len(p.failures) > 0 {
		err, p.failures = p.failures[0], p.failures[1:]
	}
	hook := p.hook
	p.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx, req); herr != nil {
			return ChargeResult{}, herr
		}
	}
	if err != nil {
		return ChargeResult{}, err
	}
	return ChargeResult{TransactionID: "txn_" + req.PaymentID}, nil
}

func (p *stubProvider) Decline(reasons ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range reasons {
		p.failures = append(p.failures, &PaymentProviderError{Reason: r, Code: "card_declined"})
	}
}

func (p *stubProvider) Calls() []ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChargeRequest(nil), p.calls...)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []notify.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task notify.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

func (d *recordingDispatcher) Kinds() []notify.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kinds []notify.Kind
	for _, t := range d.tasks {
		kinds = append(kinds, t.Kind)
	}
	return kinds
}

// hookStore wraps the memory store so tests can interleave work with a
// service call or fail selected writes.
type hookStore struct {
	*memstore.Store
	beforeTermsWrite func()
	scheduleErr      error
}

func (s *hookStore) UpdateSubscriptionTerms(ctx context.Context, sub *models.Subscription) error {
	if fn := s.beforeTermsWrite; fn != nil {
		s.beforeTermsWrite = nil
		fn()
	}
	return s.Store.UpdateSubscriptionTerms(ctx, sub)
}

func (s *hookStore) SchedulePayment(ctx context.Context, p *models.ScheduledPayment, next time.Time, retryCount int) error {
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	return s.Store.SchedulePayment(ctx, p, next, retryCount)
}

type testEnv struct {
	store      *memstore.Store
	hooks      *hookStore
	clock      *fixedClock
	provider   *stubProvider
	dispatcher *recordingDispatcher
	scheduler  *Scheduler
	subs       *SubscriptionManager
	processor  *Processor
	aggregator *Aggregator
	changes    *ChangeRequestManager
}

func testBilling() config.Billing {
	return config.Billing{
		DefaultCurrency:   "usd",
		MaxRetries:        3,
		RetryDelay:        72 * time.Hour,
		ProcessingTimeout: 15 * time.Minute,
		ProviderTimeout:   5 * time.Second,
		BatchSize:         100,
		ApprovalThreshold: 10000,
		RecentFeedSize:    10,
	}
}

func newTestEnv(t *testing.T, configure ...func(*config.Billing)) *testEnv {
	t.Helper()
	cfg := testBilling()
	for _, fn := range configure {
		fn(&cfg)
	}
	log := zap.NewNop()
	env := &testEnv{
		store:      memstore.New(),
		clock:      &fixedClock{now: day(2024, 1, 1)},
		provider:   &stubProvider{},
		dispatcher: &recordingDispatcher{},
	}
	env.hooks = &hookStore{Store: env.store}
	env.scheduler = NewScheduler(env.hooks, env.clock, log)
	env.subs = NewSubscriptionManager(env.hooks, env.scheduler, cfg, env.clock, log)
	env.processor = NewProcessor(env.hooks, env.scheduler, env.provider, env.dispatcher, cfg, env.clock, log)
	env.aggregator = NewAggregator(env.hooks, cfg, env.clock, log)
	env.changes = NewChangeRequestManager(env.hooks, env.subs, env.dispatcher, cfg, env.clock, log)
	return env
}

// create makes an active subscription starting at the clock's current time.
func (e *testEnv) create(t *testing.T, amount int64, freq models.Frequency, opts ...func(*models.CreateSubscriptionRequest)) *models.Subscription {
	t.Helper()
	start := e.clock.Now()
	req := models.CreateSubscriptionRequest{
		DonorID:    "donor-1",
		AccountRef: "pm_card_visa",
		Amount:     amount,
		Frequency:  freq,
		StartDate:  &start,
	}
	for _, opt := range opts {
		opt(&req)
	}
	sub, err := e.subs.Create(context.Background(), req)
	require.NoError(t, err)
	return sub
}

func (e *testEnv) openPayment(t *testing.T, subscriptionID string) *models.ScheduledPayment {
	t.Helper()
	p, err := e.store.OpenPayment(context.Background(), subscriptionID)
	require.NoError(t, err)
	return p
}

func (e *testEnv) payments(t *testing.T, subscriptionID string) []models.ScheduledPayment {
	t.Helper()
	ps, err := e.store.ListPaymentsBySubscription(context.Background(), subscriptionID)
	require.NoError(t, err)
	return ps
}

func (e *testEnv) reload(t *testing.T, id string) *models.Subscription {
	t.Helper()
	sub, err := e.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
