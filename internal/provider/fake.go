// Package provider holds the payment gateway adapters used by the processor.
package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

// DeclinePrefix marks account references the fake always declines.
const DeclinePrefix = "decline_"

// Fake is a deterministic provider for local runs and tests. Charges succeed
// unless the account starts with DeclinePrefix or was registered with Decline.
// Repeated idempotency keys replay the first outcome, like a real gateway.
type Fake struct {
	mu       sync.Mutex
	declines map[string]string
	seen     map[string]fakeOutcome
	log      *zap.Logger
}

type fakeOutcome struct {
	result recurring.ChargeResult
	err    error
}

var _ recurring.PaymentProvider = (*Fake)(nil)

func NewFake(log *zap.Logger) *Fake {
	return &Fake{
		declines: make(map[string]string),
		seen:     make(map[string]fakeOutcome),
		log:      log.Named("provider.fake"),
	}
}

// Decline makes every later charge against accountRef fail with reason.
func (f *Fake) Decline(accountRef, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declines[accountRef] = reason
}

func (f *Fake) Charge(ctx context.Context, req recurring.ChargeRequest) (recurring.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return recurring.ChargeResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.seen[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prev.result, prev.err
	}

	var out fakeOutcome
	if reason, ok := f.declineReason(req.AccountRef); ok {
		out.err = &recurring.PaymentProviderError{Reason: reason, Code: "card_declined"}
	} else {
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.IdempotencyKey+"|"+req.PaymentID))
		out.result = recurring.ChargeResult{TransactionID: "fake_" + strings.ReplaceAll(id.String(), "-", "")}
	}
	if req.IdempotencyKey != "" {
		f.seen[req.IdempotencyKey] = out
	}

	f.log.Debug("charge",
		zap.String("payment_id", req.PaymentID),
		zap.Int64("amount", req.Amount),
		zap.Bool("declined", out.err != nil),
	)
	return out.result, out.err
}

func (f *Fake) declineReason(accountRef string) (string, bool) {
	if reason, ok := f.declines[accountRef]; ok {
		return reason, true
	}
	if strings.HasPrefix(accountRef, DeclinePrefix) {
		return "Insufficient funds", true
	}
	return "", false
}
