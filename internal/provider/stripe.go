package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"

	"github.com/jeet-patel/recurring-donations-backend/internal/recurring"
)

// Stripe charges saved payment methods off-session through PaymentIntents.
//
// AccountRef is either a payment method id ("pm_...") or a customer and
// payment method joined by a colon ("cus_...:pm_...").
type Stripe struct {
	api *client.API
	log *zap.Logger
}

var _ recurring.PaymentProvider = (*Stripe)(nil)

func NewStripe(secretKey string, log *zap.Logger) *Stripe {
	log = log.Named("provider.stripe")
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		LeveledLogger: log.Sugar(),
	})
	return newStripe(secretKey, backend, log)
}

func newStripe(secretKey string, backend stripe.Backend, log *zap.Logger) *Stripe {
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Stripe{api: api, log: log}
}

func (s *Stripe) Charge(ctx context.Context, req recurring.ChargeRequest) (recurring.ChargeResult, error) {
	customer, paymentMethod := splitAccountRef(req.AccountRef)
	if paymentMethod == "" {
		return recurring.ChargeResult{}, &recurring.PaymentProviderError{Reason: "no payment method on file", Code: "missing_payment_method"}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(paymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String("Recurring donation"),
	}
	if customer != "" {
		params.Customer = stripe.String(customer)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("subscription_id", req.SubscriptionID)
	params.AddMetadata("payment_id", req.PaymentID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) {
			return recurring.ChargeResult{}, providerError(serr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return recurring.ChargeResult{}, ctxErr
		}
		return recurring.ChargeResult{}, fmt.Errorf("failed to create payment intent: %w", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return recurring.ChargeResult{TransactionID: pi.ID}, nil
	case stripe.PaymentIntentStatusProcessing:
		// Settles asynchronously; charging again would take the money twice.
		s.log.Warn("payment intent still processing",
			zap.String("payment_id", req.PaymentID),
			zap.String("payment_intent", pi.ID),
		)
		return recurring.ChargeResult{}, &recurring.PendingChargeError{
			TransactionID: pi.ID,
			Status:        string(pi.Status),
		}
	}
	s.log.Warn("payment intent not settled",
		zap.String("payment_id", req.PaymentID),
		zap.String("payment_intent", pi.ID),
		zap.String("status", string(pi.Status)),
	)
	return recurring.ChargeResult{}, &recurring.PaymentProviderError{
		Reason: "payment intent " + string(pi.Status),
		Code:   string(pi.Status),
	}
}

func providerError(serr *stripe.Error) *recurring.PaymentProviderError {
	code := string(serr.DeclineCode)
	if code == "" {
		code = string(serr.Code)
	}
	reason := serr.Msg
	if reason == "" {
		reason = string(serr.Type)
	}
	return &recurring.PaymentProviderError{Reason: reason, Code: code}
}

func splitAccountRef(ref string) (customer, paymentMethod string) {
	ref = strings.TrimSpace(ref)
	if c, pm, ok := strings.Cut(ref, ":"); ok {
		return c, pm
	}
	return "", ref
}
