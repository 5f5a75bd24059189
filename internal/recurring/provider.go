package recurring

import "context"

// ChargeRequest is one charge against a donor's stored payment method.
type ChargeRequest struct {
	AccountRef     string
	Amount         int64
	Currency       string
	IdempotencyKey string
	SubscriptionID string
	PaymentID      string
}

type ChargeResult struct {
	TransactionID string
}

// PaymentProvider charges donors. A declined charge returns a
// *PaymentProviderError; any other error is a transport failure and is
// handled the same way by the processor.
type PaymentProvider interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

func idempotencyKey(paymentID string) string {
	return "donation-payment-" + paymentID
}
