// Package payment talks to the payment provider: it opens checkout sessions,
// reads them back once the customer has paid and issues refunds.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("checkout session not found")
	ErrInvalidRequest  = errors.New("invalid payment request")
)

// CheckoutRequest describes a one-off charge. Metadata is echoed back by
// RetrieveSession unchanged.
type CheckoutRequest struct {
	Amount      int64
	Currency    string
	Description string
	Metadata    map[string]string
	// ClientReference lets the provider correlate the checkout with the payer.
	ClientReference string
}

// Checkout is the hosted payment page the caller is redirected to.
type Checkout struct {
	URL       string `json:"checkout_url"`
	Reference string `json:"reference"`
}

// Session is the provider's view of a checkout.
type Session struct {
	Reference        string
	Paid             bool
	AmountTotal      int64
	Currency         string
	Metadata         map[string]string
	CreatedAt        time.Time
	PaymentReference string
}

type RefundRequest struct {
	PaymentReference string
	Amount           int64
	// IdempotencyKey makes retried refunds collapse into one at the provider.
	IdempotencyKey string
}

type Refund struct {
	Reference string
	Amount    int64
}

// Gateway is the payment provider contract used by the booking engine.
type Gateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	RetrieveSession(ctx context.Context, reference string) (*Session, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
}

func validateCheckout(req CheckoutRequest) error {
	if req.Amount <= 0 {
		return errors.Join(ErrInvalidRequest, errors.New("amount must be positive"))
	}
	if req.Currency == "" {
		return errors.Join(ErrInvalidRequest, errors.New("currency is required"))
	}
	return nil
}

func validateRefund(req RefundRequest) error {
	if req.PaymentReference == "" {
		return errors.Join(ErrInvalidRequest, errors.New("payment reference is required"))
	}
	if req.Amount <= 0 {
		return errors.Join(ErrInvalidRequest, errors.New("refund amount must be positive"))
	}
	return nil
}
