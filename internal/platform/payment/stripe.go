package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// EventCheckoutCompleted is the webhook event type emitted when a customer
// finishes a hosted checkout.
const EventCheckoutCompleted = "checkout.session.completed"

type checkoutSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// StripeGateway implements Gateway on Stripe Checkout.
type StripeGateway struct {
	sessions      checkoutSessionAPI
	refunds       refundAPI
	successURL    string
	cancelURL     string
	webhookSecret string
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	sc := client.New(cfg.SecretKey, nil)
	return &StripeGateway{
		sessions:      sc.CheckoutSessions,
		refunds:       sc.Refunds,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *StripeGateway) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if err := validateCheckout(req); err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.successURL),
		CancelURL:  stripe.String(g.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.ClientReference != "" {
		params.ClientReferenceID = stripe.String(req.ClientReference)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	cs, err := g.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &Checkout{URL: cs.URL, Reference: cs.ID}, nil
}

func (g *StripeGateway) RetrieveSession(ctx context.Context, reference string) (*Session, error) {
	cs, err := g.sessions.Get(reference, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("stripe: retrieve checkout session: %w", err)
	}
	return sessionFromStripe(cs), nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	if err := validateRefund(req); err != nil {
		return nil, err
	}

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(req.Amount),
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := g.refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create refund: %w", err)
	}
	return &Refund{Reference: r.ID, Amount: r.Amount}, nil
}

// ParseCompletedCheckout verifies a webhook delivery and, when it reports a
// completed checkout, returns the session reference. ok is false for any
// other event type.
func (g *StripeGateway) ParseCompletedCheckout(payload []byte, signature string) (reference string, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", false, fmt.Errorf("stripe: verify webhook: %w", err)
	}
	if string(event.Type) != EventCheckoutCompleted {
		return "", false, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return "", false, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	if cs.ID == "" {
		return "", false, errors.New("stripe: checkout session without id")
	}
	return cs.ID, true, nil
}

func sessionFromStripe(cs *stripe.CheckoutSession) *Session {
	s := &Session{
		Reference:   cs.ID,
		Paid:        cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal: cs.AmountTotal,
		Currency:    string(cs.Currency),
		Metadata:    cs.Metadata,
		CreatedAt:   time.Unix(cs.Created, 0).UTC(),
	}
	if cs.PaymentIntent != nil {
		s.PaymentReference = cs.PaymentIntent.ID
	}
	return s
}
