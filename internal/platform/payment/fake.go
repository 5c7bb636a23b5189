package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrGatewayUnavailable is returned by FakeGateway when a failure has been
// injected.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// FakeGateway is an in-memory Gateway for development and tests. Refunds
// with a repeated idempotency key return the first refund.
type FakeGateway struct {
	mu       sync.Mutex
	sessions map[string]*Session
	refunds  map[string]*Refund
	now      func() time.Time

	// AutoPay marks every new checkout as paid immediately.
	AutoPay bool
	// FailCheckout, FailRetrieve and FailRefund inject ErrGatewayUnavailable.
	FailCheckout bool
	FailRetrieve bool
	FailRefund   bool

	RefundCalls []RefundRequest
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		sessions: make(map[string]*Session),
		refunds:  make(map[string]*Refund),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for session creation times.
func (g *FakeGateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *FakeGateway) CreateCheckout(_ context.Context, req CheckoutRequest) (*Checkout, error) {
	if err := validateCheckout(req); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailCheckout {
		return nil, ErrGatewayUnavailable
	}

	ref := "cs_test_" + uuid.NewString()
	meta := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		meta[k] = v
	}
	g.sessions[ref] = &Session{
		Reference:   ref,
		AmountTotal: req.Amount,
		Currency:    req.Currency,
		Metadata:    meta,
		CreatedAt:   g.now().UTC(),
	}
	if g.AutoPay {
		g.markPaid(ref)
	}
	return &Checkout{URL: "https://checkout.example.test/pay/" + ref, Reference: ref}, nil
}

// Complete simulates the customer paying for the checkout.
func (g *FakeGateway) Complete(reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[reference]; !ok {
		return ErrSessionNotFound
	}
	g.markPaid(reference)
	return nil
}

func (g *FakeGateway) markPaid(reference string) {
	s := g.sessions[reference]
	s.Paid = true
	if s.PaymentReference == "" {
		s.PaymentReference = "pi_test_" + uuid.NewString()
	}
}

// Backdate moves the creation time of a session into the past.
func (g *FakeGateway) Backdate(reference string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[reference]; ok {
		s.CreatedAt = s.CreatedAt.Add(-d)
	}
}

func (g *FakeGateway) RetrieveSession(_ context.Context, reference string) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailRetrieve {
		return nil, ErrGatewayUnavailable
	}
	s, ok := g.sessions[reference]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (g *FakeGateway) Refund(_ context.Context, req RefundRequest) (*Refund, error) {
	if err := validateRefund(req); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.RefundCalls = append(g.RefundCalls, req)
	if g.FailRefund {
		return nil, ErrGatewayUnavailable
	}
	if req.IdempotencyKey != "" {
		if r, ok := g.refunds[req.IdempotencyKey]; ok {
			return r, nil
		}
	}
	r := &Refund{Reference: "re_test_" + uuid.NewString(), Amount: req.Amount}
	if req.IdempotencyKey != "" {
		g.refunds[req.IdempotencyKey] = r
	}
	return r, nil
}
