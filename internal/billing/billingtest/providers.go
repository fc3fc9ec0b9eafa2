package billingtest

import (
	"context"
	"strings"
	"sync"

	"careintake/internal/external"
	"careintake/internal/types"
)

// Payments is a scriptable external.PaymentProvider.
type Payments struct {
	mu         sync.Mutex
	Promotions map[string]*external.PromotionCode
	LookupErr  error
	SessionErr error
	Sessions   []external.CheckoutSessionParams
	Customers  []string
}

func NewPayments() *Payments {
	return &Payments{Promotions: map[string]*external.PromotionCode{}}
}

func (p *Payments) EnsureCustomer(_ context.Context, email, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Customers = append(p.Customers, email)
	return "cus_" + strings.SplitN(email, "@", 2)[0], nil
}

func (p *Payments) LookupPromotionCode(_ context.Context, code string) (*external.PromotionCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LookupErr != nil {
		return nil, p.LookupErr
	}
	return p.Promotions[strings.ToUpper(code)], nil
}

func (p *Payments) CreateCheckoutSession(_ context.Context, params external.CheckoutSessionParams) (*external.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SessionErr != nil {
		return nil, p.SessionErr
	}
	p.Sessions = append(p.Sessions, params)
	return &external.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

// PercentPromo returns an active promotion with a percent coupon.
func PercentPromo(id string, percent float64) *external.PromotionCode {
	return &external.PromotionCode{
		ID:     id,
		Active: true,
		Coupon: external.Coupon{ID: "co_" + id, Valid: true, PercentOff: percent},
	}
}

// Mailer records sends and can be told to fail.
type Mailer struct {
	mu   sync.Mutex
	Err  error
	Sent []types.SendInput
}

func (m *Mailer) Send(_ context.Context, in types.SendInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, in)
	return "msg-" + in.ReferenceID, nil
}

// Count returns the number of successful sends.
func (m *Mailer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent)
}

// SetErr changes the failure mode.
func (m *Mailer) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
