package external

import (
	"context"
	"time"

	"careintake/internal/types"
)

// ---------------------------------------------------------------------------
// Payments (Stripe)
// ---------------------------------------------------------------------------

// PaymentProvider abstracts the hosted checkout provider.
type PaymentProvider interface {
	// EnsureCustomer returns the provider customer for email, creating it
	// only when a search finds none.
	EnsureCustomer(ctx context.Context, email, name string) (string, error)

	// LookupPromotionCode returns the active promotion code matching code
	// with its coupon expanded, or nil when none exists.
	LookupPromotionCode(ctx context.Context, code string) (*PromotionCode, error)

	// CreateCheckoutSession creates a one-off payment session.
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
}

// PromotionCode is the subset of a Stripe promotion code the discount
// resolver needs.
type PromotionCode struct {
	ID              string
	Code            string
	Active          bool
	ExpiresAt       *time.Time
	MaxRedemptions  int64
	TimesRedeemed   int64
	MinimumAmount   int64
	MinimumCurrency string
	Coupon          Coupon
}

// Coupon is the discount a promotion code applies.
type Coupon struct {
	ID             string
	Valid          bool
	PercentOff     float64
	AmountOff      int64
	Currency       string
	RedeemBy       *time.Time
	MaxRedemptions int64
	TimesRedeemed  int64
}

// CheckoutSessionParams describes a Checkout Session in mode=payment.
type CheckoutSessionParams struct {
	CustomerID        string
	PriceID           string
	PromotionCodeID   string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Locale            string
	Metadata          map[string]string
	IdempotencyKey    string
}

// CheckoutSession is the created hosted session.
type CheckoutSession struct {
	ID  string
	URL string
}

// WebhookVerifier checks a provider signature over the raw request body.
type WebhookVerifier interface {
	Verify(payload []byte, header string) error
}

// Stripe event types handled or acknowledged by the webhook receiver.
const (
	EventStripeCheckoutCompleted      = "checkout.session.completed"
	EventStripeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	EventStripeCheckoutExpired        = "checkout.session.expired"
)

// ---------------------------------------------------------------------------
// Email
// ---------------------------------------------------------------------------

// EmailProvider transmits one pre-rendered or templated email and returns
// the provider message id.
type EmailProvider interface {
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
