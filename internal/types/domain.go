package types

import (
	"strings"
	"time"
)

// PlanType distinguishes paid grants from 100%-discount grants.
type PlanType string

const (
	PlanFree PlanType = "free"
	PlanPaid PlanType = "paid"
)

// SubscriptionStatus is the lifecycle state of a Subscription row.
type SubscriptionStatus string

const (
	SubStatusActive  SubscriptionStatus = "active"
	SubStatusPending SubscriptionStatus = "pending"
	SubStatusExpired SubscriptionStatus = "expired"
)

// AccountStatus is the confirmation state of an Account. Payment is the
// confirmation gate, so provisioned accounts are created active.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
)

// Money is an amount in minor currency units (cents).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Account is the application-level user record. At most one exists per
// lower-cased email.
type Account struct {
	ID           string        `json:"id" db:"id"`
	Email        string        `json:"email" db:"email"`
	PasswordHash string        `json:"-" db:"password_hash"`
	FirstName    string        `json:"first_name" db:"first_name"`
	LastName     string        `json:"last_name" db:"last_name"`
	Status       AccountStatus `json:"status" db:"status"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// Subscription is the per-user entitlement record, keyed by UserID.
type Subscription struct {
	UserID           string             `json:"user_id" db:"user_id"`
	PlanType         PlanType           `json:"plan_type" db:"plan_type"`
	Status           SubscriptionStatus `json:"status" db:"status"`
	StripeCustomerID *string            `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSessionID  *string            `json:"stripe_session_id,omitempty" db:"stripe_session_id"`
	AmountPaid       int64              `json:"amount_paid" db:"amount_paid"`
	Currency         string             `json:"currency" db:"currency"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty" db:"expires_at"`
	WelcomeEmailSent bool               `json:"welcome_email_sent" db:"welcome_email_sent"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
}

// ProcessedEvent is an idempotency ledger row. Identity fields are
// append-only; only the reconciliation columns change after insert.
type ProcessedEvent struct {
	ProviderEventID string     `json:"provider_event_id" db:"provider_event_id"`
	EventType       string     `json:"event_type" db:"event_type"`
	ProcessedAt     time.Time  `json:"processed_at" db:"processed_at"`
	Reconciled      bool       `json:"reconciled" db:"reconciled"`
	ReconciledAt    *time.Time `json:"reconciled_at,omitempty" db:"reconciled_at"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
}

// ProvisioningToken carries signup identity across the hosted checkout
// redirect. Only the SHA-256 of the raw token is stored; the raw value
// travels in checkout metadata. PasswordHash is a bcrypt hash.
type ProvisioningToken struct {
	TokenHash    string     `db:"token_hash"`
	Email        string     `db:"email"`
	FirstName    string     `db:"first_name"`
	LastName     string     `db:"last_name"`
	PasswordHash string     `db:"password_hash"`
	DiscountCode string     `db:"discount_code"`
	MarketCode   string     `db:"market_code"`
	ExpiresAt    time.Time  `db:"expires_at"`
	ConsumedAt   *time.Time `db:"consumed_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

// Checkout metadata keys.
const (
	MetaEmail             = "email"
	MetaFirstName         = "first_name"
	MetaLastName          = "last_name"
	MetaDiscountCode      = "discount_code"
	MetaMarketCode        = "market_code"
	MetaProvisioningToken = "provisioning_token"
)

// PendingCheckout is the signup payload carried in checkout session
// metadata. It never contains the password.
type PendingCheckout struct {
	Email             string
	FirstName         string
	LastName          string
	DiscountCode      string
	MarketCode        string
	ProvisioningToken string
}

// Metadata encodes the payload as provider metadata. Empty optional fields
// are omitted.
func (p PendingCheckout) Metadata() map[string]string {
	m := map[string]string{
		MetaEmail:      p.Email,
		MetaFirstName:  p.FirstName,
		MetaLastName:   p.LastName,
		MetaMarketCode: p.MarketCode,
	}
	if p.DiscountCode != "" {
		m[MetaDiscountCode] = p.DiscountCode
	}
	if p.ProvisioningToken != "" {
		m[MetaProvisioningToken] = p.ProvisioningToken
	}
	return m
}

// PendingCheckoutFromMetadata decodes checkout session metadata. A nil map
// yields the zero value.
func PendingCheckoutFromMetadata(m map[string]string) PendingCheckout {
	return PendingCheckout{
		Email:             NormalizeEmail(m[MetaEmail]),
		FirstName:         strings.TrimSpace(m[MetaFirstName]),
		LastName:          strings.TrimSpace(m[MetaLastName]),
		DiscountCode:      strings.TrimSpace(m[MetaDiscountCode]),
		MarketCode:        strings.TrimSpace(m[MetaMarketCode]),
		ProvisioningToken: m[MetaProvisioningToken],
	}
}

// NormalizeEmail is the canonical form used as the account uniqueness key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SendInput defines the contract for email transmission.
type SendInput struct {
	To           string
	From         SenderIdentity
	Subject      string
	BodyHTML     string
	BodyText     string
	TemplateID   string
	TemplateData map[string]any
	ReferenceID  string
	// IdempotencyKey lets providers that support it drop duplicate sends.
	IdempotencyKey string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}
