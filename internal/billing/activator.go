package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"careintake/internal/db"
	"careintake/internal/types"
)

// SubscriptionTerm is the access period granted by one activation.
const SubscriptionTerm = 365 * 24 * time.Hour

// SubscriptionStore upserts the per-user subscription row.
type SubscriptionStore interface {
	Upsert(ctx context.Context, in db.SubscriptionUpsert) (*types.Subscription, error)
}

// ActivationInput describes the payment that grants access. Provider ids
// are empty on the free path.
type ActivationInput struct {
	PlanType         types.PlanType
	AmountPaid       int64
	Currency         string
	StripeCustomerID string
	StripeSessionID  string
}

// SubscriptionActivator grants a year of access with a single upsert.
type SubscriptionActivator struct {
	subs            SubscriptionStore
	clock           types.Clock
	defaultCurrency string
	logger          *slog.Logger
}

// NewSubscriptionActivator creates an activator. defaultCurrency applies
// when an activation carries none.
func NewSubscriptionActivator(subs SubscriptionStore, clock types.Clock, defaultCurrency string, logger *slog.Logger) *SubscriptionActivator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionActivator{
		subs:            subs,
		clock:           clock,
		defaultCurrency: strings.ToLower(defaultCurrency),
		logger:          logger,
	}
}

// Activate sets the subscription to active until now+SubscriptionTerm.
// Replaying the same checkout session leaves the welcome flag untouched.
func (a *SubscriptionActivator) Activate(ctx context.Context, userID string, in ActivationInput) (*types.Subscription, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}
	if in.PlanType == "" {
		in.PlanType = types.PlanPaid
	}
	if in.AmountPaid < 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "amount paid must not be negative", nil)
	}

	currency := strings.ToLower(in.Currency)
	if currency == "" {
		currency = a.defaultCurrency
	}
	expires := a.clock.Now().Add(SubscriptionTerm)

	sub, err := a.subs.Upsert(ctx, db.SubscriptionUpsert{
		UserID:           userID,
		PlanType:         in.PlanType,
		Status:           types.SubStatusActive,
		StripeCustomerID: optional(in.StripeCustomerID),
		StripeSessionID:  optional(in.StripeSessionID),
		AmountPaid:       in.AmountPaid,
		Currency:         currency,
		ExpiresAt:        &expires,
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "subscription activated",
		"user_id", userID,
		"plan_type", in.PlanType,
		"expires_at", expires,
	)
	return sub, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
