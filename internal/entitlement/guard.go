// Package entitlement decides whether a user may use gated features such as
// questionnaire documents.
package entitlement

import (
	"context"
	"log/slog"
	"time"

	"careintake/internal/config"
	"careintake/internal/types"
)

// Access is the outcome of a Check.
type Access string

const (
	AccessGranted     Access = "granted"
	AccessProvisional Access = "provisional"
	AccessDenied      Access = "denied"
)

// NoticePaymentProcessing is shown while a pending subscription is inside
// the grace window.
const NoticePaymentProcessing = "Payment processing. Your access will be confirmed in a moment."

// Defaults for Guard.
const (
	DefaultGraceWindow  = 10 * time.Minute
	DefaultPaymentEntry = "/signup"
)

// Decision is what callers and the polling client see.
type Decision struct {
	Access    Access     `json:"access"`
	Notice    string     `json:"notice,omitempty"`
	Redirect  string     `json:"redirect,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d.Access == AccessGranted || d.Access == AccessProvisional
}

// SubscriptionReader reads the subscription for a user.
type SubscriptionReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// Guard evaluates entitlement from the subscription row. It only reads;
// the webhook pipeline and maintenance are the writers. A missing row is a
// denial, not an error.
type Guard struct {
	subs         SubscriptionReader
	clock        types.Clock
	graceWindow  time.Duration
	paymentEntry string
	logger       *slog.Logger
}

func NewGuard(subs SubscriptionReader, clock types.Clock, cfg config.EntitlementConfig, logger *slog.Logger) *Guard {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.PaymentEntry == "" {
		cfg.PaymentEntry = DefaultPaymentEntry
	}
	return &Guard{
		subs:         subs,
		clock:        clock,
		graceWindow:  cfg.GraceWindow,
		paymentEntry: cfg.PaymentEntry,
		logger:       logger,
	}
}

// Check returns granted for an active, unexpired subscription and
// provisional for a pending one created within the grace window.
// Everything else, including no subscription at all, is denied with a
// redirect to the payment entry point.
func (g *Guard) Check(ctx context.Context, userID string) (Decision, error) {
	if userID == "" {
		return Decision{}, types.NewAppError(types.ErrCodeAuthUserMissing, "user id is required", nil)
	}

	sub, err := g.subs.GetByUserID(ctx, userID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundSubscription) {
			return g.deny(), nil
		}
		return Decision{}, err
	}

	now := g.clock.Now()
	switch sub.Status {
	case types.SubStatusActive:
		if sub.ExpiresAt == nil || sub.ExpiresAt.After(now) {
			return Decision{Access: AccessGranted, ExpiresAt: sub.ExpiresAt}, nil
		}
	case types.SubStatusPending:
		if now.Sub(sub.CreatedAt) <= g.graceWindow {
			return Decision{Access: AccessProvisional, Notice: NoticePaymentProcessing}, nil
		}
		g.logger.WarnContext(ctx, "pending subscription outside grace window",
			"user_id", userID,
			"created_at", sub.CreatedAt,
		)
	}
	return g.deny(), nil
}

func (g *Guard) deny() Decision {
	return Decision{Access: AccessDenied, Redirect: g.paymentEntry}
}
