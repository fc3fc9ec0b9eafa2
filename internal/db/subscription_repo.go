package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"careintake/internal/types"
)

// SubscriptionRepo manages the per-user subscriptions table.
//
// Key invariants:
//   - One row per user_id; Upsert is the only write path for plan state.
//   - welcome_email_sent flips to true only through ClaimWelcomeEmail, so at
//     most one sender wins per activation.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// SubscriptionUpsert is the desired state written by Upsert.
type SubscriptionUpsert struct {
	UserID           string
	PlanType         types.PlanType
	Status           types.SubscriptionStatus
	StripeCustomerID *string
	StripeSessionID  *string
	AmountPaid       int64
	Currency         string
	ExpiresAt        *time.Time
}

const subscriptionColumns = `user_id, plan_type, status, stripe_customer_id, stripe_session_id,
	amount_paid, currency, expires_at, welcome_email_sent, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.UserID,
		&s.PlanType,
		&s.Status,
		&s.StripeCustomerID,
		&s.StripeSessionID,
		&s.AmountPaid,
		&s.Currency,
		&s.ExpiresAt,
		&s.WelcomeEmailSent,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert inserts or replaces the user's subscription in one statement.
// Provider ids are kept when the new values are NULL. The welcome flag is
// reset only for a new payment: a different checkout session, or a row
// that was not active before.
func (r *SubscriptionRepo) Upsert(ctx context.Context, in SubscriptionUpsert) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (user_id, plan_type, status, stripe_customer_id, stripe_session_id,
		                            amount_paid, currency, expires_at, welcome_email_sent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		 ON CONFLICT (user_id) DO UPDATE SET
		     plan_type          = EXCLUDED.plan_type,
		     status             = EXCLUDED.status,
		     stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
		     stripe_session_id  = COALESCE(EXCLUDED.stripe_session_id, subscriptions.stripe_session_id),
		     amount_paid        = EXCLUDED.amount_paid,
		     currency           = EXCLUDED.currency,
		     expires_at         = EXCLUDED.expires_at,
		     welcome_email_sent = CASE
		         WHEN subscriptions.status <> 'active' THEN FALSE
		         WHEN EXCLUDED.stripe_session_id IS NOT NULL
		              AND EXCLUDED.stripe_session_id IS DISTINCT FROM subscriptions.stripe_session_id THEN FALSE
		         ELSE subscriptions.welcome_email_sent
		     END,
		     updated_at         = NOW()
		 RETURNING `+subscriptionColumns,
		in.UserID,
		in.PlanType,
		in.Status,
		in.StripeCustomerID,
		in.StripeSessionID,
		in.AmountPaid,
		in.Currency,
		in.ExpiresAt,
	)
	s, err := scanSubscription(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return s, nil
}

// GetByUserID returns the subscription or not_found_subscription.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return s, nil
}

// ClaimWelcomeEmail atomically sets welcome_email_sent. It returns false
// when another caller already holds the claim or no row exists.
func (r *SubscriptionRepo) ClaimWelcomeEmail(ctx context.Context, userID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET welcome_email_sent = TRUE, updated_at = NOW()
		 WHERE user_id = $1 AND welcome_email_sent = FALSE`,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim welcome email", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseWelcomeEmail clears the claim after a failed send.
func (r *SubscriptionRepo) ReleaseWelcomeEmail(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET welcome_email_sent = FALSE, updated_at = NOW()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release welcome email claim", err)
	}
	return nil
}

// ExpireLapsed marks active subscriptions whose term ended before now as
// expired and returns the number of rows changed.
func (r *SubscriptionRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = 'expired', updated_at = NOW()
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire subscriptions", err)
	}
	return tag.RowsAffected(), nil
}
