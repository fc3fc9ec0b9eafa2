package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"careintake/internal/types"
)

// ProvisioningTokenRepo stores signup identity between checkout creation
// and the payment webhook. Rows are keyed by the SHA-256 of the raw token.
type ProvisioningTokenRepo struct {
	db DBTX
}

// NewProvisioningTokenRepo creates a ProvisioningTokenRepo over db.
func NewProvisioningTokenRepo(db DBTX) *ProvisioningTokenRepo {
	return &ProvisioningTokenRepo{db: db}
}

// Create stores the token. ExpiresAt must already be set.
func (r *ProvisioningTokenRepo) Create(ctx context.Context, t *types.ProvisioningToken) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO provisioning_tokens (token_hash, email, first_name, last_name, password_hash,
		                                  discount_code, market_code, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		t.TokenHash,
		types.NormalizeEmail(t.Email),
		t.FirstName,
		t.LastName,
		t.PasswordHash,
		t.DiscountCode,
		t.MarketCode,
		t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store provisioning token", err)
	}
	return nil
}

// GetUsable returns the unconsumed, unexpired token for tokenHash or
// not_found_provisioning_token.
func (r *ProvisioningTokenRepo) GetUsable(ctx context.Context, tokenHash string, now time.Time) (*types.ProvisioningToken, error) {
	var t types.ProvisioningToken
	err := r.db.QueryRow(ctx,
		`SELECT token_hash, email, first_name, last_name, password_hash, discount_code,
		        market_code, expires_at, consumed_at, created_at
		 FROM provisioning_tokens
		 WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > $2`,
		tokenHash,
		now,
	).Scan(
		&t.TokenHash,
		&t.Email,
		&t.FirstName,
		&t.LastName,
		&t.PasswordHash,
		&t.DiscountCode,
		&t.MarketCode,
		&t.ExpiresAt,
		&t.ConsumedAt,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProvisioningToken, "provisioning token not found or expired", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve provisioning token", err)
	}
	return &t, nil
}

// MarkConsumed stamps consumed_at once the account exists. Repeated calls
// are no-ops.
func (r *ProvisioningTokenRepo) MarkConsumed(ctx context.Context, tokenHash string, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE provisioning_tokens
		 SET consumed_at = $2, password_hash = ''
		 WHERE token_hash = $1 AND consumed_at IS NULL`,
		tokenHash,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to consume provisioning token", err)
	}
	return nil
}

// PurgeExpired deletes consumed tokens and tokens past expiry, returning the
// number removed.
func (r *ProvisioningTokenRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM provisioning_tokens
		 WHERE consumed_at IS NOT NULL OR expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge provisioning tokens", err)
	}
	return tag.RowsAffected(), nil
}
