package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careintake/internal/types"
)

// AccountStore persists accounts keyed by lower-cased email.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (*types.Account, error)
	Create(ctx context.Context, a *types.Account) error
}

// TokenStore persists provisioning tokens by hash.
type TokenStore interface {
	Create(ctx context.Context, t *types.ProvisioningToken) error
	GetUsable(ctx context.Context, tokenHash string, now time.Time) (*types.ProvisioningToken, error)
	MarkConsumed(ctx context.Context, tokenHash string, now time.Time) error
}

// ProvisionInput identifies the account to find or create. The password
// comes from PasswordHash on the free path or from the provisioning token
// on the webhook path.
type ProvisionInput struct {
	Email             string
	FirstName         string
	LastName          string
	PasswordHash      string
	ProvisioningToken string
}

// AccountProvisioner finds or creates the account for a paid or free
// signup.
//
// Key invariants:
//   - Concurrent calls for one email converge on a single row. The unique
//     index on email decides, and the loser re-fetches the winner.
//   - An existing account is returned unchanged. Callers that must not
//     resume someone else's account check ownership first.
//   - The provisioning token is consumed whichever way the account was
//     found, and only after it was read.
type AccountProvisioner struct {
	accounts AccountStore
	tokens   TokenStore
	clock    types.Clock
	logger   *slog.Logger
}

// NewAccountProvisioner creates a provisioner. tokens may be nil on paths
// that never carry a provisioning token.
func NewAccountProvisioner(accounts AccountStore, tokens TokenStore, clock types.Clock, logger *slog.Logger) *AccountProvisioner {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountProvisioner{accounts: accounts, tokens: tokens, clock: clock, logger: logger}
}

// Provision returns the existing account for in.Email unchanged, or
// creates an active one. A unique violation means a concurrent caller won
// and its row is returned.
func (p *AccountProvisioner) Provision(ctx context.Context, in ProvisionInput) (*types.Account, error) {
	email := types.NormalizeEmail(in.Email)
	if email == "" {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"email is required", nil, map[string]any{"field": "email"})
	}

	existing, err := p.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		p.consumeToken(ctx, in.ProvisioningToken)
		return existing, nil
	case !types.IsCode(err, types.ErrCodeNotFoundAccount):
		return nil, err
	}

	acct := &types.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: in.PasswordHash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Status:       types.AccountStatusActive,
	}
	if acct.PasswordHash == "" && in.ProvisioningToken != "" {
		if err := p.applyToken(ctx, acct, in.ProvisioningToken); err != nil {
			return nil, err
		}
	}

	if err := p.accounts.Create(ctx, acct); err != nil {
		if !types.IsCode(err, types.ErrCodeConflictEmail) {
			return nil, err
		}
		p.logger.InfoContext(ctx, "account created concurrently, re-fetching")
		winner, getErr := p.accounts.GetByEmail(ctx, email)
		if getErr != nil {
			return nil, getErr
		}
		p.consumeToken(ctx, in.ProvisioningToken)
		return winner, nil
	}

	p.consumeToken(ctx, in.ProvisioningToken)
	p.logger.InfoContext(ctx, "account provisioned", "user_id", acct.ID)
	return acct, nil
}

// applyToken copies the stored password hash, and names the caller left
// empty, onto acct. A missing or expired token creates the account without
// a password; the user sets one through password reset.
func (p *AccountProvisioner) applyToken(ctx context.Context, acct *types.Account, rawToken string) error {
	tok, err := p.tokens.GetUsable(ctx, HashToken(rawToken), p.clock.Now())
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundProvisioningToken) {
			p.logger.WarnContext(ctx, "provisioning token unusable, creating account without password",
				"user_id", acct.ID,
			)
			return nil
		}
		return err
	}

	acct.PasswordHash = tok.PasswordHash
	if acct.FirstName == "" {
		acct.FirstName = tok.FirstName
	}
	if acct.LastName == "" {
		acct.LastName = tok.LastName
	}
	return nil
}

// consumeToken is best effort. An unconsumed token expires on its own and
// is purged by maintenance.
func (p *AccountProvisioner) consumeToken(ctx context.Context, rawToken string) {
	if rawToken == "" || p.tokens == nil {
		return
	}
	if err := p.tokens.MarkConsumed(ctx, HashToken(rawToken), p.clock.Now()); err != nil {
		p.logger.WarnContext(ctx, "failed to consume provisioning token", "error", err)
	}
}
