package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"careintake/internal/external"
	"careintake/internal/notifications"
	"careintake/internal/types"
)

// Defaults for CheckoutConfig.
const (
	DefaultFreeAccessTimeout    = 5 * time.Second
	DefaultProvisioningTokenTTL = 24 * time.Hour
)

// SignupInput is the signup form submitted before payment.
type SignupInput struct {
	Email        string `json:"email" validate:"required,intake_email,min=5"`
	FirstName    string `json:"first_name" validate:"required,notblank"`
	LastName     string `json:"last_name" validate:"required,notblank"`
	Password     string `json:"password" validate:"required,min=6"`
	DiscountCode string `json:"discount_code,omitempty"`
	MarketCode   string `json:"market_code" validate:"required"`
}

// CheckoutResult is either immediate free access or a hosted checkout
// redirect.
type CheckoutResult struct {
	FreeAccess  bool
	UserID      string
	RedirectURL string
	SessionID   string
}

// StructValidator validates tagged request structs.
type StructValidator interface {
	ValidateStruct(s any) error
}

// CheckoutProvider creates hosted checkout sessions.
type CheckoutProvider interface {
	EnsureCustomer(ctx context.Context, email, name string) (string, error)
	CreateCheckoutSession(ctx context.Context, params external.CheckoutSessionParams) (*external.CheckoutSession, error)
}

// AccountLookup reads accounts by email.
type AccountLookup interface {
	GetByEmail(ctx context.Context, email string) (*types.Account, error)
}

// SubscriptionReader reads the subscription for a user.
type SubscriptionReader interface {
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// WelcomeSender sends the one-time welcome email.
type WelcomeSender interface {
	SendWelcomeOnce(ctx context.Context, userID, email, firstName string, isPaid bool) (notifications.DispatchResult, error)
}

// CheckoutConfig holds URLs and timing for CheckoutBuilder.
type CheckoutConfig struct {
	// SuccessURL may contain {CHECKOUT_SESSION_ID}.
	SuccessURL           string
	CancelURL            string
	FreeAccessTimeout    time.Duration
	ProvisioningTokenTTL time.Duration
}

// CheckoutDeps are the collaborators of CheckoutBuilder.
type CheckoutDeps struct {
	Validator     StructValidator
	Catalog       *MarketCatalog
	Accounts      AccountLookup
	Subscriptions SubscriptionReader
	Payments      CheckoutProvider
	Discounts     *DiscountResolver
	Tokens        TokenStore
	Hasher        PasswordHasher
	Provisioner   *AccountProvisioner
	Activator     *SubscriptionActivator
	Welcome       WelcomeSender
	Clock         types.Clock
	Logger        *slog.Logger
}

// CheckoutBuilder turns a signup into free access or a Stripe Checkout
// Session.
//
// Key invariants:
//   - An email that already has an account is refused with
//     conflict_email_exists. The only exception is an account without a
//     subscription whose stored password matches the one submitted.
//   - An invalid discount code fails the signup. It never falls back to
//     full price.
//   - The paid path creates no account. It stores a hashed provisioning
//     token and sends the raw token to Stripe in session metadata.
//   - The free path provisions and activates under FreeAccessTimeout. A
//     welcome failure there does not revoke access.
type CheckoutBuilder struct {
	CheckoutDeps
	cfg CheckoutConfig
}

// NewCheckoutBuilder fills in defaults for Clock, Logger, Hasher and the
// CheckoutConfig timings.
func NewCheckoutBuilder(deps CheckoutDeps, cfg CheckoutConfig) *CheckoutBuilder {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hasher == nil {
		deps.Hasher = BcryptHasher{}
	}
	if cfg.FreeAccessTimeout <= 0 {
		cfg.FreeAccessTimeout = DefaultFreeAccessTimeout
	}
	if cfg.ProvisioningTokenTTL <= 0 {
		cfg.ProvisioningTokenTTL = DefaultProvisioningTokenTTL
	}
	return &CheckoutBuilder{CheckoutDeps: deps, cfg: cfg}
}

// CreateCheckout validates in, rejects known emails, applies the discount
// code and either grants free access synchronously or returns a checkout
// redirect. No account is created on the paid path.
func (b *CheckoutBuilder) CreateCheckout(ctx context.Context, in SignupInput) (*CheckoutResult, error) {
	if err := b.Validator.ValidateStruct(in); err != nil {
		return nil, err
	}
	in.Email = types.NormalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.DiscountCode = strings.TrimSpace(in.DiscountCode)

	market, ok := b.Catalog.Lookup(in.MarketCode)
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMarket,
			"unsupported market", nil, map[string]any{"field": "market_code"})
	}
	ctx = types.WithMarket(ctx, market.Code)

	if err := b.rejectExisting(ctx, in.Email, in.Password); err != nil {
		return nil, err
	}

	var discount DiscountResult
	if in.DiscountCode != "" {
		var err error
		discount, err = b.Discounts.Resolve(ctx, in.DiscountCode, market.Amount, market.Currency)
		if err != nil {
			return nil, err
		}
		if !discount.Valid {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidDiscount,
				"invalid or expired discount code", nil,
				map[string]any{"field": "discount_code", "reason": discount.Reason})
		}
		if discount.IsFree() {
			return b.grantFreeAccess(ctx, in, market)
		}
	}

	return b.startPaidCheckout(ctx, in, market, discount)
}

// rejectExisting returns conflict_email_exists when the email already has
// an account. The one exception is an account left without a subscription
// by an interrupted signup: it may be resumed, but only by someone who
// submits the password it was created with.
func (b *CheckoutBuilder) rejectExisting(ctx context.Context, email, password string) error {
	acct, err := b.Accounts.GetByEmail(ctx, email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAccount) {
			return nil
		}
		return err
	}
	conflict := types.NewAppErrorWithDetails(types.ErrCodeConflictEmail,
		"an account with this email already exists, please sign in instead", nil,
		map[string]any{"field": "email"})

	if _, err := b.Subscriptions.GetByUserID(ctx, acct.ID); err == nil {
		return conflict
	} else if !types.IsCode(err, types.ErrCodeNotFoundSubscription) {
		return err
	}

	// Accounts created without a password (unusable provisioning token)
	// can only be recovered through a password reset.
	if acct.PasswordHash == "" || b.Hasher.Compare(acct.PasswordHash, password) != nil {
		b.Logger.WarnContext(ctx, "signup for existing account rejected",
			"user_id", acct.ID,
			"has_password", acct.PasswordHash != "",
		)
		return conflict
	}
	b.Logger.InfoContext(ctx, "resuming interrupted signup", "user_id", acct.ID)
	return nil
}

// grantFreeAccess runs provision and activate under FreeAccessTimeout.
// Both steps are idempotent so the caller may simply retry on error.
// The welcome email is best effort once access exists.
func (b *CheckoutBuilder) grantFreeAccess(ctx context.Context, in SignupInput, market Market) (*CheckoutResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FreeAccessTimeout)
	defer cancel()

	hash, err := b.Hasher.Hash(in.Password)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to secure password", err)
	}

	acct, err := b.Provisioner.Provision(ctx, ProvisionInput{
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, b.freeAccessError(ctx, StepProvision, err)
	}

	if _, err := b.Activator.Activate(ctx, acct.ID, ActivationInput{
		PlanType: types.PlanFree,
		Currency: market.Currency,
	}); err != nil {
		return nil, b.freeAccessError(ctx, StepActivate, err)
	}

	if _, err := b.Welcome.SendWelcomeOnce(ctx, acct.ID, acct.Email, acct.FirstName, false); err != nil {
		b.Logger.WarnContext(ctx, "free access granted but welcome email failed",
			"user_id", acct.ID,
			"error", err,
		)
	}

	b.Logger.InfoContext(ctx, "free access granted", "user_id", acct.ID, "market", market.Code)
	return &CheckoutResult{FreeAccess: true, UserID: acct.ID}, nil
}

func (b *CheckoutBuilder) freeAccessError(ctx context.Context, step string, err error) error {
	b.Logger.ErrorContext(ctx, "free access provisioning failed", "step", step, "error", err)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewAppError(types.ErrCodeInternalProvisioningTimeout,
			"account setup is taking longer than expected, please try again", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable,
		"account setup failed, please try again", err)
}

// startPaidCheckout stores the provisioning token and creates the hosted
// session. The raw token travels only in session metadata.
func (b *CheckoutBuilder) startPaidCheckout(ctx context.Context, in SignupInput, market Market, discount DiscountResult) (*CheckoutResult, error) {
	rawToken, err := GenerateProvisioningToken()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to start checkout", err)
	}
	hash, err := b.Hasher.Hash(in.Password)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to secure password", err)
	}

	tokenHash := HashToken(rawToken)
	if err := b.Tokens.Create(ctx, &types.ProvisioningToken{
		TokenHash:    tokenHash,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		DiscountCode: in.DiscountCode,
		MarketCode:   market.Code,
		ExpiresAt:    b.Clock.Now().Add(b.cfg.ProvisioningTokenTTL),
	}); err != nil {
		return nil, err
	}

	customerID, err := b.Payments.EnsureCustomer(ctx, in.Email, strings.TrimSpace(in.FirstName+" "+in.LastName))
	if err != nil {
		return nil, err
	}

	pending := types.PendingCheckout{
		Email:             in.Email,
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		DiscountCode:      in.DiscountCode,
		MarketCode:        market.Code,
		ProvisioningToken: rawToken,
	}
	session, err := b.Payments.CreateCheckoutSession(ctx, external.CheckoutSessionParams{
		CustomerID:        customerID,
		PriceID:           market.PriceID,
		PromotionCodeID:   discount.PromotionCodeID,
		SuccessURL:        b.cfg.SuccessURL,
		CancelURL:         b.cfg.CancelURL,
		ClientReferenceID: in.Email,
		Locale:            "auto",
		Metadata:          pending.Metadata(),
		IdempotencyKey:    fmt.Sprintf("checkout-%s", tokenHash[:32]),
	})
	if err != nil {
		return nil, err
	}

	b.Logger.InfoContext(ctx, "checkout session created",
		"session_id", session.ID,
		"market", market.Code,
		"discounted", discount.Valid,
	)
	return &CheckoutResult{RedirectURL: session.URL, SessionID: session.ID}, nil
}
