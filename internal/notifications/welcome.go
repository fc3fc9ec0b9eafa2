package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careintake/internal/types"
)

// releaseTimeout bounds the claim release after a failed send.
const releaseTimeout = 5 * time.Second

// WelcomeStore is the welcome_email_sent flag on a subscription row.
type WelcomeStore interface {
	ClaimWelcomeEmail(ctx context.Context, userID string) (bool, error)
	ReleaseWelcomeEmail(ctx context.Context, userID string) error
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// Sender transmits one message through an email provider.
type Sender interface {
	Send(ctx context.Context, input types.SendInput) (string, error)
}

// DispatchResult reports what SendWelcomeOnce did.
type DispatchResult struct {
	Sent      bool
	Skipped   bool
	MessageID string
}

// WelcomeConfig configures a WelcomeDispatcher.
type WelcomeConfig struct {
	From types.SenderIdentity
	// TemplateID selects a provider-side template instead of local rendering.
	TemplateID string
}

// WelcomeDispatcher sends the welcome email at most once per subscription
// activation.
//
// Key invariants:
//   - The welcome_email_sent flag is claimed with a conditional update
//     before the provider call. Only the caller that flips it sends.
//   - A failed send releases the flag on a detached context, so a cancelled
//     request cannot leave it stuck.
type WelcomeDispatcher struct {
	store    WelcomeStore
	sender   Sender
	renderer *Renderer
	metrics  Counter
	cfg      WelcomeConfig
	logger   *slog.Logger
}

// NewWelcomeDispatcher wires a dispatcher. metrics may be nil.
func NewWelcomeDispatcher(store WelcomeStore, sender Sender, renderer *Renderer, metrics Counter, cfg WelcomeConfig, logger *slog.Logger) *WelcomeDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopCounter{}
	}
	return &WelcomeDispatcher{
		store:    store,
		sender:   sender,
		renderer: renderer,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// SendWelcomeOnce claims the welcome flag and sends. When the flag is
// already set the result is Skipped and no provider call is made. A failed
// send releases the claim so a later delivery can retry.
func (d *WelcomeDispatcher) SendWelcomeOnce(ctx context.Context, userID, email, firstName string, isPaid bool) (DispatchResult, error) {
	claimed, err := d.store.ClaimWelcomeEmail(ctx, userID)
	if err != nil {
		return DispatchResult{}, err
	}
	if !claimed {
		d.logger.InfoContext(ctx, "welcome email already sent", "user_id", userID)
		return DispatchResult{Skipped: true}, nil
	}

	input, err := d.buildInput(ctx, userID, email, firstName, isPaid)
	if err == nil {
		var msgID string
		msgID, err = d.sender.Send(ctx, input)
		if err == nil {
			d.logger.InfoContext(ctx, "welcome email sent",
				"user_id", userID,
				"email", RedactEmail(email),
				"message_id", msgID,
			)
			d.metrics.Count(ctx, MetricWelcomeEmailSent, 1)
			return DispatchResult{Sent: true, MessageID: msgID}, nil
		}
	}

	d.release(ctx, userID)
	d.metrics.Count(ctx, MetricWelcomeEmailFailed, 1)
	return DispatchResult{}, err
}

func (d *WelcomeDispatcher) buildInput(ctx context.Context, userID, email, firstName string, isPaid bool) (types.SendInput, error) {
	input := types.SendInput{
		To:             email,
		From:           d.cfg.From,
		ReferenceID:    userID,
		IdempotencyKey: fmt.Sprintf("welcome-%s-%s", userID, uuid.NewString()),
	}

	var expiresAt *time.Time
	if sub, err := d.store.GetByUserID(ctx, userID); err == nil {
		expiresAt = sub.ExpiresAt
	}

	if d.cfg.TemplateID != "" {
		input.TemplateID = d.cfg.TemplateID
		input.TemplateData = map[string]any{
			"first_name": firstName,
			"is_paid":    isPaid,
		}
		if expiresAt != nil {
			input.TemplateData["expires_at"] = expiresAt.UTC().Format(time.RFC3339)
		}
		return input, nil
	}

	kind := KindWelcomeFree
	if isPaid {
		kind = KindWelcomePaid
	}
	rendered, err := d.renderer.Render(kind, TemplateData{
		Recipient: email,
		FirstName: firstName,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return types.SendInput{}, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to render welcome email", err)
	}
	input.Subject = rendered.Subject
	input.BodyHTML = rendered.BodyHTML
	input.BodyText = rendered.BodyText
	return input, nil
}

// release runs on a context detached from the caller's cancellation so an
// expired request deadline cannot leave the flag stuck at true.
func (d *WelcomeDispatcher) release(ctx context.Context, userID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := d.store.ReleaseWelcomeEmail(releaseCtx, userID); err != nil {
		d.logger.ErrorContext(ctx, "failed to release welcome email claim",
			"user_id", userID,
			"error", err,
		)
	}
}
