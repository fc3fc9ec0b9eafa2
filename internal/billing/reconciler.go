package billing

import (
	"context"
	"encoding/json"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v82"

	"careintake/internal/external"
	"careintake/internal/notifications"
	"careintake/internal/types"
)

// Webhook outcome reasons.
const (
	ReasonDuplicate           = "duplicate"
	ReasonIgnoredEventType    = "ignored_event_type"
	ReasonPaymentNotCompleted = "payment_not_completed"
	ReasonMissingMetadata     = "missing_metadata"
	ReasonPartialFailure      = "partial_failure"
	ReasonInvalidPayload      = "invalid_payload"
)

// EventLedger is the idempotency gate for provider events.
type EventLedger interface {
	Record(ctx context.Context, eventID, eventType string) (bool, error)
	MarkReconciled(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, reason string) error
}

// AlertSink publishes operator alerts.
type AlertSink interface {
	Publish(ctx context.Context, alert notifications.OpsAlert) error
}

// Outcome is what the webhook receiver reports back to Stripe.
type Outcome struct {
	Processed bool
	Reason    string
	UserID    string
}

// Reconciler turns verified Stripe events into accounts and subscriptions.
//
// Key invariants:
//   - The ledger row is written before any side effect. A delivery whose
//     Record finds an existing row returns ReasonDuplicate and does nothing
//     else, so redelivered and concurrent events provision at most once.
//   - HandleEvent returns an error only when the ledger write itself fails.
//     Every later failure is reported through the Outcome, the ledger
//     last_error column, a metric and an ops alert.
//   - Steps run in the order provision, activate, welcome and stop at the
//     first failure. Each step is idempotent on its own, so an operator
//     replay converges.
//   - Unpaid sessions and sessions without email metadata are marked
//     reconciled and never create an account.
type Reconciler struct {
	ledger      EventLedger
	provisioner *AccountProvisioner
	activator   *SubscriptionActivator
	welcome     WelcomeSender
	alerts      AlertSink
	metrics     notifications.Counter
	logger      *slog.Logger
}

// NewReconciler wires the webhook pipeline. alerts and metrics may be nil.
func NewReconciler(
	ledger EventLedger,
	provisioner *AccountProvisioner,
	activator *SubscriptionActivator,
	welcome WelcomeSender,
	alerts AlertSink,
	metrics notifications.Counter,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = notifications.NopCounter{}
	}
	return &Reconciler{
		ledger:      ledger,
		provisioner: provisioner,
		activator:   activator,
		welcome:     welcome,
		alerts:      alerts,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleEvent records evt in the ledger and processes it at most once.
// An error is returned only when the ledger write itself fails; every
// later failure is reported through the Outcome and the ledger row.
func (r *Reconciler) HandleEvent(ctx context.Context, evt stripe.Event) (Outcome, error) {
	inserted, err := r.ledger.Record(ctx, evt.ID, string(evt.Type))
	if err != nil {
		return Outcome{}, err
	}
	if !inserted {
		r.logger.InfoContext(ctx, "duplicate webhook event", "event_id", evt.ID, "event_type", evt.Type)
		r.metrics.Count(ctx, notifications.MetricWebhookDuplicate, 1)
		return Outcome{Reason: ReasonDuplicate}, nil
	}

	switch string(evt.Type) {
	case external.EventStripeCheckoutCompleted, external.EventStripeCheckoutAsyncSucceeded:
		return r.handleCheckoutCompleted(ctx, evt), nil
	default:
		r.markReconciled(ctx, evt.ID)
		return Outcome{Reason: ReasonIgnoredEventType}, nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, evt stripe.Event) Outcome {
	var session stripe.CheckoutSession
	if evt.Data == nil {
		r.markFailed(ctx, evt.ID, "event has no data object")
		return Outcome{Reason: ReasonInvalidPayload}
	}
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		r.logger.ErrorContext(ctx, "failed to decode checkout session", "event_id", evt.ID, "error", err)
		r.markFailed(ctx, evt.ID, "decode checkout session: "+err.Error())
		return Outcome{Reason: ReasonInvalidPayload}
	}

	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
	default:
		r.logger.InfoContext(ctx, "checkout completed without payment",
			"event_id", evt.ID,
			"session_id", session.ID,
			"payment_status", session.PaymentStatus,
		)
		r.markReconciled(ctx, evt.ID)
		return Outcome{Reason: ReasonPaymentNotCompleted}
	}

	pending := types.PendingCheckoutFromMetadata(session.Metadata)
	if pending.Email == "" {
		r.logger.WarnContext(ctx, "checkout session has no email metadata",
			"event_id", evt.ID,
			"session_id", session.ID,
		)
		r.markReconciled(ctx, evt.ID)
		return Outcome{Reason: ReasonMissingMetadata}
	}
	if pending.MarketCode != "" {
		ctx = types.WithMarket(ctx, pending.MarketCode)
	}

	userID, perr := r.provisionPaid(ctx, evt.ID, &session, pending)
	if perr != nil {
		r.reportPartial(ctx, perr)
		return Outcome{Reason: ReasonPartialFailure, UserID: userID}
	}

	r.markReconciled(ctx, evt.ID)
	return Outcome{Processed: true, UserID: userID}
}

// provisionPaid runs provision, activate and welcome in order and stops at
// the first failure.
func (r *Reconciler) provisionPaid(ctx context.Context, eventID string, session *stripe.CheckoutSession, pending types.PendingCheckout) (string, *PartialProvisioningError) {
	partial := func(step string, err error) *PartialProvisioningError {
		return &PartialProvisioningError{Step: step, EventID: eventID, Email: pending.Email, Err: err}
	}

	acct, err := r.provisioner.Provision(ctx, ProvisionInput{
		Email:             pending.Email,
		FirstName:         pending.FirstName,
		LastName:          pending.LastName,
		ProvisioningToken: pending.ProvisioningToken,
	})
	if err != nil {
		return "", partial(StepProvision, err)
	}

	var customerID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if _, err := r.activator.Activate(ctx, acct.ID, ActivationInput{
		PlanType:         types.PlanPaid,
		AmountPaid:       session.AmountTotal,
		Currency:         string(session.Currency),
		StripeCustomerID: customerID,
		StripeSessionID:  session.ID,
	}); err != nil {
		return acct.ID, partial(StepActivate, err)
	}

	if _, err := r.welcome.SendWelcomeOnce(ctx, acct.ID, acct.Email, acct.FirstName, true); err != nil {
		return acct.ID, partial(StepWelcome, err)
	}
	return acct.ID, nil
}

func (r *Reconciler) reportPartial(ctx context.Context, perr *PartialProvisioningError) {
	r.logger.ErrorContext(ctx, "partial provisioning",
		"event_id", perr.EventID,
		"email", notifications.RedactEmail(perr.Email),
		"step", perr.Step,
		"error", perr.Err,
	)
	r.markFailed(ctx, perr.EventID, perr.Error())
	r.metrics.Count(ctx, notifications.MetricPartialProvision, 1,
		notifications.Dimension{Name: "Step", Value: perr.Step})

	if r.alerts == nil {
		return
	}
	err := r.alerts.Publish(ctx, notifications.OpsAlert{
		Kind:     notifications.AlertPartialProvisioning,
		Severity: "high",
		Summary:  perr.Error(),
		Attributes: map[string]string{
			"event_id": perr.EventID,
			"step":     perr.Step,
			"email":    notifications.RedactEmail(perr.Email),
		},
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to publish ops alert", "event_id", perr.EventID, "error", err)
	}
}

func (r *Reconciler) markReconciled(ctx context.Context, eventID string) {
	if err := r.ledger.MarkReconciled(ctx, eventID); err != nil {
		r.logger.ErrorContext(ctx, "failed to mark event reconciled", "event_id", eventID, "error", err)
	}
}

func (r *Reconciler) markFailed(ctx context.Context, eventID, reason string) {
	if err := r.ledger.MarkFailed(ctx, eventID, reason); err != nil {
		r.logger.ErrorContext(ctx, "failed to record event failure", "event_id", eventID, "error", err)
	}
}
