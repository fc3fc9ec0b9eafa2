package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"careintake/internal/billing"
	"careintake/internal/core"
	"careintake/internal/external"
	"careintake/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB.
const maxWebhookBodySize = 64 * 1024

// EventProcessor applies a verified Stripe event at most once.
type EventProcessor interface {
	HandleEvent(ctx context.Context, evt stripe.Event) (billing.Outcome, error)
}

// WebhookResponse is acknowledged to Stripe on every recorded delivery.
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
}

// StripeWebhookHandler receives Stripe events. It sits outside /v1 and the
// rate limiter; the signature is its only authentication.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	events   EventProcessor
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates the handler. The verifier must hold the
// endpoint secret of the Stripe webhook this route is registered for.
func NewStripeWebhookHandler(verifier external.WebhookVerifier, events EventProcessor, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{verifier: verifier, events: events, logger: logger}
}

// RegisterRoutes mounts the webhook on the root router.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies the signature over the raw body, then hands the event to
// the reconciler. Nothing is written before verification succeeds.
//
// Response contract:
//   - signature or body read failure: 4xx
//   - ledger write failure: 500, so Stripe redelivers
//   - everything else, including unparseable signed events: 200
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload, "failed to read request body", err))
		return
	}

	if err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, err)
		return
	}

	// A signed but unparseable event is acknowledged without processing.
	// Redelivery would carry the same bytes.
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" {
		h.logger.ErrorContext(ctx, "failed to parse webhook event",
			"error", err,
			"body_bytes", len(payload),
		)
		core.JSON(w, r, http.StatusOK, WebhookResponse{
			Received: true,
			Reason:   billing.ReasonInvalidPayload,
		})
		return
	}

	outcome, err := h.events.HandleEvent(ctx, evt)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to record webhook event",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "webhook event handled",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"processed", outcome.Processed,
		"reason", outcome.Reason,
	)
	core.JSON(w, r, http.StatusOK, WebhookResponse{
		Received:  true,
		Processed: outcome.Processed,
		Reason:    outcome.Reason,
	})
}
