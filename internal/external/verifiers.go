package external

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"careintake/internal/types"
)

// DefaultWebhookTolerance matches Stripe's recommended replay window.
const DefaultWebhookTolerance = 5 * time.Minute

// StripeVerifier checks the Stripe-Signature header over the raw body with
// the endpoint signing secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier for secret. A non-positive tolerance
// falls back to DefaultWebhookTolerance.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify returns auth_webhook_signature_missing for an empty header and
// auth_webhook_signature_invalid for a bad, stale or foreign signature.
// The payload must be the exact bytes received.
func (v *StripeVerifier) Verify(payload []byte, header string) error {
	if header == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureMissing, "missing Stripe-Signature header", nil)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		msg := "invalid webhook signature"
		if errors.Is(err, webhook.ErrTooOld) {
			msg = "webhook timestamp outside tolerance"
		}
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, msg, err)
	}
	return nil
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
