package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"careintake/internal/billing"
	"careintake/internal/core"
	"careintake/internal/types"
)

// --- Service Interfaces ---

// CheckoutCreator starts a signup checkout.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, in billing.SignupInput) (*billing.CheckoutResult, error)
}

// CheckoutStatusReader reports whether the webhook has provisioned access.
type CheckoutStatusReader interface {
	Status(ctx context.Context, email string) (billing.CheckoutStatus, error)
}

// --- Request/Response Models ---

// CheckoutResponse is the body of POST /v1/checkout. Exactly one of URL
// (paid) or FreeAccess+UserID (free) is set on success.
type CheckoutResponse struct {
	Success    bool              `json:"success"`
	FreeAccess bool              `json:"free_access,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Retryable  bool              `json:"retryable,omitempty"`
	Error      *core.ErrorDetail `json:"error,omitempty"`
}

// PollHint tells the success page how long to keep polling.
type PollHint struct {
	IntervalMS  int64 `json:"interval_ms"`
	MaxAttempts int   `json:"max_attempts"`
}

// CheckoutStatusResponse is the body of GET /v1/checkout/status.
type CheckoutStatusResponse struct {
	Ready       bool     `json:"ready"`
	AttemptHint PollHint `json:"attempt_hint"`
}

// --- Checkout Handler ---

// CheckoutHandler serves the signup form submission and the post-payment
// polling endpoint.
type CheckoutHandler struct {
	checkout CheckoutCreator
	status   CheckoutStatusReader
	logger   *slog.Logger
}

func NewCheckoutHandler(checkout CheckoutCreator, status CheckoutStatusReader, l *slog.Logger) *CheckoutHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CheckoutHandler{checkout: checkout, status: status, logger: l}
}

// RegisterRoutes mounts the checkout endpoints on the /v1 router.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout", h.Create)
	r.Get("/checkout/status", h.Status)
}

// Create handles POST /v1/checkout. Errors keep the standard error detail
// but are wrapped in the checkout envelope so the form can read success.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req billing.SignupInput
	if err := core.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.checkout.CreateCheckout(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, CheckoutResponse{
		Success:    true,
		FreeAccess: res.FreeAccess,
		UserID:     res.UserID,
		URL:        res.RedirectURL,
		SessionID:  res.SessionID,
	})
}

func (h *CheckoutHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := describeError(r, err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "checkout failed", "error", err)
	}
	core.JSON(w, r, status, CheckoutResponse{
		Retryable: retryable(err),
		Error:     &detail,
	})
}

// Status handles GET /v1/checkout/status?email=.
func (h *CheckoutHandler) Status(w http.ResponseWriter, r *http.Request) {
	email := types.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" || !strings.Contains(email, "@") {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidEmail,
			"please enter a valid email address", nil, map[string]any{"field": "email"}))
		return
	}

	st, err := h.status.Status(r.Context(), email)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, CheckoutStatusResponse{
		Ready: st.Ready,
		AttemptHint: PollHint{
			IntervalMS:  st.Schedule.Interval.Milliseconds(),
			MaxAttempts: st.Schedule.MaxAttempts,
		},
	})
}
