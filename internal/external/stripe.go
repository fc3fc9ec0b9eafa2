package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"careintake/internal/types"
)

// stripeAPIBase is overridable through StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient implements PaymentProvider with form-encoded REST calls
// routed through BaseClient, which keeps httptest fakes simple.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with its own breaker.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "CareIntake/1.0", opts...)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient over a pre-built BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// EnsureCustomer searches customers by email and creates one only when
// none exists, so repeated signups reuse the same customer.
func (s *StripeClient) EnsureCustomer(ctx context.Context, email, name string) (string, error) {
	email = types.NormalizeEmail(email)

	params := url.Values{}
	params.Set("query", fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", `\'`)))
	params.Set("limit", "1")

	var found stripeCustomerList
	if err := s.getJSON(ctx, "/v1/customers/search", params, "EnsureCustomer.search", &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 {
		return found.Data[0].ID, nil
	}

	create := url.Values{}
	create.Set("email", email)
	if name != "" {
		create.Set("name", name)
	}
	create.Set("metadata[source]", "careintake")

	var customer stripeCustomer
	if err := s.postJSON(ctx, "/v1/customers", create, "", "EnsureCustomer.create", &customer); err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "stripe customer created", "customer_id", customer.ID)
	return customer.ID, nil
}

// LookupPromotionCode returns the active promotion code for code or nil.
// Stripe matches codes case-insensitively.
func (s *StripeClient) LookupPromotionCode(ctx context.Context, code string) (*PromotionCode, error) {
	params := url.Values{}
	params.Set("code", code)
	params.Set("active", "true")
	params.Set("limit", "1")

	var list stripePromotionCodeList
	if err := s.getJSON(ctx, "/v1/promotion_codes", params, "LookupPromotionCode", &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return list.Data[0].toDomain(), nil
}

// CreateCheckoutSession creates a mode=payment session for a single price.
// A promotion code is applied through discounts[0] so the customer cannot
// enter another one on the hosted page.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	if p.CustomerID != "" {
		params.Set("customer", p.CustomerID)
	}
	if p.ClientReferenceID != "" {
		params.Set("client_reference_id", p.ClientReferenceID)
	}
	if p.Locale != "" {
		params.Set("locale", p.Locale)
	}
	if p.PromotionCodeID != "" {
		params.Set("discounts[0][promotion_code]", p.PromotionCodeID)
	}
	// The provisioning token is a bearer secret: session metadata only.
	for k, v := range p.Metadata {
		params.Set("metadata["+k+"]", v)
		if k == types.MetaProvisioningToken {
			continue
		}
		params.Set("payment_intent_data[metadata]["+k+"]", v)
	}

	var session stripeCheckoutSession
	if err := s.postJSON(ctx, "/v1/checkout/sessions", params, p.IdempotencyKey, "CreateCheckoutSession", &session); err != nil {
		return nil, err
	}
	if session.URL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "CreateCheckoutSession: Stripe returned no redirect URL", nil)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) getJSON(ctx context.Context, path string, params url.Values, operation string, dst any) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": build request", err)
	}
	return s.do(req, operation, dst)
}

func (s *StripeClient) postJSON(ctx context.Context, path string, params url.Values, idempotencyKey, operation string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, operation+": build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return s.do(req, operation, dst)
}

func (s *StripeClient) do(req *http.Request, operation string, dst any) error {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, operation)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: failed to decode Stripe response", operation), err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and the body was unreadable", operation, resp.StatusCode), readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode), jsonErr)
	}
	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError keeps the caller-facing taxonomy small: rate limits and
// outages are retryable, everything else is a Stripe-side rejection.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", statusCode,
		"stripe_type", stripeErr.Type,
		"stripe_code", stripeErr.Code,
		"param", stripeErr.Param,
	)

	details := map[string]any{"stripe_code": stripeErr.Code}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil, details)
	case statusCode >= 500:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil, details)
	}
}

func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", operation), err)
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type stripeCustomerList struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeCoupon struct {
	ID             string  `json:"id"`
	Valid          bool    `json:"valid"`
	PercentOff     float64 `json:"percent_off"`
	AmountOff      int64   `json:"amount_off"`
	Currency       string  `json:"currency"`
	RedeemBy       int64   `json:"redeem_by"`
	MaxRedemptions int64   `json:"max_redemptions"`
	TimesRedeemed  int64   `json:"times_redeemed"`
}

type stripePromotionCode struct {
	ID             string       `json:"id"`
	Code           string       `json:"code"`
	Active         bool         `json:"active"`
	ExpiresAt      int64        `json:"expires_at"`
	MaxRedemptions int64        `json:"max_redemptions"`
	TimesRedeemed  int64        `json:"times_redeemed"`
	Coupon         stripeCoupon `json:"coupon"`
	Restrictions   struct {
		MinimumAmount         int64  `json:"minimum_amount"`
		MinimumAmountCurrency string `json:"minimum_amount_currency"`
	} `json:"restrictions"`
}

type stripePromotionCodeList struct {
	Data []stripePromotionCode `json:"data"`
}

func unixOrNil(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func (p stripePromotionCode) toDomain() *PromotionCode {
	return &PromotionCode{
		ID:              p.ID,
		Code:            p.Code,
		Active:          p.Active,
		ExpiresAt:       unixOrNil(p.ExpiresAt),
		MaxRedemptions:  p.MaxRedemptions,
		TimesRedeemed:   p.TimesRedeemed,
		MinimumAmount:   p.Restrictions.MinimumAmount,
		MinimumCurrency: p.Restrictions.MinimumAmountCurrency,
		Coupon: Coupon{
			ID:             p.Coupon.ID,
			Valid:          p.Coupon.Valid,
			PercentOff:     p.Coupon.PercentOff,
			AmountOff:      p.Coupon.AmountOff,
			Currency:       strings.ToLower(p.Coupon.Currency),
			RedeemBy:       unixOrNil(p.Coupon.RedeemBy),
			MaxRedemptions: p.Coupon.MaxRedemptions,
			TimesRedeemed:  p.Coupon.TimesRedeemed,
		},
	}
}
