package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"careintake/internal/types"
)

func newTestStripeClient(t *testing.T, serverURL string) *StripeClient {
	t.Helper()
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"test-stripe-"+t.Name(),
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: 10 * time.Millisecond},
		"CareIntake-Test/1.0",
		WithSleepFunc(noopSleep),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{SecretKey: "sk_test_123", BaseURL: serverURL})
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode: %v", err)
	}
}

func TestEnsureCustomer_ReusesExisting(t *testing.T) {
	var created bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Stripe-Version"); got != stripe.APIVersion {
			t.Errorf("Stripe-Version = %q", got)
		}
		switch r.URL.Path {
		case "/v1/customers/search":
			if q := r.URL.Query().Get("query"); q != "email:'pat@example.com'" {
				t.Errorf("query = %q", q)
			}
			writeJSON(t, w, http.StatusOK, map[string]any{"data": []map[string]any{{"id": "cus_existing"}}})
		case "/v1/customers":
			created = true
			writeJSON(t, w, http.StatusOK, map[string]any{"id": "cus_new"})
		}
	}))
	defer server.Close()

	id, err := newTestStripeClient(t, server.URL).EnsureCustomer(context.Background(), " Pat@Example.com ", "Pat Doe")
	if err != nil {
		t.Fatalf("EnsureCustomer: %v", err)
	}
	if id != "cus_existing" || created {
		t.Errorf("id = %q created = %v", id, created)
	}
}

func TestEnsureCustomer_CreatesWhenMissing(t *testing.T) {
	var form url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			writeJSON(t, w, http.StatusOK, map[string]any{"data": []any{}})
		case "/v1/customers":
			_ = r.ParseForm()
			form = r.PostForm
			writeJSON(t, w, http.StatusOK, map[string]any{"id": "cus_new"})
		}
	}))
	defer server.Close()

	id, err := newTestStripeClient(t, server.URL).EnsureCustomer(context.Background(), "pat@example.com", "Pat Doe")
	if err != nil {
		t.Fatalf("EnsureCustomer: %v", err)
	}
	if id != "cus_new" {
		t.Errorf("id = %q", id)
	}
	if form.Get("email") != "pat@example.com" || form.Get("name") != "Pat Doe" || form.Get("metadata[source]") != "careintake" {
		t.Errorf("unexpected create form: %v", form)
	}
}

func TestLookupPromotionCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("code") == "NONE" {
			writeJSON(t, w, http.StatusOK, map[string]any{"data": []any{}})
			return
		}
		if q.Get("active") != "true" || q.Has("expand[]") {
			t.Errorf("unexpected query: %v", q)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"data": []map[string]any{{
			"id":         "promo_1",
			"code":       "SPRING",
			"active":     true,
			"expires_at": 1893456000,
			"coupon": map[string]any{
				"id":          "co_1",
				"valid":       true,
				"percent_off": 100,
				"currency":    "EUR",
			},
			"restrictions": map[string]any{"minimum_amount": 1000, "minimum_amount_currency": "eur"},
		}}})
	}))
	defer server.Close()

	client := newTestStripeClient(t, server.URL)

	promo, err := client.LookupPromotionCode(context.Background(), "SPRING")
	if err != nil {
		t.Fatalf("LookupPromotionCode: %v", err)
	}
	if promo == nil || promo.ID != "promo_1" || promo.Coupon.PercentOff != 100 {
		t.Fatalf("unexpected promo: %+v", promo)
	}
	if promo.Coupon.Currency != "eur" || promo.MinimumAmount != 1000 {
		t.Errorf("coupon/restrictions not mapped: %+v", promo)
	}
	if promo.ExpiresAt == nil || promo.ExpiresAt.Year() != 2030 {
		t.Errorf("ExpiresAt = %v", promo.ExpiresAt)
	}
	if promo.Coupon.RedeemBy != nil {
		t.Errorf("zero redeem_by should map to nil")
	}

	none, err := client.LookupPromotionCode(context.Background(), "NONE")
	if err != nil || none != nil {
		t.Errorf("missing code: promo=%v err=%v", none, err)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	var form url.Values
	var idemKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		idemKey = r.Header.Get("Idempotency-Key")
		_ = r.ParseForm()
		form = r.PostForm
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "cs_test_1", "url": "https://checkout.stripe.test/cs_test_1"})
	}))
	defer server.Close()

	session, err := newTestStripeClient(t, server.URL).CreateCheckoutSession(context.Background(), CheckoutSessionParams{
		CustomerID:      "cus_1",
		PriceID:         "price_de",
		PromotionCodeID: "promo_1",
		SuccessURL:      "https://intake.test/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:       "https://intake.test/signup",
		Locale:          "de",
		Metadata:        map[string]string{"email": "pat@example.com", types.MetaProvisioningToken: "tok_secret"},
		IdempotencyKey:  "checkout-abc",
	})
	if err != nil {
		t.Fatalf("CreateCheckoutSession: %v", err)
	}
	if session.ID != "cs_test_1" || !strings.HasPrefix(session.URL, "https://checkout.stripe.test") {
		t.Errorf("session = %+v", session)
	}
	if idemKey != "checkout-abc" {
		t.Errorf("Idempotency-Key = %q", idemKey)
	}
	checks := map[string]string{
		"mode":                                 "payment",
		"customer":                             "cus_1",
		"line_items[0][price]":                 "price_de",
		"line_items[0][quantity]":              "1",
		"discounts[0][promotion_code]":         "promo_1",
		"locale":                               "de",
		"metadata[email]":                      "pat@example.com",
		"payment_intent_data[metadata][email]": "pat@example.com",
		"metadata[provisioning_token]":         "tok_secret",
	}
	for k, want := range checks {
		if got := form.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
	if form.Has("payment_intent_data[metadata][provisioning_token]") {
		t.Error("provisioning token must not be copied to payment intent metadata")
	}
}

func TestCreateCheckoutSession_MissingURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"id": "cs_test_1"})
	}))
	defer server.Close()

	_, err := newTestStripeClient(t, server.URL).CreateCheckoutSession(context.Background(), CheckoutSessionParams{PriceID: "p"})
	if !types.IsCode(err, types.ErrCodeUpstreamStripe) {
		t.Fatalf("expected upstream_stripe_unavailable, got %v", err)
	}
}

func TestStripeErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   types.ErrorCode
	}{
		{"card declined", http.StatusPaymentRequired, `{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`, types.ErrCodeUpstreamStripe},
		{"invalid request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"No such price"}}`, types.ErrCodeUpstreamStripe},
		{"non json", http.StatusUnauthorized, `nope`, types.ErrCodeUpstreamStripe},
		{"server error", http.StatusInternalServerError, `{}`, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{}`, types.ErrCodeUpstreamRateLimited},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			_, err := newTestStripeClient(t, server.URL).LookupPromotionCode(context.Background(), "X")
			if got := types.CodeOf(err); got != tc.want {
				t.Errorf("code = %s, want %s (err=%v)", got, tc.want, err)
			}
		})
	}
}
