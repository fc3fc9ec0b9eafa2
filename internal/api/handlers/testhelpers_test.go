package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82/webhook"
	"golang.org/x/crypto/bcrypt"

	"careintake/internal/billing"
	"careintake/internal/billing/billingtest"
	"careintake/internal/config"
	"careintake/internal/core"
	"careintake/internal/external"
	"careintake/internal/notifications"
	"careintake/internal/types"
)

const testWebhookSecret = "whsec_test_secret"

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeline is the full payment pipeline over in-memory stores, mounted on
// a chi router the way cmd/api mounts it.
type pipeline struct {
	accounts *billingtest.Accounts
	subs     *billingtest.Subscriptions
	ledger   *billingtest.Ledger
	tokens   *billingtest.Tokens
	payments *billingtest.Payments
	mailer   *billingtest.Mailer

	router chi.Router
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := discardLogger()
	clock := types.FixedClock{T: testNow}
	validator := core.NewValidator(logger)

	p := &pipeline{
		accounts: billingtest.NewAccounts(),
		subs:     billingtest.NewSubscriptions(),
		ledger:   billingtest.NewLedger(),
		tokens:   billingtest.NewTokens(),
		payments: billingtest.NewPayments(),
		mailer:   &billingtest.Mailer{},
	}

	renderer, err := notifications.NewRenderer(notifications.RendererConfig{PublicURL: "https://intake.test"})
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	welcome := notifications.NewWelcomeDispatcher(p.subs, p.mailer, renderer, nil,
		notifications.WelcomeConfig{From: types.SenderIdentity{Address: "hello@careintake.test"}}, logger)
	provisioner := billing.NewAccountProvisioner(p.accounts, p.tokens, clock, logger)
	activator := billing.NewSubscriptionActivator(p.subs, clock, "eur", logger)
	catalog := billing.NewMarketCatalog(config.BillingConfig{
		MarketPrices:    map[string]string{"de": "price_de"},
		MarketAmounts:   map[string]int64{"de": 4900},
		DefaultCurrency: "eur",
	})
	discounts := billing.NewDiscountResolver(p.payments, clock, logger)

	checkout := billing.NewCheckoutBuilder(billing.CheckoutDeps{
		Validator:     validator,
		Catalog:       catalog,
		Accounts:      p.accounts,
		Subscriptions: p.subs,
		Payments:      p.payments,
		Discounts:     discounts,
		Tokens:        p.tokens,
		Hasher:        billing.BcryptHasher{Cost: bcrypt.MinCost},
		Provisioner:   provisioner,
		Activator:     activator,
		Welcome:       welcome,
		Clock:         clock,
		Logger:        logger,
	}, billing.CheckoutConfig{SuccessURL: "https://intake.test/payment/success", CancelURL: "https://intake.test/signup"})
	reconciler := billing.NewReconciler(p.ledger, provisioner, activator, welcome, nil, nil, logger)

	r := chi.NewRouter()
	NewStripeWebhookHandler(external.NewStripeVerifier(testWebhookSecret, 0), reconciler, logger).RegisterRoutes(r)
	r.Route("/v1", func(r chi.Router) {
		NewCheckoutHandler(checkout, billing.NewStatusChecker(p.accounts, p.subs, clock, billing.PollSchedule{}), logger).RegisterRoutes(r)
		NewDiscountHandler(discounts, catalog, validator, "eur", logger).RegisterRoutes(r)
	})
	p.router = r
	return p
}

func (p *pipeline) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	p.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// webhookRequest signs payload with the test secret at the current time.
func webhookRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func checkoutCompletedPayload(t *testing.T, eventID string, metadata map[string]string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": "paid",
				"amount_total":   4900,
				"currency":       "eur",
				"customer":       "cus_pat",
				"metadata":       metadata,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

type errorEnvelope struct {
	Error core.ErrorDetail `json:"error"`
}

func newRecorderFor(h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}
