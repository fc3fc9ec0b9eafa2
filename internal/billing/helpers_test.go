package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"golang.org/x/crypto/bcrypt"

	"careintake/internal/billing/billingtest"
	"careintake/internal/config"
	"careintake/internal/core"
	"careintake/internal/external"
	"careintake/internal/notifications"
	"careintake/internal/types"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog() *MarketCatalog {
	return NewMarketCatalog(config.BillingConfig{
		MarketPrices:     map[string]string{"de": "price_de", "ch": "price_ch"},
		MarketAmounts:    map[string]int64{"de": 4900, "ch": 5900},
		MarketCurrencies: map[string]string{"ch": "CHF"},
		DefaultCurrency:  "eur",
	})
}

// pipeline wires every billing component over in-memory stores.
type pipeline struct {
	accounts *billingtest.Accounts
	subs     *billingtest.Subscriptions
	ledger   *billingtest.Ledger
	tokens   *billingtest.Tokens
	payments *billingtest.Payments
	mailer   *billingtest.Mailer
	alerts   *recordingAlerts

	provisioner *AccountProvisioner
	activator   *SubscriptionActivator
	welcome     *notifications.WelcomeDispatcher
	checkout    *CheckoutBuilder
	reconciler  *Reconciler
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := discardLogger()
	clock := types.FixedClock{T: testNow}

	p := &pipeline{
		accounts: billingtest.NewAccounts(),
		subs:     billingtest.NewSubscriptions(),
		ledger:   billingtest.NewLedger(),
		tokens:   billingtest.NewTokens(),
		payments: billingtest.NewPayments(),
		mailer:   &billingtest.Mailer{},
		alerts:   &recordingAlerts{},
	}

	renderer, err := notifications.NewRenderer(notifications.RendererConfig{PublicURL: "https://intake.test"})
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	p.welcome = notifications.NewWelcomeDispatcher(p.subs, p.mailer, renderer, nil,
		notifications.WelcomeConfig{From: types.SenderIdentity{Address: "hello@careintake.test"}}, logger)
	p.provisioner = NewAccountProvisioner(p.accounts, p.tokens, clock, logger)
	p.activator = NewSubscriptionActivator(p.subs, clock, "eur", logger)
	p.checkout = NewCheckoutBuilder(CheckoutDeps{
		Validator:     core.NewValidator(logger),
		Catalog:       testCatalog(),
		Accounts:      p.accounts,
		Subscriptions: p.subs,
		Payments:      p.payments,
		Discounts:     NewDiscountResolver(p.payments, clock, logger),
		Tokens:        p.tokens,
		Hasher:        BcryptHasher{Cost: bcrypt.MinCost},
		Provisioner:   p.provisioner,
		Activator:     p.activator,
		Welcome:       p.welcome,
		Clock:         clock,
		Logger:        logger,
	}, CheckoutConfig{
		SuccessURL: "https://intake.test/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://intake.test/signup",
	})
	p.reconciler = NewReconciler(p.ledger, p.provisioner, p.activator, p.welcome, p.alerts, nil, logger)
	return p
}

func validSignup() SignupInput {
	return SignupInput{
		Email:      "Pat@Example.com",
		FirstName:  "Pat",
		LastName:   "Doe",
		Password:   "hunter22",
		MarketCode: "de",
	}
}

type recordingAlerts struct {
	mu     sync.Mutex
	alerts []notifications.OpsAlert
	err    error
}

func (a *recordingAlerts) Publish(_ context.Context, alert notifications.OpsAlert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return a.err
}

func (a *recordingAlerts) all() []notifications.OpsAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]notifications.OpsAlert(nil), a.alerts...)
}

type countCall struct {
	metric string
	value  float64
	dims   []notifications.Dimension
}

type recordingCounter struct {
	mu    sync.Mutex
	calls []countCall
}

func (c *recordingCounter) Count(_ context.Context, metric string, value float64, dims ...notifications.Dimension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, countCall{metric: metric, value: value, dims: dims})
}

func (c *recordingCounter) find(metric string) (countCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.metric == metric {
			return call, true
		}
	}
	return countCall{}, false
}

// checkoutEvent builds a verified checkout.session.completed event whose
// session carries the given metadata.
func checkoutEvent(t *testing.T, eventID, paymentStatus string, metadata map[string]string) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_status": paymentStatus,
		"amount_total":   4900,
		"currency":       "eur",
		"customer":       "cus_pat",
		"metadata":       metadata,
	})
	if err != nil {
		t.Fatalf("marshal session: %v", err)
	}
	return stripe.Event{
		ID:   eventID,
		Type: stripe.EventType(external.EventStripeCheckoutCompleted),
		Data: &stripe.EventData{Raw: raw},
	}
}
