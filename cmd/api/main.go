// Package main is the entry point for the CareIntake API server.
//
// It loads configuration (resolving secrets from SSM outside local), opens
// the Postgres pool and optional Redis client, wires the payment pipeline
// and entitlement guard into the core chassis, and serves HTTP until
// SIGINT or SIGTERM. When MAINTENANCE_SWEEP_INTERVAL is set, token purge and
// subscription expiry also run in-process alongside the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"careintake/internal/api/handlers"
	"careintake/internal/billing"
	"careintake/internal/config"
	"careintake/internal/core"
	"careintake/internal/db"
	"careintake/internal/entitlement"
	"careintake/internal/external"
	"careintake/internal/notifications"
	"careintake/internal/types"
)

// outboundTimeout bounds a single Stripe or SendGrid HTTP call.
const outboundTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// SSM resolution is skipped when APP_ENV=local.
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("careintake API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, maint, err := buildServer(startupCtx, cfg, logger)
	if err != nil {
		return err
	}

	return runHTTPServer(srv, maint, cfg, logger)
}

// buildServer creates every dependency and mounts the routes. The returned
// Maintenance shares the server's repositories.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, *billing.Maintenance, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating server: %w", err)
	}

	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	srv.OnShutdown(func() error {
		pool.Close()
		return nil
	})
	srv.HealthProbes = append(srv.HealthProbes, db.NewPoolProbe(pool))

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx, pool, logger); err != nil {
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	if url := cfg.Redis.URL.Unmask(); url != "" {
		client, err := newRedisClient(url)
		if err != nil {
			return nil, nil, err
		}
		srv.OnShutdown(client.Close)
		srv.RateLimitStore = core.NewRedisRateLimitStore(client)
		srv.HealthProbes = append(srv.HealthProbes, core.NewRedisProbe(client))
	} else {
		logger.Warn("REDIS_URL not set, rate limiting disabled")
	}

	accounts := db.NewAccountRepository(pool)
	subs := db.NewSubscriptionRepo(pool)
	ledger := db.NewEventLedgerRepo(pool)
	tokens := db.NewProvisioningTokenRepo(pool)

	metrics := newMetricsCounter(cfg.Observability, awsCfg, logger)
	alerts := newAlertPublisher(cfg.AWS, awsCfg, logger)

	emailProvider, err := newEmailProvider(cfg.Email, awsCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	renderer, err := notifications.NewRenderer(notifications.RendererConfig{PublicURL: cfg.Server.PublicURL})
	if err != nil {
		return nil, nil, fmt.Errorf("loading email templates: %w", err)
	}
	from := types.SenderIdentity{Name: cfg.Email.FromName, Address: cfg.Email.FromAddress}
	welcome := notifications.NewWelcomeDispatcher(subs, emailProvider, renderer, metrics,
		notifications.WelcomeConfig{From: from, TemplateID: cfg.Email.WelcomeTemplateID}, logger)

	stripeClient := external.NewStripeClient(&http.Client{Timeout: outboundTimeout}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeAPIBase,
		Logger:    logger,
	})

	clock := types.RealClock{}
	catalog := billing.NewMarketCatalog(cfg.Billing)
	discounts := billing.NewDiscountResolver(stripeClient, clock, logger)
	provisioner := billing.NewAccountProvisioner(accounts, tokens, clock, logger)
	activator := billing.NewSubscriptionActivator(subs, clock, cfg.Billing.DefaultCurrency, logger)

	checkout := billing.NewCheckoutBuilder(billing.CheckoutDeps{
		Validator:     srv.Validator,
		Catalog:       catalog,
		Accounts:      accounts,
		Subscriptions: subs,
		Payments:      stripeClient,
		Discounts:     discounts,
		Tokens:        tokens,
		Provisioner:   provisioner,
		Activator:     activator,
		Welcome:       welcome,
		Clock:         clock,
		Logger:        logger,
	}, billing.CheckoutConfig{
		SuccessURL:           publicURL(cfg.Server.PublicURL, cfg.Billing.SuccessPath) + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:            publicURL(cfg.Server.PublicURL, cfg.Billing.CancelPath),
		FreeAccessTimeout:    cfg.Billing.FreeAccessTimeout,
		ProvisioningTokenTTL: cfg.Billing.ProvisioningTokenTTL,
	})

	registerRoutes(srv, routeDeps{
		Verifier:   external.NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask(), cfg.Billing.WebhookTolerance),
		Reconciler: billing.NewReconciler(ledger, provisioner, activator, welcome, alerts, metrics, logger),
		Checkout:   checkout,
		Status:     billing.NewStatusChecker(accounts, subs, clock, billing.DefaultPollSchedule),
		Discounts:  discounts,
		Catalog:    catalog,
		Guard:      entitlement.NewGuard(subs, clock, cfg.Entitlement, logger),
		Accounts:   accounts,
		Summaries:  notifications.NewDocumentMailer(emailProvider, renderer, from, logger),
		Currency:   cfg.Billing.DefaultCurrency,
		Clock:      clock,
	})
	srv.MountRoutes()

	maint := &billing.Maintenance{
		Ledger:         ledger,
		Tokens:         tokens,
		Subscriptions:  subs,
		Alerts:         alerts,
		Metrics:        metrics,
		Clock:          clock,
		ReconcileAfter: cfg.Billing.ReconcileAfter,
		Logger:         logger,
	}
	return srv, maint, nil
}

// routeDeps are the domain services behind the HTTP handlers.
type routeDeps struct {
	Verifier   external.WebhookVerifier
	Reconciler handlers.EventProcessor
	Checkout   handlers.CheckoutCreator
	Status     handlers.CheckoutStatusReader
	Discounts  handlers.DiscountResolver
	Catalog    handlers.MarketLookup
	Guard      entitlement.Checker
	Accounts   handlers.AccountReader
	Summaries  handlers.SummaryMailer
	Currency   string
	Clock      types.Clock
}

// registerRoutes attaches the Stripe webhook at the root (never rate
// limited) and the patient-facing endpoints under /v1.
func registerRoutes(srv *core.Server, d routeDeps) {
	logger := srv.Logger

	webhookHandler := handlers.NewStripeWebhookHandler(d.Verifier, d.Reconciler, logger)
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhookHandler.RegisterRoutes)

	checkoutHandler := handlers.NewCheckoutHandler(d.Checkout, d.Status, logger)
	discountHandler := handlers.NewDiscountHandler(d.Discounts, d.Catalog, srv.Validator, d.Currency, logger)
	entitlementHandler := handlers.NewEntitlementHandler(d.Guard, logger)
	documentHandler := handlers.NewDocumentHandler(d.Guard, d.Accounts, d.Summaries, srv.Validator, d.Clock, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		checkoutHandler.RegisterRoutes,
		discountHandler.RegisterRoutes,
		entitlementHandler.RegisterRoutes,
		documentHandler.RegisterRoutes,
	)
}

// runHTTPServer serves until a signal arrives or the server fails, then
// shuts down the listener, the sweeper and server resources in that order.
func runHTTPServer(srv *core.Server, maint *billing.Maintenance, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Billing.SweepInterval > 0 {
		g.Go(func() error {
			runSweeper(gCtx, maint, cfg.Billing.SweepInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()

	resourceCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if shutdownErr := srv.Shutdown(resourceCtx); shutdownErr != nil {
		logger.Error("server resource shutdown error", "error", shutdownErr)
		if err == nil {
			err = fmt.Errorf("server shutdown: %w", shutdownErr)
		}
	}
	if err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// sweepTask is one in-process maintenance step.
type sweepTask struct {
	name string
	run  func(ctx context.Context) (int64, error)
}

// runSweeper purges provisioning tokens and expires lapsed subscriptions
// every interval until ctx is cancelled. Failures are logged and retried on
// the next tick.
func runSweeper(ctx context.Context, maint *billing.Maintenance, interval time.Duration, logger *slog.Logger) {
	tasks := []sweepTask{
		{name: "purge_provisioning_tokens", run: maint.PurgeProvisioningTokens},
		{name: "expire_subscriptions", run: maint.ExpireSubscriptions},
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("maintenance sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, tasks, logger)
		}
	}
}

func sweepOnce(ctx context.Context, tasks []sweepTask, logger *slog.Logger) {
	for _, task := range tasks {
		n, err := task.run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "maintenance sweep failed", "task", task.name, "error", err)
			continue
		}
		if n > 0 {
			logger.InfoContext(ctx, "maintenance sweep complete", "task", task.name, "items", n)
		}
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// loadAWSConfig resolves credentials from the default chain. EndpointURL
// points every client at LocalStack in development.
func loadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.EndpointURL))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// newEmailProvider returns the client for the configured provider.
func newEmailProvider(cfg config.EmailConfig, awsCfg aws.Config, logger *slog.Logger) (external.EmailProvider, error) {
	switch cfg.Provider {
	case "sendgrid":
		return external.NewSendGridClient(&http.Client{Timeout: outboundTimeout}, external.SendGridClientConfig{
			APIKey: cfg.SendGridAPIKey.Unmask(),
			Logger: logger,
		}), nil
	case "postmark":
		return external.NewPostmarkClient(external.PostmarkClientConfig{
			ServerToken:  cfg.PostmarkServerToken.Unmask(),
			AccountToken: cfg.PostmarkAccountToken.Unmask(),
			Logger:       logger,
		}), nil
	case "ses":
		return external.NewSESClient(awsCfg, external.SESClientConfig{
			ConfigSetName: cfg.SESConfigSet,
			Logger:        logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
	}
}

// newMetricsCounter publishes to CloudWatch only when enabled.
func newMetricsCounter(cfg config.ObservabilityConfig, awsCfg aws.Config, logger *slog.Logger) notifications.Counter {
	if !cfg.EnableMetrics {
		return notifications.NopCounter{}
	}
	return notifications.NewCloudWatchCounter(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger)
}

// newAlertPublisher logs alerts and, when SQS_OPS_ALERTS is set, enqueues
// them.
func newAlertPublisher(cfg config.AWSConfig, awsCfg aws.Config, logger *slog.Logger) *notifications.AlertPublisher {
	if cfg.OpsAlertQueueURL == "" {
		return notifications.NewAlertPublisher(nil, "", logger)
	}
	return notifications.NewAlertPublisher(sqs.NewFromConfig(awsCfg), cfg.OpsAlertQueueURL, logger)
}

// publicURL joins base and path with exactly one slash.
func publicURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
