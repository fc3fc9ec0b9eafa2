// Package config defines the process configuration for the CareIntake
// services. Configuration is loaded once at startup (or Lambda cold start)
// and is immutable afterwards.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"careintake/internal/types"
)

// SecretString is an alias for types.SecretString so callers can construct
// configs without importing types.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"careintake-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Email         EmailConfig
	Entitlement   EntitlementConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	PublicURL          string        `envconfig:"PUBLIC_URL" validate:"required,url"` // e.g. https://intake.example.com
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	MigrateOnStart    bool          `envconfig:"DB_MIGRATE_ON_START" default:"true"`
}

// RedisConfig configures the shared rate-limit store. An empty URL disables
// rate limiting.
type RedisConfig struct {
	URL               SecretString `envconfig:"REDIS_URL"`
	RequestsPerMinute int          `envconfig:"RATE_LIMIT_PER_MINUTE" default:"30" validate:"min=1"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// OpsAlertQueueURL receives partial-provisioning alerts. Optional.
	OpsAlertQueueURL string `envconfig:"SQS_OPS_ALERTS" validate:"omitempty,url"`

	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials, market pricing and checkout
// behaviour.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string        `envconfig:"STRIPE_API_BASE"`
	WebhookTolerance    time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`

	// Markets are keyed by market code, e.g. "de:price_123,at:price_456".
	MarketPrices     map[string]string `envconfig:"MARKET_PRICES" validate:"required,min=1"`
	MarketAmounts    map[string]int64  `envconfig:"MARKET_AMOUNTS" validate:"required,min=1"`
	MarketCurrencies map[string]string `envconfig:"MARKET_CURRENCIES"`
	DefaultCurrency  string            `envconfig:"DEFAULT_CURRENCY" default:"eur" validate:"len=3"`

	SuccessPath string `envconfig:"CHECKOUT_SUCCESS_PATH" default:"/payment/success"`
	CancelPath  string `envconfig:"CHECKOUT_CANCEL_PATH" default:"/signup"`

	FreeAccessTimeout    time.Duration `envconfig:"FREE_ACCESS_TIMEOUT" default:"5s"`
	ProvisioningTokenTTL time.Duration `envconfig:"PROVISIONING_TOKEN_TTL" default:"24h"`
	ReconcileAfter       time.Duration `envconfig:"RECONCILE_AFTER" default:"15m"`

	// SweepInterval runs token purge and subscription expiry inside the API
	// process. Zero leaves them to the maintenance Lambda.
	SweepInterval time.Duration `envconfig:"MAINTENANCE_SWEEP_INTERVAL" default:"0s"`
}

// EmailConfig selects the transactional email provider and holds its
// credentials. Only the selected provider's credentials are required.
type EmailConfig struct {
	Provider             string       `envconfig:"EMAIL_PROVIDER" default:"sendgrid" validate:"oneof=sendgrid postmark ses"`
	SendGridAPIKey       SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	PostmarkServerToken  SecretString `envconfig:"POSTMARK_SERVER_TOKEN" validate:"required_if=Provider postmark"`
	PostmarkAccountToken SecretString `envconfig:"POSTMARK_ACCOUNT_TOKEN"`
	SESConfigSet         string       `envconfig:"SES_CONFIGURATION_SET"`
	FromAddress          string       `envconfig:"EMAIL_FROM_ADDRESS" default:"hello@careintake.example" validate:"email"`
	FromName             string       `envconfig:"EMAIL_FROM_NAME" default:"CareIntake"`
	WelcomeTemplateID    string       `envconfig:"EMAIL_WELCOME_TEMPLATE_ID"`
}

// EntitlementConfig tunes the access decision.
type EntitlementConfig struct {
	GraceWindow  time.Duration `envconfig:"ENTITLEMENT_GRACE_WINDOW" default:"10m"`
	PaymentEntry string        `envconfig:"ENTITLEMENT_PAYMENT_ENTRY" default:"/signup"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CareIntake"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build metadata injected at compile time.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}
