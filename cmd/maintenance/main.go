// Package main is the entry point for the Maintenance Lambda.
//
// EventBridge schedules invoke it with a MaintenancePayload naming one
// housekeeping task for the payment pipeline:
//
//   - reconcile_events: report ledger rows that never reached reconciled
//   - purge_provisioning_tokens: delete consumed or expired signup tokens
//   - expire_subscriptions: move lapsed active subscriptions to expired
//
// When REDIS_URL is set, a per-task hourly lock keeps overlapping schedules
// from running the same task twice.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"

	"careintake/internal/billing"
	"careintake/internal/config"
	"careintake/internal/db"
	"careintake/internal/notifications"
)

// lockTTL outlives any single task run.
const lockTTL = 10 * time.Minute

// TaskType names a maintenance task.
type TaskType string

const (
	TaskReconcileEvents         TaskType = "reconcile_events"
	TaskPurgeProvisioningTokens TaskType = "purge_provisioning_tokens"
	TaskExpireSubscriptions     TaskType = "expire_subscriptions"
)

// MaintenancePayload is the EventBridge input.
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides the lock window for manual reruns.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// MaintenanceService runs the tasks. Implemented by *billing.Maintenance.
type MaintenanceService interface {
	ReconcileEvents(ctx context.Context) (int, error)
	PurgeProvisioningTokens(ctx context.Context) (int64, error)
	ExpireSubscriptions(ctx context.Context) (int64, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// Handler holds the dependencies for the maintenance Lambda handler function.
type Handler struct {
	Service MaintenanceService
	// JobLock is optional; nil runs every invocation.
	JobLock  JobLocker
	WorkerID string
	Logger   *slog.Logger
}

// Handle validates the payload, takes the task lock and dispatches.
func (h *Handler) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	if h.JobLock != nil {
		lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
		acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
		if err != nil {
			logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
			return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
		}
		if !acquired {
			logger.InfoContext(ctx, "job lock not acquired, another worker is processing", "lock_id", lockID)
			return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
		}
	}

	items, err := h.dispatch(ctx, payload.Task)
	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "task", taskStr, "items", items)
	return result, nil
}

// dispatch routes a TaskType to the service method and returns the number
// of items it touched.
func (h *Handler) dispatch(ctx context.Context, task TaskType) (int64, error) {
	switch task {
	case TaskReconcileEvents:
		n, err := h.Service.ReconcileEvents(ctx)
		return int64(n), err
	case TaskPurgeProvisioningTokens:
		return h.Service.PurgeProvisioningTokens(ctx)
	case TaskExpireSubscriptions:
		return h.Service.ExpireSubscriptions(ctx)
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

// redisLocker implements JobLocker with SET NX.
type redisLocker struct {
	client *redis.Client
}

func (l *redisLocker) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, "maintenance_lock:"+lockID, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", lockID, err)
	}
	return ok, nil
}

// lambdaConfig is the subset of the service configuration this Lambda
// reads. The full config.Config also requires Stripe and market settings.
type lambdaConfig struct {
	ReconcileAfter time.Duration `envconfig:"RECONCILE_AFTER" default:"15m"`
	RedisURL       string        `envconfig:"REDIS_URL"`

	Database      config.DatabaseConfig
	AWS           config.AWSConfig
	Observability config.ObservabilityConfig
}

func loadLambdaConfig() (*lambdaConfig, error) {
	var cfg lambdaConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if cfg.Database.URL.Unmask() == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return &cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Maintenance Lambda initializing (cold start)")

	// DATABASE_URL and REDIS_URL are referenced via _SSM_PARAM outside local.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("Failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}

	cfg, err := loadLambdaConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Error("Failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	var metrics notifications.Counter = notifications.NopCounter{}
	if cfg.Observability.EnableMetrics {
		metrics = notifications.NewCloudWatchCounter(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
	}
	var alerts *notifications.AlertPublisher
	if cfg.AWS.OpsAlertQueueURL != "" {
		alerts = notifications.NewAlertPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.OpsAlertQueueURL, logger)
	} else {
		alerts = notifications.NewAlertPublisher(nil, "", logger)
	}

	handler := &Handler{
		Service: &billing.Maintenance{
			Ledger:         db.NewEventLedgerRepo(pool),
			Tokens:         db.NewProvisioningTokenRepo(pool),
			Subscriptions:  db.NewSubscriptionRepo(pool),
			Alerts:         alerts,
			Metrics:        metrics,
			ReconcileAfter: cfg.ReconcileAfter,
			Logger:         logger,
		},
		WorkerID: uuid.New().String(),
		Logger:   logger,
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("Failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		handler.JobLock = &redisLocker{client: redis.NewClient(opts)}
	}

	logger.Info("Maintenance Lambda initialized",
		"worker_id", handler.WorkerID,
		"locking", handler.JobLock != nil,
	)

	lambda.Start(handler.Handle)
}
