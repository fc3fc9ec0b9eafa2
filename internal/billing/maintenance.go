package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"careintake/internal/notifications"
	"careintake/internal/types"
)

// maxReportedEvents caps one reconcile_events run.
const maxReportedEvents = 100

// LedgerReader lists ledger rows that never reached reconciled.
type LedgerReader interface {
	ListUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]types.ProcessedEvent, error)
}

// TokenPurger deletes consumed or expired provisioning tokens.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// SubscriptionExpirer moves lapsed subscriptions to expired.
type SubscriptionExpirer interface {
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// Maintenance holds the scheduled housekeeping tasks. Every task is safe to
// run concurrently with live traffic and with itself: each is a single
// conditional statement, or a read that only reports.
type Maintenance struct {
	Ledger         LedgerReader
	Tokens         TokenPurger
	Subscriptions  SubscriptionExpirer
	Alerts         AlertSink
	Metrics        notifications.Counter
	Clock          types.Clock
	ReconcileAfter time.Duration
	Logger         *slog.Logger
}

func (m *Maintenance) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now()
}

func (m *Maintenance) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *Maintenance) count(ctx context.Context, metric string, v float64) {
	if m.Metrics != nil {
		m.Metrics.Count(ctx, metric, v)
	}
}

// ReconcileEvents reports ledger rows still unreconciled after
// ReconcileAfter. It returns the number reported.
func (m *Maintenance) ReconcileEvents(ctx context.Context) (int, error) {
	olderThan := m.now().Add(-m.ReconcileAfter)
	events, err := m.Ledger.ListUnreconciled(ctx, olderThan, maxReportedEvents)
	if err != nil {
		return 0, err
	}
	m.count(ctx, notifications.MetricUnreconciledEvents, float64(len(events)))
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ProviderEventID)
		lastErr := ""
		if e.LastError != nil {
			lastErr = *e.LastError
		}
		m.logger().WarnContext(ctx, "unreconciled webhook event",
			"event_id", e.ProviderEventID,
			"event_type", e.EventType,
			"processed_at", e.ProcessedAt,
			"last_error", lastErr,
		)
	}

	if m.Alerts != nil {
		err := m.Alerts.Publish(ctx, notifications.OpsAlert{
			Kind:     notifications.AlertUnreconciledEvents,
			Severity: "medium",
			Summary:  fmt.Sprintf("%d webhook events unreconciled for more than %s", len(events), m.ReconcileAfter),
			Attributes: map[string]string{
				"event_ids": strings.Join(ids, ","),
			},
		})
		if err != nil {
			return len(events), err
		}
	}
	return len(events), nil
}

// PurgeProvisioningTokens deletes tokens that can no longer be used.
func (m *Maintenance) PurgeProvisioningTokens(ctx context.Context) (int64, error) {
	n, err := m.Tokens.PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	m.logger().InfoContext(ctx, "provisioning tokens purged", "count", n)
	m.count(ctx, notifications.MetricTokensPurged, float64(n))
	return n, nil
}

// ExpireSubscriptions marks lapsed subscriptions expired.
func (m *Maintenance) ExpireSubscriptions(ctx context.Context) (int64, error) {
	n, err := m.Subscriptions.ExpireLapsed(ctx, m.now())
	if err != nil {
		return 0, err
	}
	m.logger().InfoContext(ctx, "subscriptions expired", "count", n)
	m.count(ctx, notifications.MetricSubscriptionsLapsed, float64(n))
	return n, nil
}
