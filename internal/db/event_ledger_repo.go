package db

import (
	"context"
	"time"

	"careintake/internal/types"
)

// maxLedgerErrorLen bounds last_error so a provider error dump cannot bloat
// the ledger.
const maxLedgerErrorLen = 1024

// EventLedgerRepo is the webhook idempotency ledger. A row is inserted
// before any processing; its primary key on provider_event_id is the
// uniqueness gate for redelivered events.
//
// Key invariants:
//   - Record reports inserted=true to exactly one caller per event id, using
//     INSERT ... ON CONFLICT DO NOTHING and RowsAffected. No read precedes
//     the insert.
//   - Rows are never deleted here. reconciled_at stays NULL until the
//     pipeline finishes, and ListUnreconciled surfaces the stragglers.
//   - last_error is truncated to maxLedgerErrorLen.
type EventLedgerRepo struct {
	db DBTX
}

// NewEventLedgerRepo creates an EventLedgerRepo over db.
func NewEventLedgerRepo(db DBTX) *EventLedgerRepo {
	return &EventLedgerRepo{db: db}
}

// Record inserts the event and reports whether this call created the row.
// false means the event was already recorded by an earlier delivery.
func (r *EventLedgerRepo) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (provider_event_id, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		eventID,
		eventType,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkReconciled flags the event as fully handled and clears last_error.
func (r *EventLedgerRepo) MarkReconciled(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE processed_events
		 SET reconciled = TRUE, reconciled_at = NOW(), last_error = NULL
		 WHERE provider_event_id = $1`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark event reconciled", err)
	}
	return nil
}

// MarkFailed stores the downstream failure for later reconciliation.
func (r *EventLedgerRepo) MarkFailed(ctx context.Context, eventID, reason string) error {
	if len(reason) > maxLedgerErrorLen {
		reason = reason[:maxLedgerErrorLen]
	}
	_, err := r.db.Exec(ctx,
		`UPDATE processed_events
		 SET last_error = $2
		 WHERE provider_event_id = $1 AND NOT reconciled`,
		eventID,
		reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record event failure", err)
	}
	return nil
}

// ListUnreconciled returns events processed before olderThan that never
// reached reconciled, oldest first.
func (r *EventLedgerRepo) ListUnreconciled(ctx context.Context, olderThan time.Time, limit int) ([]types.ProcessedEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT provider_event_id, event_type, processed_at, reconciled, reconciled_at, last_error
		 FROM processed_events
		 WHERE NOT reconciled AND processed_at < $1
		 ORDER BY processed_at ASC
		 LIMIT $2`,
		olderThan,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unreconciled events", err)
	}
	defer rows.Close()

	var events []types.ProcessedEvent
	for rows.Next() {
		var e types.ProcessedEvent
		if err := rows.Scan(
			&e.ProviderEventID,
			&e.EventType,
			&e.ProcessedAt,
			&e.Reconciled,
			&e.ReconciledAt,
			&e.LastError,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan processed event", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate processed events", err)
	}
	return events, nil
}
