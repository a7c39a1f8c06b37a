package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/ada-education/backend/internal/models"
)

// ErrEventNotFound is returned when an inbox event is not found.
var ErrEventNotFound = errors.New("store: webhook event not found")

// EventStore is the inbox of verified Stripe webhook events.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new EventStore instance.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &EventStore{db: db}, nil
}

const eventColumns = `
	id, event_id, event_type, payload, status, attempts, max_attempts,
	last_error, retry_after, processed_at, worker_id, created_at, updated_at`

// EnqueueEvent stores an event unless one with the same Stripe event id is
// already present. It reports whether the event was new.
func (s *EventStore) EnqueueEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	if err := ev.IsValid(); err != nil {
		return false, fmt.Errorf("invalid event: %w", err)
	}

	query := `
		INSERT INTO stripe_webhook_events (event_id, event_type, payload, status, max_attempts)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, status, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		ev.EventID,
		ev.EventType,
		[]byte(ev.Payload),
		ev.MaxAttempts,
	).Scan(&ev.ID, &ev.Status, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue event: %w", err)
	}

	return true, nil
}

// GetByEventID retrieves an event by its Stripe event id.
func (s *EventStore) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	query := `SELECT` + eventColumns + `
		FROM stripe_webhook_events
		WHERE event_id = $1
	`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ClaimNextEvent atomically claims the oldest event that is ready for processing.
func (s *EventStore) ClaimNextEvent(ctx context.Context, workerID string) (*models.WebhookEvent, error) {
	query := `
		UPDATE stripe_webhook_events
		SET status = 'processing',
		    worker_id = $1,
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM stripe_webhook_events
			WHERE status = 'pending'
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + eventColumns

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Nothing ready
		}
		return nil, fmt.Errorf("claim next event: %w", err)
	}
	return ev, nil
}

// MarkEventProcessed marks an event as handled.
func (s *EventStore) MarkEventProcessed(ctx context.Context, id int64) error {
	query := `
		UPDATE stripe_webhook_events
		SET status = 'processed',
		    processed_at = NOW(),
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkEventFailed marks an event as permanently failed.
func (s *EventStore) MarkEventFailed(ctx context.Context, id int64, errorMsg string) error {
	query := `
		UPDATE stripe_webhook_events
		SET status = 'failed',
		    last_error = $2,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id, errorMsg); err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// ScheduleEventRetry puts an event back in the queue after retryAfter.
func (s *EventStore) ScheduleEventRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	query := `
		UPDATE stripe_webhook_events
		SET status = 'pending',
		    last_error = $2,
		    retry_after = $3,
		    updated_at = NOW(),
		    worker_id = NULL
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, id, errorMsg, retryAfter); err != nil {
		return fmt.Errorf("schedule event retry: %w", err)
	}
	return nil
}

// ReleaseEvent returns a processing event to pending (for graceful shutdown).
func (s *EventStore) ReleaseEvent(ctx context.Context, id int64) error {
	query := `
		UPDATE stripe_webhook_events
		SET status = 'pending',
		    worker_id = NULL,
		    attempts = GREATEST(attempts - 1, 0),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// EventStats returns counts of inbox events by status.
func (s *EventStore) EventStats(ctx context.Context) (*models.EventStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') as pending,
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'processed') as processed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) as total
		FROM stripe_webhook_events
	`

	stats := &models.EventStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Processed,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get event stats: %w", err)
	}
	return stats, nil
}

// CleanupProcessedEvents removes processed events older than the given age.
func (s *EventStore) CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM stripe_webhook_events
		WHERE status = 'processed'
		  AND updated_at < NOW() - INTERVAL '1 second' * $1
	`

	result, err := s.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup processed events: %w", err)
	}

	affected, _ := result.RowsAffected()
	return affected, nil
}

func scanEvent(row *sql.Row) (*models.WebhookEvent, error) {
	ev := &models.WebhookEvent{}
	var payload []byte

	err := row.Scan(
		&ev.ID,
		&ev.EventID,
		&ev.EventType,
		&payload,
		&ev.Status,
		&ev.Attempts,
		&ev.MaxAttempts,
		&ev.LastError,
		&ev.RetryAfter,
		&ev.ProcessedAt,
		&ev.WorkerID,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return ev, nil
}
