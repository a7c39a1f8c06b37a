package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventStatus represents where a webhook event is in the inbox.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
)

// DefaultEventMaxAttempts is used when an event is enqueued without a limit.
const DefaultEventMaxAttempts = 5

// WebhookEvent is a verified Stripe event waiting in, or done with, the inbox.
type WebhookEvent struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   *string         `json:"last_error,omitempty"`
	RetryAfter  *time.Time      `json:"retry_after,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EventStats holds counts of inbox events by status.
type EventStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// WorkerStats holds the webhook worker's processing counters.
type WorkerStats struct {
	EventsProcessed int64      `json:"processed"`
	EventsSucceeded int64      `json:"succeeded"`
	EventsFailed    int64      `json:"failed"`
	EventsRetried   int64      `json:"retried"`
	ActiveEvents    int        `json:"active"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// IsValid checks that the event can be enqueued.
func (e *WebhookEvent) IsValid() error {
	if e.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("payload must be valid JSON")
	}
	if e.MaxAttempts < 1 {
		e.MaxAttempts = DefaultEventMaxAttempts
	}
	return nil
}

// CanRetry checks if the event can be retried.
func (e *WebhookEvent) CanRetry() bool {
	return e.Attempts < e.MaxAttempts
}
