package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/ada-education/backend/internal/models"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db, mock
}

var subscriptionRowColumns = []string{
	"id", "user_id", "stripe_customer_id", "stripe_subscription_id", "price_id", "status",
	"current_period_start", "current_period_end", "cancel_at_period_end", "canceled_at",
	"created_at", "updated_at",
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
	if _, err := NewEventStore(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestGetActiveSubscriptionSuccess(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	now := time.Now().UTC()
	end := now.Add(365 * 24 * time.Hour)
	rows := sqlmock.NewRows(subscriptionRowColumns).
		AddRow(1, "user-1", "cus_1", "sub_1", "price_1SIevcHw9Rfrc8Pb6ZhYBByT", "active",
			now, end, false, nil, now, now)

	query := regexp.MustCompile(`FROM stripe_subscriptions\s+WHERE user_id = \$1 AND status = 'active'\s+ORDER BY updated_at DESC\s+LIMIT 1`)
	mock.ExpectQuery(query.String()).WithArgs("user-1").WillReturnRows(rows)

	sub, err := s.GetActiveSubscription(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetActiveSubscription returned error: %v", err)
	}
	if sub == nil {
		t.Fatal("expected a subscription")
	}
	if sub.PriceID != "price_1SIevcHw9Rfrc8Pb6ZhYBByT" || !sub.IsActive() {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected period end: %v", sub.CurrentPeriodEnd)
	}
	if sub.CanceledAt != nil {
		t.Fatalf("expected nil canceled_at, got %v", sub.CanceledAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetActiveSubscriptionNoRows(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectQuery(`FROM stripe_subscriptions`).WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows(subscriptionRowColumns))

	sub, err := s.GetActiveSubscription(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %+v", sub)
	}
}

func TestGetActiveSubscriptionQueryError(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectQuery(`FROM stripe_subscriptions`).WithArgs("user-3").WillReturnError(errors.New("boom"))

	if _, err := s.GetActiveSubscription(context.Background(), "user-3"); err == nil {
		t.Fatal("expected error when query fails")
	}
}

func TestUpsertSubscription(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	now := time.Now().UTC()
	sub := &models.Subscription{
		UserID:               "user-1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		PriceID:              "price_a",
		Status:               models.SubscriptionActive,
	}

	mock.ExpectQuery(`INSERT INTO stripe_subscriptions .*ON CONFLICT \(stripe_subscription_id\) DO UPDATE .*WHEN stripe_subscriptions.status IN \('canceled', 'incomplete_expired'\) THEN stripe_subscriptions.status`).
		WithArgs("user-1", "cus_1", "sub_1", "price_a", models.SubscriptionActive, nil, nil, false, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))

	if err := s.UpsertSubscription(context.Background(), sub); err != nil {
		t.Fatalf("UpsertSubscription returned error: %v", err)
	}
	if sub.ID != 42 {
		t.Fatalf("expected id 42, got %d", sub.ID)
	}

	if err := s.UpsertSubscription(context.Background(), &models.Subscription{}); err == nil {
		t.Fatal("expected error without stripe subscription id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkSubscriptionStatus(t *testing.T) {
	db, mock := newMock(t)
	s := &Store{db: db}

	mock.ExpectExec(`UPDATE stripe_subscriptions`).WithArgs("sub_1", models.SubscriptionCanceled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE stripe_subscriptions`).WithArgs("sub_missing", models.SubscriptionCanceled).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.MarkSubscriptionStatus(context.Background(), "sub_1", models.SubscriptionCanceled); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.MarkSubscriptionStatus(context.Background(), "sub_missing", models.SubscriptionCanceled)
	if !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}
}

var eventRowColumns = []string{
	"id", "event_id", "event_type", "payload", "status", "attempts", "max_attempts",
	"last_error", "retry_after", "processed_at", "worker_id", "created_at", "updated_at",
}

func TestEnqueueEventDedupes(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}
	now := time.Now().UTC()

	payload := json.RawMessage(`{"id":"evt_1"}`)
	query := `INSERT INTO stripe_webhook_events .*ON CONFLICT \(event_id\) DO NOTHING`

	mock.ExpectQuery(query).WithArgs("evt_1", "checkout.session.completed", []byte(payload), models.DefaultEventMaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}).AddRow(7, "pending", now, now))
	mock.ExpectQuery(query).WithArgs("evt_1", "checkout.session.completed", []byte(payload), models.DefaultEventMaxAttempts).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "created_at", "updated_at"}))

	first := &models.WebhookEvent{EventID: "evt_1", EventType: "checkout.session.completed", Payload: payload}
	isNew, err := s.EnqueueEvent(context.Background(), first)
	if err != nil || !isNew {
		t.Fatalf("expected new event, got new=%v err=%v", isNew, err)
	}
	if first.ID != 7 || first.Status != models.EventStatusPending {
		t.Fatalf("unexpected event after enqueue: %+v", first)
	}

	again := &models.WebhookEvent{EventID: "evt_1", EventType: "checkout.session.completed", Payload: payload}
	isNew, err = s.EnqueueEvent(context.Background(), again)
	if err != nil || isNew {
		t.Fatalf("expected duplicate, got new=%v err=%v", isNew, err)
	}

	if _, err := s.EnqueueEvent(context.Background(), &models.WebhookEvent{EventID: "evt_2"}); err == nil {
		t.Fatal("expected validation error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimNextEvent(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}
	now := time.Now().UTC()

	query := regexp.MustCompile(`UPDATE stripe_webhook_events\s+SET status = 'processing'.*FOR UPDATE SKIP LOCKED`)
	mock.ExpectQuery(query.String()).WithArgs("worker-1").WillReturnRows(
		sqlmock.NewRows(eventRowColumns).AddRow(
			7, "evt_1", "checkout.session.completed", []byte(`{"id":"evt_1"}`), "processing", 1, 5,
			nil, nil, nil, "worker-1", now, now))
	mock.ExpectQuery(query.String()).WithArgs("worker-1").WillReturnRows(sqlmock.NewRows(eventRowColumns))

	ev, err := s.ClaimNextEvent(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextEvent returned error: %v", err)
	}
	if ev == nil || ev.EventID != "evt_1" || ev.Attempts != 1 || !ev.CanRetry() {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.WorkerID == nil || *ev.WorkerID != "worker-1" {
		t.Fatalf("unexpected worker id: %v", ev.WorkerID)
	}

	ev, err = s.ClaimNextEvent(context.Background(), "worker-1")
	if err != nil || ev != nil {
		t.Fatalf("expected empty claim, got %+v err=%v", ev, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventLifecycleUpdates(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}
	retryAt := time.Now().Add(time.Minute)

	mock.ExpectExec(`SET status = 'processed'`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'pending',\s+last_error`).WithArgs(int64(8), "boom", retryAt).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'failed'`).WithArgs(int64(9), "gave up").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`WHERE id = \$1 AND status = 'processing'`).WithArgs(int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if err := s.MarkEventProcessed(ctx, 7); err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	if err := s.ScheduleEventRetry(ctx, 8, "boom", retryAt); err != nil {
		t.Fatalf("ScheduleEventRetry: %v", err)
	}
	if err := s.MarkEventFailed(ctx, 9, "gave up"); err != nil {
		t.Fatalf("MarkEventFailed: %v", err)
	}
	if err := s.ReleaseEvent(ctx, 10); err != nil {
		t.Fatalf("ReleaseEvent: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventStats(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}

	mock.ExpectQuery(`FROM stripe_webhook_events`).WillReturnRows(
		sqlmock.NewRows([]string{"pending", "processing", "processed", "failed", "total"}).AddRow(2, 1, 10, 1, 14))

	stats, err := s.EventStats(context.Background())
	if err != nil {
		t.Fatalf("EventStats: %v", err)
	}
	if stats.Total != 14 || stats.Processed != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestGetByEventIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}

	mock.ExpectQuery(`FROM stripe_webhook_events\s+WHERE event_id = \$1`).
		WithArgs("evt_missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.GetByEventID(context.Background(), "evt_missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestCleanupProcessedEvents(t *testing.T) {
	db, mock := newMock(t)
	s := &EventStore{db: db}

	mock.ExpectExec(`DELETE FROM stripe_webhook_events\s+WHERE status = 'processed'`).
		WithArgs(float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.CleanupProcessedEvents(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("CleanupProcessedEvents: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 deleted rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
