package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/ada-education/backend/internal/models"
)

// ErrSubscriptionNotFound is returned when an update targets a subscription that does not exist.
var ErrSubscriptionNotFound = errors.New("store: subscription not found")

// Store provides database-backed accessors for subscription records.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

const subscriptionColumns = `
	id, user_id, stripe_customer_id, stripe_subscription_id, price_id, status,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at,
	created_at, updated_at`

// GetActiveSubscription returns the newest active subscription for a user, or
// nil when there is none.
func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `
SELECT` + subscriptionColumns + `
FROM stripe_subscriptions
WHERE user_id = $1 AND status = 'active'
ORDER BY updated_at DESC
LIMIT 1
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active subscription: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByStripeID returns the record for a Stripe subscription id,
// or nil when none exists.
func (s *Store) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	query := `
SELECT` + subscriptionColumns + `
FROM stripe_subscriptions
WHERE stripe_subscription_id = $1
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, stripeSubscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// UpsertSubscription inserts or updates a subscription record keyed on its
// Stripe subscription id. Empty identifying fields never overwrite stored ones,
// and a canceled or incomplete_expired record keeps that status.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.StripeSubscriptionID == "" {
		return errors.New("store: upsert subscription: stripe subscription id is required")
	}

	query := `
INSERT INTO stripe_subscriptions (
	user_id, stripe_customer_id, stripe_subscription_id, price_id,
	status, current_period_start, current_period_end, cancel_at_period_end, canceled_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (stripe_subscription_id) DO UPDATE SET
	user_id = COALESCE(NULLIF(EXCLUDED.user_id, ''), stripe_subscriptions.user_id),
	stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), stripe_subscriptions.stripe_customer_id),
	price_id = COALESCE(NULLIF(EXCLUDED.price_id, ''), stripe_subscriptions.price_id),
	status = CASE
		WHEN stripe_subscriptions.status IN ('canceled', 'incomplete_expired') THEN stripe_subscriptions.status
		ELSE EXCLUDED.status
	END,
	current_period_start = COALESCE(EXCLUDED.current_period_start, stripe_subscriptions.current_period_start),
	current_period_end = COALESCE(EXCLUDED.current_period_end, stripe_subscriptions.current_period_end),
	cancel_at_period_end = EXCLUDED.cancel_at_period_end,
	canceled_at = EXCLUDED.canceled_at,
	updated_at = now()
RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.PriceID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}

	return nil
}

// MarkSubscriptionStatus sets the status of an existing subscription.
func (s *Store) MarkSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus) error {
	query := `
UPDATE stripe_subscriptions
SET status = $2,
	canceled_at = CASE WHEN $2 = 'canceled' THEN COALESCE(canceled_at, now()) ELSE canceled_at END,
	updated_at = now()
WHERE stripe_subscription_id = $1
	`

	result, err := s.db.ExecContext(ctx, query, stripeSubscriptionID, status)
	if err != nil {
		return fmt.Errorf("store: mark subscription status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func scanSubscription(row *sql.Row) (*models.Subscription, error) {
	var (
		sub        models.Subscription
		customerID sql.NullString
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&customerID,
		&sub.StripeSubscriptionID,
		&sub.PriceID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.CanceledAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.StripeCustomerID = customerID.String
	return &sub, nil
}
