package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	stripego "github.com/stripe/stripe-go/v78"

	"github.com/PortNumber53/ada-education/backend/internal/models"
	"github.com/PortNumber53/ada-education/backend/internal/notify"
	"github.com/PortNumber53/ada-education/backend/internal/store"
)

// Stripe event types the worker acts on.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// SubscriptionWriter persists subscription records.
type SubscriptionWriter interface {
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	MarkSubscriptionStatus(ctx context.Context, stripeSubscriptionID string, status models.SubscriptionStatus) error
}

// RegisterStripeHandlers registers the subscription lifecycle handlers.
// notifier may be nil.
func RegisterStripeHandlers(w *Worker, subs SubscriptionWriter, notifier notify.Notifier) {
	h := &stripeHandlers{subs: subs, notifier: notifier, log: w.log}

	w.RegisterHandler(EventCheckoutSessionCompleted, h.checkoutCompleted)
	w.RegisterHandler(EventSubscriptionCreated, h.subscriptionChanged)
	w.RegisterHandler(EventSubscriptionUpdated, h.subscriptionChanged)
	w.RegisterHandler(EventSubscriptionDeleted, h.subscriptionDeleted)

	w.log.Info("registered stripe handlers")
}

type stripeHandlers struct {
	subs     SubscriptionWriter
	notifier notify.Notifier
	log      logrus.FieldLogger
}

func decodeObject(ev *models.WebhookEvent, into any) error {
	var event stripego.Event
	if err := json.Unmarshal(ev.Payload, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errors.New("decode event: missing data.object")
	}
	if err := json.Unmarshal(event.Data.Raw, into); err != nil {
		return fmt.Errorf("decode %s: %w", ev.EventType, err)
	}
	return nil
}

func validUserID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// checkoutCompleted records the subscription bought through a checkout session
// and announces it. A record the subscription events already wrote keeps its
// status; the session only links user, customer and price to it.
func (h *stripeHandlers) checkoutCompleted(ctx context.Context, ev *models.WebhookEvent) error {
	var session stripego.CheckoutSession
	if err := decodeObject(ev, &session); err != nil {
		return err
	}
	log := h.log.WithFields(logrus.Fields{"event_id": ev.EventID, "session_id": session.ID})

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if !validUserID(userID) {
		log.WithField("user_id", userID).Warn("checkout session has no usable user id; skipping")
		return nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		log.Info("checkout session created no subscription; skipping")
		return nil
	}

	existing, err := h.subs.GetSubscriptionByStripeID(ctx, session.Subscription.ID)
	if err != nil {
		return err
	}

	sub := &models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: session.Subscription.ID,
		PriceID:              session.Metadata["price_id"],
		Status:               models.SubscriptionActive,
	}
	if existing != nil {
		sub.Status = existing.Status
		sub.CurrentPeriodStart = existing.CurrentPeriodStart
		sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
		sub.CanceledAt = existing.CanceledAt
		if existing.PriceID != "" {
			sub.PriceID = existing.PriceID
		}
	}
	if session.Customer != nil {
		sub.StripeCustomerID = session.Customer.ID
	}
	if err := h.subs.UpsertSubscription(ctx, sub); err != nil {
		return err
	}

	log = log.WithFields(logrus.Fields{"user_id": userID, "price_id": sub.PriceID, "status": sub.Status})
	if !sub.IsActive() {
		log.Info("checkout linked to inactive subscription")
		return nil
	}
	log.Info("subscription activated by checkout")
	h.announce(ctx, sub, log)
	return nil
}

// subscriptionChanged mirrors a subscription object into its record.
func (h *stripeHandlers) subscriptionChanged(ctx context.Context, ev *models.WebhookEvent) error {
	var s stripego.Subscription
	if err := decodeObject(ev, &s); err != nil {
		return err
	}
	if s.ID == "" {
		return errors.New("subscription event without id")
	}
	log := h.log.WithFields(logrus.Fields{"event_id": ev.EventID, "stripe_subscription_id": s.ID})

	existing, err := h.subs.GetSubscriptionByStripeID(ctx, s.ID)
	if err != nil {
		return err
	}

	userID := s.Metadata["user_id"]
	if !validUserID(userID) && existing != nil {
		userID = existing.UserID
	}
	if !validUserID(userID) {
		// The checkout event that links the user may not have been processed yet.
		return fmt.Errorf("subscription %s is not linked to a user yet", s.ID)
	}

	sub := &models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: s.ID,
		PriceID:              s.Metadata["price_id"],
		Status:               models.SubscriptionStatus(s.Status),
		CurrentPeriodStart:   unixTime(s.CurrentPeriodStart),
		CurrentPeriodEnd:     unixTime(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
		CanceledAt:           unixTime(s.CanceledAt),
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		sub.PriceID = s.Items.Data[0].Price.ID
	}
	if s.Customer != nil {
		sub.StripeCustomerID = s.Customer.ID
	}

	if err := h.subs.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"user_id": userID, "status": sub.Status}).Info("subscription updated")

	if sub.IsActive() && (existing == nil || !existing.IsActive()) {
		h.announce(ctx, sub, log)
	}
	return nil
}

// subscriptionDeleted marks the record canceled.
func (h *stripeHandlers) subscriptionDeleted(ctx context.Context, ev *models.WebhookEvent) error {
	var s stripego.Subscription
	if err := decodeObject(ev, &s); err != nil {
		return err
	}

	err := h.subs.MarkSubscriptionStatus(ctx, s.ID, models.SubscriptionCanceled)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		h.log.WithField("stripe_subscription_id", s.ID).Info("deleted subscription was never recorded")
		return nil
	}
	return err
}

func (h *stripeHandlers) announce(ctx context.Context, sub *models.Subscription, log logrus.FieldLogger) {
	if h.notifier == nil {
		return
	}
	err := h.notifier.Publish(ctx, notify.Activation{
		UserID:               sub.UserID,
		PriceID:              sub.PriceID,
		StripeSubscriptionID: sub.StripeSubscriptionID,
	})
	if err != nil {
		log.WithError(err).Warn("failed to publish activation")
	}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
