package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	stripego "github.com/stripe/stripe-go/v78"

	"github.com/PortNumber53/ada-education/backend/internal/models"
)

const maxWebhookBody = 65536

// EventVerifier checks webhook signatures.
type EventVerifier interface {
	WebhookConfigured() bool
	ConstructEvent(payload []byte, signature string) (stripego.Event, error)
}

// EventInbox queues verified webhook events for the worker.
type EventInbox interface {
	EnqueueEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error)
}

// StripeWebhook verifies and queues Stripe webhook deliveries. Processing
// happens in the worker; redelivered events are acknowledged as duplicates.
func StripeWebhook(verifier EventVerifier, inbox EventInbox, log logrus.FieldLogger) http.HandlerFunc {
	log = log.WithField("component", "webhook")
	return func(w http.ResponseWriter, r *http.Request) {
		if !verifier.WebhookConfigured() {
			writeError(w, http.StatusServiceUnavailable, "webhook_disabled", "webhook secret not configured")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to read body")
			return
		}
		if len(body) > maxWebhookBody {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "payload too large")
			return
		}

		event, err := verifier.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			log.WithError(err).Warn("rejected webhook delivery")
			writeError(w, http.StatusBadRequest, "invalid_signature", "invalid webhook signature")
			return
		}
		if event.ID == "" || event.Type == "" {
			writeError(w, http.StatusBadRequest, "invalid_event", "event id and type are required")
			return
		}

		fields := logrus.Fields{"event_id": event.ID, "event_type": event.Type}
		isNew, err := inbox.EnqueueEvent(r.Context(), &models.WebhookEvent{
			EventID:   event.ID,
			EventType: string(event.Type),
			Payload:   body,
		})
		if err != nil {
			log.WithError(err).WithFields(fields).Error("failed to queue webhook event")
			// A non-2xx answer makes Stripe redeliver.
			writeError(w, http.StatusInternalServerError, "enqueue_failed", "failed to queue event")
			return
		}

		status := "queued"
		if !isNew {
			status = "duplicate"
		}
		log.WithFields(fields).WithField("status", status).Info("webhook event received")
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": status})
	}
}

