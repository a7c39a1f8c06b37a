package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/models"
	"github.com/PortNumber53/ada-education/backend/internal/store"
)

// EventLookup reads the webhook inbox.
type EventLookup interface {
	GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	EventStats(ctx context.Context) (*models.EventStats, error)
}

// WorkerStats reports processing counters.
type WorkerStats interface {
	GetStats() models.WorkerStats
}

// WebhookEventHandler exposes inbox state for operators. Every route requires
// the internal API key as a bearer token; with no key configured every request
// is refused.
type WebhookEventHandler struct {
	Events EventLookup
	Worker WorkerStats
	APIKey string
	Log    logrus.FieldLogger
}

// RegisterRoutes registers the inbox routes.
func (h *WebhookEventHandler) RegisterRoutes(router chi.Router) {
	router.Get("/internal/webhook-events/stats", h.Stats())
	router.Get("/internal/webhook-events/{eventID}", h.Get())
}

// Stats returns inbox counts by status together with the worker's counters.
func (h *WebhookEventHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validAPIKey(r, h.APIKey) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}

		stats, err := h.Events.EventStats(r.Context())
		if err != nil {
			h.Log.WithError(err).Error("failed to read webhook event stats")
			writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve event statistics")
			return
		}

		resp := map[string]any{"inbox": stats}
		if h.Worker != nil {
			resp["worker"] = h.Worker.GetStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Get returns one inbox entry by Stripe event id, without its payload.
func (h *WebhookEventHandler) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !validAPIKey(r, h.APIKey) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}

		ev, err := h.Events.GetByEventID(r.Context(), chi.URLParam(r, "eventID"))
		if errors.Is(err, store.ErrEventNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "event not found")
			return
		}
		if err != nil {
			h.Log.WithError(err).Error("failed to read webhook event")
			writeError(w, http.StatusInternalServerError, "internal", "failed to retrieve event")
			return
		}

		ev.Payload = nil
		writeJSON(w, http.StatusOK, ev)
	}
}
