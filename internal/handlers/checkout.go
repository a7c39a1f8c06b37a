package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/checkout"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
)

// CheckoutStarter starts a checkout for an explicit session.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, session *identity.Session, priceID string) (*checkout.Redirect, error)
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

// Checkout starts a hosted checkout for the caller and redirects the browser
// to it with 303 See Other. Clients that accept JSON receive the redirect as
// {"session_id","url"} instead. No Location header is set on failure.
func Checkout(starter CheckoutStarter, log logrus.FieldLogger) http.HandlerFunc {
	log = log.WithField("component", "checkout")
	return func(w http.ResponseWriter, r *http.Request) {
		var priceID string
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var req checkoutRequest
			if !decodeJSON(w, r, &req) {
				return
			}
			priceID = req.PriceID
		} else {
			priceID = r.FormValue("price_id")
		}
		priceID = strings.TrimSpace(priceID)
		if priceID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "price_id is required")
			return
		}

		redirect, err := starter.StartCheckout(r.Context(), middleware.SessionFrom(r.Context()), priceID)
		if err != nil {
			writeCheckoutError(w, err, log)
			return
		}

		if wantsJSON(r) {
			writeJSON(w, http.StatusOK, redirect)
			return
		}
		http.Redirect(w, r, redirect.URL, http.StatusSeeOther)
	}
}

func writeCheckoutError(w http.ResponseWriter, err error, log logrus.FieldLogger) {
	var procErr *checkout.ProcessorError
	switch {
	case errors.Is(err, checkout.ErrAuthenticationRequired):
		writeError(w, http.StatusUnauthorized, "authentication_required", "sign in to subscribe")
	case errors.Is(err, checkout.ErrUnknownPlan):
		writeError(w, http.StatusNotFound, "unknown_plan", "plan not found")
	case errors.Is(err, checkout.ErrCheckoutCreationFailed):
		writeError(w, http.StatusBadGateway, "checkout_creation_failed", "failed to create checkout session")
	case errors.As(err, &procErr):
		writeError(w, http.StatusBadGateway, "processor_error", "payment processor unavailable")
	default:
		log.WithError(err).Error("unexpected checkout error")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
