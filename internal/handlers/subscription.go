package handlers

import (
	"context"
	"net/http"

	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
	"github.com/PortNumber53/ada-education/backend/internal/subscription"
)

// StatusResolver reports a user's subscription.
type StatusResolver interface {
	GetCurrentSubscription(ctx context.Context, session *identity.Session) subscription.Status
	ResolveAfterCheckout(ctx context.Context, session *identity.Session) subscription.Status
}

// CurrentSubscription reports the caller's subscription. Anonymous callers
// and lookup failures both report the free plan.
func CurrentSubscription(resolver StatusResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := resolver.GetCurrentSubscription(r.Context(), middleware.SessionFrom(r.Context()))
		writeJSON(w, http.StatusOK, status)
	}
}

// CheckoutResult waits for the caller's just-paid subscription to activate.
// It answers with state "pending" when activation is not observed in time.
func CheckoutResult(resolver StatusResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := middleware.SessionFrom(r.Context())
		if !session.Authenticated() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}
		writeJSON(w, http.StatusOK, resolver.ResolveAfterCheckout(r.Context(), session))
	}
}
