package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/checkout"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
	"github.com/PortNumber53/ada-education/backend/internal/stripe"
)

// SessionCreator creates processor checkout sessions.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (sessionID, sessionURL string, err error)
}

// CreateCheckoutFunction serves the checkout-creation endpoint. The body is a
// checkout.Request and the answer a checkout.Response.
//
// A caller holding the internal API key may create a session for any user.
// Any other bearer token must resolve to a signed-in user through auth, and
// the session is created for that user only.
func CreateCheckoutFunction(apiKey string, auth middleware.TokenAuthenticator, cat *catalog.Catalog, creator SessionCreator, log logrus.FieldLogger) http.HandlerFunc {
	log = log.WithField("component", "create-checkout")
	return func(w http.ResponseWriter, r *http.Request) {
		token := middleware.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}

		trusted := validAPIKey(r, apiKey)
		var caller *identity.Session
		if !trusted {
			if auth != nil {
				caller, _ = auth.Authenticate(r.Context(), token)
			}
			if !caller.Authenticated() {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}
		}

		var req checkout.Request
		if !decodeJSON(w, r, &req) {
			return
		}
		req.PriceID = strings.TrimSpace(req.PriceID)
		req.UserID = strings.TrimSpace(req.UserID)
		req.UserEmail = strings.TrimSpace(req.UserEmail)

		if caller != nil {
			if req.UserID != "" && req.UserID != caller.User.ID {
				log.WithFields(logrus.Fields{"user_id": caller.User.ID, "requested_user_id": req.UserID}).Warn("checkout requested for another user")
				writeError(w, http.StatusForbidden, "user_mismatch", "userId does not match the signed-in user")
				return
			}
			req.UserID = caller.User.ID
			if req.UserEmail == "" {
				req.UserEmail = caller.User.Email
			}
		}

		if _, ok := cat.Find(req.PriceID); !ok {
			writeError(w, http.StatusBadRequest, "unknown_plan", "priceId is not a known plan")
			return
		}
		if _, err := uuid.Parse(req.UserID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "userId must be a UUID")
			return
		}

		sessionID, _, err := creator.CreateCheckoutSession(r.Context(), stripe.CheckoutParams{
			PriceID: req.PriceID,
			UserID:  req.UserID,
			Email:   req.UserEmail,
		})
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"user_id": req.UserID, "price_id": req.PriceID}).Error("stripe checkout session failed")
			writeError(w, http.StatusBadGateway, "processor_error", "failed to create checkout session")
			return
		}

		writeJSON(w, http.StatusOK, checkout.Response{SessionID: sessionID})
	}
}

func validAPIKey(r *http.Request, key string) bool {
	token := middleware.BearerToken(r)
	return key != "" && subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}
