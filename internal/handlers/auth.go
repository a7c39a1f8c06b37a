package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
)

// IdentityProvider is the subset of the identity client used by the auth routes.
type IdentityProvider interface {
	SignIn(ctx context.Context, creds identity.Credentials) (*identity.Session, error)
	SignUp(ctx context.Context, creds identity.Credentials) (*identity.Session, *identity.User, error)
	SignOut(ctx context.Context, session *identity.Session) error
}

// AuthHandler serves sign-up, sign-in and sign-out and announces every
// auth-state transition on Events.
type AuthHandler struct {
	Provider IdentityProvider
	Events   *identity.Events
	Log      logrus.FieldLogger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(provider IdentityProvider, events *identity.Events, log logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{Provider: provider, Events: events, Log: log.WithField("component", "auth")}
}

// RegisterRoutes registers the auth routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/auth/signup", h.SignUp())
	router.Post("/api/auth/signin", h.SignIn())
	router.Post("/api/auth/signout", h.SignOut())
	router.Get("/api/auth/session", h.CurrentSession())
}

// SignUpResponse is returned after an account is created. Session is nil when
// the provider requires e-mail confirmation first.
type SignUpResponse struct {
	User                 *identity.User    `json:"user"`
	Session              *identity.Session `json:"session"`
	ConfirmationRequired bool              `json:"confirmation_required"`
}

// SignUp validates and registers a new account.
func (h *AuthHandler) SignUp() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req identity.SignUpRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Normalize()
		if err := req.Validate(); err != nil {
			writeValidationError(w, err)
			return
		}

		session, user, err := h.Provider.SignUp(r.Context(), req.Credentials())
		if err != nil {
			h.writeProviderError(w, "sign up", err)
			return
		}

		if session != nil {
			h.publish(r.Context(), identity.EventSignedIn, session)
		}
		h.Log.WithField("user_id", user.ID).Info("account created")

		writeJSON(w, http.StatusCreated, SignUpResponse{
			User:                 user,
			Session:              session,
			ConfirmationRequired: session == nil,
		})
	}
}

// SignIn exchanges credentials for a session.
func (h *AuthHandler) SignIn() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creds identity.Credentials
		if !decodeJSON(w, r, &creds) {
			return
		}
		creds.Normalize()
		if err := creds.Validate(); err != nil {
			writeValidationError(w, err)
			return
		}

		session, err := h.Provider.SignIn(r.Context(), creds)
		if err != nil {
			h.writeProviderError(w, "sign in", err)
			return
		}

		h.publish(r.Context(), identity.EventSignedIn, session)
		h.Log.WithField("user_id", session.User.ID).Info("signed in")
		writeJSON(w, http.StatusOK, map[string]any{"session": session})
	}
}

// SignOut revokes the caller's session. signed_out is published even when the
// provider call fails.
func (h *AuthHandler) SignOut() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := middleware.SessionFrom(r.Context())
		if !session.Authenticated() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}

		if err := h.Provider.SignOut(r.Context(), session); err != nil {
			h.Log.WithError(err).WithField("user_id", session.User.ID).Warn("provider sign out failed")
		}

		h.publish(r.Context(), identity.EventSignedOut, session)
		w.WriteHeader(http.StatusNoContent)
	}
}

// CurrentSession reports the user behind the bearer token.
func (h *AuthHandler) CurrentSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := middleware.SessionFrom(r.Context())
		if !session.Authenticated() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": session.User})
	}
}

func (h *AuthHandler) publish(ctx context.Context, typ identity.EventType, session *identity.Session) {
	if h.Events == nil {
		return
	}
	// Detached from the request so a client disconnect does not drop the transition.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := h.Events.Publish(ctx, identity.AuthEvent{Type: typ, Session: session, At: time.Now().UTC()}); err != nil {
		h.Log.WithError(err).WithField("event", typ).Warn("failed to publish auth event")
	}
}

func (h *AuthHandler) writeProviderError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, identity.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid e-mail or password")
		return
	}
	h.Log.WithError(err).Errorf("%s failed", op)
	writeError(w, http.StatusBadGateway, "identity_unavailable", "identity provider unavailable")
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verr *identity.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:  "invalid request",
			Code:   "validation_failed",
			Fields: verr.Fields,
		})
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
}
