package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/identity"
)

type contextKey string

const sessionKey contextKey = "session"

// TokenAuthenticator resolves a bearer token to a session.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*identity.Session, error)
}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *identity.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFrom returns the session stored by Authenticate, or nil.
func SessionFrom(ctx context.Context) *identity.Session {
	s, _ := ctx.Value(sessionKey).(*identity.Session)
	return s
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// Authenticate resolves the request's bearer token and stores the session in
// the request context. Requests without a valid token pass through
// unauthenticated; handlers decide whether that is an error.
func Authenticate(auth TokenAuthenticator, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			session, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				log.WithError(err).WithField("path", r.URL.Path).Debug("bearer token rejected")
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}
