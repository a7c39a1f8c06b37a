// Package identity talks to the hosted identity provider (Supabase GoTrue) and
// carries the authenticated session explicitly through every call that needs a
// user. There is no process-wide "current user".
package identity

import (
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned when the provider rejects a sign-in or sign-up.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrUnauthorized is returned when an access token is missing, expired or revoked.
	ErrUnauthorized = errors.New("identity: unauthorized")
)

// User is the subset of the provider's user record the service relies on.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an authenticated user together with the tokens that prove it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Authenticated reports whether s identifies a user. A nil session is not authenticated.
func (s *Session) Authenticated() bool {
	return s != nil && s.User.ID != ""
}

// Expired reports whether the access token is past its expiry at now.
// Sessions without a known expiry never expire locally.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
