package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// UserFetcher resolves an access token to its user.
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*User, error)
}

// Authenticator turns bearer tokens into sessions. Resolved sessions are kept
// in a short-lived LRU so each request does not round-trip to the provider.
type Authenticator struct {
	users UserFetcher
	cache *expirable.LRU[string, *Session]
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewAuthenticator creates an Authenticator caching up to size sessions for ttl.
func NewAuthenticator(users UserFetcher, size int, ttl time.Duration, log logrus.FieldLogger) *Authenticator {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Authenticator{
		users: users,
		cache: expirable.NewLRU[string, *Session](size, nil, ttl),
		log:   log.WithField("component", "authenticator"),
		now:   time.Now,
	}
}

// Authenticate returns the session for token or ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}

	if s, ok := a.cache.Get(token); ok {
		if !s.Expired(a.now()) {
			return s, nil
		}
		a.cache.Remove(token)
		return nil, ErrUnauthorized
	}

	user, err := a.users.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	s := &Session{AccessToken: token, User: *user}
	a.cache.Add(token, s)
	return s, nil
}

// Remember caches a session obtained from sign-in.
func (a *Authenticator) Remember(s *Session) {
	if s.Authenticated() && s.AccessToken != "" {
		a.cache.Add(s.AccessToken, s)
	}
}

// Forget drops a cached token.
func (a *Authenticator) Forget(token string) {
	a.cache.Remove(token)
}

// Watch keeps the cache in step with auth events until ctx ends: sign-ins are
// remembered and sign-outs evicted.
func (a *Authenticator) Watch(ctx context.Context, events *Events) {
	l := events.Subscribe()
	defer events.Unsubscribe(l)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.C():
			if ev.Session == nil {
				continue
			}
			switch ev.Type {
			case EventSignedIn:
				a.Remember(ev.Session)
			case EventSignedOut:
				a.Forget(ev.Session.AccessToken)
				a.log.WithField("user_id", ev.Session.User.ID).Debug("evicted signed-out session")
			}
		}
	}
}
