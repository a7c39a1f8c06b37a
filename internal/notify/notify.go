// Package notify carries subscription activation signals from the webhook
// worker to requests waiting on a checkout result.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when publishing on or subscribing to a closed notifier.
var ErrClosed = errors.New("notify: closed")

// Activation reports that a user's subscription became active.
type Activation struct {
	UserID               string    `json:"user_id"`
	PriceID              string    `json:"price_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id,omitempty"`
	At                   time.Time `json:"at"`
}

// Subscription delivers activations for one user until closed.
type Subscription interface {
	C() <-chan Activation
	Close() error
}

// Notifier publishes and subscribes to activations.
type Notifier interface {
	Publish(ctx context.Context, a Activation) error
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

// Memory is an in-process Notifier. It is used when no Redis is configured
// and only reaches waiters in the same process.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory returns an empty in-process notifier.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	m      *Memory
	userID string
	ch     chan Activation
	once   sync.Once
}

func (s *memorySub) C() <-chan Activation { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		if set, ok := s.m.subs[s.userID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.m.subs, s.userID)
			}
		}
		s.m.mu.Unlock()
	})
	return nil
}

// Subscribe registers interest in activations for userID.
func (m *Memory) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{m: m, userID: userID, ch: make(chan Activation, 1)}
	set, ok := m.subs[userID]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[userID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Publish hands a to every current subscriber of a.UserID. Subscribers that
// already hold an undelivered activation are skipped.
func (m *Memory) Publish(ctx context.Context, a Activation) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[a.UserID] {
		select {
		case sub.ch <- a:
		default:
		}
	}
	return nil
}

// Close drops all subscribers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[string]map[*memorySub]struct{})
	return nil
}
