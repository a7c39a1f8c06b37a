package identity

import (
	"context"
	"sync"
	"time"
)

// EventType names an auth-state transition.
type EventType string

const (
	EventSignedIn  EventType = "signed_in"
	EventSignedOut EventType = "signed_out"
)

// AuthEvent is one auth-state transition for one session.
type AuthEvent struct {
	Type    EventType
	Session *Session
	At      time.Time
}

const listenerBuffer = 16

// Listener receives auth events until it is unsubscribed.
type Listener struct {
	ch   chan AuthEvent
	done chan struct{}
	once sync.Once
}

// C returns the channel events are delivered on. It is never closed; select
// on Done to observe unsubscription.
func (l *Listener) C() <-chan AuthEvent {
	return l.ch
}

// Done is closed once the listener has been unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Events fans auth-state transitions out to subscribed listeners. Every
// listener registered when Publish starts receives the event exactly once.
type Events struct {
	mu        sync.Mutex
	listeners map[*Listener]struct{}
}

// NewEvents creates an empty event hub.
func NewEvents() *Events {
	return &Events{listeners: make(map[*Listener]struct{})}
}

// Subscribe registers a new listener.
func (e *Events) Subscribe() *Listener {
	l := &Listener{
		ch:   make(chan AuthEvent, listenerBuffer),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.listeners[l] = struct{}{}
	e.mu.Unlock()
	return l
}

// Unsubscribe removes l. Publishers blocked on l are released. Calling it
// more than once is a no-op.
func (e *Events) Unsubscribe(l *Listener) {
	if l == nil {
		return
	}
	e.mu.Lock()
	delete(e.listeners, l)
	e.mu.Unlock()
	l.once.Do(func() { close(l.done) })
}

// Len returns the number of subscribed listeners.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Publish delivers ev to every current listener. It blocks while a listener's
// buffer is full, until that listener drains, unsubscribes, or ctx ends.
func (e *Events) Publish(ctx context.Context, ev AuthEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	e.mu.Lock()
	targets := make([]*Listener, 0, len(e.listeners))
	for l := range e.listeners {
		targets = append(targets, l)
	}
	e.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- ev:
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
