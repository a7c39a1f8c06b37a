// Package subscription answers "what is this user subscribed to" from the
// persisted subscription records.
package subscription

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/models"
	"github.com/PortNumber53/ada-education/backend/internal/notify"
)

// State is the client-visible subscription state.
type State string

const (
	StateFree    State = "free"
	StateActive  State = "active"
	StatePending State = "pending"
)

const (
	FreeLabel    = "Free Plan"
	GenericLabel = "Active Subscription"
	PendingLabel = "Your subscription is being activated"
)

// Status is the resolved subscription of one user.
type Status struct {
	State   State         `json:"state"`
	Label   string        `json:"label"`
	PriceID string        `json:"price_id,omitempty"`
	Plan    *catalog.Plan `json:"plan,omitempty"`
}

// Records reads persisted subscriptions.
type Records interface {
	GetActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
}

var (
	resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_resolutions_total",
			Help: "Subscription status resolutions by resulting state.",
		},
		[]string{"state"},
	)
	queryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_status_query_failures_total",
			Help: "Subscription lookups that failed and were reported as free.",
		},
	)
)

// PollConfig bounds the wait for a subscription after checkout.
type PollConfig struct {
	SettleDelay     time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxWait         time.Duration
}

// DefaultPollConfig returns the post-checkout polling defaults.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		SettleDelay:     2 * time.Second,
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
		MaxWait:         30 * time.Second,
	}
}

// Resolver maps a session to its subscription status.
type Resolver struct {
	records  Records
	catalog  *catalog.Catalog
	notifier notify.Notifier
	poll     PollConfig
	log      logrus.FieldLogger
}

// NewResolver creates a Resolver. notifier may be nil, in which case
// post-checkout resolution relies on polling alone.
func NewResolver(records Records, cat *catalog.Catalog, notifier notify.Notifier, poll PollConfig, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	def := DefaultPollConfig()
	if poll.InitialInterval <= 0 {
		poll.InitialInterval = def.InitialInterval
	}
	if poll.MaxInterval <= 0 {
		poll.MaxInterval = def.MaxInterval
	}
	if poll.Multiplier < 1 {
		poll.Multiplier = def.Multiplier
	}
	if poll.MaxWait <= 0 {
		poll.MaxWait = def.MaxWait
	}
	if poll.SettleDelay < 0 {
		poll.SettleDelay = 0
	}
	return &Resolver{
		records:  records,
		catalog:  cat,
		notifier: notifier,
		poll:     poll,
		log:      log.WithField("component", "subscription"),
	}
}

// Free is the status of a user without an active subscription.
func Free() Status {
	return Status{State: StateFree, Label: FreeLabel}
}

// GetCurrentSubscription returns the user's active subscription, or Free when
// there is none. Lookup failures are logged and reported as Free.
func (r *Resolver) GetCurrentSubscription(ctx context.Context, session *identity.Session) Status {
	status, _ := r.lookup(ctx, session)
	resolutions.WithLabelValues(string(status.State)).Inc()
	return status
}

// lookup reports found=false when no active record was seen, including when
// the query failed.
func (r *Resolver) lookup(ctx context.Context, session *identity.Session) (Status, bool) {
	if !session.Authenticated() {
		return Free(), false
	}

	sub, err := r.records.GetActiveSubscription(ctx, session.User.ID)
	if err != nil {
		queryFailures.Inc()
		r.log.WithError(err).WithField("user_id", session.User.ID).Error("failed to fetch subscription")
		return Free(), false
	}
	if !sub.IsActive() {
		return Free(), false
	}
	return r.describe(sub.PriceID), true
}

func (r *Resolver) describe(priceID string) Status {
	status := Status{State: StateActive, PriceID: priceID, Label: GenericLabel}
	if plan, ok := r.catalog.Find(priceID); ok {
		status.Plan = &plan
		status.Label = plan.Name
	}
	return status
}

// ResolveAfterCheckout waits for a just-paid subscription to appear. It sleeps
// for the settle delay, then polls with bounded exponential backoff, returning
// early when an activation for the user is pushed. When the bound is exhausted
// or ctx ends first the result is Pending.
func (r *Resolver) ResolveAfterCheckout(ctx context.Context, session *identity.Session) Status {
	if !session.Authenticated() {
		resolutions.WithLabelValues(string(StateFree)).Inc()
		return Free()
	}
	log := r.log.WithField("user_id", session.User.ID)

	ctx, cancel := context.WithTimeout(ctx, r.poll.SettleDelay+r.poll.MaxWait)
	defer cancel()

	activations := r.subscribe(ctx, session.User.ID, log)

	if r.poll.SettleDelay > 0 {
		timer := time.NewTimer(r.poll.SettleDelay)
		select {
		case <-timer.C:
		case a := <-activations:
			timer.Stop()
			return r.activated(a, log)
		case <-ctx.Done():
			timer.Stop()
			return r.pending(log)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.poll.InitialInterval
	b.MaxInterval = r.poll.MaxInterval
	b.Multiplier = r.poll.Multiplier
	b.MaxElapsedTime = r.poll.MaxWait
	b.Reset()
	policy := backoff.WithContext(b, ctx)

	for attempt := 1; ; attempt++ {
		if status, found := r.lookup(ctx, session); found {
			log.WithField("attempt", attempt).Info("subscription active after checkout")
			resolutions.WithLabelValues(string(StateActive)).Inc()
			return status
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return r.pending(log)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case a := <-activations:
			timer.Stop()
			return r.activated(a, log)
		case <-ctx.Done():
			timer.Stop()
			return r.pending(log)
		}
	}
}

// subscribe returns activations for userID until ctx ends. A nil channel is
// returned when no notifier is configured or subscribing fails.
func (r *Resolver) subscribe(ctx context.Context, userID string, log logrus.FieldLogger) <-chan notify.Activation {
	if r.notifier == nil {
		return nil
	}
	sub, err := r.notifier.Subscribe(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("activation notifications unavailable; polling only")
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub.C()
}

func (r *Resolver) activated(a notify.Activation, log logrus.FieldLogger) Status {
	log.WithField("price_id", a.PriceID).Info("subscription activation pushed")
	resolutions.WithLabelValues(string(StateActive)).Inc()
	return r.describe(a.PriceID)
}

func (r *Resolver) pending(log logrus.FieldLogger) Status {
	log.Info("subscription not active yet after checkout")
	resolutions.WithLabelValues(string(StatePending)).Inc()
	return Status{State: StatePending, Label: PendingLabel}
}
