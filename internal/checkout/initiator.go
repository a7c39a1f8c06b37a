// Package checkout starts a hosted payment checkout for a catalog plan on
// behalf of an authenticated user.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
)

var (
	// ErrAuthenticationRequired is returned when checkout is attempted without a signed-in user.
	ErrAuthenticationRequired = errors.New("checkout: authentication required")
	// ErrUnknownPlan is returned for a price id that is not in the catalog.
	ErrUnknownPlan = errors.New("checkout: unknown plan")
	// ErrCheckoutCreationFailed is returned when the checkout endpoint fails or
	// answers without a usable session id.
	ErrCheckoutCreationFailed = errors.New("checkout: failed to create checkout session")
)

// ProcessorError wraps an error reported by the payment processor's redirect
// entry point.
type ProcessorError struct {
	Err error
}

func (e *ProcessorError) Error() string {
	return "checkout: payment processor: " + e.Err.Error()
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Redirector hands a checkout session to the payment processor and returns
// the location the customer must be sent to.
type Redirector interface {
	RedirectToCheckout(ctx context.Context, sessionID string) (string, error)
}

// Redirect is where the customer goes next.
type Redirect struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Request is the body sent to the checkout-creation endpoint.
type Request struct {
	PriceID   string `json:"priceId"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail"`
}

// Response is the checkout-creation endpoint's answer.
type Response struct {
	SessionID string `json:"sessionId"`
}

var checkoutAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "checkout_attempts_total",
		Help: "Checkout attempts by outcome.",
	},
	[]string{"outcome"},
)

// Config configures an Initiator.
type Config struct {
	// EndpointURL is the checkout-creation function.
	EndpointURL string
	// FunctionKey is sent as the bearer token to EndpointURL.
	FunctionKey string
	HTTPClient  *http.Client
}

// Initiator creates checkout sessions.
type Initiator struct {
	endpoint    string
	functionKey string
	httpClient  *http.Client
	catalog     *catalog.Catalog
	redirector  Redirector
	log         logrus.FieldLogger
}

// NewInitiator creates an Initiator.
func NewInitiator(cfg Config, cat *catalog.Catalog, redirector Redirector, log logrus.FieldLogger) *Initiator {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Initiator{
		endpoint:    cfg.EndpointURL,
		functionKey: cfg.FunctionKey,
		httpClient:  httpClient,
		catalog:     cat,
		redirector:  redirector,
		log:         log.WithField("component", "checkout"),
	}
}

// StartCheckout creates a checkout session for priceID and resolves where the
// customer must be redirected. It makes a single attempt; on any error no
// redirect is produced.
func (i *Initiator) StartCheckout(ctx context.Context, session *identity.Session, priceID string) (*Redirect, error) {
	if !session.Authenticated() {
		checkoutAttempts.WithLabelValues("unauthenticated").Inc()
		return nil, ErrAuthenticationRequired
	}
	if _, ok := i.catalog.Find(priceID); !ok {
		checkoutAttempts.WithLabelValues("unknown_plan").Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, priceID)
	}

	log := i.log.WithFields(logrus.Fields{"user_id": session.User.ID, "price_id": priceID})

	sessionID, err := i.createSession(ctx, Request{
		PriceID:   priceID,
		UserID:    session.User.ID,
		UserEmail: session.User.Email,
	})
	if err != nil {
		checkoutAttempts.WithLabelValues("creation_failed").Inc()
		log.WithError(err).Error("checkout session creation failed")
		return nil, err
	}

	url, err := i.redirector.RedirectToCheckout(ctx, sessionID)
	if err != nil {
		checkoutAttempts.WithLabelValues("processor_error").Inc()
		log.WithError(err).WithField("session_id", sessionID).Error("payment processor rejected redirect")
		return nil, &ProcessorError{Err: err}
	}

	checkoutAttempts.WithLabelValues("redirected").Inc()
	log.WithField("session_id", sessionID).Info("redirecting to checkout")
	return &Redirect{SessionID: sessionID, URL: url}, nil
}

func (i *Initiator) createSession(ctx context.Context, body Request) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrCheckoutCreationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCheckoutCreationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+i.functionKey)

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCheckoutCreationFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrCheckoutCreationFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: endpoint returned %d", ErrCheckoutCreationFailed, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", ErrCheckoutCreationFailed, err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: missing sessionId", ErrCheckoutCreationFailed)
	}
	return out.SessionID, nil
}
