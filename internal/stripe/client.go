package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

var (
	// ErrSessionNotOpen is returned when a checkout session can no longer be paid.
	ErrSessionNotOpen = errors.New("stripe: checkout session is not open")
	// ErrWebhookSecretMissing is returned when webhook verification is not configured.
	ErrWebhookSecretMissing = errors.New("stripe: webhook secret not configured")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
)

// Config configures a Client.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the API host, e.g. for stripe-mock.
	APIURL     string
	AppBaseURL string
	HTTPClient *http.Client
}

// Client wraps the Stripe calls the service needs behind an explicit
// client.API, so no package-level key is ever set.
type Client struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
	log           logrus.FieldLogger
}

// NewClient creates a new Stripe API client. Network retries are disabled:
// each call is a single attempt.
func NewClient(cfg Config, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "stripe")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	backendCfg := func() *stripego.BackendConfig {
		bc := &stripego.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripego.Int64(0),
			LeveledLogger:     log,
		}
		if cfg.APIURL != "" {
			bc.URL = stripego.String(strings.TrimRight(cfg.APIURL, "/"))
		}
		return bc
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg()),
		Connect: stripego.GetBackendWithConfig(stripego.ConnectBackend, backendCfg()),
		Uploads: stripego.GetBackendWithConfig(stripego.UploadsBackend, backendCfg()),
	})

	base := strings.TrimRight(cfg.AppBaseURL, "/")
	return &Client{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		successURL:    base + "/success?session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     base + "/pricing",
		log:           log,
	}
}

// CheckoutParams identifies who is buying what.
type CheckoutParams struct {
	PriceID string
	UserID  string
	Email   string
}

// CreateCheckoutSession creates a Stripe Checkout session for a subscription.
// The user and price are recorded on both the session and the resulting
// subscription so webhooks can be attributed.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (sessionID, sessionURL string, err error) {
	metadata := map[string]string{"user_id": p.UserID, "price_id": p.PriceID}

	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModeSubscription)),
		SuccessURL:        stripego.String(c.successURL),
		CancelURL:         stripego.String(c.cancelURL),
		ClientReferenceID: stripego.String(p.UserID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				Price:    stripego.String(p.PriceID),
				Quantity: stripego.Int64(1),
			},
		},
		SubscriptionData: &stripego.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripego.String(p.Email)
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	if sess.ID == "" {
		return "", "", fmt.Errorf("create checkout session: missing session ID in response")
	}

	c.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"price_id":   p.PriceID,
		"user_id":    p.UserID,
	}).Info("created checkout session")
	return sess.ID, sess.URL, nil
}

// RedirectToCheckout resolves a checkout session handle to the hosted page the
// customer must be sent to.
func (c *Client) RedirectToCheckout(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("redirect to checkout: empty session id")
	}

	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return "", fmt.Errorf("redirect to checkout: %w", err)
	}
	if sess.Status != "" && sess.Status != stripego.CheckoutSessionStatusOpen {
		return "", fmt.Errorf("redirect to checkout: %w (status %s)", ErrSessionNotOpen, sess.Status)
	}
	if sess.URL == "" {
		return "", fmt.Errorf("redirect to checkout: session %s has no URL", sessionID)
	}
	return sess.URL, nil
}

// ConstructEvent verifies a webhook payload against its Stripe-Signature
// header and decodes it.
func (c *Client) ConstructEvent(payload []byte, signature string) (stripego.Event, error) {
	if c.webhookSecret == "" {
		return stripego.Event{}, ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signature) == "" {
		return stripego.Event{}, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripego.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// WebhookConfigured reports whether a webhook secret is set.
func (c *Client) WebhookConfigured() bool {
	return c.webhookSecret != ""
}
