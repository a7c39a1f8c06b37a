package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	return NewClient(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
		APIURL:        srv.URL,
		AppBaseURL:    "https://app.example.com/",
		HTTPClient:    srv.Client(),
	}, logger)
}

func TestCreateCheckoutSession(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "price_abc", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "user-1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "a@example.com", r.PostForm.Get("customer_email"))
		assert.Equal(t, "user-1", r.PostForm.Get("subscription_data[metadata][user_id]"))
		assert.Equal(t, "https://app.example.com/success?session_id={CHECKOUT_SESSION_ID}", r.PostForm.Get("success_url"))
		assert.Equal(t, "https://app.example.com/pricing", r.PostForm.Get("cancel_url"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","status":"open","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	})

	id, url, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{
		PriceID: "price_abc",
		UserID:  "user-1",
		Email:   "a@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", id)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", url)
}

func TestCreateCheckoutSessionAPIError(t *testing.T) {
	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
	})

	_, _, err := client.CreateCheckoutSession(context.Background(), CheckoutParams{PriceID: "price_missing", UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No such price")
	assert.Equal(t, 1, calls)
}

func TestRedirectToCheckout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/checkout/sessions/cs_open":
			_, _ = w.Write([]byte(`{"id":"cs_open","status":"open","url":"https://checkout.stripe.com/c/pay/cs_open"}`))
		case "/v1/checkout/sessions/cs_done":
			_, _ = w.Write([]byte(`{"id":"cs_done","status":"complete","url":""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such checkout.session"}}`))
		}
	})

	url, err := client.RedirectToCheckout(context.Background(), "cs_open")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_open", url)

	_, err = client.RedirectToCheckout(context.Background(), "cs_done")
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	_, err = client.RedirectToCheckout(context.Background(), "cs_missing")
	assert.Error(t, err)

	_, err = client.RedirectToCheckout(context.Background(), "")
	assert.Error(t, err)
}

func TestConstructEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected API call %s", r.URL.Path)
	})

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": map[string]any{"id": "cs_1", "object": "checkout.session"}},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	event, err := client.ConstructEvent(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.EqualValues(t, "checkout.session.completed", event.Type)

	_, err = client.ConstructEvent(payload, "t=1,v1=bogus")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = client.ConstructEvent(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	unconfigured := NewClient(Config{SecretKey: "sk"}, nil)
	_, err = unconfigured.ConstructEvent(payload, signed.Header)
	assert.True(t, errors.Is(err, ErrWebhookSecretMissing))
	assert.False(t, unconfigured.WebhookConfigured())
}
