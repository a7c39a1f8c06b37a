package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/checkout"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
	"github.com/PortNumber53/ada-education/backend/internal/models"
	"github.com/PortNumber53/ada-education/backend/internal/store"
	"github.com/PortNumber53/ada-education/backend/internal/stripe"
	"github.com/PortNumber53/ada-education/backend/internal/subscription"
)

const (
	testUserID     = "7b0c5a8e-1d2f-4a3b-9c4d-5e6f7a8b9c0d"
	personalYearly = "price_1SIevcHw9Rfrc8Pb6ZhYBByT"
)

var testSession = &identity.Session{
	AccessToken: "access-token",
	User:        identity.User{ID: testUserID, Email: "learner@example.com"},
}

func withSession(r *http.Request, s *identity.Session) *http.Request {
	return r.WithContext(middleware.WithSession(r.Context(), s))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestPlansGroupsCatalog(t *testing.T) {
	rec := httptest.NewRecorder()
	Plans(catalog.Default())(rec, httptest.NewRequest(http.MethodGet, "/api/plans", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Yearly []struct {
			PriceID string  `json:"price_id"`
			Popular bool    `json:"popular"`
			Savings *string `json:"savings"`
		} `json:"yearly"`
		Monthly []struct {
			PriceID string  `json:"price_id"`
			Savings *string `json:"savings"`
		} `json:"monthly"`
	}
	decodeBody(t, rec, &resp)

	require.Len(t, resp.Yearly, 2)
	require.Len(t, resp.Monthly, 2)
	for _, p := range resp.Yearly {
		assert.NotNil(t, p.Savings, p.PriceID)
	}
	for _, p := range resp.Monthly {
		assert.Nil(t, p.Savings, p.PriceID)
	}

	popular := 0
	for _, p := range resp.Yearly {
		if p.Popular {
			popular++
		}
	}
	assert.Equal(t, 1, popular)
}

type stubProvider struct {
	signInSession *identity.Session
	signInErr     error
	signUpSession *identity.Session
	signUpUser    *identity.User
	signOutCalls  int
}

func (p *stubProvider) SignIn(ctx context.Context, creds identity.Credentials) (*identity.Session, error) {
	return p.signInSession, p.signInErr
}

func (p *stubProvider) SignUp(ctx context.Context, creds identity.Credentials) (*identity.Session, *identity.User, error) {
	return p.signUpSession, p.signUpUser, nil
}

func (p *stubProvider) SignOut(ctx context.Context, session *identity.Session) error {
	p.signOutCalls++
	return errors.New("provider offline")
}

func newAuthHandler(p IdentityProvider, events *identity.Events) *AuthHandler {
	logger, _ := test.NewNullLogger()
	return NewAuthHandler(p, events, logger)
}

func jsonRequest(method, path, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestSignInPublishesSignedInOnce(t *testing.T) {
	events := identity.NewEvents()
	listener := events.Subscribe()
	defer events.Unsubscribe(listener)

	h := newAuthHandler(&stubProvider{signInSession: testSession}, events)
	rec := httptest.NewRecorder()
	h.SignIn()(rec, jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":" learner@example.com ","password":"secret"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case ev := <-listener.C():
		assert.Equal(t, identity.EventSignedIn, ev.Type)
		assert.Equal(t, testUserID, ev.Session.User.ID)
	default:
		t.Fatal("expected signed_in event")
	}
	select {
	case ev := <-listener.C():
		t.Fatalf("unexpected second event %v", ev.Type)
	default:
	}
}

func TestSignInRejections(t *testing.T) {
	h := newAuthHandler(&stubProvider{signInErr: identity.ErrInvalidCredentials}, nil)

	rec := httptest.NewRecorder()
	h.SignIn()(rec, jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"","password":""}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "Please fill in all fields", body.Fields["form"])

	rec = httptest.NewRecorder()
	h.SignIn()(rec, jsonRequest(http.MethodPost, "/api/auth/signin", `{"email":"a@b.co","password":"nope"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalid_credentials", body.Code)

	rec = httptest.NewRecorder()
	h.SignIn()(rec, jsonRequest(http.MethodPost, "/api/auth/signin", `{`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignUpAwaitingConfirmation(t *testing.T) {
	events := identity.NewEvents()
	listener := events.Subscribe()
	defer events.Unsubscribe(listener)

	h := newAuthHandler(&stubProvider{signUpUser: &identity.User{ID: testUserID, Email: "learner@example.com"}}, events)
	rec := httptest.NewRecorder()
	h.SignUp()(rec, jsonRequest(http.MethodPost, "/api/auth/signup",
		`{"email":"learner@example.com","password":"Passw0rdOK","confirm_password":"Passw0rdOK"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SignUpResponse
	decodeBody(t, rec, &resp)
	assert.True(t, resp.ConfirmationRequired)
	assert.Nil(t, resp.Session)
	assert.Len(t, listener.C(), 0)
}

func TestSignUpValidation(t *testing.T) {
	h := newAuthHandler(&stubProvider{}, nil)
	rec := httptest.NewRecorder()
	h.SignUp()(rec, jsonRequest(http.MethodPost, "/api/auth/signup",
		`{"email":"not-an-email","password":"short","confirm_password":"other"}`))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "validation_failed", body.Code)
	assert.Contains(t, body.Fields, "email")
	assert.Contains(t, body.Fields, "password")
}

func TestSignOut(t *testing.T) {
	events := identity.NewEvents()
	listener := events.Subscribe()
	defer events.Unsubscribe(listener)
	provider := &stubProvider{}
	h := newAuthHandler(provider, events)

	rec := httptest.NewRecorder()
	h.SignOut()(rec, httptest.NewRequest(http.MethodPost, "/api/auth/signout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, provider.signOutCalls)

	rec = httptest.NewRecorder()
	h.SignOut()(rec, withSession(httptest.NewRequest(http.MethodPost, "/api/auth/signout", nil), testSession))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, provider.signOutCalls)

	ev := <-listener.C()
	assert.Equal(t, identity.EventSignedOut, ev.Type)
}

func TestCurrentSession(t *testing.T) {
	h := newAuthHandler(&stubProvider{}, nil)

	rec := httptest.NewRecorder()
	h.CurrentSession()(rec, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.CurrentSession()(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/auth/session", nil), testSession))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		User identity.User `json:"user"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, testUserID, body.User.ID)
}

type stubStarter struct {
	redirect *checkout.Redirect
	err      error
	session  *identity.Session
	priceID  string
}

func (s *stubStarter) StartCheckout(ctx context.Context, session *identity.Session, priceID string) (*checkout.Redirect, error) {
	s.session = session
	s.priceID = priceID
	return s.redirect, s.err
}

func TestCheckoutRedirects(t *testing.T) {
	logger, _ := test.NewNullLogger()
	starter := &stubStarter{redirect: &checkout.Redirect{SessionID: "cs_1", URL: "https://checkout.stripe.com/c/pay/cs_1"}}
	h := Checkout(starter, logger)

	rec := httptest.NewRecorder()
	h(rec, withSession(jsonRequest(http.MethodPost, "/api/checkout", `{"price_id":"`+personalYearly+`"}`), testSession))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", rec.Header().Get("Location"))
	assert.Equal(t, personalYearly, starter.priceID)
	assert.Equal(t, testUserID, starter.session.User.ID)
}

func TestCheckoutJSONAndForm(t *testing.T) {
	logger, _ := test.NewNullLogger()
	starter := &stubStarter{redirect: &checkout.Redirect{SessionID: "cs_2", URL: "https://checkout.stripe.com/c/pay/cs_2"}}
	h := Checkout(starter, logger)

	r := httptest.NewRequest(http.MethodPost, "/api/checkout", strings.NewReader("price_id="+personalYearly))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h(rec, withSession(r, testSession))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	var redirect checkout.Redirect
	decodeBody(t, rec, &redirect)
	assert.Equal(t, "cs_2", redirect.SessionID)
}

func TestCheckoutErrorsCarryNoLocation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthenticated", checkout.ErrAuthenticationRequired, http.StatusUnauthorized, "authentication_required"},
		{"unknown plan", checkout.ErrUnknownPlan, http.StatusNotFound, "unknown_plan"},
		{"creation failed", checkout.ErrCheckoutCreationFailed, http.StatusBadGateway, "checkout_creation_failed"},
		{"processor", &checkout.ProcessorError{Err: errors.New("session expired")}, http.StatusBadGateway, "processor_error"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Checkout(&stubStarter{err: tc.err}, logger)(rec, jsonRequest(http.MethodPost, "/api/checkout", `{"price_id":"`+personalYearly+`"}`))

			assert.Equal(t, tc.status, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, tc.code, body.Code)
		})
	}
}

func TestCheckoutRequiresPrice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	starter := &stubStarter{}
	rec := httptest.NewRecorder()
	Checkout(starter, logger)(rec, jsonRequest(http.MethodPost, "/api/checkout", `{}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, starter.priceID)
}

type stubResolver struct {
	current, after subscription.Status
	afterCalls     int
}

func (s *stubResolver) GetCurrentSubscription(ctx context.Context, session *identity.Session) subscription.Status {
	if !session.Authenticated() {
		return subscription.Free()
	}
	return s.current
}

func (s *stubResolver) ResolveAfterCheckout(ctx context.Context, session *identity.Session) subscription.Status {
	s.afterCalls++
	return s.after
}

func TestSubscriptionRoutes(t *testing.T) {
	resolver := &stubResolver{
		current: subscription.Status{State: subscription.StateActive, Label: "ADA Education Personal Plan (Yearly)", PriceID: personalYearly},
		after:   subscription.Status{State: subscription.StatePending, Label: subscription.PendingLabel},
	}

	rec := httptest.NewRecorder()
	CurrentSubscription(resolver)(rec, httptest.NewRequest(http.MethodGet, "/api/subscription", nil))
	var status subscription.Status
	decodeBody(t, rec, &status)
	assert.Equal(t, subscription.StateFree, status.State)
	assert.Equal(t, subscription.FreeLabel, status.Label)

	rec = httptest.NewRecorder()
	CurrentSubscription(resolver)(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/subscription", nil), testSession))
	decodeBody(t, rec, &status)
	assert.Equal(t, "ADA Education Personal Plan (Yearly)", status.Label)

	rec = httptest.NewRecorder()
	CheckoutResult(resolver)(rec, httptest.NewRequest(http.MethodGet, "/api/subscription/checkout-result", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, resolver.afterCalls)

	rec = httptest.NewRecorder()
	CheckoutResult(resolver)(rec, withSession(httptest.NewRequest(http.MethodGet, "/api/subscription/checkout-result", nil), testSession))
	decodeBody(t, rec, &status)
	assert.Equal(t, subscription.StatePending, status.State)
}

type stubCreator struct {
	params stripe.CheckoutParams
	calls  int
	err    error
}

func (s *stubCreator) CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (string, string, error) {
	s.calls++
	s.params = p
	return "cs_fn", "https://checkout.stripe.com/c/pay/cs_fn", s.err
}

func functionRequest(key, body string) *http.Request {
	r := jsonRequest(http.MethodPost, "/functions/v1/create-checkout", body)
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

const (
	internalKey = "internal-secret"
	anonKey     = "anon-key"
)

type tokenAuth map[string]*identity.Session

func (a tokenAuth) Authenticate(ctx context.Context, token string) (*identity.Session, error) {
	if s, ok := a[token]; ok {
		return s, nil
	}
	return nil, identity.ErrUnauthorized
}

func newFunctionHandler(creator SessionCreator) http.HandlerFunc {
	logger, _ := test.NewNullLogger()
	auth := tokenAuth{testSession.AccessToken: testSession}
	return CreateCheckoutFunction(internalKey, auth, catalog.Default(), creator, logger)
}

func TestCreateCheckoutFunction(t *testing.T) {
	creator := &stubCreator{}
	h := newFunctionHandler(creator)

	body := `{"priceId":"` + personalYearly + `","userId":"` + testUserID + `","userEmail":"learner@example.com"}`

	rec := httptest.NewRecorder()
	h(rec, functionRequest("wrong", body))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, functionRequest(internalKey, `{"priceId":"price_unknown","userId":"`+testUserID+`"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h(rec, functionRequest(internalKey, `{"priceId":"`+personalYearly+`","userId":"not-a-uuid"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, creator.calls)

	rec = httptest.NewRecorder()
	h(rec, functionRequest(internalKey, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp checkout.Response
	decodeBody(t, rec, &resp)
	assert.Equal(t, "cs_fn", resp.SessionID)
	assert.Equal(t, stripe.CheckoutParams{PriceID: personalYearly, UserID: testUserID, Email: "learner@example.com"}, creator.params)
}

func TestCreateCheckoutFunctionRejectsAnonKey(t *testing.T) {
	creator := &stubCreator{}
	h := newFunctionHandler(creator)

	body := `{"priceId":"` + personalYearly + `","userId":"` + testUserID + `"}`
	for _, key := range []string{"", anonKey} {
		rec := httptest.NewRecorder()
		h(rec, functionRequest(key, body))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "key %q", key)
	}
	assert.Equal(t, 0, creator.calls)
}

func TestCreateCheckoutFunctionUsesCallerSession(t *testing.T) {
	creator := &stubCreator{}
	h := newFunctionHandler(creator)

	rec := httptest.NewRecorder()
	h(rec, functionRequest(testSession.AccessToken, `{"priceId":"`+personalYearly+`"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, stripe.CheckoutParams{PriceID: personalYearly, UserID: testSession.User.ID, Email: testSession.User.Email}, creator.params)

	other := "0f1e2d3c-4b5a-4978-8695-a4b3c2d1e0f9"
	rec = httptest.NewRecorder()
	h(rec, functionRequest(testSession.AccessToken, `{"priceId":"`+personalYearly+`","userId":"`+other+`"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1, creator.calls)
}

func TestCreateCheckoutFunctionProcessorFailure(t *testing.T) {
	h := newFunctionHandler(&stubCreator{err: errors.New("card_declined")})

	rec := httptest.NewRecorder()
	h(rec, functionRequest(internalKey, `{"priceId":"`+personalYearly+`","userId":"`+testUserID+`"}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "card_declined")
}

type fakeInbox struct {
	seen map[string]*models.WebhookEvent
	err  error
}

func (f *fakeInbox) EnqueueEvent(ctx context.Context, ev *models.WebhookEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, dup := f.seen[ev.EventID]; dup {
		return false, nil
	}
	f.seen[ev.EventID] = ev
	return true, nil
}

func signedWebhook(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	r := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", signed.Header)
	return r
}

func TestStripeWebhookQueuesOnce(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client := stripe.NewClient(stripe.Config{SecretKey: "sk_test", WebhookSecret: "whsec_test"}, logger)
	inbox := &fakeInbox{seen: map[string]*models.WebhookEvent{}}
	h := StripeWebhook(client, inbox, logger)

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": map[string]any{"id": "cs_1", "object": "checkout.session"}},
	})
	require.NoError(t, err)

	var body map[string]any
	rec := httptest.NewRecorder()
	h(rec, signedWebhook(t, "whsec_test", payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeBody(t, rec, &body)
	assert.Equal(t, "queued", body["status"])
	require.Contains(t, inbox.seen, "evt_1")
	assert.Equal(t, "checkout.session.completed", inbox.seen["evt_1"].EventType)
	assert.JSONEq(t, string(payload), string(inbox.seen["evt_1"].Payload))

	rec = httptest.NewRecorder()
	h(rec, signedWebhook(t, "whsec_test", payload))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &body)
	assert.Equal(t, "duplicate", body["status"])
}

func TestStripeWebhookRejections(t *testing.T) {
	logger, _ := test.NewNullLogger()
	payload := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","api_version":"2020-08-27","data":{"object":{}}}`)

	unconfigured := stripe.NewClient(stripe.Config{SecretKey: "sk_test"}, logger)
	rec := httptest.NewRecorder()
	StripeWebhook(unconfigured, &fakeInbox{seen: map[string]*models.WebhookEvent{}}, logger)(rec, signedWebhook(t, "whsec_test", payload))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	client := stripe.NewClient(stripe.Config{SecretKey: "sk_test", WebhookSecret: "whsec_test"}, logger)
	inbox := &fakeInbox{seen: map[string]*models.WebhookEvent{}}
	rec = httptest.NewRecorder()
	StripeWebhook(client, inbox, logger)(rec, signedWebhook(t, "whsec_other", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, inbox.seen)

	rec = httptest.NewRecorder()
	StripeWebhook(client, &fakeInbox{err: errors.New("db down")}, logger)(rec, signedWebhook(t, "whsec_test", payload))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeEventLookup struct {
	ev    *models.WebhookEvent
	stats *models.EventStats
}

func (f *fakeEventLookup) GetByEventID(ctx context.Context, eventID string) (*models.WebhookEvent, error) {
	if f.ev == nil || f.ev.EventID != eventID {
		return nil, store.ErrEventNotFound
	}
	cp := *f.ev
	return &cp, nil
}

func (f *fakeEventLookup) EventStats(ctx context.Context) (*models.EventStats, error) {
	return f.stats, nil
}

type fakeWorkerStats struct{}

func (fakeWorkerStats) GetStats() models.WorkerStats {
	return models.WorkerStats{EventsProcessed: 3, EventsSucceeded: 2, EventsFailed: 1}
}
