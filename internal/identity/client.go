package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 1 << 20

// Client wraps the GoTrue REST API exposed under <project>/auth/v1.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewClient creates a client for the identity provider at baseURL
// (e.g. https://xyz.supabase.co) authenticating with the project's anon key.
func NewClient(baseURL, apiKey string, httpClient *http.Client, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/auth/v1",
		apiKey:     apiKey,
		httpClient: httpClient,
		log:        log.WithField("component", "identity"),
		now:        time.Now,
	}
}

// tokenResponse covers both the session payload and the bare user payload
// returned by signup when e-mail confirmation is pending.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`

	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorResponse) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return "unknown error"
}

// SignIn exchanges an e-mail/password pair for a session.
func (c *Client) SignIn(ctx context.Context, creds Credentials) (*Session, error) {
	body := map[string]string{"email": creds.Email, "password": creds.Password}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", body, &resp); err != nil {
		return nil, fmt.Errorf("identity: sign in: %w", err)
	}

	session := c.sessionFrom(resp)
	if session == nil {
		return nil, fmt.Errorf("identity: sign in: %w", ErrInvalidCredentials)
	}
	return session, nil
}

// SignUp registers a new account. When the project requires e-mail
// confirmation the provider returns no session; SignUp then returns the
// created user with a nil session.
func (c *Client) SignUp(ctx context.Context, creds Credentials) (*Session, *User, error) {
	body := map[string]string{"email": creds.Email, "password": creds.Password}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/signup", "", body, &resp); err != nil {
		return nil, nil, fmt.Errorf("identity: sign up: %w", err)
	}

	if session := c.sessionFrom(resp); session != nil {
		user := session.User
		return session, &user, nil
	}
	if resp.ID != "" {
		return nil, &User{ID: resp.ID, Email: resp.Email}, nil
	}
	if resp.User != nil && resp.User.ID != "" {
		user := *resp.User
		return nil, &user, nil
	}
	return nil, nil, fmt.Errorf("identity: sign up: empty response")
}

// SignOut revokes the session's tokens at the provider.
func (c *Client) SignOut(ctx context.Context, session *Session) error {
	if !session.Authenticated() || session.AccessToken == "" {
		return ErrUnauthorized
	}
	if err := c.do(ctx, http.MethodPost, "/logout", session.AccessToken, nil, nil); err != nil {
		return fmt.Errorf("identity: sign out: %w", err)
	}
	return nil
}

// GetUser returns the user that owns accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	var user User
	if err := c.do(ctx, http.MethodGet, "/user", accessToken, nil, &user); err != nil {
		return nil, fmt.Errorf("identity: get user: %w", err)
	}
	if user.ID == "" {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

func (c *Client) sessionFrom(resp tokenResponse) *Session {
	if resp.AccessToken == "" || resp.User == nil || resp.User.ID == "" {
		return nil
	}

	session := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		User:         *resp.User,
	}
	switch {
	case resp.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(resp.ExpiresAt, 0).UTC()
	case resp.ExpiresIn > 0:
		session.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	return session
}

// HTTP helpers

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read identity response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		c.log.WithFields(logrus.Fields{
			"path":   strings.SplitN(path, "?", 2)[0],
			"status": resp.StatusCode,
		}).Warnf("identity provider rejected request: %s", apiErr.text())
		return statusError(path, resp.StatusCode, apiErr.text())
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse identity response: %w", err)
	}
	return nil
}

func statusError(path string, status int, msg string) error {
	credentialCall := strings.HasPrefix(path, "/token") || strings.HasPrefix(path, "/signup")
	switch {
	case credentialCall && (status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusUnprocessableEntity):
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	default:
		return fmt.Errorf("identity API error (%d): %s", status, msg)
	}
}
