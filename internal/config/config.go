package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// AppBaseURL is the public origin of the web app; checkout success and
	// cancel URLs are built from it.
	AppBaseURL string

	// SupabaseURL is the identity provider's project URL (e.g. "https://xyz.supabase.co").
	SupabaseURL string

	// SupabaseAnonKey is the project's public API key, sent as the apikey
	// header. It grants nothing on this service's own routes.
	SupabaseAnonKey string

	// CheckoutFunctionURL is the checkout-creation endpoint. Defaults to the
	// project's create-checkout function.
	CheckoutFunctionURL string

	// CheckoutFunctionKey is the bearer token sent to CheckoutFunctionURL.
	// Defaults to SupabaseAnonKey.
	CheckoutFunctionKey string

	// InternalAPIKey guards the /internal routes and lets trusted callers
	// create checkout sessions for any user. Those routes refuse every
	// request when it is empty.
	InternalAPIKey string

	StripeSecretKey string

	// StripeWebhookSecret verifies webhook signatures. When empty the webhook
	// route answers 503.
	StripeWebhookSecret string

	// StripeAPIURL overrides the Stripe API base URL (stripe-mock, tests).
	StripeAPIURL string

	// RedisURL enables cross-instance activation notifications when set.
	RedisURL string

	LogLevel logrus.Level

	// CheckoutSettleDelay is how long post-checkout resolution waits before
	// the first lookup.
	CheckoutSettleDelay time.Duration

	// CheckoutPollMaxWait bounds post-checkout polling after the settle delay.
	CheckoutPollMaxWait time.Duration
}

const (
	defaultServerAddress       = ":18111"
	defaultAppBaseURL          = "http://localhost:5173"
	defaultLogLevel            = "info"
	defaultCheckoutSettleDelay = 2 * time.Second
	defaultCheckoutPollMaxWait = 30 * time.Second
	checkoutFunctionPath       = "/functions/v1/create-checkout"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppBaseURL          = "APP_BASE_URL"
	envSupabaseURL         = "SUPABASE_URL"
	envSupabaseAnonKey     = "SUPABASE_ANON_KEY"
	envCheckoutFunctionURL = "CHECKOUT_FUNCTION_URL"
	envCheckoutFunctionKey = "CHECKOUT_FUNCTION_KEY"
	envInternalAPIKey      = "INTERNAL_API_KEY"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripeAPIURL        = "STRIPE_API_URL"
	envRedisURL            = "REDIS_URL"
	envLogLevel            = "LOG_LEVEL"
	envCheckoutSettleDelay = "CHECKOUT_SETTLE_DELAY"
	envCheckoutPollMaxWait = "CHECKOUT_POLL_MAX_WAIT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		AppBaseURL:          strings.TrimRight(firstNonEmpty(os.Getenv(envAppBaseURL), defaultAppBaseURL), "/"),
		SupabaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv(envSupabaseURL)), "/"),
		SupabaseAnonKey:     strings.TrimSpace(os.Getenv(envSupabaseAnonKey)),
		CheckoutFunctionURL: strings.TrimSpace(os.Getenv(envCheckoutFunctionURL)),
		CheckoutFunctionKey: strings.TrimSpace(os.Getenv(envCheckoutFunctionKey)),
		InternalAPIKey:      strings.TrimSpace(os.Getenv(envInternalAPIKey)),
		StripeSecretKey:     strings.TrimSpace(os.Getenv(envStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv(envStripeWebhookSecret)),
		StripeAPIURL:        strings.TrimRight(strings.TrimSpace(os.Getenv(envStripeAPIURL)), "/"),
		RedisURL:            strings.TrimSpace(os.Getenv(envRedisURL)),
	}

	required := []struct {
		name, value string
	}{
		{envDatabaseURL, cfg.DatabaseURL},
		{envSupabaseURL, cfg.SupabaseURL},
		{envSupabaseAnonKey, cfg.SupabaseAnonKey},
		{envStripeSecretKey, cfg.StripeSecretKey},
	}
	for _, r := range required {
		if r.value == "" {
			return Config{}, fmt.Errorf("%s is required", r.name)
		}
	}

	for _, u := range []struct {
		name, value string
	}{
		{envAppBaseURL, cfg.AppBaseURL},
		{envSupabaseURL, cfg.SupabaseURL},
		{envCheckoutFunctionURL, cfg.CheckoutFunctionURL},
		{envStripeAPIURL, cfg.StripeAPIURL},
	} {
		if u.value == "" {
			continue
		}
		if err := validateHTTPURL(u.value); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", u.name, err)
		}
	}

	if cfg.CheckoutFunctionURL == "" {
		cfg.CheckoutFunctionURL = cfg.SupabaseURL + checkoutFunctionPath
	}
	if cfg.CheckoutFunctionKey == "" {
		cfg.CheckoutFunctionKey = cfg.SupabaseAnonKey
	}
	if cfg.InternalAPIKey != "" && cfg.InternalAPIKey == cfg.SupabaseAnonKey {
		return Config{}, fmt.Errorf("%s must differ from %s", envInternalAPIKey, envSupabaseAnonKey)
	}

	level, err := logrus.ParseLevel(firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envLogLevel, err)
	}
	cfg.LogLevel = level

	if cfg.CheckoutSettleDelay, err = durationEnv(envCheckoutSettleDelay, defaultCheckoutSettleDelay); err != nil {
		return Config{}, err
	}
	if cfg.CheckoutPollMaxWait, err = durationEnv(envCheckoutPollMaxWait, defaultCheckoutPollMaxWait); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", name)
	}
	return d, nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Database is the subset of configuration needed by tools that only touch
// the database.
type Database struct {
	DatabaseURL string
	LogLevel    logrus.Level
}

// LoadDatabase reads DATABASE_URL and LOG_LEVEL only.
func LoadDatabase() (Database, error) {
	dsn := strings.TrimSpace(os.Getenv(envDatabaseURL))
	if dsn == "" {
		return Database{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	level, err := logrus.ParseLevel(firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel))
	if err != nil {
		return Database{}, fmt.Errorf("invalid %s: %w", envLogLevel, err)
	}
	return Database{DatabaseURL: dsn, LogLevel: level}, nil
}
