package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/checkout"
	"github.com/PortNumber53/ada-education/backend/internal/config"
	"github.com/PortNumber53/ada-education/backend/internal/httpserver"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/migrations"
	"github.com/PortNumber53/ada-education/backend/internal/notify"
	"github.com/PortNumber53/ada-education/backend/internal/store"
	"github.com/PortNumber53/ada-education/backend/internal/stripe"
	"github.com/PortNumber53/ada-education/backend/internal/subscription"
	"github.com/PortNumber53/ada-education/backend/internal/worker"
)

const (
	processedEventRetention = 30 * 24 * time.Hour
	eventCleanupInterval    = time.Hour
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	log.SetLevel(cfg.LogLevel)

	cat := catalog.Default()
	if err := cat.Validate(); err != nil {
		log.WithError(err).Fatal("invalid plan catalog")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	logDBTarget(log, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary", log); err != nil {
		log.WithError(err).Fatal("failed to apply database migrations")
	}

	subs, err := store.New(db)
	if err != nil {
		log.WithError(err).Fatal("failed to create store")
	}
	events, err := store.NewEventStore(db)
	if err != nil {
		log.WithError(err).Fatal("failed to create event store")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifier := newNotifier(runCtx, cfg, log)
	defer notifier.Close()

	identityClient := identity.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, nil, log)
	authEvents := identity.NewEvents()
	authenticator := identity.NewAuthenticator(identityClient, 0, 0, log)
	go authenticator.Watch(runCtx, authEvents)

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIURL:        cfg.StripeAPIURL,
		AppBaseURL:    cfg.AppBaseURL,
	}, log)
	if cfg.InternalAPIKey == "" {
		log.Warn("INTERNAL_API_KEY not set; /internal routes are disabled")
	}
	if !stripeClient.WebhookConfigured() {
		log.Warn("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}

	initiator := checkout.NewInitiator(checkout.Config{
		EndpointURL: cfg.CheckoutFunctionURL,
		FunctionKey: cfg.CheckoutFunctionKey,
	}, cat, stripeClient, log)

	poll := subscription.DefaultPollConfig()
	poll.SettleDelay = cfg.CheckoutSettleDelay
	poll.MaxWait = cfg.CheckoutPollMaxWait
	resolver := subscription.NewResolver(subs, cat, notifier, poll, log)

	eventWorker := worker.New(worker.DefaultConfig(), events, log)
	worker.RegisterStripeHandlers(eventWorker, subs, notifier)

	go pruneProcessedEvents(runCtx, events, log)

	srv := httpserver.New(cfg, httpserver.Deps{
		Catalog:       cat,
		Authenticator: authenticator,
		Identity:      identityClient,
		AuthEvents:    authEvents,
		Checkout:      initiator,
		Sessions:      stripeClient,
		Resolver:      resolver,
		Webhooks:      stripeClient,
		Inbox:         events,
		Worker:        eventWorker,
	}, log)

	go func() {
		<-runCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
	}()

	log.WithField("addr", cfg.ServerAddress).Info("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

// closingNotifier is a notify.Notifier that owns resources.
type closingNotifier interface {
	notify.Notifier
	Close() error
}

func newNotifier(ctx context.Context, cfg config.Config, log logrus.FieldLogger) closingNotifier {
	if cfg.RedisURL == "" {
		log.Info("activation notifications: in-process")
		return notify.NewMemory()
	}
	r, err := notify.NewRedis(ctx, cfg.RedisURL, log)
	if err != nil {
		log.WithError(err).Warn("redis unavailable; activation notifications are in-process only")
		return notify.NewMemory()
	}
	log.Info("activation notifications: redis")
	return r
}

func pruneProcessedEvents(ctx context.Context, events *store.EventStore, log logrus.FieldLogger) {
	ticker := time.NewTicker(eventCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := events.CleanupProcessedEvents(ctx, processedEventRetention)
			if err != nil {
				log.WithError(err).Warn("failed to prune processed webhook events")
				continue
			}
			if n > 0 {
				log.WithField("deleted", n).Info("pruned processed webhook events")
			}
		}
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string, log logrus.FieldLogger) error {
	log = log.WithField("db", name)
	if err := migrations.Up(db, log); err != nil {
		if !strings.Contains(err.Error(), "Dirty database version") {
			return err
		}
		log.WithError(err).Warn("dirty database detected, attempting to fix")
		if fixErr := migrations.FixDirtyDatabase(db, log); fixErr != nil {
			log.WithError(fixErr).Error("failed to fix dirty database")
			return err
		}
		return migrations.Up(db, log)
	}
	return nil
}

func logDBTarget(log logrus.FieldLogger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.WithField("db", name).WithError(err).Info("database configured (dsn not parseable)")
		return
	}
	log.WithFields(logrus.Fields{
		"db":       name,
		"host":     u.Hostname(),
		"database": strings.TrimPrefix(u.Path, "/"),
	}).Info("database target")
}
