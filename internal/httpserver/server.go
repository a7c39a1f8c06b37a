package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/catalog"
	"github.com/PortNumber53/ada-education/backend/internal/config"
	"github.com/PortNumber53/ada-education/backend/internal/handlers"
	"github.com/PortNumber53/ada-education/backend/internal/identity"
	"github.com/PortNumber53/ada-education/backend/internal/middleware"
)

// Worker is the background webhook processor started and stopped with the server.
type Worker interface {
	Start(ctx context.Context)
	Stop(ctx context.Context) error
	handlers.WorkerStats
}

// Deps are the components the routes are served by.
type Deps struct {
	Catalog       *catalog.Catalog
	Authenticator middleware.TokenAuthenticator
	Identity      handlers.IdentityProvider
	AuthEvents    *identity.Events
	Checkout      handlers.CheckoutStarter
	Sessions      handlers.SessionCreator
	Resolver      handlers.StatusResolver
	Webhooks      handlers.EventVerifier
	Inbox         interface {
		handlers.EventInbox
		handlers.EventLookup
	}
	Worker Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     Worker
	log        logrus.FieldLogger
}

// New constructs an HTTP server using the provided configuration and components.
func New(cfg config.Config, deps Deps, log logrus.FieldLogger) *Server {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Logger)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Metrics)

	router.Get("/healthz", handlers.Health)
	router.Handle("/metrics", promhttp.Handler())

	router.Get("/api/plans", handlers.Plans(deps.Catalog))
	router.Post("/functions/v1/create-checkout", handlers.CreateCheckoutFunction(cfg.InternalAPIKey, deps.Authenticator, deps.Catalog, deps.Sessions, log))
	router.Post("/api/webhooks/stripe", handlers.StripeWebhook(deps.Webhooks, deps.Inbox, log))

	events := &handlers.WebhookEventHandler{Events: deps.Inbox, APIKey: cfg.InternalAPIKey, Log: log}
	if deps.Worker != nil {
		events.Worker = deps.Worker
	}
	events.RegisterRoutes(router)

	// Routes below act on behalf of the bearer of an access token.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(deps.Authenticator, log))

		handlers.NewAuthHandler(deps.Identity, deps.AuthEvents, log).RegisterRoutes(r)
		r.Post("/api/checkout", handlers.Checkout(deps.Checkout, log))
		r.Get("/api/subscription", handlers.CurrentSubscription(deps.Resolver))
		r.Get("/api/subscription/checkout-result", handlers.CheckoutResult(deps.Resolver))
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, log: log}
}

// writeTimeout leaves room for post-checkout resolution, which holds the
// response for up to the settle delay plus the polling bound.
func writeTimeout(cfg config.Config) time.Duration {
	d := cfg.CheckoutSettleDelay + cfg.CheckoutPollMaxWait + 5*time.Second
	if d < 15*time.Second {
		return 15 * time.Second
	}
	return d
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	if s.worker != nil {
		s.log.Info("starting webhook worker")
		s.worker.Start(context.Background())
	}
	s.log.WithField("addr", s.httpServer.Addr).Info("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		s.log.Info("shutting down webhook worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.log.WithError(werr).Warn("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
