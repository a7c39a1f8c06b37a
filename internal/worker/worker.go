// Package worker drains the Stripe webhook inbox: a pool of processors claims
// events, dispatches them by type, retries failures with backoff and shuts
// down gracefully.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/ada-education/backend/internal/models"
)

// Handler processes one webhook event.
type Handler func(ctx context.Context, ev *models.WebhookEvent) error

// Handlers maps event types to their handlers.
type Handlers map[string]Handler

// Queue is the inbox the worker drains.
type Queue interface {
	ClaimNextEvent(ctx context.Context, workerID string) (*models.WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, id int64) error
	MarkEventFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleEventRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseEvent(ctx context.Context, id int64) error
}

var webhookEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stripe_webhook_events_total",
		Help: "Stripe webhook events handled by the worker, by type and result.",
	},
	[]string{"type", "result"},
)

// Config holds worker configuration.
type Config struct {
	// MaxConcurrent is the number of concurrent processors.
	MaxConcurrent int
	// PollInterval is the time between polls of an empty inbox.
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff.
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff.
	RetryBackoffMultiplier float64
	// EventTimeout is the maximum time allowed for one event.
	EventTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for processors during shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		EventTimeout:           30 * time.Second,
		ShutdownTimeout:        30 * time.Second,
	}
}

// Worker is the webhook inbox processor.
type Worker struct {
	config   Config
	queue    Queue
	handlers Handlers
	log      logrus.FieldLogger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	started  bool
	stopped  bool
	mu       sync.RWMutex

	// activeEvents tracks events being processed for graceful shutdown
	activeEvents map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	eventsProcessed int64
	eventsSucceeded int64
	eventsFailed    int64
	eventsRetried   int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance.
func New(config Config, queue Queue, log logrus.FieldLogger) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.EventTimeout <= 0 {
		config.EventTimeout = def.EventTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	id := generateWorkerID()
	return &Worker{
		config:       config,
		queue:        queue,
		handlers:     make(Handlers),
		log:          log.WithFields(logrus.Fields{"component": "worker", "worker_id": id}),
		workerID:     id,
		stopCh:       make(chan struct{}),
		activeEvents: make(map[int64]context.CancelFunc),
	}
}

// RegisterHandler sets the handler for an event type.
func (w *Worker) RegisterHandler(eventType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[eventType] = h
}

func (w *Worker) handler(eventType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[eventType]
	return h, ok
}

// Start begins the processor pool. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}

	w.log.Infof("started %d processors", w.config.MaxConcurrent)
}

// Stop gracefully shuts down the worker.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.log.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.releaseActiveEvents(context.Background())
		w.log.Warn("shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine.
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.log.WithField("processor", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if err := w.ProcessNext(ctx); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				log.WithError(err).Error("claim failed")
			}
			w.sleep(ctx)
		}
	}
}

// ProcessNext claims and processes one event. When the inbox is empty it
// waits one poll interval.
func (w *Worker) ProcessNext(ctx context.Context) error {
	ev, err := w.queue.ClaimNextEvent(ctx, w.workerID)
	if err != nil {
		return err
	}
	if ev == nil {
		w.sleep(ctx)
		return nil
	}

	w.processEvent(ctx, ev)
	return nil
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
	}
}

// processEvent handles the execution of a single event.
func (w *Worker) processEvent(ctx context.Context, ev *models.WebhookEvent) {
	start := time.Now()

	eventCtx, cancel := context.WithTimeout(ctx, w.config.EventTimeout)
	defer cancel()

	w.trackActiveEvent(ev.ID, cancel)
	defer w.untrackActiveEvent(ev.ID)

	log := w.log.WithFields(logrus.Fields{
		"event_id":   ev.EventID,
		"event_type": ev.EventType,
		"attempt":    ev.Attempts,
	})

	h, ok := w.handler(ev.EventType)
	if !ok {
		log.Info("no handler for event type; marking processed")
		webhookEvents.WithLabelValues(ev.EventType, "ignored").Inc()
		w.handleSuccess(eventCtx, ev, start, log)
		return
	}

	if err := h(eventCtx, ev); err != nil {
		w.handleError(eventCtx, ev, err, start, log)
		return
	}
	webhookEvents.WithLabelValues(ev.EventType, "processed").Inc()
	w.handleSuccess(eventCtx, ev, start, log)
}

// handleError handles a failure, retrying if attempts remain.
func (w *Worker) handleError(ctx context.Context, ev *models.WebhookEvent, err error, start time.Time, log logrus.FieldLogger) {
	log = log.WithError(err).WithField("duration", time.Since(start).String())

	w.statsMu.Lock()
	w.eventsProcessed++
	w.eventsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if ev.CanRetry() {
		delay := w.RetryDelay(ev.Attempts)

		w.statsMu.Lock()
		w.eventsRetried++
		w.statsMu.Unlock()
		webhookEvents.WithLabelValues(ev.EventType, "retried").Inc()

		log.Warnf("event failed; retrying in %v (attempt %d/%d)", delay, ev.Attempts, ev.MaxAttempts)
		if serr := w.queue.ScheduleEventRetry(ctx, ev.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			log.WithField("store_error", serr.Error()).Error("failed to schedule retry")
		}
		return
	}

	webhookEvents.WithLabelValues(ev.EventType, "failed").Inc()
	log.Errorf("event exhausted all %d attempts, marking as failed", ev.MaxAttempts)
	if merr := w.queue.MarkEventFailed(ctx, ev.ID, err.Error()); merr != nil {
		log.WithField("store_error", merr.Error()).Error("failed to mark event failed")
	}
}

// handleSuccess marks an event processed.
func (w *Worker) handleSuccess(ctx context.Context, ev *models.WebhookEvent, start time.Time, log logrus.FieldLogger) {
	w.statsMu.Lock()
	w.eventsProcessed++
	w.eventsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	log.WithField("duration", time.Since(start).String()).Debug("event processed")
	if err := w.queue.MarkEventProcessed(ctx, ev.ID); err != nil {
		log.WithError(err).Error("failed to mark event processed")
	}
}

// RetryDelay returns the backoff before retrying after the given attempt,
// with ±20% jitter.
func (w *Worker) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (w *Worker) trackActiveEvent(id int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeEvents[id] = cancel
}

func (w *Worker) untrackActiveEvent(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeEvents, id)
}

// releaseActiveEvents cancels in-flight events and returns them to pending.
func (w *Worker) releaseActiveEvents(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.activeEvents))
	for id, cancel := range w.activeEvents {
		cancel()
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		if err := w.queue.ReleaseEvent(ctx, id); err != nil {
			w.log.WithError(err).WithField("id", id).Error("failed to release event")
		} else {
			w.log.WithField("id", id).Info("released event back to pending")
		}
	}
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() models.WorkerStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	active := len(w.activeEvents)
	w.mu.RUnlock()

	stats := models.WorkerStats{
		EventsProcessed: w.eventsProcessed,
		EventsSucceeded: w.eventsSucceeded,
		EventsFailed:    w.eventsFailed,
		EventsRetried:   w.eventsRetried,
		ActiveEvents:    active,
	}
	if !w.lastProcessedAt.IsZero() {
		last := w.lastProcessedAt
		stats.LastProcessedAt = &last
	}
	return stats
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
