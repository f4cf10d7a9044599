package relayqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/mailroute/logger"
	"github.com/migadu/mailroute/pkg/circuitbreaker"
	"github.com/migadu/mailroute/pkg/metrics"
	"github.com/migadu/mailroute/server/delivery"
)

// RelayQueue is the part of DiskQueue the worker uses.
type RelayQueue interface {
	AcquireNext() (*QueuedMessage, []byte, error)
	MarkSuccess(messageID string) error
	MarkFailure(messageID string, errorMsg string) error
	MarkPermanentFailure(messageID string, errorMsg string) error
	Release(messageID string) error
	GetStats() (pending, processing, failed int, err error)
}

type RelayHandler interface {
	SendToExternalRelay(ctx context.Context, from string, to []string, message []byte) error
}

// CircuitBreakerProvider is implemented by handlers guarded by a breaker.
type CircuitBreakerProvider interface {
	GetCircuitBreaker() *circuitbreaker.CircuitBreaker
}

// Worker delivers queued messages through a RelayHandler, up to
// concurrency at a time and batchSize per pass. A pass runs every interval
// and whenever NotifyQueued is called. Start and Stop are idempotent.
type Worker struct {
	queue        RelayQueue
	relayHandler RelayHandler
	interval     time.Duration
	batchSize    int
	concurrency  int
	notifyCh     chan struct{}
	stopCh       chan struct{}
	errCh        chan<- error
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewWorker builds a worker. errCh receives pass-level errors and may be
// nil.
func NewWorker(queue RelayQueue, relayHandler RelayHandler, interval time.Duration, batchSize, concurrency int, errCh chan<- error) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Worker{
		queue:        queue,
		relayHandler: relayHandler,
		interval:     interval,
		batchSize:    batchSize,
		concurrency:  concurrency,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		errCh:        errCh,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Relay: Worker started")
	return nil
}

// Stop waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	logger.Info("Relay: Worker stopped")
}

// NotifyQueued triggers a pass without waiting for the interval. It never
// blocks.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info("Relay: Worker processing", "interval", w.interval, "batch_size", w.batchSize, "concurrency", w.concurrency)

	if err := w.processQueue(ctx); err != nil {
		w.reportError(err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Relay: Worker stopped due to context cancellation")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		case <-w.notifyCh:
			if err := w.processQueue(ctx); err != nil {
				w.reportError(err)
			}
		}
	}
}

func (w *Worker) circuitBreakerState() (bool, circuitbreaker.State) {
	if provider, ok := w.relayHandler.(CircuitBreakerProvider); ok {
		if cb := provider.GetCircuitBreaker(); cb != nil {
			return true, cb.State()
		}
	}
	return false, circuitbreaker.StateClosed
}

// processQueue runs one pass. While the relay's breaker is not closed, the
// pass still acquires messages so that a probe can close it again.
func (w *Worker) processQueue(ctx context.Context) error {
	if ok, state := w.circuitBreakerState(); ok && state != circuitbreaker.StateClosed {
		logger.Info("Relay: Circuit breaker attempting recovery delivery", "state", state)
	}

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	processed := 0
	for processed < w.batchSize {
		if ctx.Err() != nil {
			wg.Wait()
			return nil
		}

		msg, messageBytes, err := w.queue.AcquireNext()
		if err != nil {
			wg.Wait()
			return fmt.Errorf("failed to acquire message: %w", err)
		}
		if msg == nil {
			break
		}

		select {
		case <-ctx.Done():
			if err := w.queue.Release(msg.ID); err != nil {
				logger.Error("Relay: Failed to release message", "id", msg.ID, "error", err)
			}
			wg.Wait()
			return nil
		case sem <- struct{}{}:
			wg.Add(1)
			go func(msg *QueuedMessage, messageBytes []byte) {
				defer wg.Done()
				defer func() { <-sem }()
				w.processMessage(ctx, msg, messageBytes)
			}(msg, messageBytes)
			processed++
		}
	}

	wg.Wait()

	if processed > 0 {
		pending, processing, failed, err := w.queue.GetStats()
		if err == nil {
			metrics.RelayQueueDepth.WithLabelValues("pending").Set(float64(pending))
			metrics.RelayQueueDepth.WithLabelValues("processing").Set(float64(processing))
			metrics.RelayQueueDepth.WithLabelValues("failed").Set(float64(failed))

			logger.Info("Relay: Processed messages", "count", processed,
				"pending", pending, "processing", processing, "failed", failed)
		}
	}
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg *QueuedMessage, messageBytes []byte) {
	age := time.Since(msg.QueuedAt)
	metrics.RelayQueueAge.Observe(age.Seconds())

	logger.Info("Relay: Processing message", "id", msg.ID, "mail", msg.Mail, "origin", msg.Origin,
		"from", msg.From, "recipients", len(msg.To), "attempt", msg.Attempts+1, "age", age)

	if w.relayHandler == nil {
		logger.Error("Relay: Relay handler not configured, marking as failed", "id", msg.ID)
		if err := w.queue.MarkFailure(msg.ID, "relay handler not configured"); err != nil {
			logger.Error("Relay: Failed to mark failure for message", "id", msg.ID, "error", err)
		}
		metrics.RelayDeliveries.WithLabelValues("no_handler").Inc()
		return
	}

	start := time.Now()
	err := w.relayHandler.SendToExternalRelay(ctx, msg.From, msg.To, messageBytes)
	duration := time.Since(start)

	switch {
	case err == nil:
		logger.Info("Relay: Delivered message", "id", msg.ID, "duration", duration)
		if markErr := w.queue.MarkSuccess(msg.ID); markErr != nil {
			logger.Error("Relay: Failed to mark success for message", "id", msg.ID, "error", markErr)
		}
		w.record("success", duration)

	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests):
		// not an attempt: the relay was never contacted
		logger.Warn("Relay: Circuit breaker preventing delivery, releasing back to queue", "id", msg.ID, "error", err)
		if releaseErr := w.queue.Release(msg.ID); releaseErr != nil {
			logger.Error("Relay: Failed to release message back to queue", "id", msg.ID, "error", releaseErr)
		}
		metrics.RelayDeliveries.WithLabelValues("circuit_breaker_blocked").Inc()

	case delivery.IsPermanentError(err):
		logger.Error("Relay: Permanent delivery failure, dropping message", "id", msg.ID, "error", err, "duration", duration)
		if markErr := w.queue.MarkPermanentFailure(msg.ID, err.Error()); markErr != nil {
			logger.Error("Relay: Failed to mark permanent failure for message", "id", msg.ID, "error", markErr)
		}
		w.record("permanent_failure", duration)

	default:
		logger.Warn("Relay: Temporary delivery failure, will retry", "id", msg.ID, "error", err, "duration", duration)
		if markErr := w.queue.MarkFailure(msg.ID, err.Error()); markErr != nil {
			logger.Error("Relay: Failed to mark failure for message", "id", msg.ID, "error", markErr)
		}
		w.record("temporary_failure", duration)
	}
}

func (w *Worker) record(result string, duration time.Duration) {
	metrics.RelayDeliveries.WithLabelValues(result).Inc()
	metrics.RelayDeliveryDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (w *Worker) reportError(err error) {
	if w.errCh != nil {
		select {
		case w.errCh <- err:
			return
		default:
		}
	}
	logger.Error("Relay: Worker error", "error", err)
}

func (w *Worker) GetStats() (pending, processing, failed int, err error) {
	return w.queue.GetStats()
}
