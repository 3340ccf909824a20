// Package outbound implements the Outbound Dispatcher: a long-running
// worker that drains the shopify_outbound queue under a rate limit and
// pushes order snapshots upstream.
package outbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/ratelimit"
	"github.com/KarimHesham/logistics-sync-engine/internal/shopify"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
)

// Payload is the body enqueued onto shopify_outbound by the Ingest
// Consumer: the changed-field map plus the order snapshot after the
// triggering update.
type Payload struct {
	OrderID       string         `json:"orderId"`
	ChangedFields map[string]any `json:"changedFields"`
	Snapshot      map[string]any `json:"snapshot"`
}

// Dispatcher drains shopify_outbound respecting limiter and pushing via
// client.
type Dispatcher struct {
	db      *sql.DB
	queue   *queue.Queue
	limiter ratelimit.Limiter
	client  *shopify.Client
	metrics *metrics.Pipeline
	logger  *zap.Logger

	visibility     time.Duration
	maxPollSeconds time.Duration
	pollInterval   time.Duration
	batchSize      int
}

// Config controls polling cadence; zero values fall back to spec defaults.
type Config struct {
	Visibility     time.Duration
	MaxPollSeconds time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// New builds a Dispatcher over the given collaborators.
func New(db *sql.DB, q *queue.Queue, limiter ratelimit.Limiter, client *shopify.Client, m *metrics.Pipeline, logger *zap.Logger, cfg Config) *Dispatcher {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.MaxPollSeconds <= 0 {
		cfg.MaxPollSeconds = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2
	}

	return &Dispatcher{
		db:             db,
		queue:          q,
		limiter:        limiter,
		client:         client,
		metrics:        m,
		logger:         logger,
		visibility:     cfg.Visibility,
		maxPollSeconds: cfg.MaxPollSeconds,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
	}
}

// Run polls shopify_outbound until ctx is cancelled, processing each
// claimed batch before checking for shutdown again. A poll-loop panic or
// error is recovered and restarted after a 1s backoff so one bad batch
// cannot halt the dispatcher.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbound dispatcher shutting down")
			return
		default:
		}

		if err := d.pollOnce(ctx); err != nil {
			d.logger.Error("outbound poll loop failed, restarting", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbound: poll loop panic: %v", r)
		}
	}()

	msgs, err := d.queue.ReadWithPoll(ctx, queue.ShopifyOutbound, d.visibility, d.batchSize, d.maxPollSeconds, d.pollInterval)
	if err != nil {
		return fmt.Errorf("outbound: read with poll: %w", err)
	}

	for _, msg := range msgs {
		d.processMessage(ctx, msg)
	}
	return nil
}

func (d *Dispatcher) processMessage(ctx context.Context, msg queue.Message) {
	var payload Payload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.logger.Warn("dropping malformed outbound message", zap.Int64("message_id", msg.ID), zap.Error(err))
		if delErr := d.queue.Delete(ctx, msg.ID); delErr != nil {
			d.logger.Error("failed to delete malformed outbound message", zap.Error(delErr))
		}
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn("rate limiter wait aborted", zap.Error(err))
		return
	}

	result, err := d.client.PushOrder(ctx, payload.OrderID, payload.Snapshot)
	if err != nil {
		d.logger.Error("upstream push failed, leaving for redelivery", zap.String("order_id", payload.OrderID), zap.Error(err))
		return
	}

	switch classifyStatus(result.StatusCode) {
	case outcomeRetry:
		d.retryWithDelay(ctx, msg.ID, payload, result.RetryAfter)
	case outcomeSuccess:
		if err := d.queue.Delete(ctx, msg.ID); err != nil {
			d.logger.Error("failed to delete dispatched outbound message", zap.Error(err))
			return
		}
		d.metrics.OutboundDispatched.Inc()
	default:
		d.logger.Warn("upstream rejected push, dropping",
			zap.String("order_id", payload.OrderID), zap.Int("status", result.StatusCode))
		if err := d.queue.Delete(ctx, msg.ID); err != nil {
			d.logger.Error("failed to delete rejected outbound message", zap.Error(err))
		}
	}
}

// outcome classifies an upstream response for dispatch bookkeeping.
type outcome int

const (
	outcomeDrop outcome = iota
	outcomeRetry
	outcomeSuccess
)

// classifyStatus maps an upstream HTTP status to the dispatcher's handling
// per spec.md §4.6 steps 3-5.
func classifyStatus(statusCode int) outcome {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return outcomeRetry
	case statusCode >= 200 && statusCode < 300:
		return outcomeSuccess
	default:
		return outcomeDrop
	}
}

// retryWithDelay re-enqueues payload with the upstream's requested delay
// and deletes the original message atomically, so a crash between the two
// cannot duplicate or lose the retry.
func (d *Dispatcher) retryWithDelay(ctx context.Context, msgID int64, payload Payload, delay time.Duration) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.logger.Error("failed to begin retry tx", zap.Error(err))
		return
	}
	defer tx.Rollback()

	if err := queue.Enqueue(ctx, tx, queue.ShopifyOutbound, payload, delay); err != nil {
		d.logger.Error("failed to re-enqueue throttled message", zap.Error(err))
		return
	}
	if err := queue.Delete(ctx, tx, msgID); err != nil {
		d.logger.Error("failed to delete throttled message", zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		d.logger.Error("failed to commit retry tx", zap.Error(err))
		return
	}

	d.metrics.OutboundRetried.Inc()
	d.logger.Info("upstream throttled, re-enqueued with delay",
		zap.String("order_id", payload.OrderID), zap.Duration("delay", delay))
}
