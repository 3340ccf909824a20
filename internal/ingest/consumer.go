// Package ingest implements the Ingest Consumer: the long-running worker
// that drains ingest_events, applies state-transition rules to the Order
// aggregate under a per-order lock, and publishes change notifications.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/broadcast"
	"github.com/KarimHesham/logistics-sync-engine/internal/inbox"
	"github.com/KarimHesham/logistics-sync-engine/internal/orders"
	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
)

// Event type values carried on EventInbox.event_type.
const (
	EventShopifyCreated     = "SHOPIFY_CREATED"
	EventShopifyUpdated     = "SHOPIFY_UPDATED"
	EventCourierStatusUpdate = "COURIER_STATUS_UPDATE"
)

// MaxDeliveryAttempts bounds how many times a poison message is redelivered
// before the consumer dead-letters it by marking the inbox row FAILED. The
// queue keeps draining either way; this only stops an unprocessable
// message from blocking visibility forever.
const MaxDeliveryAttempts = 5

// ShopifyPayload is the subset of a merchant order payload the consumer
// reads. Address fields use pointers so an omitted JSON field (nil) is
// distinguishable from an explicit empty string: an omitted address field
// leaves the stored value unchanged, a present one (even empty) overwrites it.
type ShopifyPayload struct {
	CustomerID       *string `json:"customerId"`
	Status           *string `json:"status"`
	TotalAmount      *int64  `json:"totalAmount"`
	ShippingAddress1 *string `json:"shippingAddress1"`
	ShippingAddress2 *string `json:"shippingAddress2"`
	ShippingCity     *string `json:"shippingCity"`
	ShippingProvince *string `json:"shippingProvince"`
	ShippingZip      *string `json:"shippingZip"`
	ShippingCountry  *string `json:"shippingCountry"`
	ShippingFeeCents *int64  `json:"shippingFeeCents"`
}

// CourierPayload is the subset of a courier status payload the consumer
// reads.
type CourierPayload struct {
	TrackingNumber *string `json:"trackingNumber"`
	Status         *string `json:"status"`
}

// inboxMessage mirrors the body internal/inbox enqueues onto ingest_events.
type inboxMessage struct {
	InboxID int64 `json:"inbox_id"`
}

// Consumer drains ingest_events and drives Order state transitions.
type Consumer struct {
	db          *sql.DB
	queue       *queue.Queue
	broadcaster *broadcast.Broadcaster
	orderCache  *orders.Cache
	metrics     *metrics.Pipeline
	logger      *zap.Logger

	visibility     time.Duration
	maxPollSeconds time.Duration
	pollInterval   time.Duration
	batchSize      int
}

// WithOrderCache attaches a Redis-backed order read cache. Every order
// mutation this consumer commits invalidates that order's cached entry, so
// the api process's cache-aside reads never serve a row older than the
// ingest transaction that last touched it.
func (c *Consumer) WithOrderCache(cache *orders.Cache) *Consumer {
	c.orderCache = cache
	return c
}

// Config controls polling cadence; zero values fall back to spec.md §4.5's
// documented defaults.
type Config struct {
	Visibility     time.Duration
	MaxPollSeconds time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// New builds a Consumer over the given collaborators.
func New(db *sql.DB, q *queue.Queue, b *broadcast.Broadcaster, m *metrics.Pipeline, logger *zap.Logger, cfg Config) *Consumer {
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

	return &Consumer{
		db:             db,
		queue:          q,
		broadcaster:    b,
		metrics:        m,
		logger:         logger,
		visibility:     cfg.Visibility,
		maxPollSeconds: cfg.MaxPollSeconds,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
	}
}

// Run polls ingest_events until ctx is cancelled. A failed poll batch is
// restarted after a 1s backoff rather than halting the consumer.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("ingest consumer shutting down")
			return
		default:
		}

		if err := c.pollOnce(ctx); err != nil {
			c.logger.Error("ingest poll loop failed, restarting", zap.Error(err))
			time.Sleep(time.Second)
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest: poll loop panic: %v", r)
		}
	}()

	msgs, err := c.queue.ReadWithPoll(ctx, queue.IngestEvents, c.visibility, c.batchSize, c.maxPollSeconds, c.pollInterval)
	if err != nil {
		return fmt.Errorf("ingest: read with poll: %w", err)
	}

	for _, msg := range msgs {
		c.processMessage(ctx, msg)
	}
	return nil
}

// processMessage implements spec.md §4.5 step 1 (validate) outside the
// transaction, then drives the rest inside one transaction per message.
func (c *Consumer) processMessage(ctx context.Context, msg queue.Message) {
	var ref inboxMessage
	if err := json.Unmarshal(msg.Body, &ref); err != nil || ref.InboxID == 0 {
		c.logger.Warn("dropping malformed ingest message", zap.Int64("message_id", msg.ID), zap.Error(err))
		if delErr := c.queue.Delete(ctx, msg.ID); delErr != nil {
			c.logger.Error("failed to delete malformed ingest message", zap.Error(delErr))
		}
		return
	}

	if msg.ReadCount > MaxDeliveryAttempts {
		c.deadLetter(ctx, msg, ref.InboxID)
		return
	}

	if err := c.processInTx(ctx, msg.ID, ref.InboxID); err != nil {
		c.logger.Error("ingest transaction failed, message will be redelivered",
			zap.Int64("inbox_id", ref.InboxID), zap.Error(err))
	}
}

// deadLetter marks the inbox row FAILED and removes the queue message
// after it has exhausted MaxDeliveryAttempts redeliveries, in its own
// transaction so the two stay consistent.
func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message, inboxID int64) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		c.logger.Error("failed to begin dead-letter tx", zap.Error(err))
		return
	}
	defer tx.Rollback()

	if err := inbox.MarkFailed(ctx, tx, inboxID); err != nil {
		c.logger.Error("failed to mark inbox row failed", zap.Error(err))
		return
	}
	if err := queue.Delete(ctx, tx, msg.ID); err != nil {
		c.logger.Error("failed to delete dead-lettered message", zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		c.logger.Error("failed to commit dead-letter tx", zap.Error(err))
		return
	}

	c.metrics.EventsFailed.Inc()
	c.logger.Warn("event dead-lettered after exhausting delivery attempts",
		zap.Int64("inbox_id", inboxID), zap.Int("read_count", msg.ReadCount))
}

// processInTx implements spec.md §4.5 steps 2-9: one transaction covering
// the advisory lock, the order mutation, the inbox status transition, and
// the queue delete. The broadcast publish (step 10) happens only after
// commit succeeds.
func (c *Consumer) processInTx(ctx context.Context, queueMsgID, inboxID int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	ev, err := inbox.GetTx(ctx, tx, inboxID)
	if err != nil {
		// Operational anomaly per spec.md §4.5 step 3: proceed is not
		// possible without the row, so the message is redelivered.
		return fmt.Errorf("load inbox row %d: %w", inboxID, err)
	}

	if err := orders.AdvisoryLock(ctx, tx, ev.OrderID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	order, err := orders.GetTx(ctx, tx, ev.OrderID)
	if err != nil {
		if err != orders.ErrNotFound {
			return fmt.Errorf("load order %s: %w", ev.OrderID, err)
		}
		if ev.EventType == EventShopifyCreated {
			order = nil // created by the CREATED branch below
		} else {
			customerID := extractCustomerID(ev.Payload)
			order, err = orders.CreatePartial(ctx, tx, ev.OrderID, customerID)
			if err != nil {
				return fmt.Errorf("create partial order %s: %w", ev.OrderID, err)
			}
		}
	}

	if order != nil && order.LastEventTS.Valid && ev.EventTS.Before(order.LastEventTS.Time) {
		if err := inbox.MarkIgnoredStale(ctx, tx, inboxID); err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
		if err := queue.Delete(ctx, tx, queueMsgID); err != nil {
			return fmt.Errorf("delete queue message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		c.metrics.EventsIgnoredStale.Inc()
		return nil
	}

	var event broadcast.ShipmentUpdateEvent
	switch ev.EventType {
	case EventShopifyCreated, EventShopifyUpdated:
		event, err = c.applyShopifyEvent(ctx, tx, ev)
	case EventCourierStatusUpdate:
		event, err = c.applyCourierEvent(ctx, tx, ev)
	default:
		err = fmt.Errorf("unrecognized event type %q", ev.EventType)
	}
	if err != nil {
		return fmt.Errorf("apply event: %w", err)
	}

	if err := inbox.MarkProcessed(ctx, tx, inboxID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	if err := queue.Delete(ctx, tx, queueMsgID); err != nil {
		return fmt.Errorf("delete queue message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	c.metrics.EventsProcessed.Inc()
	if c.orderCache != nil {
		if err := c.orderCache.Invalidate(ctx, event.OrderID); err != nil {
			c.logger.Warn("failed to invalidate order cache entry", zap.String("order_id", event.OrderID), zap.Error(err))
		}
	}
	c.broadcaster.Publish(event)
	return nil
}

// applyShopifyEvent implements spec.md §4.5 step 7's SHOPIFY_CREATED /
// SHOPIFY_UPDATED branch. The broadcast summary is keyed off ev.EventType,
// not off whether an Order row already existed: a courier event can create
// a PENDING_PARTIAL row before the real create webhook arrives, so "does an
// Order already exist" and "is this the create event" are independent
// questions.
func (c *Consumer) applyShopifyEvent(ctx context.Context, tx *sql.Tx, ev *inbox.Event) (broadcast.ShipmentUpdateEvent, error) {
	var payload ShopifyPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("decode shopify payload: %w", err)
	}

	upd := orders.ShopifyUpdate{
		Status:           payload.Status,
		CustomerID:       payload.CustomerID,
		TotalAmount:      payload.TotalAmount,
		ShippingAddress1: payload.ShippingAddress1,
		ShippingAddress2: payload.ShippingAddress2,
		ShippingCity:     payload.ShippingCity,
		ShippingProvince: payload.ShippingProvince,
		ShippingZip:      payload.ShippingZip,
		ShippingCountry:  payload.ShippingCountry,
		ShippingFeeCents: payload.ShippingFeeCents,
		EventTS:          ev.EventTS,
	}

	updated, err := orders.ApplyShopifyUpdate(ctx, tx, ev.OrderID, upd)
	if err != nil {
		return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("apply shopify update: %w", err)
	}

	changed := changedShopifyFields(payload)
	snapshot := orderSnapshot(updated)

	if err := queue.Enqueue(ctx, tx, queue.ShopifyOutbound, outboundPayload{
		OrderID:       ev.OrderID,
		ChangedFields: changed,
		Snapshot:      snapshot,
	}, 0); err != nil {
		return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("enqueue outbound: %w", err)
	}

	summary := "Order Updated"
	if ev.EventType == EventShopifyCreated {
		summary = "Order Created"
	}

	return broadcast.ShipmentUpdateEvent{
		OrderID:       ev.OrderID,
		ServerTS:      time.Now(),
		ChangedFields: changed,
		Summary:       summary,
	}, nil
}

// applyCourierEvent implements spec.md §4.5 step 7's COURIER_STATUS_UPDATE
// branch.
func (c *Consumer) applyCourierEvent(ctx context.Context, tx *sql.Tx, ev *inbox.Event) (broadcast.ShipmentUpdateEvent, error) {
	var payload CourierPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("decode courier payload: %w", err)
	}

	if payload.TrackingNumber != nil {
		if _, err := orders.UpsertShipment(ctx, tx, ev.OrderID, payload.Status, payload.TrackingNumber); err != nil {
			return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("upsert shipment: %w", err)
		}
	}

	if err := orders.AdvanceLastEventTS(ctx, tx, ev.OrderID, ev.EventTS); err != nil {
		return broadcast.ShipmentUpdateEvent{}, fmt.Errorf("advance last_event_ts: %w", err)
	}

	status := ""
	if payload.Status != nil {
		status = *payload.Status
	}

	return broadcast.ShipmentUpdateEvent{
		OrderID:       ev.OrderID,
		ServerTS:      time.Now(),
		ChangedFields: map[string]any{"courierStatus": status},
		Summary:       fmt.Sprintf("Shipment Update: %s", status),
	}, nil
}

// outboundPayload mirrors outbound.Payload; duplicated here rather than
// imported to avoid a cyclic dependency between ingest and outbound.
type outboundPayload struct {
	OrderID       string         `json:"orderId"`
	ChangedFields map[string]any `json:"changedFields"`
	Snapshot      map[string]any `json:"snapshot"`
}

func orderSnapshot(o *orders.Order) map[string]any {
	return map[string]any{
		"orderId":          o.OrderID,
		"customerId":       o.CustomerID,
		"status":           o.Status,
		"totalAmount":      o.TotalAmount,
		"shippingAddress1": nullString(o.ShippingAddress1),
		"shippingAddress2": nullString(o.ShippingAddress2),
		"shippingCity":     nullString(o.ShippingCity),
		"shippingProvince": nullString(o.ShippingProvince),
		"shippingZip":      nullString(o.ShippingZip),
		"shippingCountry":  nullString(o.ShippingCountry),
		"shippingFeeCents": o.ShippingFeeCents,
	}
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func changedShopifyFields(p ShopifyPayload) map[string]any {
	changed := map[string]any{}
	if p.Status != nil {
		changed["status"] = *p.Status
	}
	if p.TotalAmount != nil {
		changed["totalAmount"] = *p.TotalAmount
	}
	if p.ShippingAddress1 != nil {
		changed["shippingAddress1"] = *p.ShippingAddress1
	}
	if p.ShippingAddress2 != nil {
		changed["shippingAddress2"] = *p.ShippingAddress2
	}
	if p.ShippingCity != nil {
		changed["shippingCity"] = *p.ShippingCity
	}
	if p.ShippingProvince != nil {
		changed["shippingProvince"] = *p.ShippingProvince
	}
	if p.ShippingZip != nil {
		changed["shippingZip"] = *p.ShippingZip
	}
	if p.ShippingCountry != nil {
		changed["shippingCountry"] = *p.ShippingCountry
	}
	if p.ShippingFeeCents != nil {
		changed["shippingFeeCents"] = *p.ShippingFeeCents
	}
	return changed
}

func extractCustomerID(payload json.RawMessage) string {
	var p ShopifyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.CustomerID == nil {
		return "unknown"
	}
	return *p.CustomerID
}
