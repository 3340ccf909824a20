// Package inbox implements the Event Inbox: the single point where every
// inbound event is deduplicated and durably recorded before anything else
// happens to it.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/dedupe"
	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
)

// Inbox status values. StatusDuplicateIgnored is part of the enumeration
// for completeness but is never written: a duplicate event fails its unique
// constraint before a row exists to carry any status (see Insert).
const (
	StatusReceived        = "RECEIVED"
	StatusProcessed       = "PROCESSED"
	StatusIgnoredStale    = "IGNORED_STALE"
	StatusDuplicateIgnored = "DUPLICATE_IGNORED"
	StatusFailed          = "FAILED"
)

// uniqueViolation is the Postgres error code for a unique_violation.
const uniqueViolation = "23505"

// ErrDuplicate is returned by Insert when dedupe_key already exists.
var ErrDuplicate = errors.New("inbox: duplicate event")

// Event is one row accepted into the inbox.
type Event struct {
	ID        int64
	DedupeKey string
	Source    string
	OrderID   string
	EventType string
	EventTS   time.Time
	Payload   json.RawMessage
	Status    string
}

// Store writes events into the inbox and enqueues them for processing in
// one transaction, so a committed inbox row is always matched by a queued
// message, and vice versa.
type Store struct {
	db      *sql.DB
	queue   *queue.Queue
	metrics *metrics.Pipeline
	logger  *zap.Logger
}

// New builds a Store over db, sharing q for enqueueing accepted events.
func New(db *sql.DB, q *queue.Queue, m *metrics.Pipeline, logger *zap.Logger) *Store {
	return &Store{db: db, queue: q, metrics: m, logger: logger}
}

// Insert computes the dedupe key for the event and, if it has not been seen
// before, records it and enqueues it onto the ingest queue atomically. It
// returns ErrDuplicate (and performs no enqueue) when the key already
// exists — this is the sole de-duplication mechanism in the system.
func (s *Store) Insert(ctx context.Context, source, upstreamID, orderID, eventType string, eventTS time.Time, payload json.RawMessage) (*Event, error) {
	key, err := dedupe.Key(source, upstreamID, orderID, eventType, eventTS, payload)
	if err != nil {
		return nil, fmt.Errorf("inbox: compute dedupe key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("inbox: begin tx: %w", err)
	}
	defer tx.Rollback()

	var ev Event
	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_inbox (dedupe_key, source, order_id, event_type, event_ts, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, dedupe_key, source, order_id, event_type, event_ts, payload, status
	`, key, source, orderID, eventType, eventTS, []byte(payload), StatusReceived).Scan(
		&ev.ID, &ev.DedupeKey, &ev.Source, &ev.OrderID, &ev.EventType, &ev.EventTS, &ev.Payload, &ev.Status,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			s.metrics.InboxDuplicate.Inc()
			s.logger.Debug("duplicate event rejected", zap.String("dedupe_key", key))
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("inbox: insert event: %w", err)
	}

	if err := queue.Enqueue(ctx, tx, queue.IngestEvents, inboxMessage{InboxID: ev.ID}, 0); err != nil {
		return nil, fmt.Errorf("inbox: enqueue accepted event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("inbox: commit tx: %w", err)
	}

	s.metrics.InboxInserted.Inc()
	s.logger.Info("event accepted",
		zap.Int64("inbox_id", ev.ID),
		zap.String("order_id", orderID),
		zap.String("event_type", eventType),
	)

	return &ev, nil
}

// inboxMessage is the body enqueued onto the ingest queue: a pointer back
// to the full inbox row rather than a copy of the payload, so the consumer
// always re-reads authoritative state.
type inboxMessage struct {
	InboxID int64 `json:"inbox_id"`
}

// Get loads one inbox row by id.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	var ev Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dedupe_key, source, order_id, event_type, event_ts, payload, status
		FROM event_inbox WHERE id = $1
	`, id).Scan(&ev.ID, &ev.DedupeKey, &ev.Source, &ev.OrderID, &ev.EventType, &ev.EventTS, &ev.Payload, &ev.Status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inbox: event %d: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("inbox: get event %d: %w", id, err)
	}
	return &ev, nil
}

// GetTx is Get scoped to an existing transaction, used by the ingest
// consumer so the read participates in the same serializable unit of work
// as the order mutation it drives.
func GetTx(ctx context.Context, tx *sql.Tx, id int64) (*Event, error) {
	var ev Event
	err := tx.QueryRowContext(ctx, `
		SELECT id, dedupe_key, source, order_id, event_type, event_ts, payload, status
		FROM event_inbox WHERE id = $1
	`, id).Scan(&ev.ID, &ev.DedupeKey, &ev.Source, &ev.OrderID, &ev.EventType, &ev.EventTS, &ev.Payload, &ev.Status)
	if err != nil {
		return nil, fmt.Errorf("inbox: get event %d: %w", id, err)
	}
	return &ev, nil
}

// MarkProcessed marks id as PROCESSED within tx.
func MarkProcessed(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE event_inbox SET status = $1, processed_at = now(), updated_at = now() WHERE id = $2
	`, StatusProcessed, id)
	if err != nil {
		return fmt.Errorf("inbox: mark %d processed: %w", id, err)
	}
	return nil
}

// MarkIgnoredStale marks id as IGNORED_STALE within tx: the event was
// superseded by one already applied and the Order was left untouched.
func MarkIgnoredStale(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE event_inbox SET status = $1, processed_at = now(), updated_at = now() WHERE id = $2
	`, StatusIgnoredStale, id)
	if err != nil {
		return fmt.Errorf("inbox: mark %d ignored stale: %w", id, err)
	}
	return nil
}

// MarkFailed marks id as FAILED within tx, taking it out of the retry path
// permanently — the dead-letter outcome for an event that exhausted its
// delivery attempts.
func MarkFailed(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE event_inbox SET status = $1, processed_at = now(), updated_at = now() WHERE id = $2
	`, StatusFailed, id)
	if err != nil {
		return fmt.Errorf("inbox: mark %d failed: %w", id, err)
	}
	return nil
}

// InboxIDFromMessage extracts the inbox id a queued ingest message refers
// to.
func InboxIDFromMessage(body json.RawMessage) (int64, error) {
	var msg inboxMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return 0, fmt.Errorf("inbox: decode queue message: %w", err)
	}
	return msg.InboxID, nil
}
