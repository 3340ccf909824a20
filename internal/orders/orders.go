// Package orders implements the Order/Shipment aggregate store and the
// per-order advisory-lock serializer that guards every mutation to it.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Distinguished order status for an order created by a non-create event.
const StatusPendingPartial = "PENDING_PARTIAL"

// ErrNotFound is returned when an order lookup misses.
var ErrNotFound = errors.New("orders: not found")

// Order is the canonical per-order-key state.
type Order struct {
	ID               int64
	OrderID          string
	CustomerID       string
	Status           string
	TotalAmount      int64
	ShippingAddress1 sql.NullString
	ShippingAddress2 sql.NullString
	ShippingCity     sql.NullString
	ShippingProvince sql.NullString
	ShippingZip      sql.NullString
	ShippingCountry  sql.NullString
	ShippingFeeCents int64
	LastEventTS      sql.NullTime
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Shipment is the tracking record owned by one Order.
type Shipment struct {
	ID             int64
	OrderID        string
	CourierStatus  sql.NullString
	TrackingNumber sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AdvisoryLock serializes every concurrent transaction touching orderID,
// while letting transactions on other order ids proceed in parallel. The
// lock is scoped to tx: Postgres releases it automatically at commit or
// rollback. Call this before reading the order row so every reader inside
// the lock observes a consistent view.
func AdvisoryLock(ctx context.Context, tx *sql.Tx, orderID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID)
	if err != nil {
		return fmt.Errorf("orders: advisory lock for %s: %w", orderID, err)
	}
	return nil
}

// GetTx loads the order by orderID within tx. Returns ErrNotFound when
// absent.
func GetTx(ctx context.Context, tx *sql.Tx, orderID string) (*Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, selectOrderSQL, orderID))
}

// Get loads the order by orderID outside any transaction, for read paths
// like the HTTP ingress adapters.
func Get(ctx context.Context, db *sql.DB, orderID string) (*Order, error) {
	return scanOrder(db.QueryRowContext(ctx, selectOrderSQL, orderID))
}

const selectOrderSQL = `
	SELECT id, order_id, customer_id, status, total_amount,
	       shipping_address1, shipping_address2, shipping_city, shipping_province, shipping_zip, shipping_country,
	       shipping_fee_cents, last_event_ts, created_at, updated_at
	FROM orders WHERE order_id = $1 AND deleted_at IS NULL
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID, &o.OrderID, &o.CustomerID, &o.Status, &o.TotalAmount,
		&o.ShippingAddress1, &o.ShippingAddress2, &o.ShippingCity, &o.ShippingProvince, &o.ShippingZip, &o.ShippingCountry,
		&o.ShippingFeeCents, &o.LastEventTS, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("orders: scan order: %w", err)
	}
	return &o, nil
}

// List returns up to limit orders with order_id strictly greater than
// cursor, ordered by order_id, for cursor-paginated listing.
func List(ctx context.Context, db *sql.DB, cursor string, limit int) ([]*Order, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, order_id, customer_id, status, total_amount,
		       shipping_address1, shipping_address2, shipping_city, shipping_province, shipping_zip, shipping_country,
		       shipping_fee_cents, last_event_ts, created_at, updated_at
		FROM orders
		WHERE deleted_at IS NULL AND order_id > $1
		ORDER BY order_id
		LIMIT $2
	`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("orders: list: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("orders: list rows: %w", err)
	}
	return out, nil
}

// CreatePartial inserts a minimal Order row with status PENDING_PARTIAL,
// used when a non-create event arrives before the order's create event.
func CreatePartial(ctx context.Context, tx *sql.Tx, orderID, customerID string) (*Order, error) {
	if customerID == "" {
		customerID = "unknown"
	}
	return scanOrder(tx.QueryRowContext(ctx, `
		INSERT INTO orders (order_id, customer_id, status, total_amount, shipping_fee_cents, last_event_ts)
		VALUES ($1, $2, $3, 0, 0, 'epoch')
		RETURNING id, order_id, customer_id, status, total_amount,
		          shipping_address1, shipping_address2, shipping_city, shipping_province, shipping_zip, shipping_country,
		          shipping_fee_cents, last_event_ts, created_at, updated_at
	`, orderID, customerID, StatusPendingPartial))
}

// ShopifyUpdate carries the fields a SHOPIFY_CREATED/SHOPIFY_UPDATED event
// applies to an Order. Address pointer fields are nil when the field is
// entirely absent from the payload and therefore left untouched; callers
// that want to clear a field send a non-nil pointer to an empty string,
// which stores an empty string (not NULL). An absent field is never nulled
// on update.
type ShopifyUpdate struct {
	Status           *string
	CustomerID       *string
	TotalAmount      *int64
	ShippingAddress1 *string
	ShippingAddress2 *string
	ShippingCity     *string
	ShippingProvince *string
	ShippingZip      *string
	ShippingCountry  *string
	ShippingFeeCents *int64
	EventTS          time.Time
}

// ApplyShopifyUpdate applies upd to the order identified by orderID,
// inserting the row when it does not exist yet (a SHOPIFY_CREATED event for
// an order_id seen for the first time) and updating it otherwise. Fields
// the payload omitted (nil pointers) fall back to a fresh-row default on
// insert or are left as-is on update; fields the payload carried (including
// as empty string) overwrite unconditionally, which is how a later event
// blanks out an earlier one's value. last_event_ts always advances to
// upd.EventTS.
func ApplyShopifyUpdate(ctx context.Context, tx *sql.Tx, orderID string, upd ShopifyUpdate) (*Order, error) {
	customerID := "unknown"
	if upd.CustomerID != nil {
		customerID = *upd.CustomerID
	}
	status := StatusPendingPartial
	if upd.Status != nil {
		status = *upd.Status
	}
	var totalAmount, shippingFeeCents int64
	if upd.TotalAmount != nil {
		totalAmount = *upd.TotalAmount
	}
	if upd.ShippingFeeCents != nil {
		shippingFeeCents = *upd.ShippingFeeCents
	}

	return scanOrder(tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			order_id, customer_id, status, total_amount,
			shipping_address1, shipping_address2, shipping_city, shipping_province, shipping_zip, shipping_country,
			shipping_fee_cents, last_event_ts
		)
		VALUES ($1, $19, $20, $21, $6, $8, $10, $12, $14, $16, $22, $18)
		ON CONFLICT (order_id) DO UPDATE SET
			status             = COALESCE($2, orders.status),
			customer_id        = COALESCE($3, orders.customer_id),
			total_amount       = COALESCE($4, orders.total_amount),
			shipping_address1  = CASE WHEN $5::boolean THEN $6 ELSE orders.shipping_address1 END,
			shipping_address2  = CASE WHEN $7::boolean THEN $8 ELSE orders.shipping_address2 END,
			shipping_city      = CASE WHEN $9::boolean THEN $10 ELSE orders.shipping_city END,
			shipping_province  = CASE WHEN $11::boolean THEN $12 ELSE orders.shipping_province END,
			shipping_zip       = CASE WHEN $13::boolean THEN $14 ELSE orders.shipping_zip END,
			shipping_country   = CASE WHEN $15::boolean THEN $16 ELSE orders.shipping_country END,
			shipping_fee_cents = COALESCE($17, orders.shipping_fee_cents),
			last_event_ts      = $18,
			updated_at         = now()
		RETURNING id, order_id, customer_id, status, total_amount,
		          shipping_address1, shipping_address2, shipping_city, shipping_province, shipping_zip, shipping_country,
		          shipping_fee_cents, last_event_ts, created_at, updated_at
	`,
		orderID,
		upd.Status, upd.CustomerID, upd.TotalAmount,
		upd.ShippingAddress1 != nil, nullableString(upd.ShippingAddress1),
		upd.ShippingAddress2 != nil, nullableString(upd.ShippingAddress2),
		upd.ShippingCity != nil, nullableString(upd.ShippingCity),
		upd.ShippingProvince != nil, nullableString(upd.ShippingProvince),
		upd.ShippingZip != nil, nullableString(upd.ShippingZip),
		upd.ShippingCountry != nil, nullableString(upd.ShippingCountry),
		upd.ShippingFeeCents,
		upd.EventTS,
		customerID, status, totalAmount,
		shippingFeeCents,
	))
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// AdvanceLastEventTS moves last_event_ts to eventTS without touching any
// other field, used when an event has effects that don't land on the Order
// row itself (e.g. a courier update with no tracking number yet).
func AdvanceLastEventTS(ctx context.Context, tx *sql.Tx, orderID string, eventTS time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET last_event_ts = $2, updated_at = now() WHERE order_id = $1
	`, orderID, eventTS)
	if err != nil {
		return fmt.Errorf("orders: advance last_event_ts for %s: %w", orderID, err)
	}
	return nil
}

// UpsertShipment finds the shipment owned by orderID and updates it, or
// inserts a new one. The schema carries no unique constraint on
// shipments.order_id, so this is a lookup-then-mutate sequence; it is safe
// only because the caller already holds the per-order advisory lock.
func UpsertShipment(ctx context.Context, tx *sql.Tx, orderID string, courierStatus, trackingNumber *string) (*Shipment, error) {
	var existingID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM shipments WHERE order_id = $1`, orderID).Scan(&existingID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return scanShipment(tx.QueryRowContext(ctx, `
			INSERT INTO shipments (order_id, courier_status, tracking_number)
			VALUES ($1, $2, $3)
			RETURNING id, order_id, courier_status, tracking_number, created_at, updated_at
		`, orderID, courierStatus, trackingNumber))
	case err != nil:
		return nil, fmt.Errorf("orders: lookup shipment for %s: %w", orderID, err)
	default:
		return scanShipment(tx.QueryRowContext(ctx, `
			UPDATE shipments SET
				courier_status  = COALESCE($2, courier_status),
				tracking_number = COALESCE($3, tracking_number),
				updated_at      = now()
			WHERE id = $1
			RETURNING id, order_id, courier_status, tracking_number, created_at, updated_at
		`, existingID, courierStatus, trackingNumber))
	}
}

func scanShipment(row rowScanner) (*Shipment, error) {
	var s Shipment
	if err := row.Scan(&s.ID, &s.OrderID, &s.CourierStatus, &s.TrackingNumber, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("orders: scan shipment: %w", err)
	}
	return &s, nil
}

// GetShipment returns the shipment owned by orderID, if any.
func GetShipment(ctx context.Context, db *sql.DB, orderID string) (*Shipment, error) {
	s, err := scanShipment(db.QueryRowContext(ctx, `
		SELECT id, order_id, courier_status, tracking_number, created_at, updated_at
		FROM shipments WHERE order_id = $1
	`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}
