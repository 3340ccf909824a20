// Package httpapi implements the ingress adapters that sit above the
// Event Inbox and the Change Broadcaster: the two webhook endpoints, the
// order read endpoints, and the dashboard SSE stream.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/KarimHesham/logistics-sync-engine/internal/broadcast"
	"github.com/KarimHesham/logistics-sync-engine/internal/inbox"
	"github.com/KarimHesham/logistics-sync-engine/internal/orders"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
)

// Handler serves every ingress adapter named in spec.md §4.8 and §6.
type Handler struct {
	inbox       *inbox.Store
	db          *sql.DB
	orderCache  *orders.Cache
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
}

// New builds a Handler over the given collaborators. orderCache may be nil,
// in which case GET /orders/:id reads Postgres directly on every request.
func New(inboxStore *inbox.Store, db *sql.DB, orderCache *orders.Cache, b *broadcast.Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{inbox: inboxStore, db: db, orderCache: orderCache, broadcaster: b, logger: logger}
}

// Register attaches every route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/shopify/orders", h.handleShopifyWebhook)
	mux.HandleFunc("POST /events/courier/status_update", h.handleCourierEvent)
	mux.HandleFunc("GET /orders", h.handleListOrders)
	mux.HandleFunc("GET /orders/{id}", h.handleGetOrder)
	mux.HandleFunc("GET /stream/shipments", h.handleStreamShipments)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

// shopifyOrderPayload is the subset of a merchant order webhook body the
// ingress adapter reads to derive event_type-independent fields; the full
// body is retained opaquely as the inbox payload.
type shopifyOrderPayload struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (h *Handler) handleShopifyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readAndReMarshal(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var parsed shopifyOrderPayload
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.ID == "" {
		writeError(w, http.StatusBadRequest, "missing required field: id")
		return
	}

	eventType := r.Header.Get("x-shopify-topic")
	if eventType == "" {
		eventType = "SHOPIFY_UPDATED"
	}
	upstreamID := r.Header.Get("x-shopify-webhook-id")

	eventTS := firstNonEmptyTimestamp(parsed.UpdatedAt, parsed.CreatedAt)

	h.insertAndRespond(w, r, "shopify", upstreamID, parsed.ID, eventType, eventTS, body)
}

// courierEventPayload is the body of the courier status webhook.
type courierEventPayload struct {
	OrderID   string `json:"orderId"`
	EventType string `json:"eventType"`
	EventTS   string `json:"eventTs"`
}

func (h *Handler) handleCourierEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readAndReMarshal(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var parsed courierEventPayload
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if parsed.OrderID == "" || parsed.EventType == "" || parsed.EventTS == "" {
		writeError(w, http.StatusBadRequest, "missing required field: orderId, eventType, or eventTs")
		return
	}

	eventTS, err := time.Parse(time.RFC3339, parsed.EventTS)
	if err != nil {
		writeError(w, http.StatusBadRequest, "eventTs must be RFC3339")
		return
	}

	h.insertAndRespond(w, r, "courier", "", parsed.OrderID, parsed.EventType, eventTS, body)
}

func (h *Handler) insertAndRespond(w http.ResponseWriter, r *http.Request, source, upstreamID, orderID, eventType string, eventTS time.Time, body []byte) {
	ev, err := h.inbox.Insert(r.Context(), source, upstreamID, orderID, eventType, eventTS, body)
	if errors.Is(err, inbox.ErrDuplicate) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "Duplicate ignored"})
		return
	}
	if err != nil {
		h.logger.Error("inbox insert failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to accept event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "Accepted", "id": ev.ID})
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	cursor := r.URL.Query().Get("cursor")

	list, err := orders.List(r.Context(), h.db, cursor, limit)
	if err != nil {
		h.logger.Error("list orders failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")

	var order *orders.Order
	var err error
	if h.orderCache != nil {
		order, err = h.orderCache.GetCached(r.Context(), h.db, orderID)
	} else {
		order, err = orders.Get(r.Context(), h.db, orderID)
	}
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("get order failed", slog.String("order_id", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	shipment, err := orders.GetShipment(r.Context(), h.db, orderID)
	if err != nil {
		h.logger.Error("get shipment failed", slog.String("order_id", orderID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to get shipment")
		return
	}

	var shipments []*orders.Shipment
	if shipment != nil {
		shipments = append(shipments, shipment)
	}

	writeJSON(w, http.StatusOK, map[string]any{"order": order, "shipments": shipments})
}

// handleStreamShipments serves a Server-Sent-Events stream of shipment
// change notifications, one event per §4.7 Publish call, named
// "shipment_update".
func (h *Handler) handleStreamShipments(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcaster.Subscribe()
	defer sub.Unsubscribe()

	connectionID := uuid.NewString()
	h.logger.Info("dashboard stream connected", slog.String("connection_id", connectionID))
	defer h.logger.Info("dashboard stream disconnected", slog.String("connection_id", connectionID))

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("marshal shipment update failed", slog.Any("error", err))
				continue
			}
			fmt.Fprintf(w, "event: shipment_update\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readAndReMarshal(r *http.Request) ([]byte, error) {
	var v any
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func firstNonEmptyTimestamp(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// middleware below mirrors the teacher's gateway app.go composition:
// responseRecorder + metrics + CORS wrapping the mux.

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware records one HTTP observation per request via m.
func MetricsMiddleware(m *metrics.HTTP, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.Record(r.Method, r.URL.Path, strconv.Itoa(rec.statusCode), time.Since(start))
	})
}

// CORSMiddleware allows the dashboard origin to call across origins and
// answers CORS preflight requests.
func CORSMiddleware(allowedOrigins map[string]bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
