package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/KarimHesham/logistics-sync-engine/internal/queue"
	"github.com/KarimHesham/logistics-sync-engine/internal/telemetry/metrics"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := metrics.NewPipeline("inbox_test_" + strings.ReplaceAll(t.Name(), "/", "_"))
	return New(db, queue.New(db), m, zap.NewNop()), mock
}

func TestInsert_SuccessInsertsAndEnqueuesAtomically(t *testing.T) {
	store, mock := newTestStore(t)

	orderID, eventType := "A1", "COURIER_STATUS_UPDATE"
	eventTS := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"status":"in_transit"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO event_inbox").
		WithArgs(sqlmock.AnyArg(), "courier", orderID, eventType, eventTS, []byte(payload), StatusReceived).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "dedupe_key", "source", "order_id", "event_type", "event_ts", "payload", "status",
		}).AddRow(int64(1), "deadbeef", "courier", orderID, eventType, eventTS, []byte(payload), StatusReceived))
	mock.ExpectExec("INSERT INTO queue_messages").
		WithArgs(queue.IngestEvents, sqlmock.AnyArg(), 0.0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ev, err := store.Insert(context.Background(), "courier", "", orderID, eventType, eventTS, payload)
	if err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
	if ev.ID != 1 || ev.Status != StatusReceived {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if got := testutil.ToFloat64(store.metrics.InboxInserted); got != 1 {
		t.Fatalf("InboxInserted = %v, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsert_UniqueViolationReturnsErrDuplicateWithoutEnqueue(t *testing.T) {
	store, mock := newTestStore(t)

	eventTS := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"status":"in_transit"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO event_inbox").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	ev, err := store.Insert(context.Background(), "courier", "", "A1", "COURIER_STATUS_UPDATE", eventTS, payload)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got error %v, want ErrDuplicate", err)
	}
	if ev != nil {
		t.Fatalf("expected nil event on duplicate, got %+v", ev)
	}
	if got := testutil.ToFloat64(store.metrics.InboxDuplicate); got != 1 {
		t.Fatalf("InboxDuplicate = %v, want 1", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations (enqueue must not run on duplicate): %v", err)
	}
}

func TestGetTx_ReadsRowWithinTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	eventTS := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	mock.ExpectQuery("FROM event_inbox").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "dedupe_key", "source", "order_id", "event_type", "event_ts", "payload", "status",
		}).AddRow(int64(5), "k", "shopify", "A1", "SHOPIFY_CREATED", eventTS, []byte(`{}`), StatusReceived))

	ev, err := GetTx(context.Background(), tx, 5)
	if err != nil {
		t.Fatalf("GetTx returned error: %v", err)
	}
	if ev.ID != 5 || ev.OrderID != "A1" || ev.EventType != "SHOPIFY_CREATED" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	mock.ExpectCommit()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkProcessed_UpdatesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	mock.ExpectExec("UPDATE event_inbox SET status").
		WithArgs(StatusProcessed, int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := MarkProcessed(context.Background(), tx, 5); err != nil {
		t.Fatalf("MarkProcessed returned error: %v", err)
	}
	mock.ExpectCommit()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkIgnoredStale_UpdatesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	mock.ExpectExec("UPDATE event_inbox SET status").
		WithArgs(StatusIgnoredStale, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := MarkIgnoredStale(context.Background(), tx, 7); err != nil {
		t.Fatalf("MarkIgnoredStale returned error: %v", err)
	}
	mock.ExpectCommit()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkFailed_UpdatesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	mock.ExpectExec("UPDATE event_inbox SET status").
		WithArgs(StatusFailed, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := MarkFailed(context.Background(), tx, 9); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}
	mock.ExpectCommit()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInboxIDFromMessage_DecodesBody(t *testing.T) {
	id, err := InboxIDFromMessage(json.RawMessage(`{"inbox_id":42}`))
	if err != nil {
		t.Fatalf("InboxIDFromMessage returned error: %v", err)
	}
	if id != 42 {
		t.Fatalf("got %d, want 42", id)
	}
}
