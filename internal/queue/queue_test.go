package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestEnqueue_InsertsMarshaledBodyWithDelay(t *testing.T) {
	db, mock := newTestDB(t)

	body := struct {
		InboxID int64 `json:"inbox_id"`
	}{InboxID: 7}
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	mock.ExpectExec("INSERT INTO queue_messages").
		WithArgs(IngestEvents, payload, 5.0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := Enqueue(context.Background(), db, IngestEvents, body, 5*time.Second); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDelete_RemovesByID(t *testing.T) {
	db, mock := newTestDB(t)

	mock.ExpectExec("DELETE FROM queue_messages").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := Delete(context.Background(), db, 42); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaim_ScansReturnedRows(t *testing.T) {
	db, mock := newTestDB(t)
	q := New(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "body", "read_count", "enqueued_at"}).
		AddRow(int64(1), []byte(`{"inbox_id":7}`), 1, now)

	mock.ExpectQuery("UPDATE queue_messages").
		WithArgs(30.0, IngestEvents, 2).
		WillReturnRows(rows)

	msgs, err := q.claim(context.Background(), IngestEvents, 30*time.Second, 2)
	if err != nil {
		t.Fatalf("claim returned error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].ReadCount != 1 {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if string(msgs[0].Body) != `{"inbox_id":7}` {
		t.Fatalf("unexpected body: %s", msgs[0].Body)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaim_EmptyResultReturnsNoMessagesNoError(t *testing.T) {
	db, mock := newTestDB(t)
	q := New(db)

	rows := sqlmock.NewRows([]string{"id", "body", "read_count", "enqueued_at"})
	mock.ExpectQuery("UPDATE queue_messages").
		WithArgs(30.0, ShopifyOutbound, 2).
		WillReturnRows(rows)

	msgs, err := q.claim(context.Background(), ShopifyOutbound, 30*time.Second, 2)
	if err != nil {
		t.Fatalf("claim returned error: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages, want 0", len(msgs))
	}
}

func TestReadWithPoll_ReturnsImmediatelyOnHit(t *testing.T) {
	db, mock := newTestDB(t)
	q := New(db)

	rows := sqlmock.NewRows([]string{"id", "body", "read_count", "enqueued_at"}).
		AddRow(int64(9), []byte(`{}`), 0, time.Now())
	mock.ExpectQuery("UPDATE queue_messages").
		WithArgs(30.0, IngestEvents, 5).
		WillReturnRows(rows)

	msgs, err := q.ReadWithPoll(context.Background(), IngestEvents, 30*time.Second, 5, 2*time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadWithPoll returned error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != 9 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestReadWithPoll_StopsOnContextCancellation(t *testing.T) {
	db, mock := newTestDB(t)
	q := New(db)

	emptyRows := sqlmock.NewRows([]string{"id", "body", "read_count", "enqueued_at"})
	mock.ExpectQuery("UPDATE queue_messages").
		WithArgs(30.0, IngestEvents, 5).
		WillReturnRows(emptyRows)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	msgs, err := q.ReadWithPoll(ctx, IngestEvents, 30*time.Second, 5, 10*time.Second, 50*time.Millisecond)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got error %v, want context.Canceled", err)
	}
	if msgs != nil {
		t.Fatalf("expected nil messages on cancellation, got %+v", msgs)
	}
}

func TestDepth_CountsVisibleMessages(t *testing.T) {
	db, mock := newTestDB(t)
	q := New(db)

	mock.ExpectQuery("SELECT count").
		WithArgs(ShopifyOutbound).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	depth, err := q.Depth(context.Background(), ShopifyOutbound)
	if err != nil {
		t.Fatalf("Depth returned error: %v", err)
	}
	if depth != 3 {
		t.Fatalf("got depth %d, want 3", depth)
	}
}
